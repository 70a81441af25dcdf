package whisper

import "context"

const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

// Options are the per-call decoding knobs. Zero values mean "use the engine
// default"; an empty Language means auto-detect.
type Options struct {
	Language                string
	Task                    string
	BeamSize                int
	VADFilter               bool
	ChunkLength             int
	LogProbThreshold        *float64
	NoSpeechThreshold       *float64
	ConditionOnPreviousText *bool
}

// Segment is a time-bounded span of recognized speech. The confidence fields
// are only populated by engines that report them.
type Segment struct {
	ID           int     `json:"id"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	AvgLogProb   float64 `json:"avg_logprob,omitempty"`
	NoSpeechProb float64 `json:"no_speech_prob,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// Result is the structured outcome of one transcription call. Segments keep
// the order the engine produced them in.
type Result struct {
	Task                string    `json:"task"`
	Language            string    `json:"language"`
	LanguageProbability float64   `json:"language_probability,omitempty"`
	Duration            float64   `json:"duration"`
	Segments            []Segment `json:"segments"`
}

type Engine interface {
	Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error)
}
