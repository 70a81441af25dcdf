package source

// Payload is the union of request shapes accepted by the worker. Clients send
// one of several equivalent layouts; Resolve picks the first recognized one.
type Payload struct {
	Files *FilesEnvelope `json:"files,omitempty"`
	Input *Input         `json:"input,omitempty"`

	// Legacy top-level fields, kept for older clients.
	File     string `json:"file,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
}

// FilesEnvelope is the file-upload-style wrapper some clients send.
type FilesEnvelope struct {
	File *UploadedFile `json:"file,omitempty"`
}

type UploadedFile struct {
	Content string `json:"content,omitempty"`
}

// Input carries the audio source plus per-request transcription options.
type Input struct {
	File     string `json:"file,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`

	Language                *string  `json:"language,omitempty"`
	BeamSize                *int     `json:"beam_size,omitempty"`
	VADFilter               *bool    `json:"vad_filter,omitempty"`
	Translate               *bool    `json:"translate,omitempty"`
	ChunkLength             *int     `json:"chunk_length_s,omitempty"`
	LogProbThreshold        *float64 `json:"log_prob_threshold,omitempty"`
	NoSpeechThreshold       *float64 `json:"no_speech_threshold,omitempty"`
	ConditionOnPreviousText *bool    `json:"condition_on_previous_text,omitempty"`
}
