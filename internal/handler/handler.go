// Package handler orchestrates one worker invocation: stage the audio,
// obtain the shared engine, transcribe, and shape the response envelope.
package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxserve/internal/audio"
	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/source"
	"github.com/fmueller/voxserve/internal/whisper"
	"go.uber.org/zap"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// EngineProvider hands out the process-wide engine singleton.
type EngineProvider interface {
	Engine(ctx context.Context) (whisper.Engine, error)
}

// AudioResolver stages request audio into a local temp file.
type AudioResolver interface {
	Resolve(ctx context.Context, p *source.Payload) (string, error)
}

// Response is the envelope returned for every invocation. A bad request
// never fails the transport; it becomes a status "error" envelope.
type Response struct {
	Status  string          `json:"status"`
	Result  *whisper.Result `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
}

type Handler struct {
	cfg      config.Config
	provider EngineProvider
	resolver AudioResolver
	logger   *zap.Logger
}

func New(cfg config.Config, provider EngineProvider, resolver AudioResolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cfg: cfg, provider: provider, resolver: resolver, logger: logger}
}

// Handle processes one request payload. Errors from any stage are converted
// into an error envelope; the temp audio file is removed on every path.
func (h *Handler) Handle(ctx context.Context, p *source.Payload) Response {
	result, err := h.process(ctx, p)
	if err != nil {
		h.logger.Warn("request failed", zap.Error(err))
		return Response{Status: StatusError, Message: err.Error()}
	}
	return Response{Status: StatusOK, Result: result}
}

func (h *Handler) process(ctx context.Context, p *source.Payload) (*whisper.Result, error) {
	audioPath, err := h.resolver.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	// Best-effort cleanup; a failed removal must not fail the request.
	defer func() {
		_ = os.Remove(audioPath)
	}()

	engine, err := h.provider.Engine(ctx)
	if err != nil {
		return nil, err
	}

	var input *source.Input
	if p != nil {
		input = p.Input
	}
	opts, err := h.options(input)
	if err != nil {
		return nil, err
	}

	wavInfo, isWAV := h.probeWAV(audioPath)

	if h.cfg.SilenceGate && isWAV && wavInfo.IsSilent(h.cfg.SilenceThresholdDBFS) {
		h.logger.Info("audio considered silent; skipping transcription",
			zap.String("audio", audioPath),
			zap.Float64("rms_dbfs", wavInfo.RMSdBFS),
			zap.Float64("threshold_dbfs", h.cfg.SilenceThresholdDBFS),
		)
		return &whisper.Result{
			Task:     opts.Task,
			Language: opts.Language,
			Duration: wavInfo.Duration,
			Segments: []whisper.Segment{},
		}, nil
	}

	h.logger.Info("starting transcription",
		zap.String("task", opts.Task),
		zap.String("language", displayLanguage(opts.Language)),
		zap.Int("beam_size", opts.BeamSize),
		zap.Bool("vad_filter", opts.VADFilter),
	)

	result, err := engine.Transcribe(ctx, audioPath, opts)
	if err != nil {
		return nil, err
	}

	if result.Duration == 0 && isWAV {
		result.Duration = wavInfo.Duration
	}

	return &result, nil
}

// options merges the request overrides over the process-wide defaults.
func (h *Handler) options(in *source.Input) (whisper.Options, error) {
	noSpeech := h.cfg.NoSpeechThreshold
	opts := whisper.Options{
		Language:          h.cfg.DefaultLanguage,
		Task:              whisper.TaskTranscribe,
		BeamSize:          h.cfg.DefaultBeamSize,
		VADFilter:         h.cfg.VADFilter,
		ChunkLength:       h.cfg.ChunkLength,
		NoSpeechThreshold: &noSpeech,
	}

	if in == nil {
		return opts, nil
	}

	if in.Language != nil {
		lang := strings.TrimSpace(strings.ToLower(*in.Language))
		if lang == "auto" {
			lang = ""
		}
		opts.Language = lang
	}
	if in.BeamSize != nil {
		if *in.BeamSize < 1 {
			return whisper.Options{}, fmt.Errorf("beam_size must be a positive integer, got %d", *in.BeamSize)
		}
		opts.BeamSize = *in.BeamSize
	}
	if in.VADFilter != nil {
		opts.VADFilter = *in.VADFilter
	}
	if in.Translate != nil && *in.Translate {
		opts.Task = whisper.TaskTranslate
	}
	if in.ChunkLength != nil {
		if *in.ChunkLength < 1 {
			return whisper.Options{}, fmt.Errorf("chunk_length_s must be a positive integer, got %d", *in.ChunkLength)
		}
		opts.ChunkLength = *in.ChunkLength
	}
	if in.LogProbThreshold != nil {
		opts.LogProbThreshold = in.LogProbThreshold
	}
	if in.NoSpeechThreshold != nil {
		opts.NoSpeechThreshold = in.NoSpeechThreshold
	}
	if in.ConditionOnPreviousText != nil {
		opts.ConditionOnPreviousText = in.ConditionOnPreviousText
	}

	return opts, nil
}

func (h *Handler) probeWAV(audioPath string) (audio.Info, bool) {
	if !strings.EqualFold(filepath.Ext(audioPath), ".wav") {
		return audio.Info{}, false
	}

	info, err := audio.Probe(audioPath)
	if err != nil {
		h.logger.Debug("wav probe failed", zap.String("audio", audioPath), zap.Error(err))
		return audio.Info{}, false
	}
	return info, true
}

func displayLanguage(lang string) string {
	if lang == "" {
		return "auto"
	}
	return lang
}
