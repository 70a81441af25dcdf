package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fmueller/voxserve/internal/download"
	"go.uber.org/zap"
)

// LoaderConfig is read once per process; the loaded engine is immutable for
// the process lifetime.
type LoaderConfig struct {
	Size       string
	Precision  string
	Device     string
	ModelDir   string
	Executable string
	// LocalOnly forbids weight downloads at load time; missing weights then
	// fail engine initialization.
	LocalOnly  bool
	NoProgress bool
}

// Loader builds the process-wide engine singleton. Construction happens at
// most once even when requests race during cold start; every later call
// returns the same engine (or the same initialization error).
type Loader struct {
	cfg    LoaderConfig
	logger *zap.Logger

	newEngine func(cfg EngineConfig, logger *zap.Logger) (Engine, error)

	once   sync.Once
	engine Engine
	err    error
}

func NewLoader(cfg LoaderConfig, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cfg:    cfg,
		logger: logger,
		newEngine: func(cfg EngineConfig, logger *zap.Logger) (Engine, error) {
			return NewBundledEngine(cfg, logger)
		},
	}
}

// Engine returns the singleton engine, building it on first use.
func (l *Loader) Engine(ctx context.Context) (Engine, error) {
	l.once.Do(func() {
		l.engine, l.err = l.build(ctx)
	})
	return l.engine, l.err
}

// Warm forces construction up front so a broken configuration fails the
// process at startup instead of on the first request.
func (l *Loader) Warm(ctx context.Context) error {
	_, err := l.Engine(ctx)
	return err
}

func (l *Loader) build(ctx context.Context) (Engine, error) {
	weights, err := l.resolveWithFallback()
	if err != nil {
		return nil, &InitError{Err: err}
	}

	if err := l.ensure(ctx, weights); err != nil {
		return nil, &InitError{Err: err}
	}

	vad, err := ResolveVADWeights(l.cfg.ModelDir)
	if err != nil {
		return nil, &InitError{Err: err}
	}
	if err := l.ensure(ctx, vad); err != nil {
		return nil, &InitError{Err: err}
	}

	l.logger.Info("loading whisper engine",
		zap.String("size", weights.Size),
		zap.String("precision", weights.Precision),
		zap.String("device", l.cfg.Device),
		zap.String("weights", weights.Path),
	)

	engine, err := l.newEngine(EngineConfig{
		Executable:   l.cfg.Executable,
		ModelPath:    weights.Path,
		VADModelPath: vad.Path,
		Device:       l.cfg.Device,
	}, l.logger)
	if err != nil {
		var initErr *InitError
		if errors.As(err, &initErr) {
			return nil, err
		}
		return nil, &InitError{Err: err}
	}

	return engine, nil
}

func (l *Loader) resolveWithFallback() (ResolvedWeights, error) {
	weights, err := ResolveWeights(l.cfg.Size, l.cfg.Precision, l.cfg.ModelDir)
	if err == nil {
		return weights, nil
	}
	if !errors.Is(err, ErrUnsupportedPrecision) {
		return ResolvedWeights{}, err
	}

	l.logger.Warn("requested compute precision is not available; retrying with fallback",
		zap.String("requested", l.cfg.Precision),
		zap.String("fallback", FallbackPrecision),
	)
	return ResolveWeights(l.cfg.Size, FallbackPrecision, l.cfg.ModelDir)
}

func (l *Loader) ensure(ctx context.Context, weights ResolvedWeights) error {
	if !weights.NeedsDownload {
		return nil
	}
	if l.cfg.LocalOnly {
		return fmt.Errorf("weights %s are missing at %s and downloads are disabled (LOCAL_FILES_ONLY)", weights.FileName, weights.Path)
	}
	return EnsureWeights(ctx, weights, l.cfg.NoProgress, l.logger)
}

// EnsureWeights downloads a weight file when it is missing, verifying the
// pinned checksum if the registry has one.
func EnsureWeights(ctx context.Context, weights ResolvedWeights, noProgress bool, logger *zap.Logger) error {
	if !weights.NeedsDownload {
		return nil
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("downloading weights", zap.String("file", weights.FileName), zap.String("destination", weights.Path))

	if err := os.MkdirAll(filepath.Dir(weights.Path), 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	if err := download.DownloadFile(ctx, download.Options{
		URL:            weights.URL,
		Destination:    weights.Path,
		ExpectedSHA256: weights.SHA256,
		NoProgress:     noProgress,
		Logger:         logger,
	}); err != nil {
		return fmt.Errorf("download weights %s: %w", weights.FileName, err)
	}

	return nil
}
