package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/handler"
	"github.com/fmueller/voxserve/internal/logging"
	"github.com/fmueller/voxserve/internal/platform"
	"github.com/fmueller/voxserve/internal/server"
	"github.com/fmueller/voxserve/internal/source"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool
	envFile    string
	addr       string
	model      string
	modelDir   string

	logger *zap.Logger

	loadConfigFn func() (config.Config, error)
	warmFn       func(ctx context.Context, cfg config.Config, modelDir string) (handler.EngineProvider, error)
	serveFn      func(ctx context.Context, srv *server.Server) error
}

func NewRootCmd() *cobra.Command {
	app := &appState{
		jsonLogs: true,
	}
	app.loadConfigFn = config.Load
	app.warmFn = app.warmEngine
	app.serveFn = func(ctx context.Context, srv *server.Server) error {
		return srv.Run(ctx)
	}

	cmd := &cobra.Command{
		Use:           "voxserve",
		Short:         "Serve speech-to-text transcription over HTTP with a bundled whisper engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := config.LoadEnvFile(app.envFile); err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context())
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindLoggingFlags(cmd, app)
	bindEnvFileFlag(cmd, app)
	bindServeFlags(cmd, app)

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newServeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription worker (default command)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context())
		},
	}

	bindLoggingFlags(cmd, app)
	bindEnvFileFlag(cmd, app)
	bindServeFlags(cmd, app)

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.Flags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
}

func bindEnvFileFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.envFile, "env-file", app.envFile, "Load environment variables from this dotenv file")
}

func bindServeFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.addr, "addr", app.addr, "Listen address, e.g. :8000 (overrides ADDR)")
	bindModelFlags(cmd, app)
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.model, "model", app.model, "Model size (overrides MODEL_SIZE)")
	cmd.Flags().StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where model weights are stored")
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable download progress output")
}

// runServe warms the engine, then serves until an interrupt or a termination
// signal arrives.
func (a *appState) runServe(ctx context.Context) error {
	cfg, err := a.effectiveConfig()
	if err != nil {
		return err
	}

	modelDir, err := a.modelStorageDir(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := a.warmFn(ctx, cfg, modelDir)
	if err != nil {
		return err
	}

	resolver := source.NewResolver(source.ResolverOptions{
		FetchTimeout: cfg.FetchTimeout,
		Logger:       a.log(),
	})
	h := handler.New(cfg, provider, resolver, a.log())
	srv := server.New(server.Options{
		Addr:      cfg.Addr,
		ModelSize: cfg.ModelSize,
		Device:    cfg.Device,
	}, h, a.log())

	return a.serveFn(ctx, srv)
}

func (a *appState) warmEngine(ctx context.Context, cfg config.Config, modelDir string) (handler.EngineProvider, error) {
	loader := whisper.NewLoader(whisper.LoaderConfig{
		Size:       cfg.ModelSize,
		Precision:  cfg.ComputeType,
		Device:     cfg.Device,
		ModelDir:   modelDir,
		LocalOnly:  cfg.LocalFilesOnly,
		NoProgress: cfg.NoProgress || a.noProgress,
	}, a.log())

	if err := loader.Warm(ctx); err != nil {
		return nil, err
	}
	return loader, nil
}

// effectiveConfig loads the environment configuration and applies the flag
// overrides on top.
func (a *appState) effectiveConfig() (config.Config, error) {
	cfg, err := a.loadConfigFn()
	if err != nil {
		return config.Config{}, err
	}

	if a.addr != "" {
		cfg.Addr = a.addr
	}
	if a.model != "" {
		cfg.ModelSize = a.model
	}
	if a.modelDir != "" {
		cfg.ModelDir = a.modelDir
	}
	if a.noProgress {
		cfg.NoProgress = true
	}

	return cfg, nil
}

func (a *appState) modelStorageDir(cfg config.Config) (string, error) {
	dir, err := platform.ResolveModelDir(cfg.ModelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}
