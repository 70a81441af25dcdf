package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/spf13/cobra"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	var (
		language  string
		translate bool
		beamSize  int
	)

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe a local audio file and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			audioPath := args[0]
			if _, err := os.Stat(audioPath); err != nil {
				return fmt.Errorf("audio file %s: %w", audioPath, err)
			}

			cfg, err := app.effectiveConfig()
			if err != nil {
				return err
			}

			modelDir, err := app.modelStorageDir(cfg)
			if err != nil {
				return err
			}

			provider, err := app.warmFn(cmd.Context(), cfg, modelDir)
			if err != nil {
				return err
			}
			engine, err := provider.Engine(cmd.Context())
			if err != nil {
				return err
			}

			noSpeech := cfg.NoSpeechThreshold
			opts := whisper.Options{
				Language:          cfg.DefaultLanguage,
				Task:              whisper.TaskTranscribe,
				BeamSize:          cfg.DefaultBeamSize,
				VADFilter:         cfg.VADFilter,
				ChunkLength:       cfg.ChunkLength,
				NoSpeechThreshold: &noSpeech,
			}
			if language != "" && language != "auto" {
				opts.Language = language
			}
			if translate {
				opts.Task = whisper.TaskTranslate
			}
			if beamSize > 0 {
				opts.BeamSize = beamSize
			}

			result, err := engine.Transcribe(cmd.Context(), audioPath, opts)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}

	bindLoggingFlags(cmd, app)
	bindEnvFileFlag(cmd, app)
	bindModelFlags(cmd, app)
	cmd.Flags().StringVar(&language, "language", "auto", "Language code (auto|en|de|...) for transcription")
	cmd.Flags().BoolVar(&translate, "translate", false, "Translate speech to English instead of transcribing")
	cmd.Flags().IntVar(&beamSize, "beam-size", 0, "Beam size for decoding; 0 uses the configured default")

	return cmd
}
