package cli

import (
	"fmt"

	"github.com/fmueller/voxserve/internal/download"
	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify the model and VAD weights",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.effectiveConfig()
			if err != nil {
				return err
			}

			modelDir, err := app.modelStorageDir(cfg)
			if err != nil {
				return err
			}

			weights, err := whisper.ResolveWeights(cfg.ModelSize, cfg.ComputeType, modelDir)
			if err != nil {
				return err
			}

			if !weights.NeedsDownload && weights.SHA256 != "" {
				if err := download.VerifyFileChecksum(weights.Path, weights.SHA256); err != nil {
					app.log().Warn("weights checksum verification failed; downloading fresh copy",
						zap.String("file", weights.FileName), zap.Error(err))
					weights.NeedsDownload = true
				}
			}

			if weights.NeedsDownload {
				if err := whisper.EnsureWeights(cmd.Context(), weights, cfg.NoProgress || app.noProgress, app.log()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Weights %s installed at %s\n", weights.FileName, weights.Path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Weights %s already present at %s\n", weights.FileName, weights.Path)
			}

			vad, err := whisper.ResolveVADWeights(modelDir)
			if err != nil {
				return err
			}
			if vad.NeedsDownload {
				if err := whisper.EnsureWeights(cmd.Context(), vad, cfg.NoProgress || app.noProgress, app.log()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "VAD weights installed at %s\n", vad.Path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "VAD weights already present at %s\n", vad.Path)
			}

			return nil
		},
	}

	bindLoggingFlags(cmd, app)
	bindEnvFileFlag(cmd, app)
	bindModelFlags(cmd, app)

	return cmd
}
