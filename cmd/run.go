package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gatherline/eventpipe/internal/model"
)

var (
	runURL string
	runArm string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run extraction for a single listing URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		arm, err := parseArm(runArm)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := executeRun(ctx, env, runURL, arm)
		if err != nil {
			return err
		}

		zap.L().Info("extraction complete",
			zap.String("source_url", result.SourceURL),
			zap.String("arm", string(result.Arm)),
			zap.Bool("failed", result.Failed),
			zap.Int("accepted", len(result.Accepted)),
			zap.Int("needs_review", len(result.NeedsReview)),
			zap.Int("duplicates", result.DuplicateCount),
		)

		// Print result JSON to stdout
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// parseArm maps a --arm flag value onto an extraction arm. Empty means
// let the splitter decide.
func parseArm(s string) (model.Arm, error) {
	switch s {
	case "":
		return "", nil
	case string(model.ArmLegacy):
		return model.ArmLegacy, nil
	case string(model.ArmNewPipeline):
		return model.ArmNewPipeline, nil
	default:
		return "", eris.Errorf("unknown arm %q (want legacy or new_pipeline)", s)
	}
}

func init() {
	runCmd.Flags().StringVar(&runURL, "url", "", "listing page URL (required)")
	runCmd.Flags().StringVar(&runArm, "arm", "", "force an extraction arm (legacy, new_pipeline)")
	_ = runCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(runCmd)
}
