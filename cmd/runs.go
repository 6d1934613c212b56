package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gatherline/eventpipe/internal/metrics"
	"github.com/gatherline/eventpipe/internal/model"
	"github.com/gatherline/eventpipe/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect extraction run history",
	Long:  "Commands for listing, viewing, and comparing extraction runs across the two arms.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extraction runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			Status:    model.RunStatus(status),
			SourceURL: source,
			Limit:     limit,
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Compare aggregate statistics across the two arms",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		since, _ := cmd.Flags().GetDuration("since")
		hours := int(math.Ceil(since.Hours()))
		if hours < 1 {
			hours = 1
		}

		snap, err := metrics.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatArmStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (queued, running, complete, failed)")
	runsListCmd.Flags().String("source", "", "filter by listing source URL")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tARM\tSTATUS\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t---\t------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		source := r.SourceURL
		if len(source) > 48 {
			source = source[:45] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			source,
			r.Arm,
			r.Status,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatArmStats writes the side-by-side arm comparison to w.
func formatArmStats(out io.Writer, snap *metrics.Snapshot) {
	np, lg := snap.NewPipeline, snap.Legacy

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\tlast %dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintln(w, "\tNEW_PIPELINE\tLEGACY")
	_, _ = fmt.Fprintf(w, "Runs:\t%d\t%d\n", np.Runs, lg.Runs)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\t%d\n", np.Complete, lg.Complete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\t%d\n", np.Failed, lg.Failed)
	_, _ = fmt.Fprintf(w, "Fail rate:\t%.1f%%\t%.1f%%\n", np.FailRate*100, lg.FailRate*100)
	_, _ = fmt.Fprintf(w, "Accepted:\t%d\t%d\n", np.RecordsAccepted, lg.RecordsAccepted)
	_, _ = fmt.Fprintf(w, "Needs review:\t%d\t%d\n", np.RecordsReview, lg.RecordsReview)
	_, _ = fmt.Fprintf(w, "Rejected:\t%d\t%d\n", np.RecordsRejected, lg.RecordsRejected)
	_, _ = fmt.Fprintf(w, "Duplicates:\t%d\t%d\n", np.Duplicates, lg.Duplicates)
	_, _ = fmt.Fprintf(w, "Avg completion:\t%.2f\t%.2f\n", np.AvgFieldCompletion, lg.AvgFieldCompletion)
	_, _ = fmt.Fprintf(w, "Avg accept rate:\t%.1f%%\t%.1f%%\n", np.AvgAcceptRate*100, lg.AvgAcceptRate*100)
	_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\t%.1fs\n", float64(np.AvgDurationMS)/1000, float64(lg.AvgDurationMS)/1000)
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
