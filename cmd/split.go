package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/split"
)

var splitAddr string

var splitCmd = &cobra.Command{
	Use:   "split",
	Short: "Inspect and adjust the traffic split",
	Long:  "Commands for reading and updating the legacy/new-pipeline traffic split on a running server.",
}

// -- split status --

var splitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active traffic split",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cur, err := getSplit(cmd.Context())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cur)
	},
}

// -- split set --

var splitSetCmd = &cobra.Command{
	Use:   "set <percentage>",
	Short: "Set the share of traffic on the new pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pct, err := strconv.Atoi(args[0])
		if err != nil {
			return eris.Errorf("percentage must be an integer, got %q", args[0])
		}

		// Read-modify-write so an unset --sticky keeps the server's value.
		cur, err := getSplit(cmd.Context())
		if err != nil {
			return err
		}
		next := *cur
		next.NewPipelinePercentage = pct
		if cmd.Flags().Changed("sticky") {
			sticky, _ := cmd.Flags().GetBool("sticky")
			next.Sticky = sticky
		}

		applied, err := putSplit(cmd.Context(), next)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(applied)
	},
}

// -- split check --

var splitCheckCmd = &cobra.Command{
	Use:   "check <url>",
	Short: "Show which arm a listing URL lands on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cur, err := getSplit(cmd.Context())
		if err != nil {
			return err
		}

		s, err := split.New(config.SplitConfig{
			NewPipelinePercentage: cur.NewPipelinePercentage,
			Sticky:                cur.Sticky,
		})
		if err != nil {
			return err
		}

		out := map[string]any{
			"url":                     args[0],
			"arm":                     s.Assign(args[0]),
			"new_pipeline_percentage": cur.NewPipelinePercentage,
			"sticky":                  cur.Sticky,
		}
		if !cur.Sticky {
			out["note"] = "split is not sticky; each run draws fresh"
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	splitCmd.PersistentFlags().StringVar(&splitAddr, "addr", "", "server address (default http://localhost:<server.port>)")
	splitSetCmd.Flags().Bool("sticky", true, "bucket sources deterministically by URL")

	splitCmd.AddCommand(splitStatusCmd)
	splitCmd.AddCommand(splitSetCmd)
	splitCmd.AddCommand(splitCheckCmd)
	rootCmd.AddCommand(splitCmd)
}

// adminBaseURL resolves the server address, defaulting to the configured
// local port.
func adminBaseURL() string {
	if splitAddr != "" {
		return strings.TrimRight(splitAddr, "/")
	}
	port := 8080
	if cfg != nil && cfg.Server.Port > 0 {
		port = cfg.Server.Port
	}
	return fmt.Sprintf("http://localhost:%d", port)
}

func getSplit(ctx context.Context) (*splitPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, adminBaseURL()+"/admin/split", nil)
	if err != nil {
		return nil, eris.Wrap(err, "split: build request")
	}
	return doSplitRequest(req)
}

func putSplit(ctx context.Context, p splitPayload) (*splitPayload, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "split: marshal payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, adminBaseURL()+"/admin/split", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "split: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return doSplitRequest(req)
}

func doSplitRequest(req *http.Request) (*splitPayload, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "split: admin request")
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "split: read response")
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return nil, eris.Errorf("split: server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, eris.Errorf("split: server returned %d", resp.StatusCode)
	}

	var p splitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, eris.Wrap(err, "split: decode response")
	}
	return &p, nil
}
