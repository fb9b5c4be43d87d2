package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kestrel/internal/config"
	"github.com/nextlevelbuilder/kestrel/internal/diag"
)

func logsCmd() *cobra.Command {
	var (
		sessionKey string
		runID      string
		lines      int
		follow     bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query or follow the diagnostic event log",
		Long: `Print recent events from the JSONL sink, filtered by session or run.

Examples:
  kestrel logs --lines 100               # last 100 events
  kestrel logs --session telegram:42     # one conversation
  kestrel logs --run cli-1a2b3c4d -f     # follow a run as it executes
  kestrel logs --json                    # raw JSONL rows`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(sessionKey, runID, lines, follow, asJSON)
		},
	}

	cmd.Flags().StringVar(&sessionKey, "session", "", "filter by session key (channel:chat_id)")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	cmd.Flags().IntVar(&lines, "lines", 50, "number of recent events to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new events as they land")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSONL rows")

	return cmd
}

func runLogs(sessionKey, runID string, lines int, follow, asJSON bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sink := diag.NewSink(diag.SinkConfig{Path: cfg.LogPath()})
	filter := diag.QueryFilter{SessionKey: sessionKey, RunID: runID, Limit: lines}

	rows, err := sink.Query(filter)
	if err != nil {
		return fmt.Errorf("query log: %w", err)
	}
	for _, row := range rows {
		printLogRow(row, asJSON)
	}
	if !follow {
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ch, err := sink.Follow(ctx, filter, 0)
	if err != nil {
		return fmt.Errorf("follow log: %w", err)
	}
	for row := range ch {
		printLogRow(row, asJSON)
	}
	return nil
}

func printLogRow(row map[string]any, asJSON bool) {
	if asJSON {
		data, err := json.Marshal(row)
		if err != nil {
			return
		}
		fmt.Println(string(data))
		return
	}

	ts, _ := row["ts"].(string)
	name, _ := row["name"].(string)

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-28s", ts, name)
	if sess, _ := row["session_key"].(string); sess != "" {
		fmt.Fprintf(&b, "  %s", sess)
	}
	if status, _ := row["status"].(string); status != "" {
		fmt.Fprintf(&b, "  %s", status)
	}
	if ms, ok := row["latency_ms"].(float64); ok && ms > 0 {
		fmt.Fprintf(&b, "  %.0fms", ms)
	}
	if msg, _ := row["error_message"].(string); msg != "" {
		fmt.Fprintf(&b, "  error=%q", msg)
	}
	fmt.Println(b.String())
}
