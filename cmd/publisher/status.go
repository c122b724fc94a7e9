package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/fpang/social-publisher/internal/cli"
	"github.com/fpang/social-publisher/internal/tracing"
)

var (
	statusProjectFlag string
	statusRequestFlag string
	statusEventsFlag  bool
	statusCursorFlag  string
	statusLimitFlag   int
	statusJSONFlag    bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored trace of a publish request",
	Long: `status reads a publish request's trace back from DATABASE_URL: the trace,
its platform stages with their steps, and its events in order.

With --events it prints one page of events instead; pass the printed cursor
back with --cursor for the next page.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusProjectFlag, "project", "", "Project id (required)")
	statusCmd.Flags().StringVar(&statusRequestFlag, "request", "", "Request id returned by publish (required)")
	statusCmd.Flags().BoolVar(&statusEventsFlag, "events", false, "Print one page of events")
	statusCmd.Flags().StringVar(&statusCursorFlag, "cursor", "", "Resume the event listing after this cursor")
	statusCmd.Flags().IntVar(&statusLimitFlag, "limit", 0, "Events per page (1-500, default 100)")
	statusCmd.Flags().BoolVar(&statusJSONFlag, "json", false, "Print JSON instead of a summary")
	_ = statusCmd.MarkFlagRequired("project")
	_ = statusCmd.MarkFlagRequired("request")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	ctx := cmd.Context()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()
	reader := tracing.NewReader(pool)

	st, err := reader.Status(ctx, statusProjectFlag, statusRequestFlag)
	if err != nil {
		return err
	}
	if statusEventsFlag {
		page, err := reader.Events(ctx, st.Trace.ID, statusCursorFlag, statusLimitFlag)
		if err != nil {
			return err
		}
		if statusJSONFlag {
			return writeJSON(os.Stdout, page)
		}
		printEvents(os.Stdout, page.Events)
		if page.NextCursor != "" {
			fmt.Printf("next cursor: %s\n", page.NextCursor)
		}
		return nil
	}
	if statusJSONFlag {
		return writeJSON(os.Stdout, st)
	}
	printStatus(os.Stdout, st)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, st *tracing.PublishStatus) {
	tr := st.Trace
	fmt.Fprintf(w, "trace %s  %s\n", tr.ID, tr.Status)
	fmt.Fprintf(w, "  project %s, request %s\n", tr.ProjectID, tr.RequestID)
	if tr.DurationMs != nil {
		fmt.Fprintf(w, "  took %s\n", cli.FormatDurationShort(msDuration(*tr.DurationMs)))
	}
	for _, stage := range st.Stages {
		fmt.Fprintf(w, "  %-10s attempt %d  %s\n", stage.Platform, stage.Attempt, stage.Status)
		for _, step := range stage.Steps {
			line := fmt.Sprintf("    %-24s %s", step.Name, step.Status)
			if step.DurationMs > 0 {
				line += "  " + cli.FormatDurationShort(msDuration(step.DurationMs))
			}
			if step.Error != nil {
				line += "  " + step.Error.Message
			}
			fmt.Fprintln(w, line)
		}
	}
	fmt.Fprintf(w, "  %d events\n", len(st.Events))
	printEvents(w, st.Events)
}

func printEvents(w io.Writer, events []tracing.EventRecord) {
	for _, e := range events {
		fmt.Fprintf(w, "    %s  %-5s %s\n", e.Timestamp.Format("15:04:05.000"), e.Level, e.Name)
	}
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
