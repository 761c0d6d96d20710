package main

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Veraticus/saffron/internal/cli"
	"github.com/Veraticus/saffron/internal/pipeline"
)

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Resolve queued transactions with receipt and merchant evidence",
		Long: `Claim batches from the classification queue and run each entry through the
evidence stages: receipt search (when Gmail is authorized) and merchant
identification.

Runs until interrupted unless --once is given. Interrupted entries are released
back to pending without counting an attempt.`,
		Args: cobra.NoArgs,
		RunE: runProcess,
	}
	cmd.Flags().Bool("once", false, "Process a single batch and exit")
	cmd.Flags().Int("batch-size", 0, "Entries claimed per batch (default from config)")
	cmd.Flags().Int("workers", 0, "Entries processed in parallel (default from config)")
	cmd.Flags().Int("max-attempts", 0, "Attempts before an entry is skipped (default from config)")
	cmd.Flags().Duration("idle", 30*time.Second, "Wait between polls of an empty queue")
	return cmd
}

func runProcess(cmd *cobra.Command, _ []string) error {
	once, _ := cmd.Flags().GetBool("once")
	idle, _ := cmd.Flags().GetDuration("idle")

	var opts pipeline.BatchOptions
	opts.BatchSize, _ = cmd.Flags().GetInt("batch-size")
	opts.Workers, _ = cmd.Flags().GetInt("workers")
	opts.MaxAttempts, _ = cmd.Flags().GetInt("max-attempts")

	handler := cli.NewInterruptHandler(cmd.OutOrStdout())
	ctx := handler.HandleInterrupts(cmd.Context(), "In-flight entries were released back to pending.")

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	worker := pipeline.NewWorker(a.orch, opts, idle)

	if once {
		report, err := worker.RunOnce(ctx)
		if report != nil {
			printBatchReport(cmd, report)
		}
		if handler.WasInterrupted() {
			return nil
		}
		return err
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("Processing queue"),
	)
	totals := &pipeline.BatchReport{}
	err = worker.Run(ctx, func(r *pipeline.BatchReport) {
		_ = bar.Add(r.Claimed)
		totals.Claimed += r.Claimed
		totals.Resolved += r.Resolved
		totals.Requeued += r.Requeued
		totals.ManualRequired += r.ManualRequired
		totals.Skipped += r.Skipped
		totals.Released += r.Released
		totals.Errors = append(totals.Errors, r.Errors...)
		totals.Duration += r.Duration
	})
	_ = bar.Finish()
	printBatchReport(cmd, totals)
	return err
}

func printBatchReport(cmd *cobra.Command, r *pipeline.BatchReport) {
	if r.Claimed == 0 {
		cmd.Println(cli.FormatInfo("Queue is empty"))
		return
	}
	content := fmt.Sprintf(
		"Claimed:          %d\nResolved:         %d\nRequeued:         %d\nManual required:  %d\nSkipped:          %d\nReleased:         %d\nTime:             %s",
		r.Claimed, r.Resolved, r.Requeued, r.ManualRequired, r.Skipped, r.Released, r.Duration.Round(time.Millisecond))
	cmd.Println(cli.RenderBox(cli.ChartIcon+" Queue processing", content))
	for _, e := range r.Errors {
		cmd.Println(cli.FormatError(e.Error()))
	}
}
