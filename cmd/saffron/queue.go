package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/saffron/internal/cli"
	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/model"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and resolve the classification queue",
	}
	cmd.AddCommand(listQueueCmd())
	cmd.AddCommand(attemptsCmd())
	cmd.AddCommand(resolveCmd())
	cmd.AddCommand(reviewCmd())
	return cmd
}

func listQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			if status != "" && !model.QueueStatus(status).Valid() {
				return common.NewUserError(fmt.Sprintf("unknown status %q", status), nil)
			}

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.ListQueue(ctx, model.QueueStatus(status), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				cmd.Println(cli.FormatInfo("No queue entries"))
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				desc := ""
				if txn, err := store.GetTransaction(ctx, e.TransactionID); err == nil {
					desc = fmt.Sprintf("%s %s %s", txn.Date.Format("2006-01-02"), txn.Amount.StringFixed(2), txn.Description)
				}
				rows = append(rows, []string{
					strconv.FormatInt(e.ID, 10), cli.FormatStatus(e.Status), strconv.Itoa(e.Attempts),
					e.TransactionID, truncate(desc, 50), truncate(e.Summary, 60),
				})
			}
			cmd.Print(cli.RenderTable([]string{"ID", "Status", "Tries", "Transaction", "Details", "Summary"}, rows))
			return nil
		},
	}
	cmd.Flags().String("status", "", "Filter by status (pending, in_progress, resolved, manual_required, skipped)")
	cmd.Flags().Int("limit", 50, "Maximum entries to show (0 = all)")
	return cmd
}

func attemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts TRANSACTION",
		Short: "Show the stage attempts and evidence for a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entry, err := store.GetQueueEntryByTransaction(ctx, args[0])
			switch {
			case errors.Is(err, common.ErrNotFound):
				cmd.Println(cli.FormatInfo("Transaction was never queued"))
			case err != nil:
				return err
			default:
				cmd.Println(cli.FormatTitle(fmt.Sprintf("Queue entry %d: %s after %d attempts",
					entry.ID, cli.FormatStatus(entry.Status), entry.Attempts)))
				if entry.Summary != "" {
					cmd.Println(entry.Summary)
				}

				attempts, err := store.ListAttempts(ctx, entry.ID)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(attempts))
				for _, at := range attempts {
					outcome := cli.FormatSuccess("ok")
					if !at.Success {
						outcome = cli.FormatError("failed")
					}
					detail := at.Summary
					if at.Error != "" {
						detail = at.Error
					}
					rows = append(rows, []string{
						at.StartedAt.Local().Format("2006-01-02 15:04:05"), at.Stage, outcome,
						at.CompletedAt.Sub(at.StartedAt).Round(time.Millisecond).String(), truncate(detail, 80),
					})
				}
				if len(rows) > 0 {
					cmd.Print(cli.RenderTable([]string{"Started", "Stage", "Result", "Took", "Detail"}, rows))
				}
			}

			records, err := store.ListEvidence(ctx, args[0])
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return nil
			}
			cmd.Println()
			rows := make([][]string, 0, len(records))
			for _, r := range records {
				rows = append(rows, []string{
					string(r.Source), r.ItemDescription, r.Value().StringFixed(2),
					strconv.FormatInt(r.CategoryID, 10), r.Confidence.StringFixed(2), truncate(r.ProvenanceReference, 50),
				})
			}
			cmd.Print(cli.RenderTable([]string{"Source", "Item", "Value", "Category", "Conf", "Provenance"}, rows))
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve TRANSACTION CATEGORY",
		Short: "Assign a category by hand",
		Long: `Record an operator decision for a transaction. It is written like any
other resolution, with source "manual", and settles the transaction's queue
entry unless a worker currently holds it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			note, _ := cmd.Flags().GetString("note")

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			cat, err := resolveCategory(ctx, a.store, args[1])
			if err != nil {
				return err
			}
			if err := a.orch.ResolveManually(ctx, args[0], cat.ID, note); err != nil {
				return err
			}
			cmd.Println(cli.FormatSuccess(fmt.Sprintf("Assigned %s to %s", args[0], cat.Name)))
			return nil
		},
	}
	cmd.Flags().String("note", "", "Note stored with the manual evidence")
	return cmd
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Interactively resolve entries that need manual review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			includeSkipped, _ := cmd.Flags().GetBool("skipped")

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.store.ListQueue(ctx, model.QueueManualRequired, 0)
			if err != nil {
				return err
			}
			if includeSkipped {
				skipped, err := a.store.ListQueue(ctx, model.QueueSkipped, 0)
				if err != nil {
					return err
				}
				entries = append(entries, skipped...)
			}
			if len(entries) == 0 {
				cmd.Println(cli.FormatSuccess("Nothing needs review"))
				return nil
			}

			reader := cli.NewLineReader(cmd.InOrStdin())
			resolved := 0
			for i, e := range entries {
				done, err := reviewEntry(cmd, a, reader, e, i+1, len(entries))
				if errors.Is(err, cli.ErrInputCancelled) || errors.Is(err, errQuit) {
					break
				}
				if err != nil {
					return err
				}
				if done {
					resolved++
				}
			}
			cmd.Println(cli.FormatInfo(fmt.Sprintf("Resolved %d of %d entries", resolved, len(entries))))
			return nil
		},
	}
	cmd.Flags().Bool("skipped", false, "Also review entries skipped after exhausting their attempts")
	return cmd
}

var errQuit = errors.New("quit")

func reviewEntry(cmd *cobra.Command, a *app, reader *cli.LineReader, e model.QueueEntry, n, total int) (bool, error) {
	ctx := cmd.Context()
	txn, err := a.store.GetTransaction(ctx, e.TransactionID)
	if err != nil {
		return false, err
	}

	cmd.Println(cli.RenderBox(fmt.Sprintf("[%d/%d] %s", n, total, txn.Description), fmt.Sprintf(
		"Date:    %s\nAmount:  %s %s\nAccount: %s\nStatus:  %s\nSummary: %s",
		txn.Date.Format("2006-01-02"), txn.Amount.StringFixed(2), txn.Currency,
		txn.AccountName, cli.FormatStatus(e.Status), e.Summary)))

	for {
		answer, err := reader.Ask(ctx, cmd.OutOrStdout(), "Category (empty to skip, q to quit)")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "":
			return false, nil
		case "q", "quit":
			return false, errQuit
		}

		cat, err := resolveCategory(ctx, a.store, answer)
		if err != nil {
			cmd.Println(cli.FormatError(err.Error()))
			continue
		}
		if err := a.orch.ResolveManually(ctx, txn.ID, cat.ID, "review"); err != nil {
			return false, err
		}
		cmd.Println(cli.FormatSuccess("Assigned to " + cat.Name))
		return true, nil
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
