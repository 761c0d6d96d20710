package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Veraticus/saffron/internal/cli"
	"github.com/Veraticus/saffron/internal/pipeline"
)

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Run the rule engine over unclassified transactions",
		Long: `Classify transactions with the rule engine. Matches are assigned
immediately; misses and provisional matches are queued for evidence, which
'saffron process' works through.

Without --id every transaction that has neither an assignment nor a queue
entry is classified. With --id a single transaction is classified; --force
re-evaluates it even when it already has a category.`,
		Args: cobra.NoArgs,
		RunE: runClassify,
	}
	cmd.Flags().String("id", "", "Classify a single transaction")
	cmd.Flags().Bool("force", false, "Re-evaluate an already classified transaction (requires --id)")
	cmd.Flags().Int("limit", 0, "Maximum number of transactions to classify (0 = all)")
	return cmd
}

func runClassify(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	id, _ := cmd.Flags().GetString("id")
	force, _ := cmd.Flags().GetBool("force")
	limit, _ := cmd.Flags().GetInt("limit")
	if force && id == "" {
		return fmt.Errorf("--force requires --id")
	}

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if id != "" {
		txn, err := a.store.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		result, err := a.orch.Classify(ctx, *txn, force)
		if err != nil {
			return err
		}
		printResult(cmd, a, result)
		return nil
	}

	var bar *progressbar.ProgressBar
	report, err := a.orch.ClassifyPending(ctx, limit, func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription("Classifying"),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(done)
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	if report.Total == 0 {
		cmd.Println(cli.FormatInfo("Nothing to classify"))
		return nil
	}
	cmd.Println(cli.FormatSuccess(fmt.Sprintf("Classified %d transactions: %d assigned, %d queued",
		report.Total, report.Assigned, report.Queued)))
	for _, e := range report.Errors {
		cmd.Println(cli.FormatError(e.Error()))
	}
	return nil
}

func printResult(cmd *cobra.Command, a *app, result *pipeline.Result) {
	ctx := cmd.Context()
	switch {
	case result.Assignment != nil:
		name := fmt.Sprintf("category %d", result.Assignment.CategoryID)
		if cat, err := a.store.GetCategory(ctx, result.Assignment.CategoryID); err == nil {
			name = cat.Name
		}
		msg := fmt.Sprintf("Assigned to %s (%s)", name, result.Assignment.Source)
		if result.Existing {
			msg += ", unchanged"
		}
		cmd.Println(cli.FormatSuccess(msg))
	case result.Queued != nil:
		msg := fmt.Sprintf("Queued for evidence (entry %d, %s)", result.Queued.ID, result.Queued.Status)
		if result.Provisional != nil {
			msg += fmt.Sprintf("; provisional rule %q matched", result.Provisional.Name)
		}
		cmd.Println(cli.FormatInfo(msg))
	}
}
