package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Veraticus/saffron/internal/cli"
	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/ofx"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [files...]",
		Short: "Import transactions from OFX/QFX files",
		Long: `Import bank or credit card transactions from OFX or QFX files.

Re-importing a file is safe: transactions are keyed by a hash of their
account, date, amount and description.

Examples:
  saffron import ~/Downloads/statement_2024_01.ofx
  saffron import ~/Downloads/*.qfx --classify`,
		Args: cobra.MinimumNArgs(1),
		RunE: runImport,
	}
	cmd.Flags().BoolP("dry-run", "d", false, "Parse and report without saving")
	cmd.Flags().Bool("classify", false, "Run the rule engine over imported transactions")
	return cmd
}

func expandFiles(patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			if _, err := os.Stat(pattern); err != nil {
				slog.Warn("No files found matching pattern", "pattern", pattern)
				continue
			}
			matches = []string{pattern}
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files found to import")
	}
	return files, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	classify, _ := cmd.Flags().GetBool("classify")

	files, err := expandFiles(args)
	if err != nil {
		return err
	}

	parser := ofx.NewParser()
	seen := make(map[string]bool)
	var txns []model.Transaction

	for _, path := range files {
		f, err := os.Open(path) // #nosec G304 -- operator-supplied statement file
		if err != nil {
			slog.Error("Failed to open file", "file", path, "error", err)
			continue
		}
		parsed, err := parser.ParseFile(ctx, f)
		_ = f.Close()
		if err != nil {
			slog.Error("Failed to parse OFX file", "file", path, "error", err)
			continue
		}

		added := 0
		for _, tx := range parsed {
			if seen[tx.ID] {
				continue
			}
			seen[tx.ID] = true
			txns = append(txns, tx)
			added++
		}
		slog.Info("Parsed file", "file", filepath.Base(path), "transactions", len(parsed), "new", added)
	}

	if len(txns) == 0 {
		cmd.Println(cli.FormatWarning("No transactions found"))
		return nil
	}
	if dryRun {
		cmd.Println(cli.FormatInfo(fmt.Sprintf("Dry run: %d transactions would be imported", len(txns))))
		return nil
	}

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	saved, err := a.store.SaveTransactions(ctx, txns)
	if err != nil {
		return fmt.Errorf("failed to save transactions: %w", err)
	}
	cmd.Println(cli.FormatSuccess(fmt.Sprintf("Imported %d new transactions (%d already present)",
		saved, len(txns)-saved)))

	if !classify {
		return nil
	}

	bar := progressbar.NewOptions(len(txns),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Classifying"),
		progressbar.OptionClearOnFinish(),
	)
	assigned, queued := 0, 0
	for _, tx := range txns {
		result, err := a.orch.Classify(ctx, tx, false)
		_ = bar.Add(1)
		if err != nil {
			slog.Error("Failed to classify transaction", "transaction_id", tx.ID, "error", err)
			continue
		}
		if result.Assignment != nil {
			assigned++
		} else {
			queued++
		}
	}
	_ = bar.Finish()

	cmd.Println(cli.FormatInfo(fmt.Sprintf("%d assigned by rules, %d queued for evidence", assigned, queued)))
	return nil
}
