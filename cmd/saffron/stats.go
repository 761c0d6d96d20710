package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Veraticus/saffron/internal/cli"
	"github.com/Veraticus/saffron/internal/model"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show classification coverage and the category distribution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			stats, err := store.CoverageStats(ctx)
			if err != nil {
				return err
			}

			summary := fmt.Sprintf("Transactions: %d\nAssigned:     %d (%.1f%%)",
				stats.Transactions, stats.Assigned, stats.Coverage()*100)
			for _, src := range []model.EvidenceSource{model.SourceRule, model.SourceEmail, model.SourceWeb, model.SourceManual} {
				summary += fmt.Sprintf("\n  %-10s  %d", src, stats.BySource[src])
			}
			summary += "\nQueue:"
			for _, st := range []model.QueueStatus{
				model.QueuePending, model.QueueInProgress, model.QueueResolved,
				model.QueueManualRequired, model.QueueSkipped,
			} {
				summary += fmt.Sprintf("\n  %-16s  %d", st, stats.Queue[st])
			}
			cmd.Println(cli.RenderBox(cli.ChartIcon+" Coverage", summary))

			if len(stats.Distribution) == 0 {
				return nil
			}
			dist := append(stats.Distribution[:0:0], stats.Distribution...)
			sort.SliceStable(dist, func(i, j int) bool { return dist[i].Count > dist[j].Count })

			rows := make([][]string, 0, len(dist))
			for _, d := range dist {
				rows = append(rows, []string{d.Name, strconv.Itoa(d.Count), d.Total.StringFixed(2)})
			}
			cmd.Print(cli.RenderTable([]string{"Category", "Transactions", "Total"}, rows))
			return nil
		},
	}
}
