package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/saffron/internal/cli"
	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/storage"
)

func categoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "categories",
		Aliases: []string{"cat"},
		Short:   "Manage the category tree",
		Long: `Add, move and delete categories, and inspect the tree.

Categories may be referred to by ID or by exact name.`,
	}

	cmd.AddCommand(addCategoryCmd())
	cmd.AddCommand(moveCategoryCmd())
	cmd.AddCommand(deleteCategoryCmd())
	cmd.AddCommand(treeCmd())
	cmd.AddCommand(ancestorsCmd())
	cmd.AddCommand(rollupCmd())
	cmd.AddCommand(seedCmd())
	return cmd
}

func addCategoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			nc := storage.NewCategory{Name: args[0]}
			nc.Description, _ = cmd.Flags().GetString("description")
			nc.IsEssential, _ = cmd.Flags().GetBool("essential")
			freq, _ := cmd.Flags().GetString("frequency")
			nc.Frequency = model.Frequency(freq)

			if parentRef, _ := cmd.Flags().GetString("parent"); parentRef != "" {
				parent, err := resolveCategory(ctx, store, parentRef)
				if err != nil {
					return err
				}
				nc.ParentID = &parent.ID
			}
			if cmd.Flags().Changed("level") {
				level, _ := cmd.Flags().GetInt("level")
				nc.CommitmentLevel = &level
			}

			cat, err := store.CreateCategory(ctx, nc)
			if err != nil {
				return err
			}
			cmd.Println(cli.FormatSuccess(fmt.Sprintf("Created category %q (id %d)", cat.Name, cat.ID)))
			return nil
		},
	}
	cmd.Flags().String("parent", "", "Parent category (ID or name)")
	cmd.Flags().Int("level", 0, "Commitment level 0-4 (inherited from ancestors when unset)")
	cmd.Flags().String("frequency", "", "Spending frequency (monthly, quarterly, semi_annual, annual, irregular)")
	cmd.Flags().Bool("essential", false, "Mark the category as essential")
	cmd.Flags().String("description", "", "Description")
	return cmd
}

func moveCategoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move CATEGORY",
		Short: "Move a category (and its subtree) under a new parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			parentRef, _ := cmd.Flags().GetString("parent")
			toRoot, _ := cmd.Flags().GetBool("root")
			if (parentRef == "") == !toRoot {
				return fmt.Errorf("exactly one of --parent or --root is required")
			}

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			cat, err := resolveCategory(ctx, store, args[0])
			if err != nil {
				return err
			}

			var newParent *int64
			dest := "the root"
			if !toRoot {
				parent, err := resolveCategory(ctx, store, parentRef)
				if err != nil {
					return err
				}
				newParent = &parent.ID
				dest = fmt.Sprintf("%q", parent.Name)
			}

			if err := store.MoveCategory(ctx, cat.ID, newParent); err != nil {
				return err
			}
			cmd.Println(cli.FormatSuccess(fmt.Sprintf("Moved %q under %s", cat.Name, dest)))
			return nil
		},
	}
	cmd.Flags().String("parent", "", "New parent category (ID or name)")
	cmd.Flags().Bool("root", false, "Make the category a root")
	return cmd
}

func deleteCategoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete CATEGORY",
		Short: "Delete a category",
		Long: `Delete a category. A category with children is only deleted with --cascade,
which removes the whole subtree. Categories referenced by assignments, evidence
or rules cannot be deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cascade, _ := cmd.Flags().GetBool("cascade")

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			cat, err := resolveCategory(ctx, store, args[0])
			if err != nil {
				return err
			}
			if err := store.DeleteCategory(ctx, cat.ID, cascade); err != nil {
				return err
			}
			cmd.Println(cli.FormatSuccess(fmt.Sprintf("Deleted %q", cat.Name)))
			return nil
		},
	}
	cmd.Flags().Bool("cascade", false, "Also delete all descendants")
	return cmd
}

func treeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show the category tree with effective commitment levels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			cats, err := store.ListCategories(ctx)
			if err != nil {
				return err
			}
			if len(cats) == 0 {
				cmd.Println(cli.FormatInfo("No categories yet. Use 'saffron categories add' or 'saffron categories seed'."))
				return nil
			}

			levels := make(map[int64]*int, len(cats))
			for _, c := range cats {
				if levels[c.ID], err = store.EffectiveCommitmentLevel(ctx, c.ID); err != nil {
					return err
				}
			}

			cmd.Print(cli.RenderTree(cats, func(c model.Category) string {
				return describeLevel(c, levels[c.ID])
			}))
			return nil
		},
	}
}

// describeLevel annotates a tree node; inherited levels are marked with "~".
func describeLevel(c model.Category, effective *int) string {
	var parts []string
	if effective != nil {
		prefix := "~"
		if c.CommitmentLevel != nil {
			prefix = ""
		}
		parts = append(parts, prefix+"L"+strconv.Itoa(*effective))
	}
	if c.Essential(effective) {
		parts = append(parts, "essential")
	}
	if c.Frequency != "" {
		parts = append(parts, string(c.Frequency))
	}
	if len(parts) == 0 {
		return ""
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func ancestorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ancestors CATEGORY",
		Short: "Show the path from a category up to its root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			cat, err := resolveCategory(ctx, store, args[0])
			if err != nil {
				return err
			}
			chain, err := store.Ancestors(ctx, cat.ID)
			if err != nil {
				return err
			}

			names := make([]string, len(chain))
			for i, c := range chain {
				names[len(chain)-1-i] = c.Name
			}
			cmd.Println(strings.Join(names, " › "))
			return nil
		},
	}
}

func rollupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollup CATEGORY",
		Short: "Total the transactions assigned anywhere in a subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			cat, err := resolveCategory(ctx, store, args[0])
			if err != nil {
				return err
			}
			total, err := store.SubtreeAggregate(ctx, cat.ID)
			if err != nil {
				return err
			}
			txns, err := store.ListTransactionsByCategory(ctx, cat.ID)
			if err != nil {
				return err
			}
			subtree, err := store.Descendants(ctx, cat.ID)
			if err != nil {
				return err
			}

			cmd.Println(cli.RenderBox(cli.ChartIcon+" "+cat.Name, fmt.Sprintf(
				"Categories:   %d\nTransactions: %d\nTotal:        %s",
				len(subtree), len(txns), total.StringFixed(2))))
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Create categories from a YAML tree",
		Long: `Create categories from a YAML list of trees. Existing categories are
reused as parents and left unchanged, so seeding twice is harmless.

  - name: Living
    commitment_level: 1
    essential: true
    children:
      - name: Groceries
      - name: Utilities
        commitment_level: 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			f, err := os.Open(args[0]) // #nosec G304 -- operator-supplied seed file
			if err != nil {
				return fmt.Errorf("failed to open seed file: %w", err)
			}
			defer func() { _ = f.Close() }()

			nodes, err := storage.ParseSeed(f)
			if err != nil {
				return err
			}

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			created, err := store.SeedCategories(ctx, nodes)
			if err != nil {
				return err
			}
			cmd.Println(cli.FormatSuccess(fmt.Sprintf("Created %d categories", created)))
			return nil
		},
	}
}
