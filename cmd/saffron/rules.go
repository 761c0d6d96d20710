package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Veraticus/saffron/internal/cli"
	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/model"
	"github.com/Veraticus/saffron/internal/rules"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage classification rules",
		Long: `Rules are expressions over a transaction, evaluated in priority order
(lowest first). The first match wins.

Available fields: description, amount (negative for debits), currency,
account_name, external_id, notes, date.

Examples:
  saffron rules add tesco --category Groceries --expr 'lower(description) contains "tesco"'
  saffron rules add amazon --category Shopping --provisional --expr 'description startsWith "AMAZON"'
  saffron rules validate 'description matches "(?i)^tesco"' --category Groceries
  saffron rules discover --accept`,
	}

	cmd.AddCommand(addRuleCmd())
	cmd.AddCommand(listRulesCmd())
	cmd.AddCommand(testRuleCmd())
	cmd.AddCommand(deleteRuleCmd())
	cmd.AddCommand(validateRuleCmd())
	cmd.AddCommand(clustersCmd())
	cmd.AddCommand(discoverRulesCmd())
	return cmd
}

func addRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			expression, _ := cmd.Flags().GetString("expr")
			categoryRef, _ := cmd.Flags().GetString("category")

			if _, err := rules.Compile(expression); err != nil {
				return common.NewUserError("invalid rule expression", err)
			}

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			target, err := resolveCategory(ctx, store, categoryRef)
			if err != nil {
				return err
			}

			rule := model.ClassificationRule{
				Name:             args[0],
				Expression:       expression,
				TargetCategoryID: target.ID,
				Active:           true,
			}
			rule.Priority, _ = cmd.Flags().GetInt("priority")
			rule.RequiresFurtherEvidence, _ = cmd.Flags().GetBool("provisional")
			rule.Description, _ = cmd.Flags().GetString("description")

			if err := store.CreateRule(ctx, &rule); err != nil {
				return err
			}
			cmd.Println(cli.FormatSuccess(fmt.Sprintf("Created rule %q (id %d) → %s", rule.Name, rule.ID, target.Name)))
			return nil
		},
	}
	cmd.Flags().String("expr", "", "Rule expression")
	cmd.Flags().String("category", "", "Target category (ID or name)")
	cmd.Flags().Int("priority", 100, "Evaluation priority, lowest first")
	cmd.Flags().Bool("provisional", false, "Queue matches for corroborating evidence instead of assigning")
	cmd.Flags().String("description", "", "Description")
	_ = cmd.MarkFlagRequired("expr")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func listRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			all, _ := cmd.Flags().GetBool("all")

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			list, err := store.ListRules(ctx, !all)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				cmd.Println(cli.FormatInfo("No rules yet. Use 'saffron rules add'."))
				return nil
			}

			cats, err := store.ListCategories(ctx)
			if err != nil {
				return err
			}
			names := make(map[int64]string, len(cats))
			for _, c := range cats {
				names[c.ID] = c.Name
			}

			rows := make([][]string, 0, len(list))
			for _, r := range list {
				flags := ""
				if r.RequiresFurtherEvidence {
					flags = "provisional"
				}
				if !r.Active {
					flags = "inactive"
				}
				rows = append(rows, []string{
					strconv.FormatInt(r.ID, 10), strconv.Itoa(r.Priority), r.Name,
					names[r.TargetCategoryID], flags, r.Expression,
				})
			}
			cmd.Print(cli.RenderTable([]string{"ID", "Priority", "Name", "Category", "Flags", "Expression"}, rows))

			invalid, err := rules.NewEngine(store).InvalidRules(ctx)
			if err != nil {
				return err
			}
			for _, d := range invalid {
				cmd.Println(cli.FormatWarning(d.Error()))
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "Include inactive rules")
	return cmd
}

func testRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test EXPRESSION",
		Short: "Evaluate an expression against a transaction",
		Long: `Evaluate an expression against a stored transaction (--id) or one built
from flags, and show which stored rules would match it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, _ := cmd.Flags().GetString("id")

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var txn model.Transaction
			if id != "" {
				stored, err := store.GetTransaction(ctx, id)
				if err != nil {
					return err
				}
				txn = *stored
			} else {
				txn.Description, _ = cmd.Flags().GetString("description")
				amount, _ := cmd.Flags().GetString("amount")
				if txn.Amount, err = decimal.NewFromString(amount); err != nil {
					return common.NewUserError("invalid --amount", err)
				}
				day, _ := cmd.Flags().GetString("date")
				if txn.Date, err = time.Parse("2006-01-02", day); err != nil {
					return common.NewUserError("invalid --date, want YYYY-MM-DD", err)
				}
				txn.Currency, _ = cmd.Flags().GetString("currency")
				txn.AccountName, _ = cmd.Flags().GetString("account")
			}

			ok, err := rules.TestExpression(args[0], txn)
			if err != nil {
				return err
			}
			if ok {
				cmd.Println(cli.FormatSuccess("Expression matches"))
			} else {
				cmd.Println(cli.FormatWarning("Expression does not match"))
			}

			matching, err := rules.NewEngine(store).MatchingRules(ctx, txn)
			if err != nil {
				return err
			}
			for i, r := range matching {
				marker := " "
				if i == 0 {
					marker = "*"
				}
				cmd.Printf("%s %-4d %s\n", marker, r.Priority, r.Name)
			}
			return nil
		},
	}
	cmd.Flags().String("id", "", "Stored transaction ID")
	cmd.Flags().String("description", "", "Transaction description")
	cmd.Flags().String("amount", "-1.00", "Signed amount")
	cmd.Flags().String("date", time.Now().Format("2006-01-02"), "Date (YYYY-MM-DD)")
	cmd.Flags().String("currency", model.DefaultCurrency, "Currency")
	cmd.Flags().String("account", "", "Account name")
	return cmd
}

func deleteRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a rule, or deactivate it with --disable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			disable, _ := cmd.Flags().GetBool("disable")

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return common.NewUserError("rule ID must be a number", err)
			}

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if disable {
				if err := store.SetRuleActive(ctx, id, false); err != nil {
					return err
				}
				cmd.Println(cli.FormatSuccess(fmt.Sprintf("Disabled rule %d", id)))
				return nil
			}
			if err := store.DeleteRule(ctx, id); err != nil {
				return err
			}
			cmd.Println(cli.FormatSuccess(fmt.Sprintf("Deleted rule %d", id)))
			return nil
		},
	}
	cmd.Flags().Bool("disable", false, "Deactivate instead of deleting")
	return cmd
}
