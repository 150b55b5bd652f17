package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
)

func newSubscriptionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscription",
		Aliases: []string{"sub"},
		Short:   "Manage recurring subscriptions",
	}

	cmd.AddCommand(newSubscriptionListCmd())
	cmd.AddCommand(newSubscriptionCancelCmd())
	cmd.AddCommand(newSubscriptionReactivateCmd())
	cmd.AddCommand(newSubscriptionExtendCmd())

	return cmd
}

func newSubscriptionListCmd() *cobra.Command {
	var (
		status     string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List subscriptions with their billing period",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			subs, err := a.subscriptions.List(ctx, store.SubscriptionFilter{
				Status: model.SubscriptionStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return fmt.Errorf("list subscriptions: %w", err)
			}

			if jsonOutput {
				if subs == nil {
					subs = []model.Subscription{}
				}
				return printJSON(os.Stdout, subs)
			}
			if len(subs) == 0 {
				fmt.Println("No subscriptions found.")
				return nil
			}

			fmt.Printf("%-36s %-10s %-10s %-12s %-6s\n", "ID", "PLAN", "STATUS", "PERIOD END", "DAYS")
			fmt.Printf("%-36s %-10s %-10s %-12s %-6s\n", "--", "----", "------", "----------", "----")
			for i := range subs {
				s := &subs[i]
				fmt.Printf("%-36s %-10s %-10s %-12s %-6d\n", s.ID, s.PlanType, s.Status,
					s.CurrentPeriodEnd.Format("2006-01-02"), a.subscriptions.DaysRemaining(s))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only subscriptions in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum subscriptions to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// subscriptionAction builds a command that applies fn to one subscription.
func subscriptionAction(use, short string, fn func(ctx context.Context, a *app, id string) (*model.Subscription, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <subscription-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			sub, err := fn(ctx, a, args[0])
			if err != nil {
				return fmt.Errorf("%s subscription: %w", use, err)
			}
			fmt.Printf("%s: %s, period ends %s (%d days left)\n", sub.ID, sub.Status,
				sub.CurrentPeriodEnd.Format("2006-01-02"), a.subscriptions.DaysRemaining(sub))
			return nil
		},
	}
}

func newSubscriptionCancelCmd() *cobra.Command {
	return subscriptionAction("cancel", "Cancel a subscription and suspend its license",
		func(ctx context.Context, a *app, id string) (*model.Subscription, error) {
			return a.subscriptions.Cancel(ctx, id, actor)
		})
}

func newSubscriptionReactivateCmd() *cobra.Command {
	return subscriptionAction("reactivate", "Reactivate a subscription with a fresh period",
		func(ctx context.Context, a *app, id string) (*model.Subscription, error) {
			return a.subscriptions.Reactivate(ctx, id, actor)
		})
}

func newSubscriptionExtendCmd() *cobra.Command {
	var days int
	cmd := subscriptionAction("extend", "Add days to the current period",
		func(ctx context.Context, a *app, id string) (*model.Subscription, error) {
			return a.subscriptions.Extend(ctx, id, days, actor)
		})
	cmd.Flags().IntVar(&days, "days", 30, "Days to add")
	return cmd
}
