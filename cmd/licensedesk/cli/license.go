package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
)

func newLicenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "license",
		Aliases: []string{"lic"},
		Short:   "Manage license keys",
		Long:    "Issue, inspect and change license keys directly against the store, without going through the admin API.",
	}

	cmd.AddCommand(newLicenseIssueCmd())
	cmd.AddCommand(newLicenseListCmd())
	cmd.AddCommand(newLicenseShowCmd())
	cmd.AddCommand(newLicenseStatusCmd())
	cmd.AddCommand(newLicenseMaxDevicesCmd())
	cmd.AddCommand(newLicenseResetDevicesCmd())
	cmd.AddCommand(newLicenseLogsCmd())

	return cmd
}

// lookupLicense resolves ref as a license id first and as a key second.
func lookupLicense(ctx context.Context, a *app, ref string) (*model.License, error) {
	lic, err := a.licenses.Get(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		lic, err = a.licenses.GetByKey(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("license %q: %w", ref, err)
	}
	return lic, nil
}

// ---------- license issue ----------

func newLicenseIssueCmd() *cobra.Command {
	var (
		count      int
		maxDevices int
		email      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Create licenses outside of a payment",
		Long: `Create one manual license, or a bulk batch with --count. New licenses wait for
their first device before they become active.`,
		Example: `  licensedesk license issue --email customer@example.com
  licensedesk license issue --count 50 --max-devices 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			origin := model.OriginManual
			if count > 1 {
				origin = model.OriginBulk
			}
			created, err := a.licenses.Create(ctx, license.CreateRequest{
				Origin:     origin,
				MaxDevices: maxDevices,
				Count:      count,
				Email:      email,
			}, actor)
			if err != nil {
				return fmt.Errorf("issue licenses: %w", err)
			}

			if jsonOutput {
				return printJSON(os.Stdout, created)
			}
			for _, lic := range created {
				fmt.Println(lic.Key)
			}
			fmt.Fprintf(os.Stderr, "Created %d %s license(s), %d device(s) each\n", len(created), origin, created[0].MaxDevices)
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "Number of licenses; more than one makes a bulk batch")
	cmd.Flags().IntVar(&maxDevices, "max-devices", 0, "Device ceiling (default: license.default_max_devices)")
	cmd.Flags().StringVar(&email, "email", "", "Owner email, gives access to the member area")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- license list ----------

func newLicenseListCmd() *cobra.Command {
	var (
		status     string
		search     string
		limit      int
		offset     int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List licenses, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := model.LicenseFilter{
				Status: model.LicenseStatus(status),
				Search: license.NormalizeKey(search),
				Limit:  limit,
				Offset: offset,
			}
			if f.Status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.licenses.List(ctx, f)
			if err != nil {
				return fmt.Errorf("list licenses: %w", err)
			}

			if jsonOutput {
				if list == nil {
					list = []model.License{}
				}
				return printJSON(os.Stdout, list)
			}
			if len(list) == 0 {
				fmt.Println("No licenses found.")
				return nil
			}

			fmt.Printf("%-36s %-24s %-20s %-10s %-8s\n", "ID", "KEY", "STATUS", "ORIGIN", "DEVICES")
			fmt.Printf("%-36s %-24s %-20s %-10s %-8s\n", "--", "---", "------", "------", "-------")
			for _, lic := range list {
				fmt.Printf("%-36s %-24s %-20s %-10s %-8d\n", lic.ID, lic.Key, lic.Status, lic.Origin, lic.MaxDevices)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only licenses in this status")
	cmd.Flags().StringVar(&search, "search", "", "License key prefix")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum licenses to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Licenses to skip")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- license show ----------

func newLicenseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id|key>",
		Short: "Show a license with its devices and subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			lic, err := lookupLicense(ctx, a, args[0])
			if err != nil {
				return err
			}
			devices, err := a.devices.List(ctx, lic.ID)
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}
			sub, err := a.subscriptions.ForLicense(ctx, lic.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("load subscription: %w", err)
			}

			return printJSON(os.Stdout, map[string]any{
				"license":             lic,
				"devices":             devices,
				"subscription":        sub,
				"allowed_transitions": license.ValidTransitionsFrom(lic.Status),
			})
		},
	}

	return cmd
}

// ---------- license status ----------

func newLicenseStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id|key> <status>",
		Short: "Move a license to another status",
		Long: `Move a license along its lifecycle: active, suspended, revoked or blocked.
Suspending, revoking or blocking ends the license's open sessions.`,
		Example: `  licensedesk license status EXT-ABCD-EFGH-JKLM suspended`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			lic, err := lookupLicense(ctx, a, args[0])
			if err != nil {
				return err
			}
			updated, err := a.licenses.SetStatus(ctx, lic.ID, model.LicenseStatus(args[1]), actor)
			if err != nil {
				return fmt.Errorf("change status: %w", err)
			}
			fmt.Printf("%s: %s -> %s\n", updated.Key, lic.Status, updated.Status)
			return nil
		},
	}

	return cmd
}

// ---------- license max-devices ----------

func newLicenseMaxDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "max-devices <id|key> <n>",
		Short: "Change a license's device ceiling",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid device count %q", args[1])
			}

			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			lic, err := lookupLicense(ctx, a, args[0])
			if err != nil {
				return err
			}
			if _, err := a.licenses.SetMaxDevices(ctx, lic.ID, n, actor); err != nil {
				return fmt.Errorf("set max devices: %w", err)
			}
			fmt.Printf("%s: max devices %d -> %d\n", lic.Key, lic.MaxDevices, n)
			return nil
		},
	}

	return cmd
}

// ---------- license reset-devices ----------

func newLicenseResetDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-devices <id|key>",
		Short: "Unbind every device of a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			lic, err := lookupLicense(ctx, a, args[0])
			if err != nil {
				return err
			}
			n, err := a.licenses.ResetDevices(ctx, lic.ID, actor)
			if err != nil {
				return fmt.Errorf("reset devices: %w", err)
			}
			fmt.Printf("%s: %d device(s) unbound\n", lic.Key, n)
			return nil
		},
	}

	return cmd
}

// ---------- license logs ----------

func newLicenseLogsCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "logs <id|key>",
		Short: "Show the activity log of a license, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			lic, err := lookupLicense(ctx, a, args[0])
			if err != nil {
				return err
			}
			logs, err := a.licenses.Logs(ctx, lic.ID, limit)
			if err != nil {
				return fmt.Errorf("read logs: %w", err)
			}

			if jsonOutput {
				return printJSON(os.Stdout, logs)
			}
			fmt.Printf("%-20s %-36s %-12s %s\n", "TIME", "ACTION", "ACTOR", "DEVICE")
			for _, e := range logs {
				fmt.Printf("%-20s %-36s %-12s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.DeviceFingerprint)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
