package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin users",
		Long:  "Create and list the operators who can use the admin API.",
	}

	cmd.AddCommand(newAdminCreateCmd())
	cmd.AddCommand(newAdminListCmd())
	cmd.AddCommand(newAdminPasswordCmd())

	return cmd
}

// ---------- admin create ----------

func newAdminCreateCmd() *cobra.Command {
	var (
		username string
		password string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new admin user",
		Example: `  licensedesk admin create --username ops --password secret123
  licensedesk admin create --username ops  # prompts for password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminCreate(username, password)
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Admin username (required)")
	cmd.Flags().StringVar(&password, "password", "", "Admin password (prompted if omitted)")
	cmd.MarkFlagRequired("username")

	return cmd
}

func runAdminCreate(username, password string) error {
	if password == "" {
		pw, err := readPassword()
		if err != nil {
			return err
		}
		password = pw
	}

	ctx := context.Background()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	admin, err := a.auth.CreateAdmin(ctx, username, password)
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}

	fmt.Printf("Created admin user %q (id %s)\n", admin.Username, admin.ID)
	return nil
}

// ---------- admin list ----------

func newAdminListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all admin users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAdminList(jsonOutput bool) error {
	ctx := context.Background()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	admins, err := a.store.ListAdmins(ctx)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, admins)
	}

	if len(admins) == 0 {
		fmt.Println("No admin users configured. Use 'licensedesk admin create' to create one.")
		return nil
	}

	fmt.Printf("%-24s %-8s %-20s\n", "USERNAME", "ACTIVE", "LAST LOGIN")
	fmt.Printf("%-24s %-8s %-20s\n", "--------", "------", "----------")
	for _, ad := range admins {
		active := "yes"
		if !ad.IsActive {
			active = "no"
		}
		lastLogin := "never"
		if ad.LastLoginAt != nil {
			lastLogin = ad.LastLoginAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-24s %-8s %-20s\n", ad.Username, active, lastLogin)
	}

	return nil
}

// ---------- admin reset-password ----------

func newAdminPasswordCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "reset-password <username>",
		Short: "Replace an admin's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				pw, err := readPassword()
				if err != nil {
					return err
				}
				password = pw
			}

			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.auth.SetAdminPassword(ctx, args[0], password); err != nil {
				return fmt.Errorf("reset password: %w", err)
			}
			fmt.Printf("Password updated for %q\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "New password (prompted if omitted)")

	return cmd
}
