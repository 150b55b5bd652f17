package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/licensedesk/licensedesk/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage licensedesk configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		path  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default licensedesk.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefaultConfig(path, force); err != nil {
				return err
			}
			fmt.Printf("Created %s\n", path)
			fmt.Printf("Set %s_AUTH_JWT_SECRET and %s_WEBHOOK_SECRET, then run 'licensedesk serve'.\n",
				config.EnvPrefix, config.EnvPrefix)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")
	cmd.Flags().StringVarP(&path, "output", "o", config.DefaultConfigFile, "Path of the file to write")

	return cmd
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		Long:  "Print the configuration after defaults, config file and environment are merged. Secrets are masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := viper.ConfigFileUsed()
			if configFile != "" {
				fmt.Fprintf(os.Stderr, "Config file: %s\n", configFile)
			} else {
				fmt.Fprintln(os.Stderr, "Config file: (none found, using defaults)")
			}

			secretSet := viper.GetString("auth.jwt_secret") != ""
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			out, err := config.Render(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			if !secretSet {
				fmt.Fprintf(os.Stderr, "\nwarning: auth.jwt_secret is not set; serve will refuse to start without %s_AUTH_JWT_SECRET\n", config.EnvPrefix)
			}
			return nil
		},
	}

	return cmd
}
