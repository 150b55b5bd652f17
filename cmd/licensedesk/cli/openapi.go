package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/licensedesk/licensedesk/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		serverURL  string
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long: `Generate the OpenAPI 3.1 description of the HTTP API: extension handshake,
member area, admin commands and the payment webhook.`,
		Example: `  licensedesk openapi                                  # print to stdout
  licensedesk openapi --server-url https://lic.example.com -o openapi.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc := openapi.Generate(serverURL, versionString(), openapi.Routes)
			jsonBytes, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal spec: %w", err)
			}

			if outputFile == "" {
				fmt.Println(string(jsonBytes))
				return nil
			}
			if err := os.WriteFile(outputFile, append(jsonBytes, '\n'), 0o644); err != nil {
				return fmt.Errorf("write spec: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Wrote %s (%d operations)\n", outputFile, len(openapi.Paths(doc)))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server-url", "http://localhost:8080", "Server URL written into the document")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")

	return cmd
}
