package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lalithlochan/smsrelay/internal/auth"
)

func signCmd() *cobra.Command {
	var apiKey, secret, body, bodyFile string
	var timestamp int64

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the auth headers for a signed request body",
		Example: `  smsctl sign --key pk_... --secret sk_... --body '{"event_type":"signup"}'
  smsctl sign --key pk_... --secret sk_... --body-file event.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}

			payload := []byte(body)
			switch bodyFile {
			case "":
			case "-":
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				payload = b
			default:
				b, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				payload = b
			}

			if timestamp == 0 {
				timestamp = time.Now().Unix()
			}
			stamp := strconv.FormatInt(timestamp, 10)

			out := cmd.OutOrStdout()
			if apiKey != "" {
				fmt.Fprintf(out, "%s: %s\n", auth.HeaderAPIKey, apiKey)
			}
			fmt.Fprintf(out, "%s: %s\n", auth.HeaderTimestamp, stamp)
			fmt.Fprintf(out, "%s: %s\n", auth.HeaderSignature, auth.Sign(secret, payload, stamp))
			return nil
		},
	}

	cmd.Flags().StringVar(&apiKey, "key", "", "API key to include in the output")
	cmd.Flags().StringVar(&secret, "secret", "", "Tenant signing secret")
	cmd.Flags().StringVar(&body, "body", "", "Exact request body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "Read the body from a file, or - for stdin")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "Unix seconds to sign with (default now)")
	return cmd
}
