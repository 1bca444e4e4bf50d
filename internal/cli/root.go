// Package cli implements defiflowctl, the command line front end of the
// DefiFlow REST API.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"DefiFlow/sdk/go/defiflow"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server string
	Token  string
	Format string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for defiflowctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "defiflowctl",
		Short: "Control a DefiFlow daemon",
		Long:  "Edit workflow graphs, compile intents and drive price-triggered runs on a DefiFlow daemon.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("DEFIFLOW_SERVER", "http://127.0.0.1:8080"), "daemon base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("DEFIFLOW_API_TOKEN"), "API bearer token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewGraphCommand(opts))
	cmd.AddCommand(NewIntentCommand(opts))
	cmd.AddCommand(NewConnectCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewControlCommand(opts, "start", "Validate the graph and begin monitoring the price"))
	cmd.AddCommand(NewControlCommand(opts, "stop", "Stop monitoring"))
	cmd.AddCommand(NewControlCommand(opts, "dismiss", "Acknowledge a finished run and return to idle"))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewChainsCommand(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *RootOptions) client() (*defiflow.Client, error) {
	c, err := defiflow.NewClient(o.Server, nil)
	if err != nil {
		return nil, err
	}
	c.SetAccessToken(o.Token)
	return c, nil
}

// render prints v as indented JSON, or through text when the format is text.
func (o *RootOptions) render(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" || text == nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
