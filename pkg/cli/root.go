// Package cli implements the prock command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/getmockd/prock/pkg/cli/internal/output"
	"github.com/getmockd/prock/pkg/client"
)

var (
	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	adminURL   string
	jsonOutput bool
}

func (g *globals) client() *client.Client {
	return client.New(g.adminURL)
}

// printResult writes data as JSON when --json is set, otherwise calls
// textFn. In JSON mode nothing else is written to stdout.
func (g *globals) printResult(w io.Writer, data any, textFn func()) error {
	if g.jsonOutput {
		return output.JSON(w, data)
	}
	textFn()
	return nil
}

// NewRootCmd builds the complete command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "prock",
		Short: "prock is a mock proxy for local development",
		Long: `prock forwards HTTP traffic to an upstream service and answers requests
that match a mock route with a canned JSON response instead.

Routes are managed at runtime through the management API on the same port,
or with the routes subcommands below. Changes apply without a restart.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := client.DefaultAdminURL
	if v := os.Getenv("PROCK_ADMIN_URL"); v != "" {
		defaultURL = v
	}
	root.PersistentFlags().StringVar(&g.adminURL, "admin-url", defaultURL, "Management API base URL (env PROCK_ADMIN_URL)")
	root.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "Output command results in JSON format")

	root.AddCommand(
		newServeCmd(),
		newRoutesCmd(g),
		newConfigCmd(g),
		newRestartCmd(g),
		newVersionCmd(g),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
// This is called by main.main().
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
