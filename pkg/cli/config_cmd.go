package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getmockd/prock/pkg/route"
)

func newConfigCmd(g *globals) *cobra.Command {
	var upstream string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the runtime configuration",
		Example: `  prock config
  prock config --set-upstream http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			var (
				cfg *route.ProckConfig
				err error
			)
			if cmd.Flags().Changed("set-upstream") {
				cfg, err = c.SetUpstream(cmd.Context(), upstream)
			} else {
				cfg, err = c.GetConfig(cmd.Context())
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			return g.printResult(out, cfg, func() {
				if cfg.UpstreamURL == "" {
					fmt.Fprintln(out, "Upstream: (not set)")
					return
				}
				fmt.Fprintf(out, "Upstream: %s\n", cfg.UpstreamURL)
			})
		},
	}
	cmd.Flags().StringVar(&upstream, "set-upstream", "", "Change the upstream URL unmatched requests are forwarded to")
	return cmd
}

func newRestartCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Reload configuration and rebuild the route table",
		Long: `Reload configuration from the store and rebuild the route table from
every stored route. The process keeps running and keeps serving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.client().Restart(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return g.printResult(out, res, func() {
				fmt.Fprintf(out, "Route table rebuilt: %d active routes (version %d)\n", res.Routes, res.Version)
			})
		},
	}
}
