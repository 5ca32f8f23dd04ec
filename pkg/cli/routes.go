package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/getmockd/prock/pkg/cli/internal/output"
	"github.com/getmockd/prock/pkg/route"
)

func newRoutesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "routes",
		Aliases: []string{"route", "r"},
		Short:   "Manage mock routes on a running prock",
	}
	cmd.AddCommand(
		newRoutesListCmd(g),
		newRoutesGetCmd(g),
		newRoutesAddCmd(g),
		newRoutesUpdateCmd(g),
		newRoutesToggleCmd(g, true),
		newRoutesToggleCmd(g, false),
		newRoutesDeleteCmd(g),
	)
	return cmd
}

func newRoutesListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List mock routes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			routes, err := g.client().ListRoutes(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return g.printResult(out, routes, func() {
				if len(routes) == 0 {
					fmt.Fprintln(out, "No mock routes configured")
					return
				}
				w := output.Table(out)
				fmt.Fprintln(w, "ID\tMETHOD\tPATH\tSTATUS\tENABLED\tUPDATED")
				for _, r := range routes {
					updated := "-"
					if r.UpdatedAt != nil {
						updated = humanize.Time(*r.UpdatedAt)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\n",
						r.RouteID, r.Method, r.Path, r.StatusCode, r.IsEnabled(), updated)
				}
				_ = w.Flush()
			})
		},
	}
}

func newRoutesGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <route-id>",
		Short: "Show one mock route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dto, err := g.client().GetRoute(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return g.printResult(out, dto, func() { printRoute(out, dto) })
		},
	}
}

// routeFlags are shared by add and update.
type routeFlags struct {
	id       string
	method   string
	path     string
	status   int
	mock     string
	mockFile string
	disabled bool
}

func (f *routeFlags) register(cmd *cobra.Command, withID bool) {
	fl := cmd.Flags()
	if withID {
		fl.StringVar(&f.id, "id", "", "Route id (generated when omitted)")
	}
	fl.StringVarP(&f.method, "method", "m", "", "HTTP method")
	fl.StringVarP(&f.path, "path", "p", "", "Request path, starting with /")
	fl.IntVarP(&f.status, "status", "s", route.DefaultStatusCode, "Response status code")
	fl.StringVar(&f.mock, "mock", "", "Mock response body as JSON")
	fl.StringVarP(&f.mockFile, "mock-file", "f", "", "Read the mock response body from a file (- for stdin)")
	fl.BoolVar(&f.disabled, "disabled", false, "Store the route disabled")
	cmd.MarkFlagsMutuallyExclusive("mock", "mock-file")
}

// body returns the mock payload given by --mock or --mock-file, or nil.
func (f *routeFlags) body(stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch {
	case f.mock != "":
		data = []byte(f.mock)
	case f.mockFile == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading mock from stdin: %w", err)
		}
		data = b
	case f.mockFile != "":
		b, err := os.ReadFile(f.mockFile)
		if err != nil {
			return nil, fmt.Errorf("reading mock file: %w", err)
		}
		data = b
	default:
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, errors.New("mock body is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newRoutesAddCmd(g *globals) *cobra.Command {
	f := &routeFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a mock route",
		Example: `  prock routes add -m GET -p /users --mock '[{"id":1}]'
  prock routes add -m POST -p /login -s 401 -f error.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.method == "" || f.path == "" {
				return errors.New("--method and --path are required")
			}
			mock, err := f.body(cmd.InOrStdin())
			if err != nil {
				return err
			}
			dto := route.DTO{
				RouteID:    f.id,
				Method:     f.method,
				Path:       f.path,
				StatusCode: f.status,
				Mock:       mock,
			}
			if f.disabled {
				dto.Enabled = new(bool)
			}
			created, err := g.client().CreateRoute(cmd.Context(), dto)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return g.printResult(out, created, func() {
				fmt.Fprintf(out, "Created route %s: %s %s\n", created.RouteID, created.Method, created.Path)
			})
		},
	}
	f.register(cmd, true)
	return cmd
}

func newRoutesUpdateCmd(g *globals) *cobra.Command {
	f := &routeFlags{}
	cmd := &cobra.Command{
		Use:   "update <route-id>",
		Short: "Change fields of a mock route",
		Long:  "Change fields of a mock route. Fields whose flags are not given keep their current value.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			dto, err := c.GetRoute(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			set := cmd.Flags().Changed
			if set("method") {
				dto.Method = f.method
			}
			if set("path") {
				dto.Path = f.path
			}
			if set("status") {
				dto.StatusCode = f.status
			}
			if set("mock") || set("mock-file") {
				if dto.Mock, err = f.body(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if set("disabled") {
				enabled := !f.disabled
				dto.Enabled = &enabled
			}
			dto.CreatedAt, dto.UpdatedAt = nil, nil

			updated, err := c.UpdateRoute(cmd.Context(), *dto)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return g.printResult(out, updated, func() {
				fmt.Fprintf(out, "Updated route %s\n", updated.RouteID)
			})
		},
	}
	f.register(cmd, false)
	return cmd
}

func newRoutesToggleCmd(g *globals, enable bool) *cobra.Command {
	verb, done := "disable", "Disabled"
	if enable {
		verb, done = "enable", "Enabled"
	}
	return &cobra.Command{
		Use:   verb + " <route-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a mock route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			var (
				dto *route.DTO
				err error
			)
			if enable {
				dto, err = c.EnableRoute(cmd.Context(), args[0])
			} else {
				dto, err = c.DisableRoute(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return g.printResult(out, dto, func() {
				fmt.Fprintf(out, "%s route %s\n", done, dto.RouteID)
			})
		},
	}
}

func newRoutesDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <route-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a mock route",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().DeleteRoute(cmd.Context(), args[0]); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return g.printResult(out, map[string]string{"deleted": args[0]}, func() {
				fmt.Fprintf(out, "Deleted route %s\n", args[0])
			})
		},
	}
}

func printRoute(w io.Writer, dto *route.DTO) {
	t := output.Table(w)
	fmt.Fprintf(t, "ID:\t%s\n", dto.RouteID)
	fmt.Fprintf(t, "Method:\t%s\n", dto.Method)
	fmt.Fprintf(t, "Path:\t%s\n", dto.Path)
	fmt.Fprintf(t, "Status:\t%s\n", strconv.Itoa(dto.StatusCode))
	fmt.Fprintf(t, "Enabled:\t%t\n", dto.IsEnabled())
	if dto.UpdatedAt != nil {
		fmt.Fprintf(t, "Updated:\t%s (%s)\n", dto.UpdatedAt.Format("2006-01-02 15:04:05"), humanize.Time(*dto.UpdatedAt))
	}
	_ = t.Flush()
	if len(dto.Mock) > 0 {
		fmt.Fprintln(w, "Mock:")
		_ = output.JSON(w, dto.Mock)
	}
}
