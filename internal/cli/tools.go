package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mxgoai/mxgo-core/mcp"
	"github.com/mxgoai/mxgo-core/toolset"
)

func (a *app) newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and call the tools of the configured servers",
	}
	cmd.AddCommand(a.newToolsListCmd())
	cmd.AddCommand(a.newToolsCallCmd())
	return cmd
}

func (a *app) newToolsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every tool the configured servers offer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRegistry(cmd, func(reg *toolset.Registry) error {
				if asJSON {
					return writeJSON(cmd, reg.Infos())
				}

				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
				fmt.Fprintln(writer, "NAME\tSERVER\tORIGINAL\tARGS\tDESCRIPTION")
				for _, info := range reg.Infos() {
					args := strings.Join(info.Inputs.Names(), ",")
					if args == "" {
						args = "-"
					}
					fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
						info.Name, info.Server, info.OriginalName, args, firstLine(info.Description))
				}
				return writer.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print tool descriptions as JSON")
	return cmd
}

func (a *app) newToolsCallCmd() *cobra.Command {
	var (
		rawArgs string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "call <name>",
		Short: "Call a tool by its registry name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
				return exitError(exitConfig, "invalid --args: %v", err)
			}

			return a.withRegistry(cmd, func(reg *toolset.Registry) error {
				res, err := reg.Invoke(cmd.Context(), args[0], toolArgs)
				if err != nil && len(res.Segments) == 0 {
					return callError(err)
				}

				if asJSON {
					if werr := writeJSON(cmd, res); werr != nil {
						return werr
					}
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), res.Text())
				}
				if err != nil {
					return callError(err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "{}", "Tool arguments as a JSON object")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result segments as JSON")
	return cmd
}

func callError(err error) error {
	var (
		notFound *toolset.ToolNotFoundError
		invErr   *toolset.InvocationError
		timeout  *mcp.TimeoutError
	)
	switch {
	case errors.As(err, &notFound):
		return exitError(exitNotFound, "%v", err)
	case errors.As(err, &invErr):
		return exitError(exitToolError, "%v", err)
	case errors.As(err, &timeout):
		return exitError(exitTimeout, "%v", err)
	}
	return exitError(exitRuntime, "%v", err)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
