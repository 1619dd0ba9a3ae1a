package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mxgoai/mxgo-core/toolset"
)

func (a *app) newServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Inspect the configured servers",
	}
	cmd.AddCommand(a.newServersCheckCmd())
	return cmd
}

func (a *app) newServersCheckCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Open every configured server and report its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRegistry(cmd, func(reg *toolset.Registry) error {
				servers := reg.Servers()

				if asJSON {
					if err := writeJSON(cmd, servers); err != nil {
						return err
					}
				} else {
					writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
					fmt.Fprintln(writer, "NAME\tTYPE\tSTATE\tTOOLS\tSERVER\tERROR")
					for _, s := range servers {
						server, errMsg := "-", "-"
						if s.ServerInfo.Name != "" {
							server = s.ServerInfo.Name + " " + s.ServerInfo.Version
						}
						if s.Err != nil {
							errMsg = s.Err.Error()
						}
						fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\n", s.Name, s.Type, s.State, s.Tools, server, errMsg)
					}
					if err := writer.Flush(); err != nil {
						return err
					}
				}

				unavailable := 0
				for _, s := range servers {
					if s.State == toolset.ServerFailed || s.State == toolset.ServerInvalid {
						unavailable++
					}
				}
				if unavailable > 0 {
					return exitError(exitRuntime, "%d of %d servers unavailable", unavailable, len(servers))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print server statuses as JSON")
	return cmd
}
