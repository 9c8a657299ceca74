package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"recipe-ingest/internal/api/handlers/search"
	coresearch "recipe-ingest/internal/core/search"

	"github.com/spf13/cobra"
)

func newProvidersCmd(flags *globalFlags, load loadConfig) *cobra.Command {
	var enabledOnly bool

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List configured search providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			resolver := coresearch.NewResolver(cfg.Search)
			list := resolver.List()
			if enabledOnly {
				list = resolver.ListEnabled()
			}

			w := cmd.OutOrStdout()
			if flags.output == OutputJSON {
				if list == nil {
					list = []coresearch.Descriptor{}
				}
				return writeJSON(w, search.ProvidersResponse{DefaultProviderID: resolver.DefaultID(), Providers: list})
			}

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tENABLED\tDEFAULT\tCAPABILITIES")
			for _, d := range list {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", d.ID, d.DisplayName, d.Enabled, d.IsDefault, strings.Join(d.Capabilities, ","))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "Only list enabled providers")
	return cmd
}
