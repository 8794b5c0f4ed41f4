package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wronai/pactown/internal/application/resolver"
	"github.com/wronai/pactown/internal/domain"
)

func newGraphCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <manifest>",
		Short: "Print the dependency graph of the ecosystem",
		Long: `Graph renders the service dependency graph. The text format shows the
computed start order; dot and mermaid emit sources for Graphviz and
Mermaid renderers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, _, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			switch format {
			case "text":
				order, err := resolver.New(logger).Order(spec)
				if err != nil {
					return err
				}
				fmt.Fprint(out, resolver.Text(spec, order))
			case "dot":
				fmt.Fprint(out, resolver.DOT(spec))
			case "mermaid":
				fmt.Fprint(out, resolver.Mermaid(spec))
			default:
				return &domain.ConfigError{Reason: fmt.Sprintf("unknown graph format %q (want text, dot or mermaid)", format)}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, dot or mermaid")
	return cmd
}
