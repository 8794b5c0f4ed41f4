package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// starterManifest is the scaffold written by pactown init: two services
// with an endpoint-pinned dependency edge between them, ready to point
// at real README artifacts.
const starterManifest = `name: %s
version: 0.1.0
description: %s - a pactown ecosystem
base_port: 8000
sandbox_root: ./.pactown-sandboxes

registry:
  url: http://localhost:8800
  namespace: default

services:
  api:
    readme: services/api/README.md
    port: 8001
    health_check: /health
    depends_on: []

  web:
    readme: services/web/README.md
    port: 8002
    health_check: /
    depends_on:
      - name: api
        endpoint: http://localhost:8001
`

func newInitCmd() *cobra.Command {
	var (
		name   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter ecosystem manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			content := fmt.Sprintf(starterManifest, name, name)
			if err := os.WriteFile(output, []byte(content), 0o644); err != nil {
				return &runtimeError{err: fmt.Errorf("failed to write %s: %w", output, err)}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Created %s\n", styleOK.Render("✓"), output)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  1. Create the service README.md files")
			fmt.Fprintf(out, "  2. Run: pactown validate %s\n", output)
			fmt.Fprintf(out, "  3. Run: pactown up %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "my-ecosystem", "ecosystem name")
	cmd.Flags().StringVarP(&output, "output", "o", "saas.pactown.yaml", "output file")
	return cmd
}
