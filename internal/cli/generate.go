package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
	"github.com/wronai/pactown/pkg/adapters/artifact"
	"github.com/wronai/pactown/pkg/adapters/llm"
)

// generateSystem primes the model on the artifact format: annotated
// fenced code blocks that the Markdown parser extracts verbatim.
const generateSystem = `You write service artifacts for pactown, an orchestrator that runs
services straight from annotated README.md files. Reply with one
complete Markdown document and nothing else. Start with a heading
naming the service, then use fenced code blocks with these info
strings:

- "bash pactown:run" with the command that starts the service (required)
- one block per source file with "<lang> pactown:file path=<relative path>"
- "bash pactown:deps" with the commands that install dependencies
- "bash pactown:test" with endpoint checks to run once the service is healthy

The service must listen on the port given by the PORT environment
variable and answer GET /health with status 200.`

func newGenerateCmd() *cobra.Command {
	var (
		name      string
		prompt    string
		outputDir string
		model     string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Draft a service artifact from a description",
		Long: `Generate asks the configured LLM provider to draft an annotated
README.md for a new service and writes it under the services
directory, ready for pactown validate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.LLM.APIKey == "" {
				return &domain.ConfigError{Reason: "LLM_API_KEY is not set"}
			}

			generator, err := llm.NewGenerator(&llm.Config{
				Provider: cfg.LLM.Provider,
				APIKey:   cfg.LLM.APIKey,
				Logger:   logger,
			})
			if err != nil {
				return &domain.ConfigError{Reason: err.Error()}
			}

			if model == "" {
				model = cfg.LLM.DefaultModel
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.LLM.RequestTimeout)
			defer cancel()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Drafting %s with %s...\n", styleTitle.Render(name), styleDim.Render(model))

			content, err := generator.Generate(ctx, ports.GenerateRequest{
				Prompt:      fmt.Sprintf("Write the artifact for a service named %q. %s", name, prompt),
				System:      generateSystem,
				Model:       model,
				MaxTokens:   cfg.LLM.DefaultMaxTokens,
				Temperature: cfg.LLM.DefaultTemperature,
			})
			if err != nil {
				return &runtimeError{err: err}
			}

			// The model answers in prose sometimes; surface problems
			// now rather than at pactown up.
			if art, parseErr := artifact.NewParser().Parse([]byte(content)); parseErr != nil {
				fmt.Fprintf(out, "%s generated artifact does not parse: %v\n", styleWarn.Render("⚠"), parseErr)
			} else if strings.TrimSpace(art.Run) == "" {
				fmt.Fprintf(out, "%s generated artifact declares no run command\n", styleWarn.Render("⚠"))
			}

			path := filepath.Join(outputDir, name, "README.md")
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return &runtimeError{err: err}
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return &runtimeError{err: err}
			}

			fmt.Fprintf(out, "%s Generated %s\n", styleOK.Render("✓"), path)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintf(out, "  1. Add %s to your manifest under services.%s.readme\n", path, name)
			fmt.Fprintln(out, "  2. Run: pactown validate <manifest>")
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "service name (required)")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "what the service should do (required)")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "services", "directory to write the artifact under")
	cmd.Flags().StringVar(&model, "model", "", "model override (default from LLM_DEFAULT_MODEL)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}
