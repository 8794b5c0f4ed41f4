package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/application/orchestrator"
	"github.com/wronai/pactown/internal/application/resolver"
	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/pkg/adapters/artifact"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest>",
		Short: "Validate an ecosystem manifest and its artifacts",
		Long: `Validate checks the manifest without starting anything: dependency
references and cycles, and that every service artifact exists, parses
and declares a run command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, basePath, err := loadManifest(args[0])
			if err != nil {
				return err
			}

			if issues := validateSpec(spec, basePath, logger); len(issues) > 0 {
				printIssues(cmd.ErrOrStderr(), issues)
				return &domain.ConfigError{Reason: fmt.Sprintf("%d validation issue(s)", len(issues))}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is valid (%d services)\n",
				styleOK.Render("✓"), spec.Name, len(spec.Services))
			return nil
		},
	}
}

func validateSpec(spec *domain.EcosystemSpec, basePath string, log *zap.Logger) []string {
	return orchestrator.NewValidator(resolver.New(log), artifact.NewParser()).Validate(spec, basePath)
}

func printIssues(out io.Writer, issues []string) {
	for _, issue := range issues {
		fmt.Fprintf(out, "%s %s\n", styleBad.Render("✗"), issue)
	}
}
