package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/config"
	"github.com/wronai/pactown/internal/domain"
)

// Process exit codes. Scripts driving pactown rely on the distinction
// between a bad manifest, a service that failed at runtime and a
// refusal by the security policy.
const (
	exitOK      = 0
	exitUsage   = 1
	exitRuntime = 2
	exitPolicy  = 3
)

var rootCmd = &cobra.Command{
	Use:   "pactown",
	Short: "Run service ecosystems defined in Markdown",
	Long: `pactown turns a folder of annotated README.md files into a running
ecosystem: it resolves the dependency graph, allocates ports,
materializes each service into an isolated sandbox and supervises
the processes until they are stopped again.`,
	// SilenceUsage keeps cobra from dumping the help text after
	// operational failures; SilenceErrors leaves the printing to
	// Execute so every error is styled and mapped to an exit code.
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Command-wide collaborators, set once by Execute before dispatch.
var (
	cfg    *config.Config
	logger *zap.Logger
)

// Semantic output styles shared by all commands.
var (
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#059669", Dark: "#10B981"})
	styleBad   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#DC2626", Dark: "#EF4444"})
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#F59E0B"})
	styleDim   = lipgloss.NewStyle().Faint(true)
	styleTitle = lipgloss.NewStyle().Bold(true)
)

// Execute runs the CLI and returns the process exit code. The caller
// owns os.Exit so deferred cleanup in main still runs.
func Execute(c *config.Config, log *zap.Logger, version string) int {
	cfg = c
	logger = log
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "pactown version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleBad.Render("Error: ")+err.Error())
		return exitCode(err)
	}
	return exitOK
}

// runtimeError marks an operational failure, as opposed to a mistake
// in the manifest or the invocation, so exitCode can tell them apart
// when the underlying error carries no domain type.
type runtimeError struct{ err error }

func (e *runtimeError) Error() string { return e.err.Error() }
func (e *runtimeError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var denied *domain.PolicyDeniedError
	if errors.As(err, &denied) {
		return exitPolicy
	}

	var confErr *domain.ConfigError
	var cycle *domain.CycleError
	var unknown *domain.UnknownDependencyError
	if errors.As(err, &confErr) || errors.As(err, &cycle) || errors.As(err, &unknown) {
		return exitUsage
	}

	var rt *runtimeError
	var exited *domain.ProcessExitedError
	var health *domain.HealthTimeoutError
	var noPort *domain.NoFreePortError
	var running *domain.AlreadyRunningError
	if errors.As(err, &rt) || errors.As(err, &exited) || errors.As(err, &health) ||
		errors.As(err, &noPort) || errors.As(err, &running) {
		return exitRuntime
	}

	return exitUsage
}

func init() {
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &domain.ConfigError{Reason: err.Error()}
	})

	rootCmd.AddCommand(newUpCmd())
	rootCmd.AddCommand(newDownCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newGraphCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newGenerateCmd())
}
