package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wronai/pactown/internal/application/orchestrator"
	"github.com/wronai/pactown/internal/application/resolver"
	"github.com/wronai/pactown/internal/application/workers"
	"github.com/wronai/pactown/internal/domain"
)

// monitorInterval paces the background health probes while an
// ecosystem runs in the foreground.
const monitorInterval = 30 * time.Second

func newUpCmd() *cobra.Command {
	var (
		dryRun     bool
		noHealth   bool
		quiet      bool
		sequential bool
		maxWorkers int
	)

	cmd := &cobra.Command{
		Use:   "up <manifest>",
		Short: "Start every service in the ecosystem",
		Long: `Up validates the manifest, starts every service in dependency order
and keeps running in the foreground. Ctrl+C stops the whole ecosystem
again in reverse order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger
			if quiet {
				log = log.WithOptions(zap.IncreaseLevel(zapcore.ErrorLevel))
			}
			out := cmd.OutOrStdout()

			if dryRun {
				return printPlan(out, args[0], log)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, args[0], log)
			if err != nil {
				return err
			}
			defer rt.close()

			if issues := validateSpec(rt.spec, rt.basePath, log); len(issues) > 0 {
				printIssues(cmd.ErrOrStderr(), issues)
				return &domain.ConfigError{Reason: fmt.Sprintf("%d validation issue(s)", len(issues))}
			}

			rt.engine.Reconcile(ctx)

			count := maxWorkers
			if sequential {
				count = 1
			}
			if err := rt.engine.Up(ctx, orchestrator.UpOptions{Workers: count, SkipHealth: noHealth}); err != nil {
				return err
			}

			if !quiet {
				printEndpoints(out, rt)
				fmt.Fprintf(out, "\n%s is up (%d services)\n",
					styleTitle.Render(rt.spec.Name), len(rt.spec.Services))
			}

			monitor := workers.NewHealthMonitor(rt.manager, monitorInterval, rt.bus, log)
			monitor.Start()
			defer monitor.Stop()

			fmt.Fprintln(out, styleDim.Render("\nPress Ctrl+C to stop all services"))
			<-ctx.Done()
			// Restore default signal handling so a second Ctrl+C kills
			// a shutdown that hangs.
			stop()

			fmt.Fprintln(out, styleWarn.Render("\nShutting down..."))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
			defer cancel()
			if errs := rt.engine.Down(shutdownCtx); len(errs) > 0 {
				return &runtimeError{err: errors.Join(errs...)}
			}
			if !quiet {
				fmt.Fprintln(out, styleOK.Render("All services stopped"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "show the start plan without starting anything")
	cmd.Flags().BoolVar(&noHealth, "no-health", false, "do not wait for services to become healthy")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "minimal output")
	cmd.Flags().BoolVarP(&sequential, "sequential", "s", false, "start services one at a time")
	cmd.Flags().IntVarP(&maxWorkers, "workers", "w", 4, "maximum parallel starts inside one dependency wave")
	return cmd
}

// printPlan resolves the start order without building a runtime, so a
// dry run has no side effects on the sandbox directory.
func printPlan(out io.Writer, manifestPath string, log *zap.Logger) error {
	spec, _, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}
	order, err := resolver.New(log).Order(spec)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s\n\n", styleTitle.Render("Dry run: "+spec.Name))
	fmt.Fprintln(out, "Would start services in order:")
	for i, name := range order {
		svc := spec.Service(name)
		port := "auto"
		if svc.Port > 0 {
			port = strconv.Itoa(svc.Port)
		}
		line := fmt.Sprintf("  %d. %s:%s", i+1, name, port)
		if deps := depNames(svc); len(deps) > 0 {
			line += styleDim.Render(fmt.Sprintf(" (deps: %s)", strings.Join(deps, ", ")))
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func depNames(svc *domain.ServiceSpec) []string {
	names := make([]string, 0, len(svc.DependsOn))
	for _, dep := range svc.DependsOn {
		names = append(names, dep.Name)
	}
	return names
}

func printEndpoints(out io.Writer, rt *ecosystemRuntime) {
	for _, name := range rt.spec.ServiceNames() {
		if ep, ok := rt.registry.Get(name); ok {
			fmt.Fprintf(out, "%s %-16s %s\n", styleOK.Render("✓"), name, styleDim.Render(ep.URL()))
		}
	}
}
