package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/application/network"
	"github.com/wronai/pactown/internal/application/sandbox"
	"github.com/wronai/pactown/internal/application/security"
	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
	"github.com/wronai/pactown/pkg/adapters/artifact"
	"github.com/wronai/pactown/pkg/adapters/metrics/prometheus"
	apihttp "github.com/wronai/pactown/pkg/api/http"
	"github.com/wronai/pactown/pkg/api/websocket"
)

// loadCheckInterval paces the resource monitor samples backing the
// policy's overload check.
const loadCheckInterval = 30 * time.Second

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pactown runner API",
		Long: `Serve exposes the runner API: clients POST Markdown artifacts and get
back running, sandboxed services. Every admission passes the security
policy; lifecycle events stream over /ws/events and Prometheus metrics
are exposed on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr == "" {
				addr = cfg.GetAPIAddr()
			}

			root := cfg.SandboxRoot
			if root == "" {
				root = filepath.Join(os.TempDir(), "pactown-sandboxes")
			}
			start, end, err := cfg.PortBounds()
			if err != nil {
				return err
			}

			store, bus, closeAdapters, err := newAdapters(ctx, logger)
			if err != nil {
				return err
			}
			defer closeAdapters()

			collector := prometheus.NewCollector()
			allocator := network.NewPortAllocator(start, end)
			registry := network.NewServiceRegistry(root, allocator, logger)

			cache, err := sandbox.NewDependencyCache(root, cfg.Cache.MaxEntries, cfg.Cache.MaxAge, collector, logger)
			if err != nil {
				return err
			}
			manager, err := sandbox.NewManager(root, registry, cache, store, bus, collector, logger,
				cfg.Timeouts.StopGrace, cfg.Timeouts.ProbeHTTP)
			if err != nil {
				return err
			}

			anomalyPath := cfg.Security.AnomalyLogPath
			if anomalyPath == "" {
				anomalyPath = filepath.Join(root, "anomalies.jsonl")
			}
			anomalies := security.NewAnomalyLogger(anomalyPath, cfg.Security.AnomalyMaxEvents,
				republishAnomalies(bus), logger)
			monitor := security.NewResourceMonitor(cfg.Security.CPUThreshold, cfg.Security.MemoryThreshold,
				loadCheckInterval)
			policy := security.NewPolicy(anomalies, monitor, collector, logger)

			server := apihttp.NewServer(&apihttp.Config{
				Addr:    addr,
				Token:   cfg.API.Token,
				Sandbox: manager,
				Parser:  artifact.NewParser(),
				Policy:  policy,
				Store:   store,
				Bus:     bus,
				Metrics: collector,
				Logger:  logger,
			})
			server.SetupWebSocket(websocket.NewHandler(bus, logger))

			if err := server.Start(ctx); err != nil {
				return &runtimeError{err: err}
			}

			logger.Info("runner api listening",
				zap.String("addr", addr),
				zap.String("sandbox_root", root),
				zap.Bool("auth", cfg.API.Token != ""))
			fmt.Fprintf(cmd.OutOrStdout(), "%s runner API listening on %s\n",
				styleOK.Render("✓"), styleTitle.Render(addr))

			errCh := make(chan error, 1)
			go func() { errCh <- server.Serve() }()

			select {
			case err := <-errCh:
				if err != nil {
					return &runtimeError{err: err}
				}
				return nil
			case <-ctx.Done():
			}
			stop()

			logger.Info("received shutdown signal")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return &runtimeError{err: err}
			}
			logger.Info("runner api shut down")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from PACTOWN_API_PORT)")
	return cmd
}

// republishAnomalies forwards every recorded policy anomaly onto the
// event bus so websocket clients see denials alongside lifecycle
// events.
func republishAnomalies(bus ports.EventBus) security.AnomalyHook {
	return func(event domain.AnomalyEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Publish(ctx, ports.TopicLifecycle, ports.Event{
			ID:        uuid.New().String(),
			Type:      ports.EventPolicyDenied,
			Timestamp: event.Timestamp,
			Service:   event.ServiceID,
			Data: map[string]interface{}{
				"anomaly_type": string(event.Type),
				"severity":     string(event.Severity),
				"user_id":      event.UserID,
				"details":      event.Details,
			},
		})
	}
}
