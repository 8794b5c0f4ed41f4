package workers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
)

// ServiceSource exposes the running services the monitor watches. The
// sandbox manager satisfies it.
type ServiceSource interface {
	List() []domain.ServiceState
	CheckHealth(ctx context.Context, name string) bool
}

// HealthMonitor periodically probes every running service and reports
// the ones that stop answering. One event is published per transition,
// not per failed probe, so a service flapping between probes produces
// a bounded event stream.
type HealthMonitor struct {
	source   ServiceSource
	interval time.Duration
	bus      ports.EventBus
	logger   *zap.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	healthy map[string]bool
}

// HealthStatus is an aggregate snapshot of the monitored services.
type HealthStatus struct {
	Total     int
	Healthy   int
	Unhealthy []string
	Timestamp time.Time
}

// NewHealthMonitor creates a monitor probing every interval. The bus
// may be nil when no event consumers exist.
func NewHealthMonitor(source ServiceSource, interval time.Duration, bus ports.EventBus, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		source:   source,
		interval: interval,
		bus:      bus,
		logger:   logger,
		stopCh:   make(chan struct{}),
		healthy:  make(map[string]bool),
	}
}

// Start begins the probe loop. Calling Start on a running monitor is a
// no-op.
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.mu.Unlock()

	go h.run()
}

// Stop halts the probe loop. Calling Stop on a stopped monitor is a
// no-op.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	stopCh := h.stopCh
	h.mu.Unlock()

	close(stopCh)
}

func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.mu.RLock()
	stopCh := h.stopCh
	h.mu.RUnlock()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			h.checkAll()
		}
	}
}

// checkAll probes every running service once and records transitions.
func (h *HealthMonitor) checkAll() {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()

	seen := make(map[string]bool)
	for _, st := range h.source.List() {
		if st.State != domain.StateRunning {
			continue
		}
		ok := h.source.CheckHealth(ctx, st.Name)
		seen[st.Name] = ok
		h.record(ctx, st.Name, ok)
	}

	// Forget services that are no longer running so a later restart
	// under the same name starts with a clean slate.
	h.mu.Lock()
	for name := range h.healthy {
		if _, alive := seen[name]; !alive {
			delete(h.healthy, name)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) record(ctx context.Context, name string, ok bool) {
	h.mu.Lock()
	was, known := h.healthy[name]
	h.healthy[name] = ok
	h.mu.Unlock()

	switch {
	case ok && known && !was:
		h.logger.Info("service recovered", zap.String("service", name))
	case !ok && (!known || was):
		h.logger.Warn("service stopped answering health checks",
			zap.String("service", name))
		h.publishUnhealthy(ctx, name)
	}
}

func (h *HealthMonitor) publishUnhealthy(ctx context.Context, name string) {
	if h.bus == nil {
		return
	}
	event := ports.Event{
		ID:        uuid.New().String(),
		Type:      ports.EventServiceUnhealthy,
		Timestamp: time.Now(),
		Service:   name,
	}
	if err := h.bus.Publish(ctx, ports.TopicLifecycle, event); err != nil {
		h.logger.Error("failed to publish unhealthy event",
			zap.String("service", name),
			zap.Error(err))
	}
}

// Status returns the aggregate health picture from the last probe
// cycle.
func (h *HealthMonitor) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{Timestamp: time.Now()}
	for name, ok := range h.healthy {
		status.Total++
		if ok {
			status.Healthy++
		} else {
			status.Unhealthy = append(status.Unhealthy, name)
		}
	}
	return status
}
