package security

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
)

const defaultMaxEvents = 10000

// AnomalyHook is notified synchronously for every recorded anomaly, so
// dashboards and alerters observe events in order. A slow hook slows
// admission checks; hooks must be cheap.
type AnomalyHook func(event domain.AnomalyEvent)

// AnomalyLogger records policy anomalies in a bounded in-memory window
// and appends them to a JSON-lines file.
type AnomalyLogger struct {
	logPath   string
	maxEvents int
	hook      AnomalyHook
	logger    *zap.Logger

	mu     sync.Mutex
	events []domain.AnomalyEvent
}

// NewAnomalyLogger creates a logger appending to logPath. An empty path
// keeps events in memory only.
func NewAnomalyLogger(logPath string, maxEvents int, hook AnomalyHook, logger *zap.Logger) *AnomalyLogger {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &AnomalyLogger{
		logPath:   logPath,
		maxEvents: maxEvents,
		hook:      hook,
		logger:    logger,
	}
}

// Log records one anomaly: it enters the in-memory window (oldest
// evicted on overflow), is appended to the JSON-lines file, and is
// handed to the hook before Log returns.
func (a *AnomalyLogger) Log(anomalyType domain.AnomalyType, severity domain.Severity, userID, serviceID, details string) domain.AnomalyEvent {
	event := domain.AnomalyEvent{
		Timestamp: time.Now().UTC(),
		Type:      anomalyType,
		Severity:  severity,
		UserID:    userID,
		ServiceID: serviceID,
		Details:   details,
	}

	a.mu.Lock()
	a.events = append(a.events, event)
	if len(a.events) > a.maxEvents {
		a.events = a.events[len(a.events)-a.maxEvents:]
	}
	a.mu.Unlock()

	a.append(event)

	fields := []zap.Field{
		zap.String("type", string(event.Type)),
		zap.String("user_id", userID),
		zap.String("service_id", serviceID),
		zap.String("details", details),
	}
	switch severity {
	case domain.SeverityHigh:
		a.logger.Error("security anomaly", fields...)
	case domain.SeverityMedium:
		a.logger.Warn("security anomaly", fields...)
	default:
		a.logger.Info("security anomaly", fields...)
	}

	if a.hook != nil {
		a.hook(event)
	}
	return event
}

// append writes the event as one JSON line.
func (a *AnomalyLogger) append(event domain.AnomalyEvent) {
	if a.logPath == "" {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		a.logger.Warn("failed to encode anomaly", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.logPath), 0o755); err != nil {
		a.logger.Warn("failed to create anomaly log directory", zap.Error(err))
		return
	}
	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		a.logger.Warn("failed to open anomaly log", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		a.logger.Warn("failed to append anomaly", zap.Error(err))
	}
}

// Recent returns up to count newest events, newest last.
func (a *AnomalyLogger) Recent(count int) []domain.AnomalyEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	if count <= 0 || count > len(a.events) {
		count = len(a.events)
	}
	out := make([]domain.AnomalyEvent, count)
	copy(out, a.events[len(a.events)-count:])
	return out
}

// ByUser returns up to count newest events recorded for one user.
func (a *AnomalyLogger) ByUser(userID string, count int) []domain.AnomalyEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return filterEvents(a.events, count, func(e domain.AnomalyEvent) bool { return e.UserID == userID })
}

// ByType returns up to count newest events of one anomaly type.
func (a *AnomalyLogger) ByType(anomalyType domain.AnomalyType, count int) []domain.AnomalyEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return filterEvents(a.events, count, func(e domain.AnomalyEvent) bool { return e.Type == anomalyType })
}

// Summary counts events by type within the window, for dashboards.
func (a *AnomalyLogger) Summary(since time.Time) map[domain.AnomalyType]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[domain.AnomalyType]int)
	for _, e := range a.events {
		if e.Timestamp.After(since) {
			out[e.Type]++
		}
	}
	return out
}

func filterEvents(events []domain.AnomalyEvent, count int, keep func(domain.AnomalyEvent) bool) []domain.AnomalyEvent {
	var matched []domain.AnomalyEvent
	for _, e := range events {
		if keep(e) {
			matched = append(matched, e)
		}
	}
	if count > 0 && len(matched) > count {
		matched = matched[len(matched)-count:]
	}
	return matched
}
