package ports

import "time"

// MetricsCollector records orchestration metrics.
type MetricsCollector interface {
	// RecordServiceStarted increments the start counter with an outcome label
	RecordServiceStarted(outcome string)

	// RecordServiceStopped increments the stop counter
	RecordServiceStopped()

	// RecordStartDuration records how long one service took to become healthy
	RecordStartDuration(service string, duration time.Duration)

	// RecordHealthProbe records one probe attempt and its outcome
	RecordHealthProbe(service string, success bool)

	// RecordCacheLookup records a dependency cache hit or miss
	RecordCacheLookup(hit bool)

	// RecordPolicyDecision records an admission decision
	RecordPolicyDecision(allowed bool, reason string)

	// RecordAnomaly records one security anomaly by type
	RecordAnomaly(anomalyType string)

	// SetServicesRunning sets the current number of running services
	SetServicesRunning(count int)

	// SetPortsIssued sets the current number of allocator-issued ports
	SetPortsIssued(count int)

	// SetCachedEnvs sets the current number of cached environments
	SetCachedEnvs(count int)
}

// NopMetrics discards every measurement. Useful in tests and when no
// metrics backend is configured.
type NopMetrics struct{}

func (NopMetrics) RecordServiceStarted(string)               {}
func (NopMetrics) RecordServiceStopped()                     {}
func (NopMetrics) RecordStartDuration(string, time.Duration) {}
func (NopMetrics) RecordHealthProbe(string, bool)            {}
func (NopMetrics) RecordCacheLookup(bool)                    {}
func (NopMetrics) RecordPolicyDecision(bool, string)         {}
func (NopMetrics) RecordAnomaly(string)                      {}
func (NopMetrics) SetServicesRunning(int)                    {}
func (NopMetrics) SetPortsIssued(int)                        {}
func (NopMetrics) SetCachedEnvs(int)                         {}
