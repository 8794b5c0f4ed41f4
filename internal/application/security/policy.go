package security

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
)

// rapidRestartWindow and rapidRestartCount define the observation-only
// abuse pattern: this many starts inside the window is flagged but
// never denied.
const (
	rapidRestartWindow = time.Minute
	rapidRestartCount  = 5

	hourlyWindow = time.Hour
)

// Policy decides whether a user may start another service. Checks run
// in a fixed order and the first failure wins: blocked profile, rate
// limit, concurrent limit, hourly limit, port allowlist, server load.
// Safe for concurrent use.
type Policy struct {
	anomalies *AnomalyLogger
	limiter   *rateLimiter
	monitor   *ResourceMonitor
	metrics   ports.MetricsCollector
	logger    *zap.Logger

	mu       sync.Mutex
	profiles map[string]domain.UserProfile
	services map[string]map[string]struct{} // userID -> live service ids
	starts   map[string][]time.Time         // userID -> start times, pruned hourly

	// now is stubbed in tests.
	now func() time.Time
}

// NewPolicy assembles the admission policy. The anomaly logger and
// resource monitor are required; metrics may be nil.
func NewPolicy(anomalies *AnomalyLogger, monitor *ResourceMonitor, metrics ports.MetricsCollector, logger *zap.Logger) *Policy {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Policy{
		anomalies: anomalies,
		limiter:   newRateLimiter(),
		monitor:   monitor,
		metrics:   metrics,
		logger:    logger,
		profiles:  make(map[string]domain.UserProfile),
		services:  make(map[string]map[string]struct{}),
		starts:    make(map[string][]time.Time),
		now:       time.Now,
	}
}

// SetProfile adds or replaces a user profile. The change applies to the
// next CheckCanStart call.
func (p *Policy) SetProfile(profile domain.UserProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles[profile.UserID] = profile
}

// Profile returns the user's profile, creating FREE-tier defaults on
// first sight.
func (p *Policy) Profile(userID string) domain.UserProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profileLocked(userID)
}

func (p *Policy) profileLocked(userID string) domain.UserProfile {
	profile, ok := p.profiles[userID]
	if !ok {
		profile = domain.NewUserProfile(userID, domain.TierFree)
		p.profiles[userID] = profile
	}
	return profile
}

// Block marks the user's profile blocked with a reason.
func (p *Policy) Block(userID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	profile := p.profileLocked(userID)
	profile.IsBlocked = true
	profile.BlockedReason = reason
	p.profiles[userID] = profile
}

// Unblock clears the blocked flag on the user's profile.
func (p *Policy) Unblock(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	profile := p.profileLocked(userID)
	profile.IsBlocked = false
	profile.BlockedReason = ""
	p.profiles[userID] = profile
}

// RegisterStart records a successful service start for concurrent and
// hourly accounting.
func (p *Policy) RegisterStart(userID, serviceID string) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.services[userID] == nil {
		p.services[userID] = make(map[string]struct{})
	}
	p.services[userID][serviceID] = struct{}{}
	p.starts[userID] = append(p.pruneLocked(userID, now), now)
}

// UnregisterStop records a service stop, releasing one concurrent slot.
func (p *Policy) UnregisterStop(userID, serviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.services[userID], serviceID)
}

// ConcurrentCount returns the user's currently registered services.
func (p *Policy) ConcurrentCount(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.services[userID])
}

// StartsLastHour returns how many starts fall inside the sliding
// one-hour window.
func (p *Policy) StartsLastHour(userID string) int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	pruned := p.pruneLocked(userID, now)
	p.starts[userID] = pruned
	return len(pruned)
}

func (p *Policy) pruneLocked(userID string, now time.Time) []time.Time {
	cutoff := now.Add(-hourlyWindow)
	kept := p.starts[userID][:0]
	for _, t := range p.starts[userID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Anomalies exposes the anomaly log for API consumers.
func (p *Policy) Anomalies() *AnomalyLogger {
	return p.anomalies
}

// CheckCanStart runs the admission checks for one start attempt.
func (p *Policy) CheckCanStart(userID, serviceID string, port int) domain.Decision {
	profile := p.Profile(userID)

	// 1. Blocked profile.
	if profile.IsBlocked {
		p.anomalies.Log(domain.AnomalyUnauthorizedAccess, domain.SeverityHigh, userID, serviceID,
			fmt.Sprintf("blocked user %s attempted to start service", userID))
		reason := profile.BlockedReason
		if reason == "" {
			reason = "no reason provided"
		}
		return p.deny("blocked", domain.Deny(fmt.Sprintf("user blocked: %s", reason), 0))
	}

	// 2. Token bucket rate limit.
	if ok, wait := p.limiter.consume(userID, profile.MaxRequestsPerMinute); !ok {
		p.anomalies.Log(domain.AnomalyRateLimitExceeded, domain.SeverityMedium, userID, serviceID,
			fmt.Sprintf("user %s exceeded start rate limit (%d/min)", userID, profile.MaxRequestsPerMinute))
		return p.deny("rate_limit", domain.Deny(fmt.Sprintf("rate limit exceeded, wait %.1fs", wait.Seconds()), wait))
	}

	// 3. Concurrent service limit.
	if current := p.ConcurrentCount(userID); current >= profile.MaxConcurrentServices {
		p.anomalies.Log(domain.AnomalyConcurrentLimitExceeded, domain.SeverityMedium, userID, serviceID,
			fmt.Sprintf("user %s at max concurrent services (%d/%d)", userID, current, profile.MaxConcurrentServices))
		return p.deny("concurrent_limit", domain.Deny(
			fmt.Sprintf("max concurrent services reached (%d/%d), stop a service first", current, profile.MaxConcurrentServices), 0))
	}

	// 4. Hourly sliding window.
	if hourly := p.StartsLastHour(userID); hourly >= profile.MaxServicesPerHour {
		p.anomalies.Log(domain.AnomalyHourlyLimitExceeded, domain.SeverityMedium, userID, serviceID,
			fmt.Sprintf("user %s exceeded hourly service limit (%d/%d)", userID, hourly, profile.MaxServicesPerHour))
		return p.deny("hourly_limit", domain.Deny(
			fmt.Sprintf("hourly service limit reached (%d/%d), try again later", hourly, profile.MaxServicesPerHour), 0))
	}

	// 5. Port allowlist.
	if port != 0 && !profile.PortAllowed(port) {
		p.anomalies.Log(domain.AnomalyUnauthorizedAccess, domain.SeverityHigh, userID, serviceID,
			fmt.Sprintf("user %s attempted to use restricted port %d", userID, port))
		return p.deny("port_restricted", domain.Deny(fmt.Sprintf("port %d not allowed for this account", port), 0))
	}

	// 6. Server load throttle: FREE is denied under overload, paid
	// tiers are admitted with a delay.
	if overloaded, sample := p.monitor.CheckOverload(); overloaded {
		delay := p.monitor.ThrottleDelay()
		p.anomalies.Log(domain.AnomalyServerOverloaded, domain.SeverityLow, userID, serviceID,
			fmt.Sprintf("server overloaded (cpu %.1f%%, mem %.1f%%), throttling user %s",
				sample.CPUPercent, sample.MemoryPercent, userID))
		if profile.Tier == domain.TierFree {
			return p.deny("overloaded", domain.Deny("server is currently overloaded, try again later", delay))
		}
		p.metrics.RecordPolicyDecision(true, "throttled")
		return domain.AllowAfter(delay, fmt.Sprintf("server under load, delayed by %.1fs", delay.Seconds()))
	}

	// Observation only: a rapid start pattern is logged, never denied.
	if recent := p.recentStarts(rapidRestartWindow); recent[userID] >= rapidRestartCount {
		p.anomalies.Log(domain.AnomalyRapidRestart, domain.SeverityMedium, userID, serviceID,
			fmt.Sprintf("user %s restarted services %d times in the last minute", userID, recent[userID]))
	}

	p.metrics.RecordPolicyDecision(true, "allowed")
	return domain.Allow()
}

func (p *Policy) deny(check string, d domain.Decision) domain.Decision {
	p.metrics.RecordPolicyDecision(false, check)
	return d
}

func (p *Policy) recentStarts(window time.Duration) map[string]int {
	now := p.now()
	cutoff := now.Add(-window)

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int, len(p.starts))
	for userID, times := range p.starts {
		for _, t := range times {
			if t.After(cutoff) {
				out[userID]++
			}
		}
	}
	return out
}
