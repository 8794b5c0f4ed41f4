package domain

import "time"

// Tier is the subscription level that drives a user's resource limits.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierBasic      Tier = "BASIC"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// UserProfile carries the tier-driven limits for one tenant. The
// user id is a logical partition only; any OS-level enforcement is
// delegated to collaborators outside the orchestration core.
type UserProfile struct {
	UserID                string `json:"user_id"`
	Tier                  Tier   `json:"tier"`
	MaxConcurrentServices int    `json:"max_concurrent_services"`
	MaxMemoryMB           int    `json:"max_memory_mb"`
	MaxCPUPercent         int    `json:"max_cpu_percent"`
	MaxRequestsPerMinute  int    `json:"max_requests_per_minute"`
	MaxServicesPerHour    int    `json:"max_services_per_hour"`
	AllowedPorts          []int  `json:"allowed_ports,omitempty"`
	IsBlocked             bool   `json:"is_blocked"`
	BlockedReason         string `json:"blocked_reason,omitempty"`
}

// PortAllowed reports whether the profile permits binding port. An
// empty allowlist permits every port.
func (p UserProfile) PortAllowed(port int) bool {
	if len(p.AllowedPorts) == 0 {
		return true
	}
	for _, allowed := range p.AllowedPorts {
		if allowed == port {
			return true
		}
	}
	return false
}

// NewUserProfile returns a profile populated with the default limits
// for the given tier. Unknown tiers fall back to FREE limits.
func NewUserProfile(userID string, tier Tier) UserProfile {
	p := UserProfile{UserID: userID, Tier: tier}
	switch tier {
	case TierBasic:
		p.MaxConcurrentServices = 5
		p.MaxMemoryMB = 512
		p.MaxCPUPercent = 50
		p.MaxRequestsPerMinute = 60
		p.MaxServicesPerHour = 20
	case TierPro:
		p.MaxConcurrentServices = 10
		p.MaxMemoryMB = 2048
		p.MaxCPUPercent = 80
		p.MaxRequestsPerMinute = 120
		p.MaxServicesPerHour = 50
	case TierEnterprise:
		p.MaxConcurrentServices = 50
		p.MaxMemoryMB = 8192
		p.MaxCPUPercent = 100
		p.MaxRequestsPerMinute = 500
		p.MaxServicesPerHour = 200
	default:
		p.Tier = TierFree
		p.MaxConcurrentServices = 2
		p.MaxMemoryMB = 256
		p.MaxCPUPercent = 25
		p.MaxRequestsPerMinute = 20
		p.MaxServicesPerHour = 5
	}
	return p
}

// AnomalyType classifies a policy-relevant event.
type AnomalyType string

const (
	AnomalyRateLimitExceeded       AnomalyType = "RateLimitExceeded"
	AnomalyConcurrentLimitExceeded AnomalyType = "ConcurrentLimitExceeded"
	AnomalyHourlyLimitExceeded     AnomalyType = "HourlyLimitExceeded"
	AnomalyServerOverloaded        AnomalyType = "ServerOverloaded"
	AnomalyRapidRestart            AnomalyType = "RapidRestart"
	AnomalyUnauthorizedAccess      AnomalyType = "UnauthorizedAccess"
)

// Severity grades an anomaly for admin review.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AnomalyEvent is one entry in the append-only anomaly log.
type AnomalyEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	Type      AnomalyType `json:"type"`
	Severity  Severity    `json:"severity"`
	UserID    string      `json:"user_id"`
	ServiceID string      `json:"service_id,omitempty"`
	Details   string      `json:"details,omitempty"`
}

// Decision is the outcome of a policy admission check. A decision may
// allow with a positive Delay, which asks the caller to throttle before
// proceeding.
type Decision struct {
	Allowed bool
	Reason  string
	Delay   time.Duration
}

// Allow returns a clean admission.
func Allow() Decision {
	return Decision{Allowed: true}
}

// AllowAfter returns an admission throttled by delay.
func AllowAfter(delay time.Duration, reason string) Decision {
	return Decision{Allowed: true, Reason: reason, Delay: delay}
}

// Deny returns a rejection with the given reason. Delay, when positive,
// hints when a retry could succeed.
func Deny(reason string, delay time.Duration) Decision {
	return Decision{Allowed: false, Reason: reason, Delay: delay}
}
