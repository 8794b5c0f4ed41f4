package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
)

// newQuietPolicy builds a policy whose monitor reports a relaxed host,
// so only the check under test can deny.
func newQuietPolicy(t *testing.T) *Policy {
	t.Helper()
	anomalies := NewAnomalyLogger("", 100, nil, zap.NewNop())
	monitor := NewResourceMonitor(80, 85, time.Minute)
	monitor.sample = func() LoadSample { return LoadSample{CPUPercent: 10, MemoryPercent: 20} }
	return NewPolicy(anomalies, monitor, nil, zap.NewNop())
}

func TestCheckCanStartAllowsFreshUser(t *testing.T) {
	p := newQuietPolicy(t)

	d := p.CheckCanStart("newcomer", "api", 0)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Delay)
	assert.Empty(t, p.Anomalies().Recent(0))
}

func TestProfileDefaultsToFreeTier(t *testing.T) {
	p := newQuietPolicy(t)

	profile := p.Profile("newcomer")
	assert.Equal(t, domain.TierFree, profile.Tier)
	assert.Equal(t, 2, profile.MaxConcurrentServices)

	p.SetProfile(domain.NewUserProfile("newcomer", domain.TierPro))
	assert.Equal(t, domain.TierPro, p.Profile("newcomer").Tier)
}

func TestBlockedUserIsDenied(t *testing.T) {
	p := newQuietPolicy(t)
	p.Block("mallory", "abuse report")

	d := p.CheckCanStart("mallory", "api", 0)
	require.False(t, d.Allowed)
	assert.Equal(t, "user blocked: abuse report", d.Reason)

	anomalies := p.Anomalies().ByType(domain.AnomalyUnauthorizedAccess, 0)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "mallory", anomalies[0].UserID)

	p.Unblock("mallory")
	assert.True(t, p.CheckCanStart("mallory", "api", 0).Allowed)
}

func TestBlockedWithoutReasonGetsPlaceholder(t *testing.T) {
	p := newQuietPolicy(t)
	p.Block("mallory", "")

	d := p.CheckCanStart("mallory", "api", 0)
	require.False(t, d.Allowed)
	assert.Equal(t, "user blocked: no reason provided", d.Reason)
}

func TestRateLimitDeniesAfterBurst(t *testing.T) {
	p := newQuietPolicy(t)

	// FREE grants 20 requests per minute. Starts are never registered
	// here, so the concurrent and hourly checks stay quiet.
	for i := 0; i < 20; i++ {
		require.True(t, p.CheckCanStart("alice", "api", 0).Allowed, "request %d within budget", i+1)
	}

	d := p.CheckCanStart("alice", "api", 0)
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "rate limit exceeded")
	assert.Greater(t, d.Delay, time.Duration(0))

	require.NotEmpty(t, p.Anomalies().ByType(domain.AnomalyRateLimitExceeded, 0))

	// Other users keep their own budget.
	assert.True(t, p.CheckCanStart("bob", "api", 0).Allowed)
}

func TestConcurrentLimitFreesSlotOnStop(t *testing.T) {
	p := newQuietPolicy(t)

	p.RegisterStart("alice", "api")
	p.RegisterStart("alice", "web")
	require.Equal(t, 2, p.ConcurrentCount("alice"))

	d := p.CheckCanStart("alice", "worker", 0)
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "max concurrent services reached (2/2)")
	require.NotEmpty(t, p.Anomalies().ByType(domain.AnomalyConcurrentLimitExceeded, 0))

	p.UnregisterStop("alice", "api")
	assert.Equal(t, 1, p.ConcurrentCount("alice"))
	assert.True(t, p.CheckCanStart("alice", "worker", 0).Allowed)

	// Stopping something never started must not blow up.
	p.UnregisterStop("nobody", "ghost")
}

func TestHourlyLimitUsesSlidingWindow(t *testing.T) {
	p := newQuietPolicy(t)
	current := time.Now()
	p.now = func() time.Time { return current }

	// Five short-lived services: slots are free again but the hourly
	// window is full.
	for i := 0; i < 5; i++ {
		p.RegisterStart("alice", "svc")
		p.UnregisterStop("alice", "svc")
	}
	require.Equal(t, 5, p.StartsLastHour("alice"))

	d := p.CheckCanStart("alice", "svc", 0)
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "hourly service limit reached (5/5)")
	require.NotEmpty(t, p.Anomalies().ByType(domain.AnomalyHourlyLimitExceeded, 0))

	current = current.Add(hourlyWindow + time.Minute)
	assert.Equal(t, 0, p.StartsLastHour("alice"))
	assert.True(t, p.CheckCanStart("alice", "svc", 0).Allowed)
}

func TestPortAllowlistRestrictsExplicitPorts(t *testing.T) {
	p := newQuietPolicy(t)
	profile := domain.NewUserProfile("alice", domain.TierBasic)
	profile.AllowedPorts = []int{8080}
	p.SetProfile(profile)

	d := p.CheckCanStart("alice", "api", 9090)
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "port 9090 not allowed")
	require.NotEmpty(t, p.Anomalies().ByType(domain.AnomalyUnauthorizedAccess, 0))

	assert.True(t, p.CheckCanStart("alice", "api", 8080).Allowed)
	// Port zero means "allocate for me" and bypasses the allowlist.
	assert.True(t, p.CheckCanStart("alice", "api", 0).Allowed)
}

func TestOverloadDeniesFreeAndThrottlesPaid(t *testing.T) {
	anomalies := NewAnomalyLogger("", 100, nil, zap.NewNop())
	monitor := NewResourceMonitor(80, 85, time.Minute)
	monitor.sample = func() LoadSample { return LoadSample{CPUPercent: 95, MemoryPercent: 50} }
	p := NewPolicy(anomalies, monitor, nil, zap.NewNop())
	p.SetProfile(domain.NewUserProfile("pro", domain.TierPro))

	d := p.CheckCanStart("free-user", "api", 0)
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "overloaded")

	d = p.CheckCanStart("pro", "api", 0)
	require.True(t, d.Allowed)
	assert.Greater(t, d.Delay, time.Duration(0))
	assert.Contains(t, d.Reason, "server under load")

	require.NotEmpty(t, p.Anomalies().ByType(domain.AnomalyServerOverloaded, 0))
}

func TestRapidRestartIsLoggedNotDenied(t *testing.T) {
	p := newQuietPolicy(t)
	// BASIC offers enough hourly headroom that only the rapid pattern
	// is interesting.
	p.SetProfile(domain.NewUserProfile("alice", domain.TierBasic))

	for i := 0; i < 5; i++ {
		p.RegisterStart("alice", "svc")
		p.UnregisterStop("alice", "svc")
	}

	d := p.CheckCanStart("alice", "svc", 0)
	assert.True(t, d.Allowed)
	require.NotEmpty(t, p.Anomalies().ByType(domain.AnomalyRapidRestart, 0))
}
