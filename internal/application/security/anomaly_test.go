package security

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
)

func TestAnomalyWindowEvictsOldest(t *testing.T) {
	log := NewAnomalyLogger("", 3, nil, zap.NewNop())

	for i := 0; i < 5; i++ {
		log.Log(domain.AnomalyRapidRestart, domain.SeverityLow, "u1", "svc", string(rune('a'+i)))
	}

	recent := log.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "c", recent[0].Details)
	assert.Equal(t, "e", recent[2].Details)

	newest := log.Recent(1)
	require.Len(t, newest, 1)
	assert.Equal(t, "e", newest[0].Details)
}

func TestAnomalyAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "anomalies.jsonl")
	log := NewAnomalyLogger(path, 0, nil, zap.NewNop())

	log.Log(domain.AnomalyRateLimitExceeded, domain.SeverityMedium, "alice", "api", "too fast")
	log.Log(domain.AnomalyUnauthorizedAccess, domain.SeverityHigh, "mallory", "", "blocked user")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first, second domain.AnomalyEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))

	assert.Equal(t, domain.AnomalyRateLimitExceeded, first.Type)
	assert.Equal(t, "alice", first.UserID)
	assert.Equal(t, "api", first.ServiceID)
	assert.Equal(t, domain.SeverityHigh, second.Severity)
	assert.False(t, first.Timestamp.IsZero())
}

func TestAnomalyHookRunsSynchronously(t *testing.T) {
	var seen []domain.AnomalyEvent
	hook := func(e domain.AnomalyEvent) { seen = append(seen, e) }
	log := NewAnomalyLogger("", 10, hook, zap.NewNop())

	log.Log(domain.AnomalyServerOverloaded, domain.SeverityLow, "u1", "a", "first")
	require.Len(t, seen, 1, "hook must fire before Log returns")

	log.Log(domain.AnomalyServerOverloaded, domain.SeverityLow, "u1", "b", "second")
	require.Len(t, seen, 2)
	assert.Equal(t, "first", seen[0].Details)
	assert.Equal(t, "second", seen[1].Details)
}

func TestAnomalyFilters(t *testing.T) {
	log := NewAnomalyLogger("", 10, nil, zap.NewNop())

	log.Log(domain.AnomalyRateLimitExceeded, domain.SeverityMedium, "alice", "a", "")
	log.Log(domain.AnomalyRateLimitExceeded, domain.SeverityMedium, "bob", "b", "")
	log.Log(domain.AnomalyRapidRestart, domain.SeverityLow, "alice", "c", "")

	byAlice := log.ByUser("alice", 0)
	require.Len(t, byAlice, 2)
	assert.Equal(t, "a", byAlice[0].ServiceID)
	assert.Equal(t, "c", byAlice[1].ServiceID)

	byType := log.ByType(domain.AnomalyRateLimitExceeded, 0)
	require.Len(t, byType, 2)

	capped := log.ByType(domain.AnomalyRateLimitExceeded, 1)
	require.Len(t, capped, 1)
	assert.Equal(t, "bob", capped[0].UserID)

	assert.Empty(t, log.ByUser("nobody", 0))
}

func TestAnomalySummaryCountsSince(t *testing.T) {
	log := NewAnomalyLogger("", 10, nil, zap.NewNop())

	log.Log(domain.AnomalyRateLimitExceeded, domain.SeverityMedium, "alice", "a", "")
	log.Log(domain.AnomalyRateLimitExceeded, domain.SeverityMedium, "alice", "b", "")
	log.Log(domain.AnomalyHourlyLimitExceeded, domain.SeverityMedium, "alice", "c", "")

	summary := log.Summary(time.Now().Add(-time.Minute))
	assert.Equal(t, 2, summary[domain.AnomalyRateLimitExceeded])
	assert.Equal(t, 1, summary[domain.AnomalyHourlyLimitExceeded])

	assert.Empty(t, log.Summary(time.Now().Add(time.Minute)))
}
