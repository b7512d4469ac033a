package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/controller"
	"github.com/aviary-run/aviary/internal/db"
	"github.com/aviary-run/aviary/internal/repositories"
)

type fakeRecoverer struct {
	mu         sync.Mutex
	restarted  []uint64
	unhealthy  map[uint64]string
	restartErr error
}

func newFakeRecoverer() *fakeRecoverer {
	return &fakeRecoverer{unhealthy: make(map[uint64]string)}
}

func (f *fakeRecoverer) RestartStale(_ context.Context, id uint64) (*controller.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restartErr != nil {
		return nil, f.restartErr
	}
	f.restarted = append(f.restarted, id)
	return &controller.StartResult{AgentID: id}, nil
}

func (f *fakeRecoverer) MarkUnhealthy(_ context.Context, id uint64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy[id] = message
	return nil
}

func seedRunning(t *testing.T, repo *repositories.MemoryAgentRepository, name string, port int, heartbeat *time.Time, restarts int) *db.Agent {
	t.Helper()
	agent := &db.Agent{Name: name, Status: db.StatusStopped, Config: "{}"}
	require.NoError(t, repo.Create(context.Background(), agent))
	patch := repositories.Patch{
		"status":        db.StatusRunning,
		"port":          port,
		"restart_count": restarts,
	}
	if heartbeat != nil {
		patch["last_heartbeat"] = *heartbeat
	}
	updated, err := repo.UpdateFields(context.Background(), agent.ID, patch, db.StatusStopped)
	require.NoError(t, err)
	return updated
}

func newMonitor(t *testing.T, repo *repositories.MemoryAgentRepository, rec Recoverer, clock clockwork.Clock) *Monitor {
	t.Helper()
	m, err := New(repo, rec, 30*time.Second, 3, clock, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestSweepRestartsStaleAgents(t *testing.T) {
	repo := repositories.NewMemoryAgentRepository()
	rec := newFakeRecoverer()
	clock := clockwork.NewFakeClock()

	old := clock.Now().Add(-2 * time.Minute) // older than 2×30s
	fresh := clock.Now().Add(-10 * time.Second)
	staleAgent := seedRunning(t, repo, "stale", 3001, &old, 0)
	seedRunning(t, repo, "fresh", 3002, &fresh, 0)
	seedRunning(t, repo, "silent", 3003, nil, 0) // never heartbeated

	m := newMonitor(t, repo, rec, clock)
	m.Sweep(context.Background())

	assert.Len(t, rec.restarted, 2)
	assert.Contains(t, rec.restarted, staleAgent.ID)
	assert.Empty(t, rec.unhealthy)
}

func TestSweepMarksUnhealthyPastBudget(t *testing.T) {
	repo := repositories.NewMemoryAgentRepository()
	rec := newFakeRecoverer()
	clock := clockwork.NewFakeClock()

	old := clock.Now().Add(-2 * time.Minute)
	agent := seedRunning(t, repo, "doomed", 3001, &old, 3) // at MaxRestarts

	m := newMonitor(t, repo, rec, clock)
	m.Sweep(context.Background())

	assert.Empty(t, rec.restarted)
	assert.Equal(t, "unhealthy: heartbeat timeout", rec.unhealthy[agent.ID])
}

func TestSweepMarksUnhealthyWhenRestartFails(t *testing.T) {
	repo := repositories.NewMemoryAgentRepository()
	rec := newFakeRecoverer()
	rec.restartErr = errors.New("no port available")
	clock := clockwork.NewFakeClock()

	old := clock.Now().Add(-2 * time.Minute)
	agent := seedRunning(t, repo, "unlucky", 3001, &old, 1)

	m := newMonitor(t, repo, rec, clock)
	m.Sweep(context.Background())

	assert.Equal(t, "unhealthy: heartbeat timeout", rec.unhealthy[agent.ID])
}

func TestSweepIgnoresNonRunning(t *testing.T) {
	repo := repositories.NewMemoryAgentRepository()
	rec := newFakeRecoverer()
	clock := clockwork.NewFakeClock()

	agent := &db.Agent{Name: "idle", Status: db.StatusStopped, Config: "{}"}
	require.NoError(t, repo.Create(context.Background(), agent))

	m := newMonitor(t, repo, rec, clock)
	m.Sweep(context.Background())

	assert.Empty(t, rec.restarted)
	assert.Empty(t, rec.unhealthy)
}
