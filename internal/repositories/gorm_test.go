package repositories

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aviary-run/aviary/internal/db"
)

// newTestDB opens a migrated SQLite database in a per-test temp directory.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return database
}

func createAgent(t *testing.T, repo AgentRepository, name string, owner uint64) *db.Agent {
	t.Helper()
	agent := &db.Agent{
		Name:      name,
		Status:    db.StatusStopped,
		Config:    `{"model":"m"}`,
		CreatedBy: owner,
	}
	require.NoError(t, repo.Create(context.Background(), agent))
	return agent
}

func TestAgentCreateDuplicateName(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))
	createAgent(t, repo, "dup", 1)

	err := repo.Create(context.Background(), &db.Agent{
		Name: "dup", Status: db.StatusStopped, Config: "{}", CreatedBy: 1,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAgentUpdateFieldsCAS(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))
	agent := createAgent(t, repo, "cas", 1)
	ctx := context.Background()

	// CAS succeeds from the expected status.
	updated, err := repo.UpdateFields(ctx, agent.ID, Patch{
		"status": db.StatusStarting,
		"port":   3001,
	}, db.StatusStopped)
	require.NoError(t, err)
	assert.Equal(t, db.StatusStarting, updated.Status)
	require.NotNil(t, updated.Port)
	assert.Equal(t, 3001, *updated.Port)

	// CAS fails when the row is no longer in the expected status.
	_, err = repo.UpdateFields(ctx, agent.ID, Patch{
		"status": db.StatusStarting,
	}, db.StatusStopped)
	assert.ErrorIs(t, err, ErrStatusChanged)

	_, err = repo.UpdateFields(ctx, 9999, Patch{"status": db.StatusStopped}, db.StatusStopped)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentUpdateFieldsPortUniqueness(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))
	ctx := context.Background()

	first := createAgent(t, repo, "first", 1)
	second := createAgent(t, repo, "second", 1)

	_, err := repo.UpdateFields(ctx, first.ID, Patch{
		"status": db.StatusStarting, "port": 3001,
	}, db.StatusStopped)
	require.NoError(t, err)

	// The same port on another row violates the unique index.
	_, err = repo.UpdateFields(ctx, second.ID, Patch{
		"status": db.StatusStarting, "port": 3001,
	}, db.StatusStopped)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAgentListFiltersAndPagination(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta", "gamma"} {
		createAgent(t, repo, name, 1)
	}
	other := createAgent(t, repo, "delta-other", 2)

	running := db.StatusRunning
	_, err := repo.UpdateFields(ctx, other.ID, Patch{
		"status": running, "port": 3001,
	}, db.StatusStopped)
	require.NoError(t, err)

	// Status filter.
	rows, total, err := repo.List(ctx, AgentFilter{Status: &running}, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, rows, 1)
	assert.Equal(t, "delta-other", rows[0].Name)

	// Owner filter.
	owner := uint64(1)
	_, total, err = repo.List(ctx, AgentFilter{OwnerID: &owner}, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	// Substring search.
	rows, _, err = repo.List(ctx, AgentFilter{Search: "amm"}, ListOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "gamma", rows[0].Name)

	// Pagination with name sort.
	rows, total, err = repo.List(ctx, AgentFilter{}, ListOptions{
		Page: 2, Limit: 2, SortBy: "name", SortOrder: "asc",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, rows, 2)
	assert.Equal(t, "delta-other", rows[0].Name)

	// Limit 0 means unpaged.
	rows, _, err = repo.List(ctx, AgentFilter{}, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestAgentPortsInRange(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))
	ctx := context.Background()

	a := createAgent(t, repo, "a", 1)
	b := createAgent(t, repo, "b", 1)
	createAgent(t, repo, "c", 1) // no port

	for agentID, port := range map[uint64]int{a.ID: 3001, b.ID: 3005} {
		_, err := repo.UpdateFields(ctx, agentID, Patch{
			"status": db.StatusRunning, "port": port,
		}, db.StatusStopped)
		require.NoError(t, err)
	}

	ports, err := repo.PortsInRange(ctx, 3001, 3100)
	require.NoError(t, err)
	assert.Equal(t, map[int]struct{}{3001: {}, 3005: {}}, ports)

	ports, err = repo.PortsInRange(ctx, 3002, 3004)
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestAgentStaleRunning(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))
	ctx := context.Background()
	now := time.Now()

	stale := createAgent(t, repo, "stale", 1)
	fresh := createAgent(t, repo, "fresh", 1)
	silent := createAgent(t, repo, "silent", 1)
	createAgent(t, repo, "stopped", 1)

	old := now.Add(-5 * time.Minute)
	recent := now.Add(-10 * time.Second)
	for agentID, hb := range map[uint64]*time.Time{
		stale.ID:  &old,
		fresh.ID:  &recent,
		silent.ID: nil,
	} {
		patch := Patch{"status": db.StatusRunning, "port": 3000 + int(agentID)}
		if hb != nil {
			patch["last_heartbeat"] = *hb
		}
		_, err := repo.UpdateFields(ctx, agentID, patch, db.StatusStopped)
		require.NoError(t, err)
	}

	rows, err := repo.StaleRunning(ctx, time.Minute, now)
	require.NoError(t, err)

	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = r.Name
	}
	assert.ElementsMatch(t, []string{"stale", "silent"}, names)
}

func TestAgentCountByStatus(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))
	ctx := context.Background()

	createAgent(t, repo, "one", 1)
	createAgent(t, repo, "two", 1)
	three := createAgent(t, repo, "three", 1)
	_, err := repo.UpdateFields(ctx, three.ID, Patch{
		"status": db.StatusRunning, "port": 3001,
	}, db.StatusStopped)
	require.NoError(t, err)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[db.StatusStopped])
	assert.Equal(t, int64(1), counts[db.StatusRunning])
}

func TestAgentDeleteRespectsExpectedStatus(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))
	ctx := context.Background()

	agent := createAgent(t, repo, "doomed", 1)
	_, err := repo.UpdateFields(ctx, agent.ID, Patch{
		"status": db.StatusRunning, "port": 3001,
	}, db.StatusStopped)
	require.NoError(t, err)

	err = repo.Delete(ctx, agent.ID, db.StatusStopped, db.StatusError)
	assert.ErrorIs(t, err, ErrStatusChanged)

	_, err = repo.UpdateFields(ctx, agent.ID, Patch{
		"status": db.StatusStopped, "port": nil,
	}, db.StatusRunning)
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, agent.ID, db.StatusStopped, db.StatusError))
	_, err = repo.GetByID(ctx, agent.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentUpdateHeartbeat(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))
	ctx := context.Background()

	agent := createAgent(t, repo, "beating", 1)
	at := time.Now().Truncate(time.Second)
	require.NoError(t, repo.UpdateHeartbeat(ctx, agent.ID, at))

	got, err := repo.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.WithinDuration(t, at, *got.LastHeartbeat, time.Second)
}

func TestUserRepositoryConflicts(t *testing.T) {
	repo := NewUserRepository(newTestDB(t))
	ctx := context.Background()

	user := &db.User{
		Username: "alice", Email: "alice@example.com",
		PasswordHash: "x", Role: db.RoleViewer, IsActive: true,
	}
	require.NoError(t, repo.Create(ctx, user))

	err := repo.Create(ctx, &db.User{
		Username: "alice", Email: "other@example.com",
		PasswordHash: "x", Role: db.RoleViewer, IsActive: true,
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := repo.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = repo.GetByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRepositoryDeleteExpired(t *testing.T) {
	database := newTestDB(t)
	users := NewUserRepository(database)
	sessions := NewSessionRepository(database)
	ctx := context.Background()

	user := &db.User{
		Username: "bob", Email: "bob@example.com",
		PasswordHash: "x", Role: db.RoleViewer, IsActive: true,
	}
	require.NoError(t, users.Create(ctx, user))

	now := time.Now()
	require.NoError(t, sessions.Create(ctx, &db.UserSession{
		UserID: user.ID, TokenHash: "expired", ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, sessions.Create(ctx, &db.UserSession{
		UserID: user.ID, TokenHash: "live", ExpiresAt: now.Add(time.Hour),
	}))

	removed, err := sessions.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = sessions.GetByHash(ctx, "expired")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sessions.GetByHash(ctx, "live")
	assert.NoError(t, err)
}

func TestTemplateActiveNameUniqueness(t *testing.T) {
	database := newTestDB(t)
	templates := NewTemplateRepository(database)
	ctx := context.Background()

	tpl := &db.AgentTemplate{
		Name: "base", Config: "{}", Version: "1.0.0", IsActive: true, CreatedBy: 1,
	}
	require.NoError(t, templates.Create(ctx, tpl))

	err := templates.Create(ctx, &db.AgentTemplate{
		Name: "base", Config: "{}", Version: "1.0.0", IsActive: true, CreatedBy: 1,
	})
	assert.ErrorIs(t, err, ErrConflict)

	// Deactivating frees the name for a new active template.
	require.NoError(t, templates.Deactivate(ctx, tpl.ID))
	err = templates.Create(ctx, &db.AgentTemplate{
		Name: "base", Config: "{}", Version: "2.0.0", IsActive: true, CreatedBy: 1,
	})
	assert.NoError(t, err)
}

func TestEventRepositoryAppends(t *testing.T) {
	database := newTestDB(t)
	agents := NewAgentRepository(database)
	events := NewEventRepository(database)
	ctx := context.Background()

	agent := createAgent(t, agents, "logged", 1)

	require.NoError(t, events.AppendLog(ctx, &db.AgentLog{
		AgentID: agent.ID, Level: "info", Source: "stdout", Message: "hello",
	}))
	require.NoError(t, events.AppendMetric(ctx, &db.AgentMetric{
		AgentID: agent.ID, MemoryRSS: 1024, SampledAt: time.Now(),
	}))
	require.NoError(t, events.AppendAlert(ctx, &db.AgentAlert{
		AgentID: agent.ID, Kind: "crash", Message: "process exited with code 1",
	}))
}
