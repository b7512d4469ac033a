package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/db"
	"github.com/aviary-run/aviary/internal/ports"
	"github.com/aviary-run/aviary/internal/repositories"
	"github.com/aviary-run/aviary/internal/supervisor"
)

// workerScript controls how a fake worker behaves after spawn.
type workerScript struct {
	ready    bool // emit a ready event immediately
	termExit bool // exit 0 on SIGTERM
}

// fakeWorker is a scriptable supervisor.Proc.
type fakeWorker struct {
	pid     int
	script  workerScript
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exitOnce sync.Once
	done     chan struct{}
	exitErr  error
}

func newFakeWorker(pid int, script workerScript) *fakeWorker {
	w := &fakeWorker{pid: pid, script: script, done: make(chan struct{})}
	w.stdoutR, w.stdoutW = io.Pipe()
	w.stderrR, w.stderrW = io.Pipe()
	if script.ready {
		go w.emit(`{"type":"ready"}`)
	}
	return w
}

func (w *fakeWorker) Pid() int          { return w.pid }
func (w *fakeWorker) Stdout() io.Reader { return w.stdoutR }
func (w *fakeWorker) Stderr() io.Reader { return w.stderrR }

func (w *fakeWorker) Signal(sig syscall.Signal) error {
	if sig == syscall.SIGTERM && w.script.termExit {
		w.exit(nil)
	}
	return nil
}

func (w *fakeWorker) Kill() error {
	w.exit(errors.New("signal: killed"))
	return nil
}

func (w *fakeWorker) Wait() error {
	<-w.done
	return w.exitErr
}

func (w *fakeWorker) exit(err error) {
	w.exitOnce.Do(func() {
		w.exitErr = err
		w.stdoutW.Close()
		w.stderrW.Close()
		close(w.done)
	})
}

func (w *fakeWorker) emit(line string) {
	_, _ = w.stdoutW.Write([]byte(line + "\n"))
}

// scriptSpawner builds fake workers on demand. The script callback decides
// per spawn (1-based index) how the worker behaves.
type scriptSpawner struct {
	mu     sync.Mutex
	pid    int
	spawns int
	script func(n int, spec supervisor.SpawnSpec) workerScript
	last   map[uint64]*fakeWorker
}

func newScriptSpawner() *scriptSpawner {
	return &scriptSpawner{pid: 1000, last: make(map[uint64]*fakeWorker)}
}

func (s *scriptSpawner) Spawn(_ context.Context, spec supervisor.SpawnSpec) (supervisor.Proc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid++
	s.spawns++
	script := workerScript{ready: true, termExit: true}
	if s.script != nil {
		script = s.script(s.spawns, spec)
	}
	w := newFakeWorker(s.pid, script)
	s.last[spec.AgentID] = w
	return w, nil
}

func (s *scriptSpawner) worker(agentID uint64) *fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[agentID]
}

func (s *scriptSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

type harness struct {
	ctrl    *Controller
	agents  *repositories.MemoryAgentRepository
	tpls    *repositories.MemoryTemplateRepository
	events  *repositories.MemoryEventRepository
	spawner *scriptSpawner
}

var (
	operator = Principal{UserID: 1, Role: db.RoleOperator}
	viewer   = Principal{UserID: 2, Role: db.RoleViewer}
	admin    = Principal{UserID: 9, Role: db.RoleAdmin}
)

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()

	cfg := Config{
		HeartbeatInterval: 50 * time.Millisecond,
		ReadyTimeout:      2 * time.Second,
		GraceTimeout:      200 * time.Millisecond,
		RestartBackoff:    10 * time.Millisecond,
		MaxRestarts:       3,
		ShutdownTimeout:   2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		agents:  repositories.NewMemoryAgentRepository(),
		tpls:    repositories.NewMemoryTemplateRepository(),
		events:  repositories.NewMemoryEventRepository(),
		spawner: newScriptSpawner(),
	}

	alloc, err := ports.NewAllocator(h.agents, 3001, 3100)
	require.NoError(t, err)

	h.ctrl = New(cfg, h.agents, h.tpls, h.events, alloc,
		h.spawner, clockwork.NewRealClock(), zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return h
}

func (h *harness) create(t *testing.T, p Principal, name string) *db.Agent {
	t.Helper()
	agent, err := h.ctrl.Create(context.Background(), p, CreateRequest{
		Name:   name,
		Config: []byte(`{"model":"m-a"}`),
	})
	require.NoError(t, err)
	return agent
}

func (h *harness) waitStatus(t *testing.T, id uint64, want db.AgentStatus) *db.Agent {
	t.Helper()
	var got *db.Agent
	require.Eventually(t, func() bool {
		agent, err := h.agents.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		got = agent
		return agent.Status == want
	}, 3*time.Second, 5*time.Millisecond, "agent %d never reached %s (last: %+v)", id, want, got)
	return got
}

func TestCreateRejectsBadName(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.ctrl.Create(context.Background(), operator, CreateRequest{
		Name:   "no spaces allowed",
		Config: []byte(`{"model":"m"}`),
	})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t, nil)
	for _, doc := range []string{
		`{}`,                                    // model required
		`{"model":"m","temperature":-0.1}`,      // below bound
		`{"model":"m","temperature":2.1}`,       // above bound
		`{"model":"m","max_tokens":0}`,          // below bound
		`{"model":"m","max_tokens":32001}`,      // above bound
		`{"model":"m","timeout_seconds":0}`,     // below bound
		`{"model":"m","port":80}`,               // privileged port
	} {
		_, err := h.ctrl.Create(context.Background(), operator, CreateRequest{
			Name:   "probe",
			Config: []byte(doc),
		})
		require.Error(t, err, "doc %s", doc)
		assert.Equal(t, KindValidation, KindOf(err), "doc %s", doc)
	}
}

func TestCreateAcceptsBoundaryConfig(t *testing.T) {
	h := newHarness(t, nil)
	for i, doc := range []string{
		`{"model":"m","temperature":0}`,
		`{"model":"m","temperature":2.0}`,
		`{"model":"m","max_tokens":1}`,
		`{"model":"m","max_tokens":32000}`,
		`{"model":"m","timeout_seconds":300}`,
	} {
		_, err := h.ctrl.Create(context.Background(), operator, CreateRequest{
			Name:   "boundary-" + string(rune('a'+i)),
			Config: []byte(doc),
		})
		assert.NoError(t, err, "doc %s", doc)
	}
}

func TestCreateDuplicateName(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, operator, "dup")
	_, err := h.ctrl.Create(context.Background(), operator, CreateRequest{
		Name:   "dup",
		Config: []byte(`{"model":"m"}`),
	})
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestCreateTemplateMerge(t *testing.T) {
	h := newHarness(t, nil)
	tpl := &db.AgentTemplate{
		Name:     "base",
		Config:   `{"model":"m","temperature":0.7,"max_tokens":1000}`,
		Version:  "1.0.0",
		IsActive: true,
	}
	require.NoError(t, h.tpls.Create(context.Background(), tpl))

	agent, err := h.ctrl.Create(context.Background(), operator, CreateRequest{
		Name:       "merged",
		Config:     []byte(`{"temperature":0.2}`),
		TemplateID: &tpl.ID,
	})
	require.NoError(t, err)

	var cfg map[string]any
	require.NoError(t, json.Unmarshal([]byte(agent.Config), &cfg))
	assert.Equal(t, "m", cfg["model"])
	assert.InDelta(t, 0.2, cfg["temperature"].(float64), 1e-9)
	assert.InDelta(t, 1000, cfg["max_tokens"].(float64), 1e-9)
}

func TestCreateUnknownTemplate(t *testing.T) {
	h := newHarness(t, nil)
	missing := uint64(999)
	_, err := h.ctrl.Create(context.Background(), operator, CreateRequest{
		Name:       "orphan",
		Config:     []byte(`{"model":"m"}`),
		TemplateID: &missing,
	})
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestStartLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "demo")

	result, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Port, 3001)
	assert.LessOrEqual(t, result.Port, 3100)
	assert.NotZero(t, result.PID)

	row := h.waitStatus(t, agent.ID, db.StatusRunning)
	require.NotNil(t, row.Port)
	require.NotNil(t, row.ProcessID)
	assert.Equal(t, result.Port, *row.Port)
	assert.Equal(t, result.PID, *row.ProcessID)
	assert.Nil(t, row.ErrorMessage)
}

func TestStartConflictingState(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "demo")

	_, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	_, err = h.ctrl.Start(context.Background(), operator, agent.ID)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	// The first start is unaffected.
	row, err := h.agents.GetByID(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusRunning, row.Status)
}

func TestStopClearsRuntimeColumns(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "demo")

	_, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Stop(context.Background(), operator, agent.ID, false))

	row := h.waitStatus(t, agent.ID, db.StatusStopped)
	assert.Nil(t, row.Port)
	assert.Nil(t, row.ProcessID)
	assert.Nil(t, row.ErrorMessage)
	assert.Zero(t, row.RestartCount)
}

func TestStopWrongStateAndForceIdempotence(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "demo")

	err := h.ctrl.Stop(context.Background(), operator, agent.ID, false)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	// Force-stop on a stopped agent is a no-op, twice.
	assert.NoError(t, h.ctrl.Stop(context.Background(), operator, agent.ID, true))
	assert.NoError(t, h.ctrl.Stop(context.Background(), operator, agent.ID, true))
}

func TestRestartIncrementsExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "demo")

	_, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	_, err = h.ctrl.Restart(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	row := h.waitStatus(t, agent.ID, db.StatusRunning)
	assert.Equal(t, 1, row.RestartCount)

	// Restart allocates a fresh slot and never reuses state from the
	// previous run.
	assert.Equal(t, 2, h.spawner.spawnCount())

	// Clean manual stop resets the counter; a subsequent start keeps 0.
	require.NoError(t, h.ctrl.Stop(context.Background(), operator, agent.ID, false))
	_, err = h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)
	row = h.waitStatus(t, agent.ID, db.StatusRunning)
	assert.Zero(t, row.RestartCount)
}

func TestRestartNeverReusesPort(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "rotating")

	first, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	second, err := h.ctrl.Restart(context.Background(), operator, agent.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.Port, second.Port)

	row := h.waitStatus(t, agent.ID, db.StatusRunning)
	require.NotNil(t, row.Port)
	assert.Equal(t, second.Port, *row.Port)
}

func TestCrashRestartRotatesPort(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "crash-rotating")

	first, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	h.spawner.worker(agent.ID).exit(errors.New("exit status 1"))

	var row *db.Agent
	require.Eventually(t, func() bool {
		r, err := h.agents.GetByID(context.Background(), agent.ID)
		if err != nil || r.Status != db.StatusRunning || r.RestartCount != 1 {
			return false
		}
		row = r
		return true
	}, 3*time.Second, 5*time.Millisecond)
	require.NotNil(t, row.Port)
	assert.NotEqual(t, first.Port, *row.Port)
}

func TestCrashAutoRestart(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "crashy")

	_, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	h.spawner.worker(agent.ID).exit(errors.New("exit status 1"))

	// Recovery restarts it with an incremented counter.
	require.Eventually(t, func() bool {
		r, err := h.agents.GetByID(context.Background(), agent.ID)
		return err == nil && r.Status == db.StatusRunning && r.RestartCount == 1
	}, 3*time.Second, 5*time.Millisecond)

	// A second crash increments again.
	h.spawner.worker(agent.ID).exit(errors.New("exit status 1"))
	require.Eventually(t, func() bool {
		r, err := h.agents.GetByID(context.Background(), agent.ID)
		return err == nil && r.Status == db.StatusRunning && r.RestartCount == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCrashRespectsMaxRestarts(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxRestarts = 1 })
	agent := h.create(t, operator, "doomed")

	_, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	h.spawner.worker(agent.ID).exit(errors.New("exit status 1"))
	// Wait for auto-restart #1 to settle.
	require.Eventually(t, func() bool {
		r, err := h.agents.GetByID(context.Background(), agent.ID)
		return err == nil && r.Status == db.StatusRunning && r.RestartCount == 1
	}, 3*time.Second, 5*time.Millisecond)

	h.spawner.worker(agent.ID).exit(errors.New("exit status 1"))
	row := h.waitStatus(t, agent.ID, db.StatusError)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "process exited")
	assert.Equal(t, 1, row.RestartCount)

	// No further spawns: the restart budget is spent.
	spawns := h.spawner.spawnCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, spawns, h.spawner.spawnCount())
}

func TestCleanUnexpectedExitStops(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "quitter")

	_, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	h.spawner.worker(agent.ID).exit(nil)

	row := h.waitStatus(t, agent.ID, db.StatusStopped)
	assert.Nil(t, row.Port)
	assert.Nil(t, row.ProcessID)
}

func TestStartupTimeoutParksInError(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.ReadyTimeout = 50 * time.Millisecond })
	h.spawner.script = func(int, supervisor.SpawnSpec) workerScript {
		return workerScript{ready: false, termExit: true}
	}
	agent := h.create(t, operator, "mute")

	_, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.Error(t, err)

	row := h.waitStatus(t, agent.ID, db.StatusError)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "startup timeout")
	assert.Nil(t, row.Port)
	assert.Nil(t, row.ProcessID)
}

func TestPortExhaustionAndRelease(t *testing.T) {
	h := newHarnessWithRange(t, 3001, 3002)
	a1 := h.create(t, operator, "a1")
	a2 := h.create(t, operator, "a2")
	a3 := h.create(t, operator, "a3")

	_, err := h.ctrl.Start(context.Background(), operator, a1.ID)
	require.NoError(t, err)
	_, err = h.ctrl.Start(context.Background(), operator, a2.ID)
	require.NoError(t, err)

	_, err = h.ctrl.Start(context.Background(), operator, a3.ID)
	require.Error(t, err)
	assert.Equal(t, KindExhausted, KindOf(err))

	require.NoError(t, h.ctrl.Stop(context.Background(), operator, a1.ID, false))
	h.waitStatus(t, a1.ID, db.StatusStopped)

	_, err = h.ctrl.Start(context.Background(), operator, a3.ID)
	assert.NoError(t, err)
}

func newHarnessWithRange(t *testing.T, lo, hi int) *harness {
	t.Helper()
	h := &harness{
		agents:  repositories.NewMemoryAgentRepository(),
		tpls:    repositories.NewMemoryTemplateRepository(),
		events:  repositories.NewMemoryEventRepository(),
		spawner: newScriptSpawner(),
	}
	alloc, err := ports.NewAllocator(h.agents, lo, hi)
	require.NoError(t, err)
	h.ctrl = New(Config{
		HeartbeatInterval: 50 * time.Millisecond,
		ReadyTimeout:      2 * time.Second,
		GraceTimeout:      200 * time.Millisecond,
		RestartBackoff:    10 * time.Millisecond,
		MaxRestarts:       3,
		ShutdownTimeout:   2 * time.Second,
	}, h.agents, h.tpls, h.events, alloc, h.spawner, clockwork.NewRealClock(), zap.NewNop(), nil)
	return h
}

func TestOwnership(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "mine")

	_, err := h.ctrl.Get(context.Background(), viewer, agent.ID)
	require.Error(t, err)
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = h.ctrl.Get(context.Background(), admin, agent.ID)
	assert.NoError(t, err)

	rows, total, err := h.ctrl.List(context.Background(), viewer, repositories.AgentFilter{}, repositories.ListOptions{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, rows)

	_, total, err = h.ctrl.List(context.Background(), admin, repositories.AgentFilter{}, repositories.ListOptions{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestUpdateRules(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "mutable")

	_, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	newName := "renamed"
	_, err = h.ctrl.Update(context.Background(), operator, agent.ID, UpdateRequest{Name: &newName})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	require.NoError(t, h.ctrl.Stop(context.Background(), operator, agent.ID, false))
	h.waitStatus(t, agent.ID, db.StatusStopped)

	updated, err := h.ctrl.Update(context.Background(), operator, agent.ID, UpdateRequest{
		Name:   &newName,
		Config: []byte(`{"model":"m-b"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Contains(t, updated.Config, "m-b")
}

func TestDeleteRules(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "ephemeral")

	_, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	err = h.ctrl.Delete(context.Background(), operator, agent.ID)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	require.NoError(t, h.ctrl.Stop(context.Background(), operator, agent.ID, false))
	h.waitStatus(t, agent.ID, db.StatusStopped)

	require.NoError(t, h.ctrl.Delete(context.Background(), operator, agent.ID))
	_, err = h.ctrl.Get(context.Background(), operator, agent.ID)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestHeartbeatMakesHealthy(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "beating")

	_, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	h.spawner.worker(agent.ID).emit(`{"type":"heartbeat","uptimeMs":100}`)

	require.Eventually(t, func() bool {
		health, err := h.ctrl.Health(context.Background(), operator, agent.ID)
		return err == nil && health.IsRunning && health.IsHealthy
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatAfterStopIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "straggler")

	_, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Stop(context.Background(), operator, agent.ID, false))
	h.waitStatus(t, agent.ID, db.StatusStopped)

	// A beat racing the stop must not resurrect the runtime entry.
	h.ctrl.onHeartbeat(agent.ID)
	h.ctrl.onMetrics(agent.ID, supervisor.Metrics{MemoryRSS: 1})

	h.ctrl.runtimeMu.Lock()
	_, tracked := h.ctrl.runtime[agent.ID]
	h.ctrl.runtimeMu.Unlock()
	assert.False(t, tracked)
}

func TestMarkUnhealthy(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "sickly")

	_, err := h.ctrl.Start(context.Background(), operator, agent.ID)
	require.NoError(t, err)

	require.NoError(t, h.ctrl.MarkUnhealthy(context.Background(), agent.ID, "unhealthy: heartbeat timeout"))

	row := h.waitStatus(t, agent.ID, db.StatusError)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "heartbeat timeout")
	assert.Nil(t, row.Port)
	assert.Nil(t, row.ProcessID)
	assert.Contains(t, h.events.AlertKinds(), "heartbeat_timeout")
}

func TestShutdownStopsAllAndRejectsStarts(t *testing.T) {
	h := newHarness(t, nil)
	a1 := h.create(t, operator, "s1")
	a2 := h.create(t, operator, "s2")

	_, err := h.ctrl.Start(context.Background(), operator, a1.ID)
	require.NoError(t, err)
	_, err = h.ctrl.Start(context.Background(), operator, a2.ID)
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Shutdown(context.Background()))

	h.waitStatus(t, a1.ID, db.StatusStopped)
	h.waitStatus(t, a2.ID, db.StatusStopped)

	_, err = h.ctrl.Start(context.Background(), operator, a1.ID)
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestStatsCountsByStatus(t *testing.T) {
	h := newHarness(t, nil)
	a1 := h.create(t, operator, "one")
	h.create(t, operator, "two")

	_, err := h.ctrl.Start(context.Background(), operator, a1.ID)
	require.NoError(t, err)

	stats, err := h.ctrl.Stats(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Running)
	assert.Zero(t, stats.Errors)
}

func TestReconcileOrphans(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.create(t, operator, "orphan")

	port := 3050
	pid := 4242
	_, err := h.agents.UpdateFields(context.Background(), agent.ID, repositories.Patch{
		"status":     db.StatusRunning,
		"port":       port,
		"process_id": pid,
	}, db.StatusStopped)
	require.NoError(t, err)

	require.NoError(t, h.ctrl.ReconcileOrphans(context.Background()))

	row, err := h.agents.GetByID(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "orphaned")
	assert.Nil(t, row.Port)
	assert.Nil(t, row.ProcessID)
}

func TestValidateConfigEndpointSemantics(t *testing.T) {
	h := newHarness(t, nil)

	assert.NoError(t, h.ctrl.ValidateConfig([]byte(`{"model":"m","temperature":1.5}`)))

	err := h.ctrl.ValidateConfig([]byte(`{"temperature":3}`))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}
