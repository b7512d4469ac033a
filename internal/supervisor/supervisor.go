// Package supervisor owns the lifecycle of agent worker processes: spawning
// them with their identity in the environment, reading lifecycle events from
// their stdout, and terminating them with SIGTERM escalation to SIGKILL.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Sentinel errors returned by the supervisor.
var (
	// ErrAlreadyRunning is returned by Launch when a worker for the agent
	// is already registered.
	ErrAlreadyRunning = errors.New("supervisor: worker already running")

	// ErrNotRunning is returned by Stop when no worker is registered for
	// the agent.
	ErrNotRunning = errors.New("supervisor: worker not running")

	// ErrReadyTimeout is returned by Launch when the worker does not emit
	// a ready event within the configured timeout.
	ErrReadyTimeout = errors.New("supervisor: worker did not become ready in time")
)

// scanBufferSize bounds a single worker output line (1 MiB).
const scanBufferSize = 1 << 20

// Config holds supervisor timing parameters.
type Config struct {
	// ReadyTimeout is how long Launch waits for the worker's ready event.
	ReadyTimeout time.Duration

	// GraceTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GraceTimeout time.Duration
}

// Hooks are callbacks invoked from supervisor goroutines as workers report
// events and exit. All callbacks must be safe for concurrent use and must
// not block.
type Hooks struct {
	// OnSpawn fires as soon as the worker process exists, before the ready
	// wait, so the PID can be persisted while the agent is still starting.
	OnSpawn func(agentID uint64, pid int)

	// OnExit fires when a worker exits. deliberate is true when the exit
	// was requested via Stop or a failed Launch cleaning up after itself.
	OnExit func(agentID uint64, exitErr error, deliberate bool)

	// OnHeartbeat fires for every heartbeat event.
	OnHeartbeat func(agentID uint64)

	// OnMetrics fires for every metrics sample.
	OnMetrics func(agentID uint64, m Metrics)

	// OnLog fires for every non-event output line. source is "stdout" or
	// "stderr".
	OnLog func(agentID uint64, source, line string)
}

// Supervisor tracks one worker process per agent.
type Supervisor struct {
	spawner Spawner
	clock   clockwork.Clock
	logger  *zap.Logger
	cfg     Config
	hooks   Hooks

	mu    sync.Mutex
	procs map[uint64]*entry
}

type entry struct {
	proc Proc
	pid  int

	// deliberate marks exits requested by Stop (or launch cleanup) so the
	// OnExit hook can tell a crash from a shutdown. Guarded by Supervisor.mu.
	deliberate bool

	exited  chan struct{}
	exitErr error
}

// New creates a Supervisor. clock is injectable for tests; pass
// clockwork.NewRealClock() in production.
func New(spawner Spawner, cfg Config, hooks Hooks, clock clockwork.Clock, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		spawner: spawner,
		clock:   clock,
		logger:  logger.Named("supervisor"),
		cfg:     cfg,
		hooks:   hooks,
		procs:   make(map[uint64]*entry),
	}
}

// Launch spawns a worker for the agent and blocks until it reports ready,
// exits, or the ready timeout elapses. On success the worker's PID is
// returned and the worker stays registered until it exits.
func (s *Supervisor) Launch(ctx context.Context, spec SpawnSpec) (int, error) {
	s.mu.Lock()
	if _, exists := s.procs[spec.AgentID]; exists {
		s.mu.Unlock()
		return 0, ErrAlreadyRunning
	}
	// Reserve the slot before spawning so a concurrent Launch for the same
	// agent fails fast instead of double-spawning.
	e := &entry{exited: make(chan struct{})}
	s.procs[spec.AgentID] = e
	s.mu.Unlock()

	proc, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		s.remove(spec.AgentID)
		return 0, err
	}

	s.mu.Lock()
	e.proc = proc
	e.pid = proc.Pid()
	s.mu.Unlock()

	s.logger.Info("worker started",
		zap.Uint64("agent_id", spec.AgentID),
		zap.Int("pid", proc.Pid()),
		zap.Int("port", spec.Port))

	if s.hooks.OnSpawn != nil {
		s.hooks.OnSpawn(spec.AgentID, proc.Pid())
	}

	ready := make(chan struct{}, 1)
	go s.readStdout(spec.AgentID, proc, ready)
	go s.readStderr(spec.AgentID, proc)
	go s.monitorExit(spec.AgentID, e)

	select {
	case <-ready:
		return proc.Pid(), nil
	case <-e.exited:
		return 0, fmt.Errorf("supervisor: worker exited before ready: %w", exitReason(e.exitErr))
	case <-s.clock.After(s.cfg.ReadyTimeout):
		s.markDeliberate(spec.AgentID)
		_ = proc.Kill()
		return 0, ErrReadyTimeout
	case <-ctx.Done():
		s.markDeliberate(spec.AgentID)
		_ = proc.Kill()
		return 0, ctx.Err()
	}
}

// Stop terminates the worker for the agent. When force is false a SIGTERM
// is sent first and SIGKILL follows after GraceTimeout; when force is true
// the worker is killed immediately. Stop returns once the process has
// exited.
func (s *Supervisor) Stop(ctx context.Context, agentID uint64, force bool) error {
	s.mu.Lock()
	e, ok := s.procs[agentID]
	if !ok || e.proc == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	e.deliberate = true
	proc := e.proc
	s.mu.Unlock()

	if force {
		_ = proc.Kill()
		<-e.exited
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Process may already be gone; fall back to kill and let the exit
		// monitor settle things.
		_ = proc.Kill()
	}

	select {
	case <-e.exited:
		return nil
	case <-s.clock.After(s.cfg.GraceTimeout):
		s.logger.Warn("grace period elapsed, killing worker",
			zap.Uint64("agent_id", agentID))
		_ = proc.Kill()
		<-e.exited
		return nil
	case <-ctx.Done():
		_ = proc.Kill()
		<-e.exited
		return ctx.Err()
	}
}

// StopAll terminates every registered worker, used during server shutdown.
// Workers are stopped concurrently; the first error is returned.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if err := s.Stop(ctx, id, false); err != nil && !errors.Is(err, ErrNotRunning) {
				errCh <- err
			}
		}(id)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// Running reports whether a worker is registered for the agent.
func (s *Supervisor) Running(agentID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[agentID]
	return ok
}

// Pid returns the worker PID for the agent, if one is running.
func (s *Supervisor) Pid(agentID uint64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.procs[agentID]
	if !ok || e.proc == nil {
		return 0, false
	}
	return e.pid, true
}

// Count returns the number of registered workers.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *Supervisor) markDeliberate(agentID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.procs[agentID]; ok {
		e.deliberate = true
	}
}

func (s *Supervisor) remove(agentID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, agentID)
}

// readStdout scans worker stdout for lifecycle events. Lines that are not
// events are forwarded to the OnLog hook; unknown event types are logged
// and discarded.
func (s *Supervisor) readStdout(agentID uint64, proc Proc, ready chan<- struct{}) {
	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		ev, err := parseEvent(line)
		if err != nil {
			s.logger.Warn("discarding unknown worker event",
				zap.Uint64("agent_id", agentID),
				zap.Error(err))
			continue
		}
		if ev == nil {
			if s.hooks.OnLog != nil {
				s.hooks.OnLog(agentID, "stdout", string(line))
			}
			continue
		}
		switch ev.Type {
		case eventReady:
			select {
			case ready <- struct{}{}:
			default:
			}
		case eventHeartbeat:
			// A heartbeat from a worker that never sent ready still proves
			// it is up, so it resolves readiness too.
			select {
			case ready <- struct{}{}:
			default:
			}
			if s.hooks.OnHeartbeat != nil {
				s.hooks.OnHeartbeat(agentID)
			}
		case eventMetrics:
			if s.hooks.OnMetrics != nil {
				s.hooks.OnMetrics(agentID, ev.metrics())
			}
		}
	}
}

func (s *Supervisor) readStderr(agentID uint64, proc Proc) {
	scanner := bufio.NewScanner(proc.Stderr())
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	for scanner.Scan() {
		if s.hooks.OnLog != nil {
			s.hooks.OnLog(agentID, "stderr", scanner.Text())
		}
	}
}

// monitorExit reaps the worker, deregisters it, and fires the OnExit hook.
func (s *Supervisor) monitorExit(agentID uint64, e *entry) {
	err := e.proc.Wait()

	s.mu.Lock()
	e.exitErr = err
	deliberate := e.deliberate
	delete(s.procs, agentID)
	s.mu.Unlock()

	close(e.exited)

	if deliberate {
		s.logger.Info("worker stopped", zap.Uint64("agent_id", agentID))
	} else {
		s.logger.Warn("worker exited unexpectedly",
			zap.Uint64("agent_id", agentID),
			zap.Error(err))
	}

	if s.hooks.OnExit != nil {
		s.hooks.OnExit(agentID, err, deliberate)
	}
}

func exitReason(err error) error {
	if err == nil {
		return errors.New("exit status 0")
	}
	return err
}
