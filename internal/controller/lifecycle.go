package controller

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aviary-run/aviary/internal/db"
	"github.com/aviary-run/aviary/internal/metrics"
	"github.com/aviary-run/aviary/internal/ports"
	"github.com/aviary-run/aviary/internal/repositories"
	"github.com/aviary-run/aviary/internal/supervisor"
)

// portRetries bounds how many times a start re-allocates after losing a
// port race to a concurrent start.
const portRetries = 5

// StartResult describes a successfully started agent.
type StartResult struct {
	AgentID   uint64    `json:"agentId"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// Start launches the agent's worker. Accepted only from stopped or error.
func (c *Controller) Start(ctx context.Context, p Principal, id uint64) (*StartResult, error) {
	if c.isShuttingDown() {
		return nil, unavailablef("supervisor is shutting down")
	}

	unlock := c.lock(id)
	defer unlock()

	agent, err := c.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if agent.Status != db.StatusStopped && agent.Status != db.StatusError {
		return nil, validationf("cannot start: conflicting state: status=%s", agent.Status)
	}

	return c.startLocked(ctx, agent, 0, 0)
}

// startLocked performs the starting→running sequence. The caller holds the
// agent lock and has verified the agent is in stopped or error.
// countDelta is added to restartCount as part of the transition (restarts
// pass 1, plain starts pass 0). avoidPort, when non-zero, is excluded from
// allocation: restarts pass the previous port so it is never reused
// back-to-back.
func (c *Controller) startLocked(ctx context.Context, agent *db.Agent, countDelta, avoidPort int) (*StartResult, error) {
	// Claim a port and the starting slot in one CAS. A lost port race
	// surfaces as a uniqueness conflict; re-allocate and retry.
	var claimed *db.Agent
	for attempt := 0; attempt < portRetries; attempt++ {
		port, err := c.alloc.Allocate(ctx, avoidPort)
		if err != nil {
			if errors.Is(err, ports.ErrNoPortAvailable) {
				return nil, exhaustedf("no port available in configured range")
			}
			return nil, internalErr("allocating port", err)
		}

		updated, err := c.agents.UpdateFields(ctx, agent.ID, repositories.Patch{
			"status":        db.StatusStarting,
			"port":          port,
			"error_message": nil,
			"restart_count": agent.RestartCount + countDelta,
		}, db.StatusStopped, db.StatusError)
		if err != nil {
			if errors.Is(err, repositories.ErrConflict) {
				continue // port claimed concurrently, re-allocate
			}
			if errors.Is(err, repositories.ErrStatusChanged) {
				return nil, validationf("cannot start: conflicting state")
			}
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, notFoundf("agent %d not found", agent.ID)
			}
			return nil, internalErr("claiming start slot", err)
		}
		claimed = updated
		break
	}
	if claimed == nil {
		return nil, conflictf("could not claim a port after %d attempts", portRetries)
	}

	startedAt := c.clock.Now()
	c.resetRuntime(claimed.ID, startedAt)
	c.publish("agent_starting", claimed, "")

	pid, err := c.sup.Launch(ctx, supervisor.SpawnSpec{
		AgentID:   claimed.ID,
		AgentName: claimed.Name,
		Port:      *claimed.Port,
		Config:    claimed.Config,
	})
	if err != nil {
		return nil, c.failStart(ctx, claimed, err)
	}

	running, err := c.agents.UpdateFields(ctx, claimed.ID, repositories.Patch{
		"status":         db.StatusRunning,
		"process_id":     pid,
		"last_heartbeat": c.clock.Now(),
	}, db.StatusStarting)
	if err != nil {
		// The worker crashed between ready and this write and the exit
		// handler already moved the row on. Surface the persisted state.
		c.logger.Warn("agent moved during start finalization",
			zap.Uint64("agent_id", claimed.ID), zap.Error(err))
		return nil, internalErr("finalizing start", err)
	}

	metrics.AgentStarts.Inc()
	metrics.StartDuration.Observe(c.clock.Now().Sub(startedAt).Seconds())
	c.logger.Info("agent running",
		zap.Uint64("agent_id", running.ID),
		zap.String("name", running.Name),
		zap.Int("pid", pid),
		zap.Int("port", *running.Port))
	c.publish("agent_started", running, "")

	return &StartResult{
		AgentID:   running.ID,
		Port:      *running.Port,
		PID:       pid,
		StartedAt: startedAt,
	}, nil
}

// failStart records a failed launch. Context cancellation before the worker
// ran rolls back to stopped; anything else parks the agent in error.
func (c *Controller) failStart(ctx context.Context, agent *db.Agent, launchErr error) error {
	// Writes here must survive the caller's cancelled context.
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.noteReleasedPort(agent.ID, agent.Port)

	if ctx.Err() != nil {
		if _, err := c.agents.UpdateFields(wctx, agent.ID, repositories.Patch{
			"status":        db.StatusStopped,
			"port":          nil,
			"process_id":    nil,
			"error_message": nil,
		}, db.StatusStarting); err != nil {
			c.logger.Error("rolling back cancelled start", zap.Uint64("agent_id", agent.ID), zap.Error(err))
		}
		return internalErr("start cancelled", ctx.Err())
	}

	message := "failed to start: " + launchErr.Error()
	if errors.Is(launchErr, supervisor.ErrReadyTimeout) {
		message = "startup timeout: worker did not become ready"
	}

	if _, err := c.agents.UpdateFields(wctx, agent.ID, repositories.Patch{
		"status":        db.StatusError,
		"port":          nil,
		"process_id":    nil,
		"error_message": message,
	}, db.StatusStarting, db.StatusError); err != nil {
		c.logger.Error("recording start failure", zap.Uint64("agent_id", agent.ID), zap.Error(err))
	}
	c.appendAlert(agent.ID, "startup_failure", message)
	agent.Status = db.StatusError
	c.publish("agent_error", agent, message)
	return internalErr(message, launchErr)
}

// Stop terminates the agent's worker. Accepted from running, starting, or
// stopping; force additionally from error, and force on an already stopped
// agent is a no-op.
func (c *Controller) Stop(ctx context.Context, p Principal, id uint64, force bool) error {
	unlock := c.lock(id)
	defer unlock()

	agent, err := c.Get(ctx, p, id)
	if err != nil {
		return err
	}
	return c.stopLocked(ctx, agent, force, true)
}

// stopLocked drives status to stopped. resetCount controls whether
// restartCount is cleared: clean manual stops reset it, the internal stop
// half of a restart does not.
func (c *Controller) stopLocked(ctx context.Context, agent *db.Agent, force, resetCount bool) error {
	switch agent.Status {
	case db.StatusStopped:
		if force {
			return nil // idempotent
		}
		return validationf("cannot stop: status=stopped")

	case db.StatusError:
		if !force {
			return validationf("cannot stop: status=error (use force)")
		}
		// Kill any stray process and clear the error state.
		if err := c.sup.Stop(ctx, agent.ID, true); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			return internalErr("killing worker", err)
		}
		return c.finalizeStop(ctx, agent, resetCount, db.StatusError)

	case db.StatusStarting, db.StatusRunning:
		if _, err := c.agents.UpdateFields(ctx, agent.ID, repositories.Patch{
			"status": db.StatusStopping,
		}, agent.Status); err != nil {
			if errors.Is(err, repositories.ErrStatusChanged) {
				return validationf("cannot stop: agent status changed concurrently")
			}
			return internalErr("marking agent stopping", err)
		}
		agent.Status = db.StatusStopping
		c.publish("agent_stopping", agent, "")
		fallthrough

	case db.StatusStopping:
		if err := c.sup.Stop(ctx, agent.ID, force); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			return internalErr("stopping worker", err)
		}
		return c.finalizeStop(ctx, agent, resetCount, db.StatusStopping)

	default:
		return validationf("cannot stop: status=%s", agent.Status)
	}
}

// finalizeStop clears the runtime columns once the worker is gone.
func (c *Controller) finalizeStop(ctx context.Context, agent *db.Agent, resetCount bool, expected ...db.AgentStatus) error {
	c.noteReleasedPort(agent.ID, agent.Port)
	patch := repositories.Patch{
		"status":        db.StatusStopped,
		"port":          nil,
		"process_id":    nil,
		"error_message": nil,
	}
	if resetCount {
		patch["restart_count"] = 0
	}

	updated, err := c.agents.UpdateFields(ctx, agent.ID, patch, expected...)
	if err != nil {
		if errors.Is(err, repositories.ErrStatusChanged) {
			// The exit handler finalized first; nothing left to do.
			return nil
		}
		return internalErr("finalizing stop", err)
	}

	c.dropRuntime(agent.ID)
	metrics.AgentStops.Inc()
	c.logger.Info("agent stopped", zap.Uint64("agent_id", agent.ID), zap.String("name", agent.Name))
	c.publish("agent_stopped", updated, "")
	return nil
}

// Restart stops (if running) and starts the agent with a fresh port,
// incrementing restartCount exactly once. Accepted from running or error.
func (c *Controller) Restart(ctx context.Context, p Principal, id uint64) (*StartResult, error) {
	return c.restart(ctx, p, id, "manual")
}

func (c *Controller) restart(ctx context.Context, p Principal, id uint64, trigger string) (*StartResult, error) {
	if c.isShuttingDown() {
		return nil, unavailablef("supervisor is shutting down")
	}

	unlock := c.lock(id)
	defer unlock()

	agent, err := c.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}

	switch agent.Status {
	case db.StatusRunning:
		if err := c.stopLocked(ctx, agent, false, false); err != nil {
			return nil, err
		}
		agent, err = c.agents.GetByID(ctx, id)
		if err != nil {
			return nil, internalErr("re-reading agent after stop", err)
		}
	case db.StatusError:
		// Nothing to stop.
	default:
		return nil, validationf("cannot restart: status=%s", agent.Status)
	}

	// A restart never reuses the port the previous run held: the old
	// listener may still be draining in TIME_WAIT.
	result, err := c.startLocked(ctx, agent, 1, c.releasedPort(id))
	if err != nil {
		return nil, err
	}
	metrics.AgentRestarts.WithLabelValues(trigger).Inc()
	return result, nil
}

// RestartStale is the health monitor's intent for an agent whose heartbeat
// went stale.
func (c *Controller) RestartStale(ctx context.Context, id uint64) (*StartResult, error) {
	// A stale agent is persisted as running; force it through the stop
	// half even though the worker may be wedged.
	return c.restart(ctx, SystemPrincipal, id, "health")
}

// MarkUnhealthy parks the agent in error with the given message, killing
// any live worker. Used by the health monitor when auto-recovery is
// exhausted.
func (c *Controller) MarkUnhealthy(ctx context.Context, id uint64, message string) error {
	unlock := c.lock(id)
	defer unlock()

	agent, err := c.agents.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return notFoundf("agent %d not found", id)
		}
		return internalErr("fetching agent", err)
	}

	if err := c.sup.Stop(ctx, id, true); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		c.logger.Warn("killing unhealthy worker", zap.Uint64("agent_id", id), zap.Error(err))
	}

	c.noteReleasedPort(id, agent.Port)
	if _, err := c.agents.UpdateFields(ctx, id, repositories.Patch{
		"status":        db.StatusError,
		"port":          nil,
		"process_id":    nil,
		"error_message": message,
	}, db.StatusStarting, db.StatusRunning, db.StatusStopping, db.StatusError); err != nil {
		if errors.Is(err, repositories.ErrStatusChanged) {
			return nil // already stopped by a concurrent intent
		}
		return internalErr("marking agent unhealthy", err)
	}

	c.dropRuntime(id)
	c.appendAlert(id, "heartbeat_timeout", message)
	agent.Status = db.StatusError
	c.publish("agent_unhealthy", agent, message)
	return nil
}

// Run processes crash-recovery intents until ctx is cancelled. The exit
// handler only enqueues; the restart policy is applied here, in one place.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-c.recoveryCh:
			select {
			case <-c.clock.After(c.cfg.RestartBackoff):
			case <-ctx.Done():
				return nil
			}
			c.recover(ctx, id)
		}
	}
}

// recover applies the bounded auto-restart policy for one crashed agent.
func (c *Controller) recover(ctx context.Context, id uint64) {
	if c.isShuttingDown() {
		return
	}

	agent, err := c.agents.GetByID(ctx, id)
	if err != nil {
		return // deleted in the meantime
	}
	if agent.Status != db.StatusError {
		return // a manual intent got there first
	}
	if agent.RestartCount >= c.cfg.MaxRestarts {
		c.logger.Warn("restart limit reached, leaving agent in error",
			zap.Uint64("agent_id", id),
			zap.Int("restart_count", agent.RestartCount))
		return
	}

	if _, err := c.restart(ctx, SystemPrincipal, id, "crash"); err != nil {
		c.logger.Warn("crash recovery failed", zap.Uint64("agent_id", id), zap.Error(err))
	}
}

// Shutdown rejects new start/restart intents, stops every live agent
// gracefully, and escalates to force-stop at the deadline.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownMu.Lock()
	c.shuttingDown = true
	c.shutdownMu.Unlock()

	deadline, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
	defer cancel()

	live, _, err := c.agents.List(deadline, repositories.AgentFilter{}, repositories.ListOptions{Limit: 0})
	if err != nil {
		return internalErr("listing agents for shutdown", err)
	}

	g, gctx := errgroup.WithContext(deadline)
	for _, agent := range live {
		if !agent.Status.Live() {
			continue
		}
		id := agent.ID
		g.Go(func() error {
			unlock := c.lock(id)
			defer unlock()
			a, err := c.agents.GetByID(gctx, id)
			if err != nil {
				return nil
			}
			if err := c.stopLocked(gctx, a, false, true); err != nil {
				c.logger.Warn("graceful stop failed during shutdown, forcing",
					zap.Uint64("agent_id", id), zap.Error(err))
				return c.stopLocked(context.Background(), a, true, true)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return c.sup.StopAll(context.Background())
}

func (c *Controller) isShuttingDown() bool {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	return c.shuttingDown
}

// -----------------------------------------------------------------------------
// Supervisor hooks — run on supervisor goroutines
// -----------------------------------------------------------------------------

// onSpawn persists the worker PID while the agent is still starting.
func (c *Controller) onSpawn(agentID uint64, pid int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.agents.UpdateFields(ctx, agentID, repositories.Patch{
		"process_id": pid,
	}, db.StatusStarting); err != nil {
		c.logger.Warn("recording worker pid", zap.Uint64("agent_id", agentID), zap.Error(err))
	}
}

// onExit records an unexpected worker exit and enqueues a recovery intent
// when the restart budget allows. Deliberate exits are fully handled by the
// stop/start paths.
func (c *Controller) onExit(agentID uint64, exitErr error, deliberate bool) {
	if deliberate {
		return
	}
	metrics.AgentCrashes.Inc()

	unlock := c.lock(agentID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent, err := c.agents.GetByID(ctx, agentID)
	if err != nil {
		return
	}
	if !agent.Status.Live() {
		return // already reconciled
	}
	c.noteReleasedPort(agentID, agent.Port)

	code := exitCode(exitErr)
	if code == 0 {
		if _, err := c.agents.UpdateFields(ctx, agentID, repositories.Patch{
			"status":        db.StatusStopped,
			"port":          nil,
			"process_id":    nil,
			"error_message": nil,
		}, db.StatusStarting, db.StatusRunning, db.StatusStopping); err != nil {
			c.logger.Error("recording clean exit", zap.Uint64("agent_id", agentID), zap.Error(err))
			return
		}
		c.dropRuntime(agentID)
		agent.Status = db.StatusStopped
		c.publish("agent_stopped", agent, "worker exited")
		return
	}

	message := fmt.Sprintf("process exited with code %d", code)
	if _, err := c.agents.UpdateFields(ctx, agentID, repositories.Patch{
		"status":        db.StatusError,
		"port":          nil,
		"process_id":    nil,
		"error_message": message,
	}, db.StatusStarting, db.StatusRunning, db.StatusStopping); err != nil {
		c.logger.Error("recording crash", zap.Uint64("agent_id", agentID), zap.Error(err))
		return
	}

	c.dropRuntime(agentID)
	c.appendAlert(agentID, "crash", message)
	c.appendLog(agentID, "error", "supervisor", message)
	agent.Status = db.StatusError
	c.publish("agent_error", agent, message)

	if agent.RestartCount < c.cfg.MaxRestarts && !c.isShuttingDown() {
		select {
		case c.recoveryCh <- agentID:
		default:
			c.logger.Warn("recovery queue full, dropping intent", zap.Uint64("agent_id", agentID))
		}
	}
}

// onHeartbeat updates the in-memory mark on every beat and debounces store
// writes to at most once per HeartbeatInterval/2.
func (c *Controller) onHeartbeat(agentID uint64) {
	metrics.Heartbeats.Inc()

	now := c.clock.Now()
	persist := false

	c.runtimeMu.Lock()
	info, ok := c.runtime[agentID]
	if !ok {
		// A beat can trail a stop or crash that already reaped the
		// runtime entry; the agent is no longer tracked.
		c.runtimeMu.Unlock()
		return
	}
	info.lastHeartbeat = now
	if now.Sub(info.lastPersisted) >= c.cfg.HeartbeatInterval/2 {
		info.lastPersisted = now
		persist = true
	}
	c.runtimeMu.Unlock()

	if !persist {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.agents.UpdateHeartbeat(ctx, agentID, now); err != nil &&
		!errors.Is(err, repositories.ErrNotFound) {
		c.logger.Warn("persisting heartbeat", zap.Uint64("agent_id", agentID), zap.Error(err))
	}
}

// onMetrics stores the sample and updates the Prometheus gauges.
func (c *Controller) onMetrics(agentID uint64, m supervisor.Metrics) {
	c.runtimeMu.Lock()
	info, ok := c.runtime[agentID]
	if !ok {
		c.runtimeMu.Unlock()
		return // sample trailed a stop or crash
	}
	sample := m
	info.lastMetrics = &sample
	c.runtimeMu.Unlock()

	metrics.WorkerMemoryRSS.WithLabelValues(strconv.FormatUint(agentID, 10)).Set(float64(m.MemoryRSS))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.events.AppendMetric(ctx, &db.AgentMetric{
		AgentID:         agentID,
		MemoryRSS:       int64(m.MemoryRSS),
		MemoryHeapTotal: int64(m.HeapTotal),
		MemoryHeapUsed:  int64(m.HeapUsed),
		CPUUser:         int64(m.CPUUserMicros),
		CPUSystem:       int64(m.CPUSystemMicros),
		SampledAt:       c.clock.Now(),
	}); err != nil {
		c.logger.Warn("persisting metric sample", zap.Uint64("agent_id", agentID), zap.Error(err))
	}
}

// onWorkerLog persists worker output lines. Stderr is recorded at error
// level per the child contract.
func (c *Controller) onWorkerLog(agentID uint64, source, line string) {
	level := "info"
	if source == "stderr" {
		level = "error"
	}
	c.appendLog(agentID, level, source, line)
}

func (c *Controller) appendLog(agentID uint64, level, source, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.events.AppendLog(ctx, &db.AgentLog{
		AgentID: agentID,
		Level:   level,
		Source:  source,
		Message: message,
	}); err != nil {
		c.logger.Warn("persisting log record", zap.Uint64("agent_id", agentID), zap.Error(err))
	}
}

func (c *Controller) appendAlert(agentID uint64, kind, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.events.AppendAlert(ctx, &db.AgentAlert{
		AgentID: agentID,
		Kind:    kind,
		Message: message,
	}); err != nil {
		c.logger.Warn("persisting alert", zap.Uint64("agent_id", agentID), zap.Error(err))
	}
}

// resetRuntime seeds the runtime entry at spawn time.
func (c *Controller) resetRuntime(agentID uint64, startedAt time.Time) {
	c.runtimeMu.Lock()
	defer c.runtimeMu.Unlock()
	c.runtime[agentID] = &runtimeInfo{startedAt: startedAt}
}

// exitCode extracts the process exit code; non-exec errors (kills, wait
// failures) report -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
