// Package health runs the periodic liveness sweep: agents persisted as
// running whose heartbeat has gone stale are restarted through the
// controller, and parked in error once the restart budget is spent. The
// monitor never mutates agent state directly — the controller stays the
// sole writer.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/controller"
	"github.com/aviary-run/aviary/internal/db"
	"github.com/aviary-run/aviary/internal/metrics"
	"github.com/aviary-run/aviary/internal/repositories"
)

// unhealthyMessage is the error message set on agents that exhaust their
// restart budget while stale.
const unhealthyMessage = "unhealthy: heartbeat timeout"

// Recoverer is the slice of the controller the monitor issues intents
// through.
type Recoverer interface {
	RestartStale(ctx context.Context, id uint64) (*controller.StartResult, error)
	MarkUnhealthy(ctx context.Context, id uint64, message string) error
}

// Monitor owns the gocron scheduler driving the sweep and housekeeping
// jobs.
type Monitor struct {
	cron        gocron.Scheduler
	agents      repositories.AgentRepository
	recoverer   Recoverer
	clock       clockwork.Clock
	logger      *zap.Logger
	interval    time.Duration
	maxRestarts int

	// purgeSessions removes expired refresh tokens; optional.
	purgeSessions func(ctx context.Context) (int64, error)
}

// New creates a Monitor sweeping every interval.
func New(
	agents repositories.AgentRepository,
	recoverer Recoverer,
	interval time.Duration,
	maxRestarts int,
	clock clockwork.Clock,
	logger *zap.Logger,
) (*Monitor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("health: creating scheduler: %w", err)
	}
	return &Monitor{
		cron:        cron,
		agents:      agents,
		recoverer:   recoverer,
		clock:       clock,
		logger:      logger.Named("health"),
		interval:    interval,
		maxRestarts: maxRestarts,
	}, nil
}

// WithSessionPurge registers a housekeeping job that deletes expired
// sessions hourly.
func (m *Monitor) WithSessionPurge(purge func(ctx context.Context) (int64, error)) *Monitor {
	m.purgeSessions = purge
	return m
}

// Start schedules the sweep and begins processing. Sweeps run in singleton
// mode: a slow sweep is never overlapped by the next tick.
func (m *Monitor) Start(ctx context.Context) error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() { m.Sweep(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("health: scheduling sweep: %w", err)
	}

	if m.purgeSessions != nil {
		_, err = m.cron.NewJob(
			gocron.DurationJob(time.Hour),
			gocron.NewTask(func() {
				removed, err := m.purgeSessions(ctx)
				if err != nil {
					m.logger.Warn("purging expired sessions", zap.Error(err))
					return
				}
				if removed > 0 {
					m.logger.Info("purged expired sessions", zap.Int64("removed", removed))
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("health: scheduling session purge: %w", err)
		}
	}

	m.cron.Start()
	return nil
}

// Stop shuts the scheduler down and waits for in-flight jobs.
func (m *Monitor) Stop() error {
	if err := m.cron.Shutdown(); err != nil {
		return fmt.Errorf("health: shutting down scheduler: %w", err)
	}
	return nil
}

// Sweep runs one liveness pass. An agent counts as stale when it has been
// running without a heartbeat for 2× the heartbeat interval. Exported so
// tests can drive sweeps without the scheduler.
func (m *Monitor) Sweep(ctx context.Context) {
	stale, err := m.agents.StaleRunning(ctx, 2*m.interval, m.clock.Now())
	if err != nil {
		m.logger.Error("listing stale agents", zap.Error(err))
		return
	}
	metrics.StaleAgents.Set(float64(len(stale)))

	for i := range stale {
		agent := &stale[i]
		log := m.logger.With(
			zap.Uint64("agent_id", agent.ID),
			zap.String("name", agent.Name),
			zap.Int("restart_count", agent.RestartCount))

		if agent.RestartCount >= m.maxRestarts {
			log.Warn("stale agent exhausted restart budget, marking unhealthy")
			if err := m.recoverer.MarkUnhealthy(ctx, agent.ID, unhealthyMessage); err != nil {
				log.Error("marking agent unhealthy", zap.Error(err))
			}
			continue
		}

		log.Warn("stale heartbeat, restarting agent")
		if _, err := m.recoverer.RestartStale(ctx, agent.ID); err != nil {
			log.Error("restarting stale agent, marking unhealthy", zap.Error(err))
			if err := m.recoverer.MarkUnhealthy(ctx, agent.ID, unhealthyMessage); err != nil {
				log.Error("marking agent unhealthy", zap.Error(err))
			}
		}
	}

	m.updateStatusGauge(ctx)
}

// updateStatusGauge refreshes the per-status gauge from the store.
func (m *Monitor) updateStatusGauge(ctx context.Context) {
	counts, err := m.agents.CountByStatus(ctx)
	if err != nil {
		m.logger.Warn("counting agents by status", zap.Error(err))
		return
	}
	for _, status := range []db.AgentStatus{
		db.StatusStopped, db.StatusStarting, db.StatusRunning, db.StatusStopping, db.StatusError,
	} {
		metrics.AgentsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
