package controller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/db"
	"github.com/aviary-run/aviary/internal/repositories"
)

// ProcessInfo is the runtime view of one live agent.
type ProcessInfo struct {
	AgentID        uint64 `json:"agentId"`
	Name           string `json:"name"`
	PID            int    `json:"pid"`
	Port           int    `json:"port"`
	UptimeMs       int64  `json:"uptimeMs"`
	MemoryRSS      int64  `json:"memoryRss"`
	CPUUserMicros  int64  `json:"cpuUserMicros"`
	HeartbeatAgeMs int64  `json:"heartbeatAgeMs"`
	RestartCount   int    `json:"restartCount"`
}

// HealthInfo is the liveness view of one agent.
type HealthInfo struct {
	IsRunning     bool       `json:"isRunning"`
	IsHealthy     bool       `json:"isHealthy"`
	LastHeartbeat *time.Time `json:"lastHeartbeat"`
}

// StatusCount is one row of the stats breakdown.
type StatusCount struct {
	Status db.AgentStatus `json:"status"`
	Count  int64          `json:"count"`
}

// Stats is the fleet-wide summary.
type Stats struct {
	Total    int64         `json:"total"`
	Running  int64         `json:"running"`
	Errors   int64         `json:"errors"`
	ByStatus []StatusCount `json:"byStatus"`
}

// Process returns the runtime view for one agent, subject to ownership.
func (c *Controller) Process(ctx context.Context, p Principal, id uint64) (*ProcessInfo, error) {
	agent, err := c.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return c.processInfo(agent), nil
}

// Processes returns the runtime view of every live agent the principal may
// see.
func (c *Controller) Processes(ctx context.Context, p Principal) ([]ProcessInfo, error) {
	rows, _, err := c.List(ctx, p, repositories.AgentFilter{}, repositories.ListOptions{Limit: 0})
	if err != nil {
		return nil, err
	}

	infos := make([]ProcessInfo, 0, len(rows))
	for i := range rows {
		if !rows[i].Status.Live() {
			continue
		}
		infos = append(infos, *c.processInfo(&rows[i]))
	}
	return infos, nil
}

func (c *Controller) processInfo(agent *db.Agent) *ProcessInfo {
	info := &ProcessInfo{
		AgentID:      agent.ID,
		Name:         agent.Name,
		RestartCount: agent.RestartCount,
	}
	if agent.ProcessID != nil {
		info.PID = *agent.ProcessID
	}
	if agent.Port != nil {
		info.Port = *agent.Port
	}

	now := c.clock.Now()
	if agent.LastHeartbeat != nil {
		info.HeartbeatAgeMs = now.Sub(*agent.LastHeartbeat).Milliseconds()
	} else {
		info.HeartbeatAgeMs = -1
	}

	c.runtimeMu.Lock()
	if rt, ok := c.runtime[agent.ID]; ok {
		if !rt.startedAt.IsZero() {
			info.UptimeMs = now.Sub(rt.startedAt).Milliseconds()
		}
		if rt.lastMetrics != nil {
			info.MemoryRSS = int64(rt.lastMetrics.MemoryRSS)
			info.CPUUserMicros = int64(rt.lastMetrics.CPUUserMicros)
		}
	}
	c.runtimeMu.Unlock()

	return info
}

// Health reports whether the agent's worker is up and heartbeating within
// 2× the heartbeat interval.
func (c *Controller) Health(ctx context.Context, p Principal, id uint64) (*HealthInfo, error) {
	agent, err := c.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}

	info := &HealthInfo{
		IsRunning:     agent.Status == db.StatusRunning && c.sup.Running(agent.ID),
		LastHeartbeat: agent.LastHeartbeat,
	}
	if info.IsRunning && agent.LastHeartbeat != nil {
		info.IsHealthy = c.clock.Now().Sub(*agent.LastHeartbeat) <= 2*c.cfg.HeartbeatInterval
	}
	return info, nil
}

// Stats summarizes the fleet by status.
func (c *Controller) Stats(ctx context.Context, p Principal) (*Stats, error) {
	// Stats are fleet-wide for admins; scoped to owned agents otherwise.
	if !p.admin() {
		return c.scopedStats(ctx, p)
	}

	counts, err := c.agents.CountByStatus(ctx)
	if err != nil {
		return nil, internalErr("counting agents", err)
	}
	return buildStats(counts), nil
}

func (c *Controller) scopedStats(ctx context.Context, p Principal) (*Stats, error) {
	rows, _, err := c.List(ctx, p, repositories.AgentFilter{}, repositories.ListOptions{Limit: 0})
	if err != nil {
		return nil, err
	}
	counts := make(map[db.AgentStatus]int64)
	for _, row := range rows {
		counts[row.Status]++
	}
	return buildStats(counts), nil
}

func buildStats(counts map[db.AgentStatus]int64) *Stats {
	stats := &Stats{
		Running: counts[db.StatusRunning],
		Errors:  counts[db.StatusError],
	}
	for _, status := range []db.AgentStatus{
		db.StatusStopped, db.StatusStarting, db.StatusRunning, db.StatusStopping, db.StatusError,
	} {
		count, ok := counts[status]
		if !ok {
			continue
		}
		stats.Total += count
		stats.ByStatus = append(stats.ByStatus, StatusCount{Status: status, Count: count})
	}
	return stats
}

// ReconcileOrphans runs once at boot: rows persisted in a live status have
// no worker behind them after a supervisor restart, so they are parked in
// error for a manual or health-monitor intent to pick up.
func (c *Controller) ReconcileOrphans(ctx context.Context) error {
	rows, _, err := c.agents.List(ctx, repositories.AgentFilter{}, repositories.ListOptions{Limit: 0})
	if err != nil {
		return internalErr("listing agents for reconciliation", err)
	}

	for i := range rows {
		agent := &rows[i]
		if !agent.Status.Live() {
			continue
		}
		if _, err := c.agents.UpdateFields(ctx, agent.ID, repositories.Patch{
			"status":        db.StatusError,
			"port":          nil,
			"process_id":    nil,
			"error_message": "orphaned by supervisor restart",
		}, agent.Status); err != nil && !errors.Is(err, repositories.ErrStatusChanged) {
			return internalErr("reconciling orphaned agent", err)
		}
		c.logger.Warn("reconciled orphaned agent",
			zap.Uint64("agent_id", agent.ID),
			zap.String("name", agent.Name),
			zap.String("was", string(agent.Status)))
	}
	return nil
}
