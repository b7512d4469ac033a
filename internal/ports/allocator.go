// Package ports hands out TCP ports for agent workers from a configured
// range. The allocator scans the persisted assignments and proposes the
// lowest free port; the unique index on agents.port is the final arbiter
// when two concurrent starts race for the same value.
package ports

import (
	"context"
	"errors"
	"fmt"

	"github.com/aviary-run/aviary/internal/repositories"
)

// ErrNoPortAvailable is returned when every port in the range is assigned.
var ErrNoPortAvailable = errors.New("ports: no port available in range")

// Allocator proposes free ports within [Min, Max] inclusive.
type Allocator struct {
	agents repositories.AgentRepository
	min    int
	max    int
}

// NewAllocator creates an Allocator over the inclusive range [min, max].
func NewAllocator(agents repositories.AgentRepository, min, max int) (*Allocator, error) {
	if min < 1024 || max > 65535 || min > max {
		return nil, fmt.Errorf("ports: invalid range [%d, %d]", min, max)
	}
	return &Allocator{agents: agents, min: min, max: max}, nil
}

// Range returns the configured inclusive port range.
func (a *Allocator) Range() (min, max int) {
	return a.min, a.max
}

// Allocate returns the lowest port in the range not currently assigned to
// any agent. avoid, when non-zero, excludes one extra port: restarts pass
// the previous assignment so a released port is never handed straight back
// while the old listener may still be in TIME_WAIT. Callers must persist
// the port with a compare-and-set; a concurrent allocation of the same
// port surfaces as a uniqueness conflict there, and the caller retries.
func (a *Allocator) Allocate(ctx context.Context, avoid int) (int, error) {
	assigned, err := a.agents.PortsInRange(ctx, a.min, a.max)
	if err != nil {
		return 0, fmt.Errorf("ports: listing assigned ports: %w", err)
	}

	for port := a.min; port <= a.max; port++ {
		if port == avoid {
			continue
		}
		if _, taken := assigned[port]; !taken {
			return port, nil
		}
	}
	return 0, ErrNoPortAvailable
}
