package agent

import (
	"context"
	"errors"
	"time"

	"github.com/aiswarm/swarmd/internal/coordination/clock"
	"github.com/aiswarm/swarmd/internal/coordination/domain"
	"github.com/aiswarm/swarmd/internal/coordination/store"
	"github.com/aiswarm/swarmd/internal/log"
)

const (
	// DefaultHeartbeatTimeout is how long a Running agent may go silent
	// before the sweep kills it.
	DefaultHeartbeatTimeout = 5 * time.Minute

	// DefaultCheckInterval is the pause between sweeps.
	DefaultCheckInterval = 30 * time.Second
)

// Monitor periodically kills Running agents whose last heartbeat is older
// than the timeout. A failure on one agent never stops the sweep.
type Monitor struct {
	registry         *Registry
	db               *store.DB
	clock            clock.Clock
	heartbeatTimeout time.Duration
	checkInterval    time.Duration
}

// NewMonitor creates a Monitor. Zero durations fall back to the defaults.
func NewMonitor(registry *Registry, db *store.DB, clk clock.Clock, heartbeatTimeout, checkInterval time.Duration) *Monitor {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	return &Monitor{
		registry:         registry,
		db:               db,
		clock:            clk,
		heartbeatTimeout: heartbeatTimeout,
		checkInterval:    checkInterval,
	}
}

// Run sweeps until ctx is cancelled. Blocking; callers run it in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	log.Info(log.CatAgent, "monitor started",
		"heartbeatTimeout", m.heartbeatTimeout, "checkInterval", m.checkInterval)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatAgent, "monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one liveness pass: every Running agent whose heartbeat is older
// than the timeout is killed.
func (m *Monitor) Sweep(ctx context.Context) {
	deadline := m.clock.Now().Add(-m.heartbeatTimeout)
	stale, err := m.db.Read().Agents.ListRunningStale(ctx, deadline)
	if err != nil {
		log.ErrorErr(log.CatAgent, "liveness sweep query failed", err)
		return
	}

	for _, a := range stale {
		if ctx.Err() != nil {
			return
		}
		err := m.registry.Kill(ctx, a.ID, "heartbeat timeout")
		if err != nil && !domainTerminal(err) {
			log.ErrorErr(log.CatAgent, "liveness kill failed", err, "agentId", a.ID)
		}
	}
	if len(stale) > 0 {
		log.Info(log.CatAgent, "liveness sweep killed agents", "count", len(stale))
	}
}

// domainTerminal reports whether the kill lost to a concurrent terminal
// transition, which the sweep treats as success.
func domainTerminal(err error) bool {
	return errors.Is(err, domain.ErrAlreadyTerminal)
}
