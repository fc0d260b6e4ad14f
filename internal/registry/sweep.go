package registry

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentlink/client/internal/metrics"
	"github.com/agentlink/client/internal/storage"
)

// Sweep periodically retries disconnected agents.
//
// Each tick walks every agent the store knows about and launches a fallback
// connect for the ones without a live connection. Attempts are rate limited
// so a flaky network cannot turn the sweep into a retry storm; agents the
// limiter skips are picked up on a later tick.
type Sweep struct {
	controller *Controller
	store      *storage.SQLiteStore
	interval   time.Duration
	limiter    *rate.Limiter
}

// NewSweep creates a sweep over the controller's store. attemptsPerMinute
// caps how many reconnects one minute of sweeping may launch.
func NewSweep(controller *Controller, store *storage.SQLiteStore, interval time.Duration, attemptsPerMinute int) *Sweep {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if attemptsPerMinute <= 0 {
		attemptsPerMinute = 12
	}
	return &Sweep{
		controller: controller,
		store:      store,
		interval:   interval,
		limiter:    rate.NewLimiter(rate.Limit(float64(attemptsPerMinute)/60.0), attemptsPerMinute),
	}
}

// Run blocks, sweeping until the context is cancelled. An immediate first
// sweep runs before the ticker starts so a daemon restart reconnects
// promptly.
func (s *Sweep) Run(ctx context.Context) {
	log.Printf("sweep: starting (interval %s)", s.interval)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("sweep: stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick retries every agent that is not currently connected.
func (s *Sweep) tick(ctx context.Context) {
	metrics.SweepRuns.Inc()

	agents, err := s.store.ListAgents()
	if err != nil {
		log.Printf("sweep: listing agents: %v", err)
		return
	}

	for _, agent := range agents {
		if ctx.Err() != nil {
			return
		}
		// The live machine is the source of truth; a stored connected
		// status with no connected machine behind it (peer drop, daemon
		// restart) still gets a reconnect attempt.
		if agent.Status == storage.StatusConnected && s.controller.Connected(agent.ID) {
			continue
		}
		if !s.limiter.Allow() {
			// Budget exhausted for now; remaining agents wait for the
			// next tick.
			return
		}

		if _, err := s.controller.Connect(ctx, agent.ID); err != nil {
			log.Printf("sweep: reconnect of agent %s failed: %v", agent.ID, err)
			continue
		}
		metrics.SweepReconnects.Inc()
		log.Printf("sweep: reconnected agent %s", agent.ID)
	}
}
