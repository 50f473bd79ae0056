// Package cleanup implements the Cleanup Worker (C5): a periodic sweep that
// evicts sandboxes exceeding their max lifetime or idle timeout. The
// worker never aborts a sweep on a single deletion failure; it logs the
// failure and retries the same sandbox on the next tick.
package cleanup

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sandboxlabs/sandboxd/pkg/log"
	"github.com/sandboxlabs/sandboxd/pkg/metrics"
	"github.com/sandboxlabs/sandboxd/pkg/orchestrator"
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
)

// Config holds the worker's tunables (§4.4, §5).
type Config struct {
	CheckInterval time.Duration
	MaxLifetime   time.Duration
	IdleTimeout   time.Duration
	MaxWarmAge    time.Duration // zero disables the warm-age check
}

// Worker is the C5 Cleanup Worker.
type Worker struct {
	adapter *orchestrator.Adapter
	cfg     Config
	logger  zerolog.Logger
	stopCh  chan struct{}
}

// New constructs a Worker.
func New(adapter *orchestrator.Adapter, cfg Config) *Worker {
	return &Worker{adapter: adapter, cfg: cfg, logger: log.WithComponent("cleanup"), stopCh: make(chan struct{})}
}

// Start begins the sweep loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop stops the sweep loop.
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) run() {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep()
		case <-w.stopCh:
			return
		}
	}
}

// Sweep runs one eviction pass over every sandbox, per §4.4. It is
// idempotent: deleting an already-missing sandbox is a no-op, and a
// per-sandbox failure is logged without aborting the rest of the sweep.
func (w *Worker) Sweep() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CleanupSweepDuration)

	all, err := w.adapter.ListSandboxes(orchestrator.Selector{})
	if err != nil {
		w.logger.Error().Err(err).Msg("cleanup: failed to list sandboxes")
		return
	}

	now := time.Now()
	for _, s := range all {
		reason, evict := w.decide(s, now)
		if !evict {
			continue
		}
		if err := w.adapter.DeleteSandbox(s.Name); err != nil {
			w.logger.Error().Err(err).Str("sandbox", s.Name).Str("reason", reason).Msg("cleanup: eviction failed, will retry next tick")
			continue
		}
		w.logger.Info().Str("sandbox", s.Name).Str("reason", reason).Msg("cleanup: evicted sandbox")
		metrics.CleanupEvictionsTotal.WithLabelValues(reason).Inc()
	}
}

// decide applies §4.4's ordering: max-lifetime always wins over activity.
func (w *Worker) decide(s *sandbox.Sandbox, now time.Time) (reason string, evict bool) {
	switch s.PoolStatus {
	case sandbox.PoolStatusAllocated, sandbox.PoolStatusManual, sandbox.PoolStatusMCP:
		if !s.AllocatedAt.IsZero() && now.Sub(s.AllocatedAt) >= w.cfg.MaxLifetime {
			return "exceeded-max-lifetime", true
		}
		if !s.LastActivityAt.IsZero() && now.Sub(s.LastActivityAt) >= w.cfg.IdleTimeout {
			return "idle-timeout", true
		}
	case sandbox.PoolStatusWarm:
		if w.cfg.MaxWarmAge > 0 && !s.CreatedAt.IsZero() && now.Sub(s.CreatedAt) >= w.cfg.MaxWarmAge {
			return "max-warm-age", true
		}
	}
	return "", false
}
