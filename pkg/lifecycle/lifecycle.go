// Package lifecycle implements the Lifecycle Tracker (C4): a state machine
// that advances a single sandbox from creation to terminal disposition
// (Ready or Failed), emitting a totally ordered event sequence. It polls
// the sandbox on a fixed interval, bounded by a readiness timeout, and
// logs and continues past per-tick probe failures rather than bubbling
// them to the terminal event.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sandboxlabs/sandboxd/pkg/events"
	"github.com/sandboxlabs/sandboxd/pkg/health"
	"github.com/sandboxlabs/sandboxd/pkg/log"
	"github.com/sandboxlabs/sandboxd/pkg/metrics"
	"github.com/sandboxlabs/sandboxd/pkg/orchestrator"
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
)

// Config bounds a single tracker run (§5: PodReadyTimeout in [30,300]s).
type Config struct {
	PollInterval    time.Duration
	ProbeTimeout    time.Duration
	PodReadyTimeout time.Duration
	HealthCheckPath string
	HealthCheckPort int
}

// state is the tracker's internal progression; it is not exposed directly,
// only as the LifecycleEvent sequence emitted on the stream.
type state int

const (
	statePending state = iota
	stateWaiting
	stateHealthChecking
)

// Tracker drives one sandbox through Pending -> Waiting -> HealthChecking
// -> Ready|Failed.
type Tracker struct {
	adapter *orchestrator.Adapter
	cfg     Config
	logger  zerolog.Logger
}

// New constructs a Tracker.
func New(adapter *orchestrator.Adapter, cfg Config) *Tracker {
	return &Tracker{adapter: adapter, cfg: cfg, logger: log.WithComponent("lifecycle")}
}

// Run drives sandboxName to a terminal state, emitting events on stream.
// Exactly one terminal event (Ready or Failed) is emitted before the
// stream closes; Run returns once that happens or ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, sandboxName string, stream *events.Stream[events.LifecycleEvent]) {
	timer := metrics.NewTimer()
	deadline := time.Now().Add(t.cfg.PodReadyTimeout)
	defer stream.Close()

	if !stream.Emit(ctx, events.CreatedEvent{Phase: string(sandbox.PhasePending)}) {
		return
	}

	st := stateWaiting
	attempt := 0
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stream.Close()
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			t.finishFailed(ctx, stream, "timeout", nil)
			metrics.LifecycleOutcomesTotal.WithLabelValues("failed").Inc()
			timer.ObserveDuration(metrics.LifecycleDuration)
			return
		}

		s, found, err := t.adapter.GetSandbox(sandboxName)
		if err != nil {
			t.logger.Error().Err(err).Str("sandbox", sandboxName).Msg("lifecycle: failed to read sandbox")
			continue
		}
		if !found {
			t.finishFailed(ctx, stream, "sandbox-deleted", nil)
			metrics.LifecycleOutcomesTotal.WithLabelValues("failed").Inc()
			timer.ObserveDuration(metrics.LifecycleDuration)
			return
		}

		switch st {
		case stateWaiting:
			if s.Phase == sandbox.PhaseFailed {
				t.finishFailed(ctx, stream, "phase-failure", &events.SandboxInfo{Name: s.Name, NodeName: s.NodeName, PodIP: s.PodIP})
				metrics.LifecycleOutcomesTotal.WithLabelValues("failed").Inc()
				timer.ObserveDuration(metrics.LifecycleDuration)
				return
			}
			if s.Phase == sandbox.PhaseRunning && s.IsReady && s.PodIP != "" {
				st = stateHealthChecking
				continue
			}
			attempt++
			if !stream.Emit(ctx, events.WaitingEvent{Attempt: attempt, Phase: string(s.Phase)}) {
				return
			}

		case stateHealthChecking:
			checker := health.NewHTTPChecker(t.probeURL(s.PodIP)).WithTimeout(t.cfg.ProbeTimeout)
			probeCtx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
			result := checker.Check(probeCtx)
			cancel()

			if result.Healthy {
				if !stream.Emit(ctx, events.HealthCheckEvent{Healthy: true, IP: s.PodIP}) {
					return
				}
				info := events.SandboxInfo{Name: s.Name, NodeName: s.NodeName, PodIP: s.PodIP}
				stream.Emit(ctx, events.ReadyEvent{Sandbox: info, Elapsed: timer.Duration()})
				metrics.LifecycleOutcomesTotal.WithLabelValues("ready").Inc()
				timer.ObserveDuration(metrics.LifecycleDuration)
				return
			}

			if !stream.Emit(ctx, events.HealthCheckEvent{Healthy: false, IP: s.PodIP, Message: result.Message}) {
				return
			}
			// Probe failure within the overall deadline re-enters Waiting;
			// the next tick's timeout check above catches the boundary.
			st = stateWaiting
			attempt++
		}
	}
}

func (t *Tracker) finishFailed(ctx context.Context, stream *events.Stream[events.LifecycleEvent], reason string, info *events.SandboxInfo) {
	stream.Emit(ctx, events.FailedEvent{Reason: reason, Sandbox: info})
}

func (t *Tracker) probeURL(podIP string) string {
	path := t.cfg.HealthCheckPath
	if path == "" {
		path = "/healthz"
	}
	port := t.cfg.HealthCheckPort
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("http://%s:%d%s", podIP, port, path)
}
