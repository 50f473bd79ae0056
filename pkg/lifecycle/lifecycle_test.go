package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sandboxlabs/sandboxd/pkg/control"
	"github.com/sandboxlabs/sandboxd/pkg/events"
	"github.com/sandboxlabs/sandboxd/pkg/orchestrator"
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *orchestrator.Adapter {
	t.Helper()
	n, err := control.NewNode(control.Config{NodeID: "test", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, n.Bootstrap())
	t.Cleanup(func() { n.Shutdown() })
	require.Eventually(t, n.IsLeader, 3*time.Second, 10*time.Millisecond)
	return orchestrator.New(n)
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	parts := strings.Split(addr, ":")
	require.Len(t, parts, 2)
	port, err := strconv.Atoi(parts[1])
	require.NoError(t, err)
	return parts[0], port
}

func drain(stream *events.Stream[events.LifecycleEvent]) []events.LifecycleEvent {
	var got []events.LifecycleEvent
	for ev := range stream.Events() {
		got = append(got, ev)
	}
	return got
}

func TestRunReachesReadyOnHealthyProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	host, port := splitHostPort(t, strings.TrimPrefix(srv.URL, "http://"))

	adapter := newTestAdapter(t)
	_, err := adapter.CreateSandbox(&sandbox.Sandbox{
		Name: "sb-1", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusCreating,
		Phase: sandbox.PhaseRunning, IsReady: true, PodIP: host,
	})
	require.NoError(t, err)

	tr := New(adapter, Config{
		PollInterval: 5 * time.Millisecond, ProbeTimeout: time.Second,
		PodReadyTimeout: time.Second, HealthCheckPort: port, HealthCheckPath: "/",
	})

	stream := events.NewStream[events.LifecycleEvent](16)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr.Run(ctx, "sb-1", stream)
	got := drain(stream)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, "Ready", last.Type())
}

func TestRunFailsWhenPhaseFails(t *testing.T) {
	adapter := newTestAdapter(t)
	_, err := adapter.CreateSandbox(&sandbox.Sandbox{
		Name: "sb-2", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusCreating,
		Phase: sandbox.PhaseFailed,
	})
	require.NoError(t, err)

	tr := New(adapter, Config{PollInterval: 5 * time.Millisecond, ProbeTimeout: time.Second, PodReadyTimeout: time.Second})

	stream := events.NewStream[events.LifecycleEvent](16)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr.Run(ctx, "sb-2", stream)
	got := drain(stream)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, "Failed", last.Type())
	require.True(t, last.Terminal())
}

func TestRunTimesOutWhenNeverReady(t *testing.T) {
	adapter := newTestAdapter(t)
	_, err := adapter.CreateSandbox(&sandbox.Sandbox{
		Name: "sb-3", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusCreating,
		Phase: sandbox.PhasePending,
	})
	require.NoError(t, err)

	tr := New(adapter, Config{PollInterval: 5 * time.Millisecond, ProbeTimeout: 5 * time.Millisecond, PodReadyTimeout: 30 * time.Millisecond})

	stream := events.NewStream[events.LifecycleEvent](16)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr.Run(ctx, "sb-3", stream)
	got := drain(stream)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, "Failed", last.Type())
	failed := last.(events.FailedEvent)
	require.Equal(t, "timeout", failed.Reason)
}
