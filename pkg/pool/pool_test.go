package pool

import (
	"context"
	"testing"
	"time"

	"github.com/sandboxlabs/sandboxd/pkg/control"
	"github.com/sandboxlabs/sandboxd/pkg/orchestrator"
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *orchestrator.Adapter, *control.Node) {
	t.Helper()
	n, err := control.NewNode(control.Config{NodeID: "test", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, n.Bootstrap())
	t.Cleanup(func() { n.Shutdown() })
	require.Eventually(t, n.IsLeader, 3*time.Second, 10*time.Millisecond)

	adapter := orchestrator.New(n)
	if cfg.Kinds == nil {
		cfg.Kinds = map[sandbox.Kind]KindConfig{
			sandbox.KindExecutor: {Target: 2, NamePrefix: "exec", Image: "executor:latest"},
		}
	}
	if cfg.MaxTotal == 0 {
		cfg.MaxTotal = 10
	}
	return New(adapter, nil, n, cfg), adapter, n
}

func TestAllocateWarmPicksOldestAndMarksAllocated(t *testing.T) {
	m, adapter, _ := newTestManager(t, Config{})

	older, err := adapter.CreateSandbox(&sandbox.Sandbox{
		Name: "exec-old", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusWarm,
		CreatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	_, err = adapter.CreateSandbox(&sandbox.Sandbox{
		Name: "exec-new", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusWarm,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	got, err := m.AllocateWarm(context.Background(), "user-1", sandbox.KindExecutor)
	require.NoError(t, err)
	require.Equal(t, older.Name, got.Name)
	require.Equal(t, sandbox.PoolStatusAllocated, got.PoolStatus)
	require.Equal(t, "user-1", got.UserID)
}

func TestAllocateWarmExhaustedReturnsNoWarm(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	_, err := m.AllocateWarm(context.Background(), "user-1", sandbox.KindExecutor)
	require.ErrorIs(t, err, ErrNoWarm)
}

func TestCreateOnDemandRespectsCapacity(t *testing.T) {
	m, _, _ := newTestManager(t, Config{MaxTotal: 1})

	_, err := m.CreateOnDemand("user-1", sandbox.KindExecutor, sandbox.PoolStatusAllocated)
	require.NoError(t, err)

	_, err = m.CreateOnDemand("user-2", sandbox.KindExecutor, sandbox.PoolStatusAllocated)
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestBackfillTickCreatesUpToTarget(t *testing.T) {
	m, adapter, _ := newTestManager(t, Config{MaxTotal: 5, Kinds: map[sandbox.Kind]KindConfig{
		sandbox.KindExecutor: {Target: 3, NamePrefix: "exec", Image: "executor:latest"},
	}})

	m.BackfillTick()

	all, err := adapter.ListSandboxes(orchestrator.Selector{Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusCreating})
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestBackfillTickStopsAtGlobalCap(t *testing.T) {
	m, adapter, _ := newTestManager(t, Config{MaxTotal: 2, Kinds: map[sandbox.Kind]KindConfig{
		sandbox.KindExecutor: {Target: 5, NamePrefix: "exec", Image: "executor:latest"},
	}})

	m.BackfillTick()

	all, err := adapter.ListSandboxes(orchestrator.Selector{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestTouchIsNoOpOnMissingSandbox(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	require.NoError(t, m.Touch("does-not-exist"))
}

func TestStatusReportCounts(t *testing.T) {
	m, adapter, _ := newTestManager(t, Config{})

	_, err := adapter.CreateSandbox(&sandbox.Sandbox{Name: "exec-1", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusWarm})
	require.NoError(t, err)

	report, err := m.Status()
	require.NoError(t, err)
	require.Equal(t, 1, report.Total)
	require.Equal(t, 1, report.Warm)
}
