package orchestrator

import (
	"testing"
	"time"

	"github.com/sandboxlabs/sandboxd/pkg/control"
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	n, err := control.NewNode(control.Config{NodeID: "test", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, n.Bootstrap())
	t.Cleanup(func() { n.Shutdown() })
	require.Eventually(t, n.IsLeader, 3*time.Second, 10*time.Millisecond)
	return New(n)
}

func TestCreateGetDeleteSandbox(t *testing.T) {
	a := newTestAdapter(t)

	s, err := a.CreateSandbox(&sandbox.Sandbox{Name: "sb-1", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusWarm})
	require.NoError(t, err)
	require.NotZero(t, s.Version)

	got, found, err := a.GetSandbox("sb-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, sandbox.PoolStatusWarm, got.PoolStatus)

	_, found, err = a.GetSandbox("does-not-exist")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, a.DeleteSandbox("sb-1"))
	require.NoError(t, a.DeleteSandbox("sb-1")) // missing-at-delete is success
}

func TestPatchLabelsAnnotationsAllocation(t *testing.T) {
	a := newTestAdapter(t)

	s, err := a.CreateSandbox(&sandbox.Sandbox{Name: "sb-1", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusWarm})
	require.NoError(t, err)

	now := time.Now().UTC().Format(time.RFC3339)
	patched, err := a.PatchLabelsAnnotations("sb-1", sandbox.Patch{
		ExpectVersion: s.Version,
		Labels:        sandbox.LabelDelta{sandbox.LabelPoolStatus: string(sandbox.PoolStatusAllocated), sandbox.LabelPoolUser: "u1"},
		Annotations:   sandbox.AnnotationDelta{sandbox.AnnotationAllocatedAt: now, sandbox.AnnotationLastActivityAt: now},
	})
	require.NoError(t, err)
	require.Equal(t, sandbox.PoolStatusAllocated, patched.PoolStatus)
	require.Equal(t, "u1", patched.UserID)
	require.NoError(t, patched.Validate())

	// Same stale ExpectVersion now conflicts.
	_, err = a.PatchLabelsAnnotations("sb-1", sandbox.Patch{ExpectVersion: s.Version, Labels: sandbox.LabelDelta{sandbox.LabelPoolUser: "u2"}})
	require.ErrorIs(t, err, ErrConflict)
}

func TestPatchAgainstMissingSandboxConflicts(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.PatchLabelsAnnotations("ghost", sandbox.Patch{ExpectVersion: 1})
	require.ErrorIs(t, err, ErrConflict)
}

func TestListSandboxesSelector(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.CreateSandbox(&sandbox.Sandbox{Name: "exec-1", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusWarm})
	require.NoError(t, err)
	_, err = a.CreateSandbox(&sandbox.Sandbox{Name: "mcp-1", Kind: sandbox.KindMCP, PoolStatus: sandbox.PoolStatusMCP})
	require.NoError(t, err)

	warm, err := a.ListSandboxes(Selector{Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusWarm})
	require.NoError(t, err)
	require.Len(t, warm, 1)
	require.Equal(t, "exec-1", warm[0].Name)
}
