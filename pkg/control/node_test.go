package control

import (
	"testing"
	"time"

	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := NewNode(Config{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, n.Bootstrap())
	t.Cleanup(func() { n.Shutdown() })

	require.Eventually(t, n.IsLeader, 3*time.Second, 10*time.Millisecond, "node never became leader")
	return n
}

func TestPutSandboxCreateThenConflict(t *testing.T) {
	n := newTestNode(t)

	sb := &sandbox.Sandbox{Name: "sb-1", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusCreating}
	res, err := n.PutSandbox(sb, 0)
	require.NoError(t, err)
	require.NotZero(t, res.Version)

	// A second create with ExpectVersion=0 against an existing record
	// conflicts: the resource now exists.
	_, err = n.PutSandbox(&sandbox.Sandbox{Name: "sb-1"}, 0)
	require.ErrorIs(t, err, ErrConflict)

	// Updating with the correct observed version succeeds and advances it.
	got, found, err := n.GetSandbox("sb-1")
	require.NoError(t, err)
	require.True(t, found)

	got.PoolStatus = sandbox.PoolStatusWarm
	res2, err := n.PutSandbox(got, got.Version)
	require.NoError(t, err)
	require.Greater(t, res2.Version, res.Version)

	// Updating with a stale version conflicts.
	got.PoolStatus = sandbox.PoolStatusAllocated
	_, err = n.PutSandbox(got, res.Version)
	require.ErrorIs(t, err, ErrConflict)
}

func TestDeleteSandboxIdempotent(t *testing.T) {
	n := newTestNode(t)

	_, err := n.DeleteSandbox("never-existed")
	require.NoError(t, err)
}
