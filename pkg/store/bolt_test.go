package store

import (
	"testing"

	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSandboxCRUD(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.GetSandbox("missing")
	require.NoError(t, err)
	require.False(t, found)

	sb := &sandbox.Sandbox{Name: "sb-1", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusWarm}
	require.NoError(t, s.PutSandbox(sb))

	got, found, err := s.GetSandbox("sb-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, sandbox.PoolStatusWarm, got.PoolStatus)

	all, err := s.ListSandboxes()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.DeleteSandbox("sb-1"))
	require.NoError(t, s.DeleteSandbox("sb-1")) // deleting absent is a no-op

	_, found, err = s.GetSandbox("sb-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestBindingAndCARoundTrip(t *testing.T) {
	s := openTestStore(t)

	bnd := &Binding{SandboxID: "sb-1", UserID: "u1", AllowedUpstreams: []UpstreamGrant{{Host: "graph.microsoft.com", TokenType: "Bearer"}}}
	require.NoError(t, s.PutBinding(bnd))

	got, found, err := s.GetBinding("sb-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "u1", got.UserID)

	require.NoError(t, s.DeleteBinding("sb-1"))
	_, found, err = s.GetBinding("sb-1")
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = s.GetCA()
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.SaveCA([]byte("ca-bytes")))
	data, found, err := s.GetCA()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("ca-bytes"), data)
}
