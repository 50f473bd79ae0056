package ca

import (
	"testing"

	"github.com/sandboxlabs/sandboxd/pkg/store"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLoadOrCreateGeneratesAndPersistsRoot(t *testing.T) {
	st := newTestStore(t)

	a := New(st)
	require.NoError(t, a.LoadOrCreate())
	require.NotEmpty(t, a.RootCertDER())

	_, found, err := st.GetCA()
	require.NoError(t, err)
	require.True(t, found)
}

func TestLoadOrCreateReloadsExistingRoot(t *testing.T) {
	st := newTestStore(t)

	first := New(st)
	require.NoError(t, first.LoadOrCreate())
	firstDER := first.RootCertDER()

	second := New(st)
	require.NoError(t, second.LoadOrCreate())
	require.Equal(t, firstDER, second.RootCertDER())
}

func TestGetOrCreateLeafIssuesAndCaches(t *testing.T) {
	st := newTestStore(t)
	a := New(st)
	require.NoError(t, a.LoadOrCreate())

	leaf1, err := a.GetOrCreateLeaf("example.com")
	require.NoError(t, err)
	require.Equal(t, "example.com", leaf1.Host)
	require.Equal(t, []string{"example.com"}, leaf1.TLSCert.Leaf.DNSNames)

	leaf2, err := a.GetOrCreateLeaf("example.com")
	require.NoError(t, err)
	require.Equal(t, leaf1.TLSCert.Leaf.SerialNumber, leaf2.TLSCert.Leaf.SerialNumber)
}

func TestGetOrCreateLeafDistinctHostsDistinctCerts(t *testing.T) {
	st := newTestStore(t)
	a := New(st)
	require.NoError(t, a.LoadOrCreate())

	leafA, err := a.GetOrCreateLeaf("a.example.com")
	require.NoError(t, err)
	leafB, err := a.GetOrCreateLeaf("b.example.com")
	require.NoError(t, err)

	require.NotEqual(t, leafA.TLSCert.Leaf.SerialNumber, leafB.TLSCert.Leaf.SerialNumber)
}
