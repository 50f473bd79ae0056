package egressproxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolicyLookupIsCaseInsensitiveExactMatch(t *testing.T) {
	p := NewPolicy([]PolicyEntry{
		{Host: "Graph.Microsoft.com", Mode: "mitm", AllowedScopes: []string{"User.Read"}},
	})

	rule, ok := p.Lookup("graph.microsoft.com")
	require.True(t, ok)
	require.Equal(t, ModeMITM, rule.Mode)
	require.Equal(t, []string{"User.Read"}, rule.AllowedScopes)
}

func TestPolicyLookupMissIsDeny(t *testing.T) {
	p := NewPolicy([]PolicyEntry{{Host: "github.com", Mode: "passthrough"}})

	rule, ok := p.Lookup("evil.example.com")
	require.False(t, ok)
	require.Equal(t, ModeDeny, rule.Mode)
}

func TestPolicyLookupNoWildcard(t *testing.T) {
	p := NewPolicy([]PolicyEntry{{Host: "api.example.com", Mode: "mitm"}})

	_, ok := p.Lookup("example.com")
	require.False(t, ok)
	_, ok = p.Lookup("sub.api.example.com")
	require.False(t, ok)
}
