package egressproxy

import "strings"

// Mode is one of the three dispositions a domain policy entry can carry.
type Mode string

const (
	ModeMITM        Mode = "mitm"
	ModePassthrough Mode = "passthrough"
	ModeDeny        Mode = "deny"
)

// Rule is one entry of the domain policy (spec §3's DomainPolicy): a host's
// disposition plus, for MITM hosts, the scopes the sidecar may request
// tokens for.
type Rule struct {
	Mode          Mode
	AllowedScopes []string
}

// PolicyEntry is the config-file-shaped form a Policy is built from.
type PolicyEntry struct {
	Host          string
	Mode          string
	AllowedScopes []string
}

// Policy is the exact, case-insensitive host->Rule map §4.6 step 3
// requires: no wildcards, no prefix matching, a miss is always deny.
type Policy map[string]Rule

// NewPolicy builds a Policy from config entries, lower-casing hosts so
// lookups are case-insensitive without repeated normalization per request.
func NewPolicy(entries []PolicyEntry) Policy {
	p := make(Policy, len(entries))
	for _, e := range entries {
		p[strings.ToLower(e.Host)] = Rule{Mode: Mode(e.Mode), AllowedScopes: e.AllowedScopes}
	}
	return p
}

// Lookup returns the rule for host, or (Rule{Mode: ModeDeny}, false) when
// the host has no entry — a miss is deny, never a wildcard match.
func (p Policy) Lookup(host string) (Rule, bool) {
	rule, ok := p[strings.ToLower(host)]
	if !ok {
		return Rule{Mode: ModeDeny}, false
	}
	return rule, true
}
