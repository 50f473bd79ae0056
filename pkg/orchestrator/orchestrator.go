// Package orchestrator implements the Orchestrator Adapter (C2): a narrow
// capability wrapper that translates the control plane's sandbox
// operations into compare-and-set commands against pkg/control's raft
// substrate, which stands in for "the container-orchestration cluster"
// (SPEC_FULL.md C0). Not-found is always a distinguished result, never an
// error; Conflict is returned as a typed sentinel so callers (the pool
// manager) can retry against the next candidate.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandboxlabs/sandboxd/pkg/control"
	"github.com/sandboxlabs/sandboxd/pkg/events"
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
)

func parseRFC3339(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}

// ErrConflict is returned by PatchLabelsAnnotations when the observed
// resource version has advanced since the caller last read the object.
var ErrConflict = control.ErrConflict

// ErrNotFound is a convenience sentinel for callers that prefer error-based
// control flow; GetSandbox itself returns (nil, false, nil) for "absent".
var ErrNotFound = errors.New("sandbox not found")

// Adapter implements the C2 capability set described in spec.md §4.1.
type Adapter struct {
	node *control.Node
}

// New wraps a control.Node as an orchestrator Adapter.
func New(node *control.Node) *Adapter {
	return &Adapter{node: node}
}

// CreateSandbox creates a new sandbox object. The caller supplies the full
// initial record; Version is assigned by the adapter.
func (a *Adapter) CreateSandbox(s *sandbox.Sandbox) (*sandbox.Sandbox, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	res, err := a.node.PutSandbox(s, 0)
	if err != nil {
		return nil, err
	}
	s.Version = res.Version
	return s, nil
}

// GetSandbox returns (sandbox, true, nil) when present, (nil, false, nil)
// when absent — never an error for the not-found case.
func (a *Adapter) GetSandbox(name string) (*sandbox.Sandbox, bool, error) {
	return a.node.GetSandbox(name)
}

// Selector filters ListSandboxes results. A zero-value field is a wildcard.
type Selector struct {
	Kind       sandbox.Kind
	PoolStatus sandbox.PoolStatus
}

func (sel Selector) matches(s *sandbox.Sandbox) bool {
	if sel.Kind != "" && s.Kind != sel.Kind {
		return false
	}
	if sel.PoolStatus != "" && s.PoolStatus != sel.PoolStatus {
		return false
	}
	return true
}

// ListSandboxes returns all sandboxes matching sel.
func (a *Adapter) ListSandboxes(sel Selector) ([]*sandbox.Sandbox, error) {
	all, err := a.node.ListSandboxes()
	if err != nil {
		return nil, err
	}
	out := make([]*sandbox.Sandbox, 0, len(all))
	for _, s := range all {
		if sel.matches(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// DeleteSandbox deletes a sandbox. A missing-at-delete is success, per
// §4.1 ("treat a missing-at-delete as success").
func (a *Adapter) DeleteSandbox(name string) error {
	_, err := a.node.DeleteSandbox(name)
	return err
}

// PatchLabelsAnnotations applies p atop the object observed at
// p.ExpectVersion, or fails with ErrConflict. Callers should re-read and
// retry (or move to the next candidate) on conflict.
func (a *Adapter) PatchLabelsAnnotations(name string, p sandbox.Patch) (*sandbox.Sandbox, error) {
	current, found, err := a.node.GetSandbox(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrConflict // "not-found" is treated as another writer having won, §4.2 step 2
	}

	applyLabelDelta(current, p.Labels)
	applyAnnotationDelta(current, p.Annotations)

	res, err := a.node.PutSandbox(current, p.ExpectVersion)
	if err != nil {
		return nil, err
	}
	current.Version = res.Version
	return current, nil
}

func applyLabelDelta(s *sandbox.Sandbox, delta sandbox.LabelDelta) {
	for k, v := range delta {
		switch k {
		case sandbox.LabelPoolStatus:
			s.PoolStatus = sandbox.PoolStatus(v)
		case sandbox.LabelPoolUser:
			s.UserID = v
		case sandbox.LabelKind:
			s.Kind = sandbox.Kind(v)
		}
	}
}

func applyAnnotationDelta(s *sandbox.Sandbox, delta sandbox.AnnotationDelta) {
	for k, v := range delta {
		switch k {
		case sandbox.AnnotationAllocatedAt:
			if t, err := parseRFC3339(v); err == nil {
				s.AllocatedAt = t
			}
		case sandbox.AnnotationLastActivityAt:
			if t, err := parseRFC3339(v); err == nil {
				s.LastActivityAt = t
			}
		}
	}
}

// SandboxChange is one record in a WatchSandboxes sequence.
type SandboxChange struct {
	Sandbox *sandbox.Sandbox
	Deleted bool
}

// WatchSandboxes returns a lazy sequence of changes matching sel, one per
// notification published on broker whose Fields carry a "sandbox" name
// ("sandbox.deleted" kinds become deletions; others are re-read and
// filtered by sel). It is a thin projection over that broker (pkg/events),
// not a poll loop, and the adapter does not publish notifications itself:
// changes appear only when something publishes them on broker. Callers
// that need a one-shot snapshot should use ListSandboxes instead.
func (a *Adapter) WatchSandboxes(ctx context.Context, broker *events.Broker, sel Selector) <-chan SandboxChange {
	out := make(chan SandboxChange, 16)
	sub := broker.Subscribe()

	go func() {
		defer close(out)
		defer broker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-sub:
				if !ok {
					return
				}
				change, ok := sandboxChangeFromNotification(a, n, sel)
				if !ok {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func sandboxChangeFromNotification(a *Adapter, n *events.Notification, sel Selector) (SandboxChange, bool) {
	name, ok := n.Fields["sandbox"]
	if !ok {
		return SandboxChange{}, false
	}
	if n.Kind == "sandbox.deleted" {
		return SandboxChange{Sandbox: &sandbox.Sandbox{Name: name}, Deleted: true}, true
	}
	s, found, err := a.GetSandbox(name)
	if err != nil || !found || !sel.matches(s) {
		return SandboxChange{}, false
	}
	return SandboxChange{Sandbox: s}, true
}
