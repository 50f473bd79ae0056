package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
	"github.com/sandboxlabs/sandboxd/pkg/store"
)

// ErrConflict is returned by Apply when a CAS-guarded command was applied
// against a stale version (Design Note §9, "compare-and-set against
// external resource versions").
var ErrConflict = errors.New("conflict: resource version advanced")

// Command is one entry in the raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opPutSandbox    = "put_sandbox"
	opDeleteSandbox = "delete_sandbox"
	opPutBinding    = "put_binding"
	opDeleteBinding = "delete_binding"
	opSaveCA        = "save_ca"
)

// putSandboxRequest carries the CAS precondition alongside the desired
// record. ExpectVersion == 0 means "must not already exist".
type putSandboxRequest struct {
	Sandbox       *sandbox.Sandbox `json:"sandbox"`
	ExpectVersion uint64           `json:"expect_version"`
}

// ApplyResult is the successful outcome of a committed command: the new
// resource version, i.e. the raft log index at which it was applied.
type ApplyResult struct {
	Version uint64
}

// fsm implements raft.FSM over a store.Store, enforcing compare-and-set on
// sandbox writes: each committed Command carries an op tag and an opaque
// payload, and sandbox writes are rejected with ErrConflict when the
// caller's expected version is stale, giving the orchestrator adapter's
// PatchLabelsAnnotations its optimistic-concurrency semantics.
type fsm struct {
	mu sync.Mutex
	st store.Store
}

func newFSM(st store.Store) *fsm {
	return &fsm{st: st}
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opPutSandbox:
		var req putSandboxRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		current, found, err := f.st.GetSandbox(req.Sandbox.Name)
		if err != nil {
			return err
		}
		if found && current.Version != req.ExpectVersion {
			return ErrConflict
		}
		if !found && req.ExpectVersion != 0 {
			return ErrConflict
		}
		req.Sandbox.Version = uint64(log.Index)
		if err := f.st.PutSandbox(req.Sandbox); err != nil {
			return err
		}
		return &ApplyResult{Version: uint64(log.Index)}

	case opDeleteSandbox:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		if err := f.st.DeleteSandbox(name); err != nil {
			return err
		}
		return &ApplyResult{Version: uint64(log.Index)}

	case opPutBinding:
		var b store.Binding
		if err := json.Unmarshal(cmd.Data, &b); err != nil {
			return err
		}
		if err := f.st.PutBinding(&b); err != nil {
			return err
		}
		return &ApplyResult{Version: uint64(log.Index)}

	case opDeleteBinding:
		var sandboxID string
		if err := json.Unmarshal(cmd.Data, &sandboxID); err != nil {
			return err
		}
		if err := f.st.DeleteBinding(sandboxID); err != nil {
			return err
		}
		return &ApplyResult{Version: uint64(log.Index)}

	case opSaveCA:
		var data []byte
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		if err := f.st.SaveCA(data); err != nil {
			return err
		}
		return &ApplyResult{Version: uint64(log.Index)}

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the full store state for log compaction.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sandboxes, err := f.st.ListSandboxes()
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	bindings, err := f.st.ListBindings()
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	ca, _, err := f.st.GetCA()
	if err != nil {
		return nil, fmt.Errorf("failed to read CA: %w", err)
	}

	return &snapshot{Sandboxes: sandboxes, Bindings: bindings, CA: ca}, nil
}

// Restore replaces the store's contents with a snapshot's contents.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sb := range snap.Sandboxes {
		if err := f.st.PutSandbox(sb); err != nil {
			return fmt.Errorf("failed to restore sandbox: %w", err)
		}
	}
	for _, b := range snap.Bindings {
		if err := f.st.PutBinding(b); err != nil {
			return fmt.Errorf("failed to restore binding: %w", err)
		}
	}
	if len(snap.CA) > 0 {
		if err := f.st.SaveCA(snap.CA); err != nil {
			return fmt.Errorf("failed to restore CA: %w", err)
		}
	}

	return nil
}

// snapshot is a point-in-time copy of the full control-plane state.
type snapshot struct {
	Sandboxes []*sandbox.Sandbox
	Bindings  []*store.Binding
	CA        []byte
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshot) Release() {}
