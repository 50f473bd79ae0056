// Package control provides the raft-replicated object store that backs the
// orchestrator adapter (C2): a single-node-bootstrapped raft log applying
// compare-and-set sandbox writes to a store.Store, exposing the leader
// state the pool manager's back-fill loop gates on.
package control

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
	"github.com/sandboxlabs/sandboxd/pkg/log"
	"github.com/sandboxlabs/sandboxd/pkg/metrics"
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
	"github.com/sandboxlabs/sandboxd/pkg/store"
)

// Config holds the parameters needed to bootstrap a Node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Node is one control-plane replica: a raft log fronting a store.Store
// through the CAS-enforcing fsm. It bootstraps as a single-node cluster;
// multi-node join/add-voter is out of scope for this control plane.
type Node struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *fsm
	store store.Store
	log   zerolog.Logger
}

// NewNode opens the backing store and constructs (but does not start) a
// Node.
func NewNode(cfg Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &Node{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newFSM(st),
		store:    st,
		log:      log.WithComponent("control"),
	}, nil
}

// Bootstrap initializes a new single-node raft cluster. Timeouts are tuned
// for sub-10s failover on a LAN/edge deployment rather than raft's
// WAN-conservative defaults.
func (n *Node) Bootstrap() error {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(n.nodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", n.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(n.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(n.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	n.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	}
	future := n.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	n.log.Info().Str("node_id", n.nodeID).Str("bind_addr", n.bindAddr).Msg("control substrate bootstrapped")
	return nil
}

// IsLeader reports whether this replica currently holds the raft leader
// lease. The back-fill loop gates on this; allocation never does (§9).
func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's raft transport address, or "" if
// unknown.
func (n *Node) LeaderAddr() string {
	if n.raft == nil {
		return ""
	}
	return string(n.raft.Leader())
}

// Stats exposes raft state for the admin debug endpoint.
func (n *Node) Stats() map[string]any {
	if n.raft == nil {
		return nil
	}
	stats := map[string]any{
		"state":          n.raft.State().String(),
		"last_log_index": n.raft.LastIndex(),
		"applied_index":  n.raft.AppliedIndex(),
		"leader":         string(n.raft.Leader()),
	}
	return stats
}

// apply marshals and commits cmd, returning the committed ApplyResult or
// the error the fsm produced (which may be ErrConflict).
func (n *Node) apply(cmd Command) (*ApplyResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if n.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := n.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	switch resp := future.Response().(type) {
	case error:
		return nil, resp
	case *ApplyResult:
		return resp, nil
	default:
		return nil, fmt.Errorf("unexpected apply response type %T", resp)
	}
}

// PutSandbox applies a CAS-guarded sandbox write. expectVersion == 0 means
// "create, must not already exist".
func (n *Node) PutSandbox(s *sandbox.Sandbox, expectVersion uint64) (*ApplyResult, error) {
	data, err := json.Marshal(putSandboxRequest{Sandbox: s, ExpectVersion: expectVersion})
	if err != nil {
		return nil, err
	}
	return n.apply(Command{Op: opPutSandbox, Data: data})
}

// DeleteSandbox applies an unconditional sandbox deletion.
func (n *Node) DeleteSandbox(name string) (*ApplyResult, error) {
	data, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}
	return n.apply(Command{Op: opDeleteSandbox, Data: data})
}

// PutBinding applies an unconditional binding upsert.
func (n *Node) PutBinding(b *store.Binding) (*ApplyResult, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return n.apply(Command{Op: opPutBinding, Data: data})
}

// DeleteBinding applies an unconditional binding deletion.
func (n *Node) DeleteBinding(sandboxID string) (*ApplyResult, error) {
	data, err := json.Marshal(sandboxID)
	if err != nil {
		return nil, err
	}
	return n.apply(Command{Op: opDeleteBinding, Data: data})
}

// SaveCA applies an unconditional CA blob write.
func (n *Node) SaveCA(blob []byte) (*ApplyResult, error) {
	data, err := json.Marshal(blob)
	if err != nil {
		return nil, err
	}
	return n.apply(Command{Op: opSaveCA, Data: data})
}

// GetSandbox, ListSandboxes, GetBinding, ListBindings and GetCA are local,
// read-only reflections of committed state, served from the local store
// rather than round-tripped through raft.
func (n *Node) GetSandbox(name string) (*sandbox.Sandbox, bool, error) {
	return n.store.GetSandbox(name)
}

func (n *Node) ListSandboxes() ([]*sandbox.Sandbox, error) {
	return n.store.ListSandboxes()
}

func (n *Node) GetBinding(sandboxID string) (*store.Binding, bool, error) {
	return n.store.GetBinding(sandboxID)
}

func (n *Node) ListBindings() ([]*store.Binding, error) {
	return n.store.ListBindings()
}

func (n *Node) GetCA() ([]byte, bool, error) {
	return n.store.GetCA()
}

// Shutdown stops raft and closes the backing store.
func (n *Node) Shutdown() error {
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}
