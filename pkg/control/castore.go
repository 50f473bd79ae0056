package control

import (
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
	"github.com/sandboxlabs/sandboxd/pkg/store"
)

// AsStore exposes Node as a store.Store so C9 (pkg/ca.Authority) can persist
// its root CA blob through the same raft log every other write goes
// through, rather than reading/writing the backing bbolt file directly and
// bypassing replication. ca.Authority only ever calls SaveCA/GetCA; the
// remaining methods still route through Node's CAS API (read-then-write at
// the observed version) so this is a faithful store.Store rather than a
// partial stub that happens to work for one caller.
func (n *Node) AsStore() store.Store {
	return nodeStore{n: n}
}

type nodeStore struct{ n *Node }

func (s nodeStore) PutSandbox(sb *sandbox.Sandbox) error {
	expect := uint64(0)
	if current, found, err := s.n.GetSandbox(sb.Name); err == nil && found {
		expect = current.Version
	}
	res, err := s.n.PutSandbox(sb, expect)
	if err != nil {
		return err
	}
	sb.Version = res.Version
	return nil
}

func (s nodeStore) GetSandbox(name string) (*sandbox.Sandbox, bool, error) {
	return s.n.GetSandbox(name)
}

func (s nodeStore) ListSandboxes() ([]*sandbox.Sandbox, error) {
	return s.n.ListSandboxes()
}

func (s nodeStore) DeleteSandbox(name string) error {
	_, err := s.n.DeleteSandbox(name)
	return err
}

func (s nodeStore) PutBinding(b *store.Binding) error {
	_, err := s.n.PutBinding(b)
	return err
}

func (s nodeStore) GetBinding(sandboxID string) (*store.Binding, bool, error) {
	return s.n.GetBinding(sandboxID)
}

func (s nodeStore) DeleteBinding(sandboxID string) error {
	_, err := s.n.DeleteBinding(sandboxID)
	return err
}

func (s nodeStore) ListBindings() ([]*store.Binding, error) {
	return s.n.ListBindings()
}

func (s nodeStore) SaveCA(data []byte) error {
	_, err := s.n.SaveCA(data)
	return err
}

func (s nodeStore) GetCA() ([]byte, bool, error) {
	return s.n.GetCA()
}

func (s nodeStore) Close() error {
	return nil // Node.Shutdown closes the underlying store; nodeStore does not own it.
}
