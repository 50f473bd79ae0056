// Package store persists the control plane's durable state: sandbox
// records, credential bindings, and the deployment CA. It is the bbolt-
// backed substrate the raft FSM in pkg/control applies committed commands
// against.
package store

import (
	"time"

	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
)

// UpstreamGrant is one entry in a binding's allowed-upstream list.
type UpstreamGrant struct {
	Host          string
	TokenType     string
	AllowedScopes []string
}

// Binding is the persisted form of a SandboxBinding (C8, §3).
type Binding struct {
	SandboxID        string
	UserID           string
	AllowedUpstreams []UpstreamGrant
	CreatedAt        time.Time
}

// Store is the CRUD surface the control-plane FSM applies committed log
// entries against. It has no opinion about compare-and-set: callers that
// need CAS semantics (pkg/control's FSM) read-then-conditionally-write
// under their own lock.
type Store interface {
	PutSandbox(s *sandbox.Sandbox) error
	GetSandbox(name string) (*sandbox.Sandbox, bool, error)
	ListSandboxes() ([]*sandbox.Sandbox, error)
	DeleteSandbox(name string) error

	PutBinding(b *Binding) error
	GetBinding(sandboxID string) (*Binding, bool, error)
	DeleteBinding(sandboxID string) error
	ListBindings() ([]*Binding, error)

	SaveCA(data []byte) error
	GetCA() ([]byte, bool, error)

	Close() error
}
