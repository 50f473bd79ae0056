// Package sandbox defines the core value types shared by every component of
// the control plane: the sandbox object itself, its pool status and phase.
// The lifecycle/execution event variants live in pkg/events, and the egress
// policy and credential-binding shapes in pkg/egressproxy and pkg/store.
//
// None of these types carry behavior beyond small invariant helpers; they are
// the vocabulary the rest of the packages are built on.
package sandbox

import (
	"fmt"
	"time"
)

// Kind distinguishes the two sandbox image/lifetime families the control
// plane provisions.
type Kind string

const (
	KindExecutor Kind = "executor"
	KindMCP      Kind = "mcp"
)

// PoolStatus is the canonical lifecycle phase of a sandbox from the control
// plane's point of view. Stored as a label on the backing object.
type PoolStatus string

const (
	PoolStatusCreating  PoolStatus = "creating"
	PoolStatusWarm      PoolStatus = "warm"
	PoolStatusAllocated PoolStatus = "allocated"
	PoolStatusManual    PoolStatus = "manual"
	PoolStatusMCP       PoolStatus = "mcp"
)

// Phase is the orchestrator-observed run phase of the backing pod/VM.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
	PhaseUnknown   Phase = "Unknown"
)

// Resources mirrors a container resource request/limit pair.
type Resources struct {
	CPUMillicores int64
	MemoryBytes   int64
}

// Spec is the immutable, creation-time description of a sandbox. Everything
// here is fixed once the backing object is created.
type Spec struct {
	Kind        Kind
	Image       string
	Env         map[string]string
	Labels      map[string]string
	Resources   Resources
	NamePrefix  string
}

// Validate checks that a Spec is well-formed before it is used to create a
// sandbox: a non-empty image and non-negative resource requests (§7's
// Validation error kind covers "malformed spec, image name").
func (s *Spec) Validate() error {
	if s.Image == "" {
		return fmt.Errorf("spec: image must not be empty")
	}
	if s.Resources.CPUMillicores < 0 {
		return fmt.Errorf("spec: cpu_millicores must not be negative")
	}
	if s.Resources.MemoryBytes < 0 {
		return fmt.Errorf("spec: memory_bytes must not be negative")
	}
	return nil
}

// Sandbox is the unique logical unit managed by the control plane, one per
// VM-isolated compute instance. Pool status and ownership live as
// labels/annotations on the backing orchestrator object and are mirrored
// here; Version carries the optimistic-concurrency token the orchestrator
// adapter compares-and-sets against.
type Sandbox struct {
	Name    string
	Kind    Kind
	Spec    Spec
	Version uint64

	PoolStatus PoolStatus
	UserID     string

	CreatedAt      time.Time
	AllocatedAt    time.Time
	LastActivityAt time.Time

	Phase    Phase
	IsReady  bool
	NodeName string
	PodIP    string
}

// Validate checks the invariants that must hold for any sandbox object
// persisted through the orchestrator adapter (§3 invariants a & b).
func (s *Sandbox) Validate() error {
	switch s.PoolStatus {
	case PoolStatusAllocated, PoolStatusManual:
		if s.UserID == "" {
			return fmt.Errorf("sandbox %s: pool_status=%s requires a user_id", s.Name, s.PoolStatus)
		}
		if s.AllocatedAt.IsZero() {
			return fmt.Errorf("sandbox %s: pool_status=%s requires allocated_at", s.Name, s.PoolStatus)
		}
	case PoolStatusWarm:
		if s.UserID != "" {
			return fmt.Errorf("sandbox %s: pool_status=warm must have empty user_id", s.Name)
		}
	}
	return nil
}

// IsTerminal reports whether the orchestrator phase will never progress
// further without recreation.
func (p Phase) IsTerminal() bool {
	return p == PhaseFailed || p == PhaseSucceeded
}

// LabelDelta and AnnotationDelta describe a partial update to a sandbox's
// label/annotation set, used by PatchLabelsAnnotations (C2).
type LabelDelta map[string]string
type AnnotationDelta map[string]string

// Patch is a compare-and-set request: apply Labels/Annotations atop the
// object currently at ExpectVersion, or fail with Conflict.
type Patch struct {
	ExpectVersion uint64
	Labels        LabelDelta
	Annotations   AnnotationDelta
}

const (
	LabelPoolStatus = "pool-status"
	LabelPoolUser   = "pool-user"
	LabelKind       = "kind"

	AnnotationAllocatedAt    = "allocated-at"
	AnnotationLastActivityAt = "last-activity-at"
)

// StatusReport is the projection C3 exposes over the warm pool.
type StatusReport struct {
	Creating    int
	Warm        int
	Allocated   int
	Manual      int
	Total       int
	Target      int
	ReadyPct    float64
	Utilization float64
}
