// Package pool implements the Pool Manager (C3): warm-pool allocation,
// back-fill, on-demand creation, and activity tracking. It keeps W warm
// sandboxes per kind ready ahead of demand, hands them out to callers via
// compare-and-set, and creates new sandboxes on demand subject to a global
// cap M. Each warm allocation lists and sorts the kind's warm sandboxes, so
// its cost grows with the number of warm sandboxes; it is not O(1).
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sandboxlabs/sandboxd/pkg/broker"
	"github.com/sandboxlabs/sandboxd/pkg/log"
	"github.com/sandboxlabs/sandboxd/pkg/metrics"
	"github.com/sandboxlabs/sandboxd/pkg/orchestrator"
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
)

// ErrCapacityExceeded is returned when the global cap M would be breached.
var ErrCapacityExceeded = errors.New("pool: at capacity")

// ErrNoWarm is returned by AllocateWarm when no warm sandbox of the
// requested kind is available; callers fall back to CreateOnDemand.
var ErrNoWarm = errors.New("pool: no warm sandbox available")

// KindConfig is the per-kind target warm count and image/resource template
// used when the back-fill loop or CreateOnDemand needs to mint a new
// sandbox.
type KindConfig struct {
	Target     int
	NamePrefix string
	Image      string
	Resources  sandbox.Resources
	Env        map[string]string
}

// Config holds the pool manager's tunables (§5: back-fill interval is
// configurable in [10,300]s).
type Config struct {
	MaxTotal         int
	Kinds            map[sandbox.Kind]KindConfig
	BackfillInterval time.Duration
}

// leaseHolder is satisfied by control.Node: the back-fill loop gates on
// holding the cluster-wide lease, allocation never does (Design Note §9).
type leaseHolder interface {
	IsLeader() bool
}

// Manager is the C3 Pool Manager.
type Manager struct {
	adapter *orchestrator.Adapter
	broker  broker.Broker
	lease   leaseHolder
	cfg     Config
	logger  zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New constructs a Manager. broker may be nil if no credential broker is
// configured (registration is then skipped, per §4.2 step 3's tolerance
// for broker absence/failure).
func New(adapter *orchestrator.Adapter, br broker.Broker, lease leaseHolder, cfg Config) *Manager {
	return &Manager{
		adapter: adapter,
		broker:  br,
		lease:   lease,
		cfg:     cfg,
		logger:  log.WithComponent("pool"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the back-fill loop.
func (m *Manager) Start() {
	go m.run()
}

// Stop stops the back-fill loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) run() {
	ticker := time.NewTicker(m.cfg.BackfillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.BackfillTick()
		case <-m.stopCh:
			return
		}
	}
}

// AllocateWarm implements §4.2's AllocateWarm: list warm sandboxes of kind
// oldest-first, CAS each candidate to allocated in order, and register the
// binding fire-and-forget on success.
func (m *Manager) AllocateWarm(ctx context.Context, userID string, kind sandbox.Kind) (*sandbox.Sandbox, error) {
	timer := metrics.NewTimer()

	candidates, err := m.adapter.ListSandboxes(orchestrator.Selector{Kind: kind, PoolStatus: sandbox.PoolStatusWarm})
	if err != nil {
		return nil, fmt.Errorf("listing warm sandboxes: %w", err)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	now := time.Now().UTC().Format(time.RFC3339)
	for _, candidate := range candidates {
		patched, err := m.adapter.PatchLabelsAnnotations(candidate.Name, sandbox.Patch{
			ExpectVersion: candidate.Version,
			Labels: sandbox.LabelDelta{
				sandbox.LabelPoolStatus: string(sandbox.PoolStatusAllocated),
				sandbox.LabelPoolUser:   userID,
			},
			Annotations: sandbox.AnnotationDelta{
				sandbox.AnnotationAllocatedAt:    now,
				sandbox.AnnotationLastActivityAt: now,
			},
		})
		if errors.Is(err, orchestrator.ErrConflict) {
			// Another allocator won this one, or it's gone; try the next.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("allocating %s: %w", candidate.Name, err)
		}

		if m.broker != nil {
			go func(sandboxID string) {
				regCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := m.broker.RegisterBinding(regCtx, sandboxID, userID, nil); err != nil {
					m.logger.Warn().Err(err).Str("sandbox", sandboxID).Msg("binding registration failed; sandbox remains usable without credentials")
				}
			}(patched.Name)
		}

		metrics.AllocationsTotal.WithLabelValues(string(kind), "warm_hit").Inc()
		timer.ObserveDurationVec(metrics.AllocationDuration, string(kind), "warm_hit")
		return patched, nil
	}

	metrics.AllocationsTotal.WithLabelValues(string(kind), "no_warm").Inc()
	return nil, ErrNoWarm
}

// CreateOnDemand implements §4.2's CreateOnDemand: direct creation subject
// to the cap M, with the requested pool status ("manual" or "allocated"),
// using the configured template for kind.
func (m *Manager) CreateOnDemand(userID string, kind sandbox.Kind, poolStatus sandbox.PoolStatus) (*sandbox.Sandbox, error) {
	return m.CreateWithSpec(userID, kind, poolStatus, nil)
}

// CreateWithSpec is CreateOnDemand with an optional spec override, used by
// the admin Create endpoint (§4.5) when the caller supplies its own image/
// env/resources rather than the kind's warm-pool template. A nil override
// behaves exactly like CreateOnDemand. Validation (§7's "the spec treats
// them identically") runs the same sandbox.Spec.Validate() path either way.
func (m *Manager) CreateWithSpec(userID string, kind sandbox.Kind, poolStatus sandbox.PoolStatus, override *sandbox.Spec) (*sandbox.Sandbox, error) {
	timer := metrics.NewTimer()

	total, err := m.total()
	if err != nil {
		return nil, err
	}
	if total >= m.cfg.MaxTotal {
		metrics.AllocationsTotal.WithLabelValues(string(kind), "capacity_exceeded").Inc()
		return nil, ErrCapacityExceeded
	}

	kc, ok := m.cfg.Kinds[kind]
	if !ok {
		return nil, fmt.Errorf("pool: no configuration for kind %q", kind)
	}

	spec := sandbox.Spec{
		Kind:       kind,
		Image:      kc.Image,
		Env:        kc.Env,
		Resources:  kc.Resources,
		NamePrefix: kc.NamePrefix,
	}
	if override != nil {
		if override.Image != "" {
			spec.Image = override.Image
		}
		if override.Env != nil {
			spec.Env = override.Env
		}
		if override.Resources != (sandbox.Resources{}) {
			spec.Resources = override.Resources
		}
		if override.Labels != nil {
			spec.Labels = override.Labels
		}
	}

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	now := time.Now().UTC()
	s := &sandbox.Sandbox{
		Name:       fmt.Sprintf("%s-%s", kc.NamePrefix, uuid.New().String()[:8]),
		Kind:       kind,
		Spec:       spec,
		PoolStatus: poolStatus,
		UserID:     userID,
		CreatedAt:  now,
		Phase:      sandbox.PhasePending,
	}
	if poolStatus == sandbox.PoolStatusAllocated || poolStatus == sandbox.PoolStatusManual {
		s.AllocatedAt = now
		s.LastActivityAt = now
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	created, err := m.adapter.CreateSandbox(s)
	if err != nil {
		return nil, err
	}

	outcome := "on_demand"
	metrics.AllocationsTotal.WithLabelValues(string(kind), outcome).Inc()
	timer.ObserveDurationVec(metrics.AllocationDuration, string(kind), outcome)
	return created, nil
}

// Touch updates last_activity_at to now; a no-op if the sandbox is absent.
func (m *Manager) Touch(name string) error {
	current, found, err := m.adapter.GetSandbox(name)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = m.adapter.PatchLabelsAnnotations(name, sandbox.Patch{
		ExpectVersion: current.Version,
		Annotations:   sandbox.AnnotationDelta{sandbox.AnnotationLastActivityAt: now},
	})
	if errors.Is(err, orchestrator.ErrConflict) {
		return nil // lost a race with a concurrent writer; the touch is best-effort
	}
	return err
}

// BackfillTick implements §4.2's back-fill algorithm. It is serialized
// behind the cluster-wide raft leader lease: at most one controller
// back-fills at a time, but allocation (above) is unaffected by leadership.
func (m *Manager) BackfillTick() {
	if m.lease != nil && !m.lease.IsLeader() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	total, err := m.total()
	if err != nil {
		m.logger.Error().Err(err).Msg("back-fill: failed to count sandboxes")
		return
	}
	capRemaining := m.cfg.MaxTotal - total
	if capRemaining <= 0 {
		return
	}

	for kind, kc := range m.cfg.Kinds {
		warmAndCreating, err := m.warmAndCreatingCount(kind)
		if err != nil {
			m.logger.Error().Err(err).Str("kind", string(kind)).Msg("back-fill: failed to count warm+creating")
			continue
		}
		need := kc.Target - warmAndCreating
		if need <= 0 {
			continue
		}
		toCreate := need
		if toCreate > capRemaining {
			toCreate = capRemaining
		}
		for i := 0; i < toCreate; i++ {
			if _, err := m.CreateOnDemand("", kind, sandbox.PoolStatusCreating); err != nil {
				m.logger.Error().Err(err).Str("kind", string(kind)).Msg("back-fill: create failed")
				break
			}
			metrics.BackfillCreatedTotal.Inc()
			capRemaining--
		}
		if capRemaining <= 0 {
			break
		}
	}
}

func (m *Manager) total() (int, error) {
	all, err := m.adapter.ListSandboxes(orchestrator.Selector{})
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (m *Manager) warmAndCreatingCount(kind sandbox.Kind) (int, error) {
	warm, err := m.adapter.ListSandboxes(orchestrator.Selector{Kind: kind, PoolStatus: sandbox.PoolStatusWarm})
	if err != nil {
		return 0, err
	}
	creating, err := m.adapter.ListSandboxes(orchestrator.Selector{Kind: kind, PoolStatus: sandbox.PoolStatusCreating})
	if err != nil {
		return 0, err
	}
	return len(warm) + len(creating), nil
}

// Status projects the pool's current state per §4.2.
func (m *Manager) Status() (sandbox.StatusReport, error) {
	all, err := m.adapter.ListSandboxes(orchestrator.Selector{})
	if err != nil {
		return sandbox.StatusReport{}, err
	}

	report := sandbox.StatusReport{Total: len(all), Target: m.cfg.MaxTotal}
	for _, s := range all {
		switch s.PoolStatus {
		case sandbox.PoolStatusCreating:
			report.Creating++
		case sandbox.PoolStatusWarm:
			report.Warm++
		case sandbox.PoolStatusAllocated:
			report.Allocated++
		case sandbox.PoolStatusManual:
			report.Manual++
		}
	}
	if report.Total > 0 {
		report.ReadyPct = float64(report.Warm+report.Allocated) / float64(report.Total) * 100
		report.Utilization = float64(report.Total) / float64(m.cfg.MaxTotal) * 100
	}

	var warmGaugeKinds []sandbox.Kind
	for kind := range m.cfg.Kinds {
		warmGaugeKinds = append(warmGaugeKinds, kind)
	}
	for _, kind := range warmGaugeKinds {
		warm, _ := m.adapter.ListSandboxes(orchestrator.Selector{Kind: kind, PoolStatus: sandbox.PoolStatusWarm})
		metrics.SandboxesTotal.WithLabelValues(string(kind), string(sandbox.PoolStatusWarm)).Set(float64(len(warm)))
		metrics.PoolTarget.WithLabelValues(string(kind)).Set(float64(m.cfg.Kinds[kind].Target))
	}

	return report, nil
}
