package snapshots

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/studydeck/workspace/internal/platform/metrics"
	"github.com/studydeck/workspace/internal/workspace"
)

const (
	DefaultThreshold = 50
	DefaultPageSize  = 500
	DefaultKeep      = 3

	compactionTimeout = 30 * time.Second
)

var snapshotsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "workspace_snapshots_total",
	Help: "Snapshot compaction outcomes by result.",
}, []string{"result"})

func init() {
	metrics.Default.MustRegister(snapshotsTotal)
}

type EventSource interface {
	MaxVersion(ctx context.Context, workspaceID string) (int64, error)
	ListEventsAfter(ctx context.Context, workspaceID string, afterVersion int64, limit int) ([]workspace.Event, error)
}

type Store interface {
	GetLatestSnapshot(ctx context.Context, workspaceID string) (Snapshot, error)
	PutSnapshot(ctx context.Context, snap Snapshot) (string, error)
	PruneSnapshots(ctx context.Context, workspaceID string, keep int) error
}

// Check is the compaction decision for one workspace.
type Check struct {
	NeedsSnapshot       bool  `json:"needs_snapshot"`
	CurrentVersion      int64 `json:"current_version"`
	LastSnapshotVersion int64 `json:"last_snapshot_version"`
	EventsSinceSnapshot int64 `json:"events_since_snapshot"`
}

// Policy decides when a workspace's unsnapshotted event count crosses the
// threshold and performs compaction. Compaction is a best-effort optimization:
// reads stay correct on the raw log alone, so every failure here is logged
// and swallowed rather than surfaced to the mutation path.
type Policy struct {
	Events    EventSource
	Store     Store
	Threshold int
	PageSize  int
	Keep      int
	NewID     func() string
	Now       func() time.Time
	Logf      func(format string, args ...any)
}

func NewPolicy(events EventSource, store Store) *Policy {
	return &Policy{
		Events:    events,
		Store:     store,
		Threshold: DefaultThreshold,
		PageSize:  DefaultPageSize,
		Keep:      DefaultKeep,
		NewID:     uuid.NewString,
		Now:       func() time.Time { return time.Now().UTC() },
		Logf:      log.Printf,
	}
}

func (p *Policy) threshold() int64 {
	if p.Threshold > 0 {
		return int64(p.Threshold)
	}
	return DefaultThreshold
}

func (p *Policy) pageSize() int {
	if p.PageSize > 0 {
		return p.PageSize
	}
	return DefaultPageSize
}

func (p *Policy) keep() int {
	if p.Keep > 0 {
		return p.Keep
	}
	return DefaultKeep
}

// NeedsSnapshot compares the current max event version against the last
// snapshot's version.
func (p *Policy) NeedsSnapshot(ctx context.Context, workspaceID string) (Check, error) {
	current, err := p.Events.MaxVersion(ctx, workspaceID)
	if err != nil {
		return Check{}, err
	}

	var last int64
	snap, err := p.Store.GetLatestSnapshot(ctx, workspaceID)
	switch {
	case err == nil:
		last = snap.Version
	case errors.Is(err, ErrNoSnapshot):
	default:
		return Check{}, err
	}

	since := current - last
	return Check{
		NeedsSnapshot:       since >= p.threshold(),
		CurrentVersion:      current,
		LastSnapshotVersion: last,
		EventsSinceSnapshot: since,
	}, nil
}

// CreateSnapshot replays unsnapshotted events atop the latest snapshot (paged
// to bound memory on long logs) and persists the result keyed by the max
// version seen. With no new events it succeeds as a no-op, returning the
// baseline version unchanged.
func (p *Policy) CreateSnapshot(ctx context.Context, workspaceID string) (int64, error) {
	baseVersion := int64(0)
	baseCount := int64(0)
	state := workspace.NewState(workspaceID)

	snap, err := p.Store.GetLatestSnapshot(ctx, workspaceID)
	switch {
	case err == nil:
		baseVersion = snap.Version
		baseCount = snap.EventCount
		state = snap.State
	case errors.Is(err, ErrNoSnapshot):
	default:
		return 0, err
	}

	after := baseVersion
	replayed := int64(0)
	for {
		events, err := p.Events.ListEventsAfter(ctx, workspaceID, after, p.pageSize())
		if err != nil {
			return 0, err
		}
		if len(events) == 0 {
			break
		}
		state = workspace.Replay(events, workspaceID, &state)
		after = events[len(events)-1].Version
		replayed += int64(len(events))
		if len(events) < p.pageSize() {
			break
		}
	}

	if replayed == 0 {
		snapshotsTotal.WithLabelValues("skipped").Inc()
		return baseVersion, nil
	}

	next := Snapshot{
		ID:          p.NewID(),
		WorkspaceID: workspaceID,
		Version:     after,
		State:       state,
		EventCount:  baseCount + replayed,
		CreatedAt:   p.Now(),
	}
	if _, err := p.Store.PutSnapshot(ctx, next); err != nil {
		return 0, err
	}
	if err := p.Store.PruneSnapshots(ctx, workspaceID, p.keep()); err != nil {
		// Retention is advisory; an extra old snapshot is harmless.
		p.Logf("snapshot prune failed for workspace %s: %v", workspaceID, err)
	}
	snapshotsTotal.WithLabelValues("created").Inc()
	return after, nil
}

// CheckAndCreateSnapshot is the fire-and-forget trigger invoked after every
// append. It never returns an error and never panics outward; the mutation
// response must not depend on compaction.
func (p *Policy) CheckAndCreateSnapshot(ctx context.Context, workspaceID string) {
	defer func() {
		if r := recover(); r != nil {
			p.Logf("snapshot check panicked for workspace %s: %v", workspaceID, r)
		}
	}()

	// The trigger usually outlives its originating request.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compactionTimeout)
	defer cancel()

	check, err := p.NeedsSnapshot(runCtx, workspaceID)
	if err != nil {
		snapshotsTotal.WithLabelValues("failed").Inc()
		p.Logf("snapshot check failed for workspace %s: %v", workspaceID, err)
		return
	}
	if !check.NeedsSnapshot {
		return
	}
	if _, err := p.CreateSnapshot(runCtx, workspaceID); err != nil {
		snapshotsTotal.WithLabelValues("failed").Inc()
		p.Logf("snapshot creation failed for workspace %s: %v", workspaceID, err)
	}
}
