package query

import (
	"context"
	"errors"
	"log"

	"github.com/studydeck/workspace/internal/app/snapshots"
	"github.com/studydeck/workspace/internal/platform/metrics"
	"github.com/studydeck/workspace/internal/workspace"
)

var stateLoadsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "workspace_state_loads_total",
	Help: "Workspace state loads by result.",
}, []string{"result"})

func init() {
	metrics.Default.MustRegister(stateLoadsTotal)
}

type SnapshotSource interface {
	GetLatestSnapshot(ctx context.Context, workspaceID string) (snapshots.Snapshot, error)
}

type EventSource interface {
	ListEventsAfter(ctx context.Context, workspaceID string, afterVersion int64, limit int) ([]workspace.Event, error)
}

// Loader is the only sanctioned read path into workspace state: latest
// snapshot, plus events newer than it, through the reducer. Nothing should
// treat a raw snapshot or event list as "the" state without replay.
type Loader struct {
	Snapshots SnapshotSource
	Events    EventSource
	PageSize  int
	Logf      func(format string, args ...any)
}

func NewLoader(snaps SnapshotSource, events EventSource) *Loader {
	return &Loader{
		Snapshots: snaps,
		Events:    events,
		PageSize:  snapshots.DefaultPageSize,
		Logf:      log.Printf,
	}
}

func (l *Loader) pageSize() int {
	if l.PageSize > 0 {
		return l.PageSize
	}
	return snapshots.DefaultPageSize
}

// LoadWorkspaceState reconstructs current state and returns it with the
// version it reflects. Storage failures degrade to an empty-but-valid state
// carrying the workspace id: a transient outage renders as an empty workspace
// rather than erroring the caller.
func (l *Loader) LoadWorkspaceState(ctx context.Context, workspaceID string) (workspace.State, int64) {
	state := workspace.NewState(workspaceID)
	version := int64(0)

	snap, err := l.Snapshots.GetLatestSnapshot(ctx, workspaceID)
	switch {
	case err == nil:
		state = snap.State
		if state.Items == nil {
			state.Items = []workspace.Item{}
		}
		version = snap.Version
	case errors.Is(err, snapshots.ErrNoSnapshot):
	default:
		l.Logf("state load falling back to empty for workspace %s: %v", workspaceID, err)
		stateLoadsTotal.WithLabelValues("fallback").Inc()
		return workspace.NewState(workspaceID), 0
	}

	for {
		events, err := l.Events.ListEventsAfter(ctx, workspaceID, version, l.pageSize())
		if err != nil {
			l.Logf("state load falling back to empty for workspace %s: %v", workspaceID, err)
			stateLoadsTotal.WithLabelValues("fallback").Inc()
			return workspace.NewState(workspaceID), 0
		}
		if len(events) == 0 {
			break
		}
		state = workspace.Replay(events, workspaceID, &state)
		version = events[len(events)-1].Version
		if len(events) < l.pageSize() {
			break
		}
	}

	stateLoadsTotal.WithLabelValues("ok").Inc()
	return state, version
}
