package workspaceapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/studydeck/workspace/internal/contracts"
	"github.com/studydeck/workspace/internal/platform/metrics"
	"github.com/studydeck/workspace/internal/sharding"
	"github.com/studydeck/workspace/internal/workspace"
)

var (
	ErrWorkspaceRequired = errors.New("workspace_id is required")
	ErrItemRequired      = errors.New("item is required")
	ErrItemsRequired     = errors.New("items are required")
	ErrItemIDRequired    = errors.New("item_id is required")
	ErrChangesRequired   = errors.New("changes are required")
	ErrLayoutsRequired   = errors.New("layout_updates are required")
	ErrTitleRequired     = errors.New("title is required")
	ErrFolderRequired    = errors.New("folder is required")
	ErrStateRequired     = errors.New("state is required")
	ErrUnknownFolder     = errors.New("target folder does not exist")
	ErrItemNotFound      = errors.New("item does not exist")
	ErrUnsupportedAction = errors.New("unsupported action")
)

var eventsAppendedTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "workspace_events_appended_total",
	Help: "Durably appended workspace events by event type.",
}, []string{"event_type"})

func init() {
	metrics.Default.MustRegister(eventsAppendedTotal)
}

type PublishFunc func(subject string, payload []byte) error

type EventAppender interface {
	AppendEvent(ctx context.Context, workspaceID string, event workspace.Event) (int64, error)
}

type StateLoader interface {
	LoadWorkspaceState(ctx context.Context, workspaceID string) (workspace.State, int64)
}

type SnapshotTrigger interface {
	CheckAndCreateSnapshot(ctx context.Context, workspaceID string)
}

// Service turns mutation commands into durable events: validate against
// current state, append to the log, then notify and maybe compact. The append
// is the only step that can fail the request; the notice publish and the
// snapshot check are best-effort side effects.
type Service struct {
	Events    EventAppender
	Loader    StateLoader
	Publish   PublishFunc
	Snapshots SnapshotTrigger
	Now       func() time.Time
	NewID     func() string
	Logf      func(format string, args ...any)
}

type Actor struct {
	UserID   string
	Username string
}

// MutationRequest is the command envelope accepted by the events route. Action
// selects the command; the remaining fields are per-action.
type MutationRequest struct {
	Action string `json:"action"`

	Item    *workspace.Item          `json:"item,omitempty"`
	Items   []workspace.Item         `json:"items,omitempty"`
	ItemID  string                   `json:"item_id,omitempty"`
	ItemIDs []string                 `json:"item_ids,omitempty"`
	Changes *workspace.ItemChanges   `json:"changes,omitempty"`
	Source  string                   `json:"source,omitempty"`
	Layouts []workspace.LayoutUpdate `json:"layout_updates,omitempty"`

	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`

	// FolderID nil means the workspace root for move commands.
	FolderID *string         `json:"folder_id,omitempty"`
	Folder   *workspace.Item `json:"folder,omitempty"`

	State *workspace.State `json:"state,omitempty"`
}

type MutationResponse struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Version   int64  `json:"version"`
}

func NewService(events EventAppender, loader StateLoader, publish PublishFunc, snaps SnapshotTrigger) *Service {
	return &Service{
		Events:    events,
		Loader:    loader,
		Publish:   publish,
		Snapshots: snaps,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     nuid.Next,
		Logf:      log.Printf,
	}
}

func normalizeAction(action string) string {
	return strings.TrimSpace(strings.ToLower(action))
}

// Accept validates a mutation command, appends the resulting event and returns
// the assigned version. Folder references are checked against the state as of
// now; the reducer itself stays total and replays historical facts unchecked.
func (s *Service) Accept(ctx context.Context, actor Actor, workspaceID string, req MutationRequest) (MutationResponse, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return MutationResponse{}, ErrWorkspaceRequired
	}
	if strings.TrimSpace(actor.UserID) == "" {
		return MutationResponse{}, workspace.ErrActorRequired
	}

	eventType, payload, err := s.buildEvent(ctx, workspaceID, req)
	if err != nil {
		return MutationResponse{}, err
	}

	ev, err := workspace.NewEvent(eventType, payload, actor.UserID, actor.Username)
	if err != nil {
		return MutationResponse{}, err
	}
	if s.Now != nil {
		ev.OccurredAt = s.Now()
	}
	version, err := s.Events.AppendEvent(ctx, workspaceID, ev)
	if err != nil {
		return MutationResponse{}, err
	}
	ev.Version = version
	eventsAppendedTotal.WithLabelValues(eventType).Inc()

	s.publishNotice(workspaceID, ev)
	if s.Snapshots != nil {
		go s.Snapshots.CheckAndCreateSnapshot(ctx, workspaceID)
	}

	return MutationResponse{
		Status:    "appended",
		EventID:   ev.EventID,
		EventType: eventType,
		Version:   version,
	}, nil
}

func (s *Service) buildEvent(ctx context.Context, workspaceID string, req MutationRequest) (string, any, error) {
	switch normalizeAction(req.Action) {
	case "create-workspace":
		p := workspace.WorkspaceCreatedPayload{}
		if req.Title != nil {
			p.Title = *req.Title
		}
		if req.Description != nil {
			p.Description = *req.Description
		}
		return workspace.TypeWorkspaceCreated, p, nil

	case "create-item":
		if req.Item == nil {
			return "", nil, ErrItemRequired
		}
		item := *req.Item
		if strings.TrimSpace(item.ID) == "" {
			item.ID = s.NewID()
		}
		if err := s.checkFolderRef(ctx, workspaceID, item.FolderID); err != nil {
			return "", nil, err
		}
		return workspace.TypeItemCreated, workspace.ItemCreatedPayload{ID: item.ID, Item: item}, nil

	case "create-items":
		if len(req.Items) == 0 {
			return "", nil, ErrItemsRequired
		}
		items := make([]workspace.Item, len(req.Items))
		for i, item := range req.Items {
			if strings.TrimSpace(item.ID) == "" {
				item.ID = s.NewID()
			}
			if err := s.checkFolderRef(ctx, workspaceID, item.FolderID); err != nil {
				return "", nil, err
			}
			items[i] = item
		}
		return workspace.TypeBulkItemsCreated, workspace.BulkItemsCreatedPayload{Items: items}, nil

	case "update-item":
		if strings.TrimSpace(req.ItemID) == "" {
			return "", nil, ErrItemIDRequired
		}
		if req.Changes == nil {
			return "", nil, ErrChangesRequired
		}
		return workspace.TypeItemUpdated, workspace.ItemUpdatedPayload{
			ID:      req.ItemID,
			Changes: *req.Changes,
			Source:  strings.TrimSpace(req.Source),
		}, nil

	case "delete-item":
		if strings.TrimSpace(req.ItemID) == "" {
			return "", nil, ErrItemIDRequired
		}
		return workspace.TypeItemDeleted, workspace.ItemDeletedPayload{ID: req.ItemID}, nil

	case "update-layouts":
		if len(req.Layouts) == 0 {
			return "", nil, ErrLayoutsRequired
		}
		return workspace.TypeBulkItemsUpdated, workspace.BulkItemsUpdatedPayload{LayoutUpdates: req.Layouts}, nil

	case "set-title":
		if req.Title == nil {
			return "", nil, ErrTitleRequired
		}
		return workspace.TypeGlobalTitleSet, workspace.GlobalTitleSetPayload{Title: *req.Title}, nil

	case "set-description":
		desc := ""
		if req.Description != nil {
			desc = *req.Description
		}
		return workspace.TypeGlobalDescriptionSet, workspace.GlobalDescriptionSetPayload{Description: desc}, nil

	case "move-item":
		if strings.TrimSpace(req.ItemID) == "" {
			return "", nil, ErrItemIDRequired
		}
		if err := s.checkFolderRef(ctx, workspaceID, req.FolderID); err != nil {
			return "", nil, err
		}
		return workspace.TypeItemMovedToFolder, workspace.ItemMovedToFolderPayload{
			ItemID:   req.ItemID,
			FolderID: req.FolderID,
		}, nil

	case "move-items":
		if len(req.ItemIDs) == 0 {
			return "", nil, ErrItemIDRequired
		}
		if err := s.checkFolderRef(ctx, workspaceID, req.FolderID); err != nil {
			return "", nil, err
		}
		return workspace.TypeItemsMovedToFolder, workspace.ItemsMovedToFolderPayload{
			ItemIDs:  req.ItemIDs,
			FolderID: req.FolderID,
		}, nil

	case "create-folder":
		if req.Folder == nil {
			return "", nil, ErrFolderRequired
		}
		folder := *req.Folder
		if strings.TrimSpace(folder.ID) == "" {
			folder.ID = s.NewID()
		}
		folder.Type = workspace.ItemTypeFolder
		if err := s.checkItemsExist(ctx, workspaceID, req.ItemIDs); err != nil {
			return "", nil, err
		}
		return workspace.TypeFolderCreatedWithItems, workspace.FolderCreatedWithItemsPayload{
			Folder:  folder,
			ItemIDs: req.ItemIDs,
		}, nil

	case "import-snapshot":
		if req.State == nil {
			return "", nil, ErrStateRequired
		}
		return workspace.TypeWorkspaceSnapshot, workspace.WorkspaceSnapshotPayload{State: *req.State}, nil

	default:
		return "", nil, ErrUnsupportedAction
	}
}

func (s *Service) checkFolderRef(ctx context.Context, workspaceID string, folderID *string) error {
	if folderID == nil || strings.TrimSpace(*folderID) == "" {
		return nil
	}
	state, _ := s.Loader.LoadWorkspaceState(ctx, workspaceID)
	if !state.HasFolder(*folderID) {
		return ErrUnknownFolder
	}
	return nil
}

func (s *Service) checkItemsExist(ctx context.Context, workspaceID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	state, _ := s.Loader.LoadWorkspaceState(ctx, workspaceID)
	for _, id := range itemIDs {
		if _, ok := state.FindItem(id); !ok {
			return ErrItemNotFound
		}
	}
	return nil
}

func (s *Service) publishNotice(workspaceID string, ev workspace.Event) {
	if s.Publish == nil {
		return
	}
	notice := contracts.EventNotice{
		EventID:     ev.EventID,
		WorkspaceID: workspaceID,
		Version:     ev.Version,
		EventType:   ev.Type,
		ActorUserID: ev.ActorUserID,
		ActorName:   ev.ActorName,
		OccurredAt:  ev.OccurredAt,
		ShardID:     sharding.GetShardID(workspaceID),
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		s.Logf("event notice marshal failed for workspace %s: %v", workspaceID, err)
		return
	}
	if err := s.Publish(sharding.EventSubject(workspaceID), payload); err != nil {
		// The event is already durable; consumers catch up through the log.
		s.Logf("event notice publish failed for workspace %s: %v", workspaceID, err)
	}
}
