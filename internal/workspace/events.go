package workspace

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nuid"
)

// Event type tags. The set is closed for writers; the reducer treats anything
// outside it as a no-op so that logs written by newer versions still replay.
const (
	TypeWorkspaceCreated       = "WORKSPACE_CREATED"
	TypeItemCreated            = "ITEM_CREATED"
	TypeBulkItemsCreated       = "BULK_ITEMS_CREATED"
	TypeItemUpdated            = "ITEM_UPDATED"
	TypeItemDeleted            = "ITEM_DELETED"
	TypeBulkItemsUpdated       = "BULK_ITEMS_UPDATED"
	TypeGlobalTitleSet         = "GLOBAL_TITLE_SET"
	TypeGlobalDescriptionSet   = "GLOBAL_DESCRIPTION_SET"
	TypeItemMovedToFolder      = "ITEM_MOVED_TO_FOLDER"
	TypeItemsMovedToFolder     = "ITEMS_MOVED_TO_FOLDER"
	TypeFolderCreatedWithItems = "FOLDER_CREATED_WITH_ITEMS"
	TypeWorkspaceSnapshot      = "WORKSPACE_SNAPSHOT"
)

// Deprecated folder events. Folders became regular items; these tags remain
// so historical logs that contain them still replay. FOLDER_DELETED still
// clears folderId references on replay.
const (
	TypeFolderCreated = "FOLDER_CREATED"
	TypeFolderUpdated = "FOLDER_UPDATED"
	TypeFolderDeleted = "FOLDER_DELETED"
)

var ErrEventTypeRequired = errors.New("event type is required")
var ErrActorRequired = errors.New("actor user id is required")

// Event is an immutable, append-only fact about one workspace mutation.
// Version is zero until the event log assigns the per-workspace sequence
// number at append time; ordering is established solely by Version, never by
// OccurredAt (wall-clock timestamps are audit data and may be out of order
// across concurrent submitters).
type Event struct {
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	ActorUserID string          `json:"actor_user_id"`
	ActorName   string          `json:"actor_name,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Version     int64           `json:"version,omitempty"`
}

type WorkspaceCreatedPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type ItemCreatedPayload struct {
	ID   string `json:"id"`
	Item Item   `json:"item"`
}

type BulkItemsCreatedPayload struct {
	Items []Item `json:"items"`
}

// ItemChanges is the partial-update shape carried by ITEM_UPDATED. Nil fields
// are left untouched; Data, when present, replaces the item's data wholesale.
// Folder membership changes go through the dedicated move events, which carry
// explicit null semantics.
type ItemChanges struct {
	Name   *string        `json:"name,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Layout *Layout        `json:"layout,omitempty"`
}

type ItemUpdatedPayload struct {
	ID      string      `json:"id"`
	Changes ItemChanges `json:"changes"`
	Source  string      `json:"source,omitempty"`
}

type ItemDeletedPayload struct {
	ID string `json:"id"`
}

type LayoutUpdate struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// BulkItemsUpdatedPayload has two shapes under one tag. The current writers
// emit LayoutUpdates only; old logs carry the legacy Items form, which
// replaces the items collection wholesale. Presence decides which applies.
type BulkItemsUpdatedPayload struct {
	LayoutUpdates []LayoutUpdate `json:"layoutUpdates,omitempty"`
	Items         []Item         `json:"items,omitempty"`
}

type GlobalTitleSetPayload struct {
	Title string `json:"title"`
}

type GlobalDescriptionSetPayload struct {
	Description string `json:"description"`
}

type ItemMovedToFolderPayload struct {
	ItemID   string  `json:"itemId"`
	FolderID *string `json:"folderId"`
}

type ItemsMovedToFolderPayload struct {
	ItemIDs  []string `json:"itemIds"`
	FolderID *string  `json:"folderId"`
}

type FolderCreatedWithItemsPayload struct {
	Folder  Item     `json:"folder"`
	ItemIDs []string `json:"itemIds"`
}

// WorkspaceSnapshotPayload seeds a workspace from an imported full state,
// replacing everything except the workspace id. Used for migration/import.
type WorkspaceSnapshotPayload struct {
	State State `json:"state"`
}

type FolderDeletedPayload struct {
	ID string `json:"id"`
}

// NewEvent builds an unversioned event from a typed payload. The event id and
// timestamp are assigned here; the per-workspace version is assigned by the
// event log at append time.
func NewEvent(eventType string, payload any, actorUserID, actorName string) (Event, error) {
	if eventType == "" {
		return Event{}, ErrEventTypeRequired
	}
	if actorUserID == "" {
		return Event{}, ErrActorRequired
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:     nuid.Next(),
		Type:        eventType,
		Payload:     raw,
		ActorUserID: actorUserID,
		ActorName:   actorName,
		OccurredAt:  time.Now().UTC(),
	}, nil
}
