package workspaceapi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/studydeck/workspace/internal/contracts"
	"github.com/studydeck/workspace/internal/sharding"
	"github.com/studydeck/workspace/internal/workspace"
)

type fakeLog struct {
	mu     sync.Mutex
	events map[string][]workspace.Event
	err    error
}

func newFakeLog() *fakeLog {
	return &fakeLog{events: make(map[string][]workspace.Event)}
}

func (f *fakeLog) AppendEvent(ctx context.Context, workspaceID string, ev workspace.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	ev.Version = int64(len(f.events[workspaceID]) + 1)
	f.events[workspaceID] = append(f.events[workspaceID], ev)
	return ev.Version, nil
}

func (f *fakeLog) all(workspaceID string) []workspace.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workspace.Event(nil), f.events[workspaceID]...)
}

type fakeLoader struct {
	state workspace.State
}

func (f *fakeLoader) LoadWorkspaceState(ctx context.Context, workspaceID string) (workspace.State, int64) {
	return f.state, int64(len(f.state.Items))
}

type fakeTrigger struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (f *fakeTrigger) CheckAndCreateSnapshot(ctx context.Context, workspaceID string) {
	f.mu.Lock()
	f.calls = append(f.calls, workspaceID)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
}

func newTestAppendService(log *fakeLog, loader *fakeLoader, publish PublishFunc, trigger SnapshotTrigger) *Service {
	if publish == nil {
		publish = func(string, []byte) error { return nil }
	}
	svc := NewService(log, loader, publish, trigger)
	svc.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	var seq int
	svc.NewID = func() string {
		seq++
		return string(rune('a' + seq - 1))
	}
	svc.Logf = func(string, ...any) {}
	return svc
}

func folderState(folderID string) workspace.State {
	st := workspace.NewState("ws-1")
	st.Items = []workspace.Item{{ID: folderID, Type: workspace.ItemTypeFolder, Name: "F"}}
	return st
}

func TestAccept_CreateItemAppendsAndPublishes(t *testing.T) {
	log := newFakeLog()
	var gotSubject string
	var gotPayload []byte
	svc := newTestAppendService(log, &fakeLoader{state: workspace.NewState("ws-1")}, func(subject string, payload []byte) error {
		gotSubject = subject
		gotPayload = payload
		return nil
	}, nil)

	resp, err := svc.Accept(context.Background(), Actor{UserID: "user-1", Username: "alice"}, "ws-1", MutationRequest{
		Action: "create-item",
		Item:   &workspace.Item{ID: "note-1", Type: workspace.ItemTypeNote, Name: "Chapter 1"},
	})
	if err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	if resp.Status != "appended" || resp.Version != 1 || resp.EventType != workspace.TypeItemCreated {
		t.Fatalf("unexpected response: %+v", resp)
	}

	events := log.all("ws-1")
	if len(events) != 1 {
		t.Fatalf("expected 1 appended event, got %d", len(events))
	}
	var p workspace.ItemCreatedPayload
	if err := json.Unmarshal(events[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ID != "note-1" || p.Item.Name != "Chapter 1" {
		t.Fatalf("unexpected payload: %+v", p)
	}

	if want := sharding.EventSubject("ws-1"); gotSubject != want {
		t.Fatalf("subject mismatch: got %q want %q", gotSubject, want)
	}
	var notice contracts.EventNotice
	if err := json.Unmarshal(gotPayload, &notice); err != nil {
		t.Fatalf("notice is not valid JSON: %v", err)
	}
	if notice.WorkspaceID != "ws-1" || notice.Version != 1 || notice.EventType != workspace.TypeItemCreated || notice.ActorUserID != "user-1" {
		t.Fatalf("unexpected notice: %+v", notice)
	}
	if notice.ShardID != sharding.GetShardID("ws-1") {
		t.Fatalf("unexpected shard id: %d", notice.ShardID)
	}
}

func TestAccept_CreateItemAssignsMissingID(t *testing.T) {
	log := newFakeLog()
	svc := newTestAppendService(log, &fakeLoader{state: workspace.NewState("ws-1")}, nil, nil)

	if _, err := svc.Accept(context.Background(), Actor{UserID: "u1"}, "ws-1", MutationRequest{
		Action: "create-item",
		Item:   &workspace.Item{Type: workspace.ItemTypeNote, Name: "Untitled"},
	}); err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}

	var p workspace.ItemCreatedPayload
	if err := json.Unmarshal(log.all("ws-1")[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ID == "" || p.Item.ID != p.ID {
		t.Fatalf("expected a generated id mirrored on the item, got %+v", p)
	}
}

func TestAccept_FolderReferenceValidated(t *testing.T) {
	log := newFakeLog()
	svc := newTestAppendService(log, &fakeLoader{state: folderState("folder-1")}, nil, nil)
	ghost := "folder-ghost"
	real := "folder-1"

	_, err := svc.Accept(context.Background(), Actor{UserID: "u1"}, "ws-1", MutationRequest{
		Action: "create-item",
		Item:   &workspace.Item{ID: "n1", Type: workspace.ItemTypeNote, FolderID: &ghost},
	})
	if !errors.Is(err, ErrUnknownFolder) {
		t.Fatalf("expected ErrUnknownFolder, got %v", err)
	}

	if _, err := svc.Accept(context.Background(), Actor{UserID: "u1"}, "ws-1", MutationRequest{
		Action: "create-item",
		Item:   &workspace.Item{ID: "n1", Type: workspace.ItemTypeNote, FolderID: &real},
	}); err != nil {
		t.Fatalf("existing folder should be accepted: %v", err)
	}
}

func TestAccept_MoveToRootSkipsFolderCheck(t *testing.T) {
	log := newFakeLog()
	// Loader state has no folders at all; a nil folder id must still pass.
	svc := newTestAppendService(log, &fakeLoader{state: workspace.NewState("ws-1")}, nil, nil)

	resp, err := svc.Accept(context.Background(), Actor{UserID: "u1"}, "ws-1", MutationRequest{
		Action: "move-item",
		ItemID: "n1",
	})
	if err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	if resp.EventType != workspace.TypeItemMovedToFolder {
		t.Fatalf("unexpected event type: %q", resp.EventType)
	}

	var p workspace.ItemMovedToFolderPayload
	if err := json.Unmarshal(log.all("ws-1")[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.FolderID != nil {
		t.Fatalf("expected null folder id, got %v", *p.FolderID)
	}
}

func TestAccept_CreateFolderForcesTypeAndChecksItems(t *testing.T) {
	log := newFakeLog()
	st := workspace.NewState("ws-1")
	st.Items = []workspace.Item{{ID: "n1", Type: workspace.ItemTypeNote}}
	svc := newTestAppendService(log, &fakeLoader{state: st}, nil, nil)

	_, err := svc.Accept(context.Background(), Actor{UserID: "u1"}, "ws-1", MutationRequest{
		Action:  "create-folder",
		Folder:  &workspace.Item{ID: "f1", Type: workspace.ItemTypeNote, Name: "Week 1"},
		ItemIDs: []string{"n1", "missing"},
	})
	if !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}

	if _, err := svc.Accept(context.Background(), Actor{UserID: "u1"}, "ws-1", MutationRequest{
		Action:  "create-folder",
		Folder:  &workspace.Item{ID: "f1", Type: workspace.ItemTypeNote, Name: "Week 1"},
		ItemIDs: []string{"n1"},
	}); err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	var p workspace.FolderCreatedWithItemsPayload
	if err := json.Unmarshal(log.all("ws-1")[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Folder.Type != workspace.ItemTypeFolder {
		t.Fatalf("folder type not forced: %q", p.Folder.Type)
	}
}

func TestAccept_Validation(t *testing.T) {
	svc := newTestAppendService(newFakeLog(), &fakeLoader{state: workspace.NewState("ws-1")}, nil, nil)
	ctx := context.Background()
	actor := Actor{UserID: "u1"}

	tests := []struct {
		name string
		ws   string
		req  MutationRequest
		want error
	}{
		{"missing workspace", "", MutationRequest{Action: "create-item"}, ErrWorkspaceRequired},
		{"missing item", "ws-1", MutationRequest{Action: "create-item"}, ErrItemRequired},
		{"empty bulk create", "ws-1", MutationRequest{Action: "create-items"}, ErrItemsRequired},
		{"update without id", "ws-1", MutationRequest{Action: "update-item", Changes: &workspace.ItemChanges{}}, ErrItemIDRequired},
		{"update without changes", "ws-1", MutationRequest{Action: "update-item", ItemID: "n1"}, ErrChangesRequired},
		{"delete without id", "ws-1", MutationRequest{Action: "delete-item"}, ErrItemIDRequired},
		{"empty layouts", "ws-1", MutationRequest{Action: "update-layouts"}, ErrLayoutsRequired},
		{"title unset", "ws-1", MutationRequest{Action: "set-title"}, ErrTitleRequired},
		{"move-items empty", "ws-1", MutationRequest{Action: "move-items"}, ErrItemIDRequired},
		{"folder unset", "ws-1", MutationRequest{Action: "create-folder"}, ErrFolderRequired},
		{"import without state", "ws-1", MutationRequest{Action: "import-snapshot"}, ErrStateRequired},
		{"unknown action", "ws-1", MutationRequest{Action: "archive-item"}, ErrUnsupportedAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Accept(ctx, actor, tt.ws, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Accept error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := svc.Accept(ctx, Actor{}, "ws-1", MutationRequest{Action: "delete-item", ItemID: "n1"}); !errors.Is(err, workspace.ErrActorRequired) {
		t.Errorf("expected ErrActorRequired, got %v", err)
	}
}

func TestAccept_PublishFailureDoesNotFailRequest(t *testing.T) {
	log := newFakeLog()
	svc := newTestAppendService(log, &fakeLoader{state: workspace.NewState("ws-1")}, func(string, []byte) error {
		return errors.New("nats down")
	}, nil)
	var logged bool
	svc.Logf = func(string, ...any) { logged = true }

	resp, err := svc.Accept(context.Background(), Actor{UserID: "u1"}, "ws-1", MutationRequest{
		Action: "delete-item",
		ItemID: "n1",
	})
	if err != nil {
		t.Fatalf("publish failure must not fail the append: %v", err)
	}
	if resp.Version != 1 {
		t.Fatalf("unexpected version: %d", resp.Version)
	}
	if !logged {
		t.Error("expected the publish failure to be logged")
	}
}

func TestAccept_AppendFailurePropagates(t *testing.T) {
	log := newFakeLog()
	log.err = errors.New("db down")
	svc := newTestAppendService(log, &fakeLoader{state: workspace.NewState("ws-1")}, nil, nil)

	if _, err := svc.Accept(context.Background(), Actor{UserID: "u1"}, "ws-1", MutationRequest{
		Action: "delete-item",
		ItemID: "n1",
	}); err == nil {
		t.Fatal("expected append error to propagate")
	}
}

func TestAccept_TriggersSnapshotCheck(t *testing.T) {
	log := newFakeLog()
	trigger := &fakeTrigger{done: make(chan struct{}, 1)}
	svc := newTestAppendService(log, &fakeLoader{state: workspace.NewState("ws-1")}, nil, trigger)

	if _, err := svc.Accept(context.Background(), Actor{UserID: "u1"}, "ws-1", MutationRequest{
		Action: "set-description",
	}); err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}

	select {
	case <-trigger.done:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot check was not triggered")
	}
	trigger.mu.Lock()
	defer trigger.mu.Unlock()
	if len(trigger.calls) != 1 || trigger.calls[0] != "ws-1" {
		t.Fatalf("unexpected trigger calls: %v", trigger.calls)
	}
}

func TestAccept_AppendedEventsReplayCleanly(t *testing.T) {
	log := newFakeLog()
	svc := newTestAppendService(log, &fakeLoader{state: workspace.NewState("ws-1")}, nil, nil)
	ctx := context.Background()
	actor := Actor{UserID: "u1", Username: "alice"}
	title := "Biology"
	newName := "Cells v2"

	requests := []MutationRequest{
		{Action: "create-workspace", Title: &title},
		{Action: "create-item", Item: &workspace.Item{ID: "n1", Type: workspace.ItemTypeNote, Name: "Cells"}},
		{Action: "create-items", Items: []workspace.Item{
			{ID: "n2", Type: workspace.ItemTypeNote},
			{ID: "d1", Type: workspace.ItemTypeFlashcardDeck},
		}},
		{Action: "update-item", ItemID: "n1", Changes: &workspace.ItemChanges{Name: &newName}},
		{Action: "delete-item", ItemID: "n2"},
	}
	for i, req := range requests {
		if _, err := svc.Accept(ctx, actor, "ws-1", req); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	state := workspace.Replay(log.all("ws-1"), "ws-1", nil)
	if state.Title != "Biology" {
		t.Errorf("title = %q", state.Title)
	}
	if len(state.Items) != 2 {
		t.Fatalf("expected 2 items after delete, got %d", len(state.Items))
	}
	if got, _ := state.FindItem("n1"); got.Name != "Cells v2" {
		t.Errorf("update not applied: %+v", got)
	}
	if state.ItemsCreated != 3 {
		t.Errorf("ItemsCreated = %d, want 3", state.ItemsCreated)
	}
}
