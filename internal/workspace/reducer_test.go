package workspace

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

var eventSeq atomic.Int64

func mustEvent(t *testing.T, eventType string, payload any) Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Event{
		EventID:     fmt.Sprintf("evt-%d", eventSeq.Add(1)),
		Type:        eventType,
		Payload:     raw,
		ActorUserID: "user-1",
		OccurredAt:  time.Date(2026, 2, 9, 22, 0, 0, 0, time.UTC),
	}
}

func createItem(t *testing.T, id, itemType, name string) Event {
	t.Helper()
	return mustEvent(t, TypeItemCreated, ItemCreatedPayload{
		ID:   id,
		Item: Item{ID: id, Type: itemType, Name: name},
	})
}

func strPtr(s string) *string { return &s }

func TestApply_WorkspaceCreated(t *testing.T) {
	state := Apply(NewState("ws-1"), mustEvent(t, TypeWorkspaceCreated, WorkspaceCreatedPayload{
		Title:       "Biology 101",
		Description: "Semester notes",
	}))
	if state.Title != "Biology 101" || state.Description != "Semester notes" {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestApply_OrderPreservation(t *testing.T) {
	state := NewState("ws-1")
	state = Apply(state, createItem(t, "a", ItemTypeNote, "A"))
	state = Apply(state, createItem(t, "b", ItemTypeNote, "B"))
	state = Apply(state, mustEvent(t, TypeItemDeleted, ItemDeletedPayload{ID: "a"}))
	state = Apply(state, createItem(t, "c", ItemTypeNote, "C"))

	if len(state.Items) != 2 || state.Items[0].ID != "b" || state.Items[1].ID != "c" {
		t.Fatalf("expected items [b c], got %+v", state.Items)
	}
	if state.ItemsCreated != 3 {
		t.Fatalf("expected 3 items created, got %d", state.ItemsCreated)
	}
}

func TestApply_DuplicateItemIDIgnored(t *testing.T) {
	state := Apply(NewState("ws-1"), createItem(t, "a", ItemTypeNote, "First"))
	state = Apply(state, createItem(t, "a", ItemTypeNote, "Second"))

	if len(state.Items) != 1 || state.Items[0].Name != "First" {
		t.Fatalf("duplicate id should be ignored, got %+v", state.Items)
	}
	if state.ItemsCreated != 1 {
		t.Fatalf("expected counter 1, got %d", state.ItemsCreated)
	}
}

func TestApply_StaleUpdateIsNoOp(t *testing.T) {
	base := Apply(NewState("ws-1"), createItem(t, "a", ItemTypeNote, "A"))
	next := Apply(base, mustEvent(t, TypeItemUpdated, ItemUpdatedPayload{
		ID:      "nonexistent",
		Changes: ItemChanges{Name: strPtr("ghost")},
	}))
	if !reflect.DeepEqual(base, next) {
		t.Fatalf("stale update mutated state: %+v vs %+v", base, next)
	}
}

func TestApply_ItemUpdatedMergesChanges(t *testing.T) {
	state := Apply(NewState("ws-1"), mustEvent(t, TypeItemCreated, ItemCreatedPayload{
		ID: "a",
		Item: Item{
			ID:   "a",
			Type: ItemTypeNote,
			Name: "Draft",
			Data: map[string]any{"body": "old"},
		},
	}))
	state = Apply(state, mustEvent(t, TypeItemUpdated, ItemUpdatedPayload{
		ID: "a",
		Changes: ItemChanges{
			Name: strPtr("Final"),
			Data: map[string]any{"body": "new"},
		},
		Source: "editor",
	}))

	item := state.Items[0]
	if item.Name != "Final" {
		t.Fatalf("name not merged: %+v", item)
	}
	if item.Data["body"] != "new" {
		t.Fatalf("data not replaced: %+v", item.Data)
	}
	if item.LastSource != "editor" {
		t.Fatalf("mutation source not recorded: %+v", item)
	}
	if item.Type != ItemTypeNote {
		t.Fatalf("untouched field changed: %+v", item)
	}
}

func TestApply_FolderDeletionClearsChildren(t *testing.T) {
	state := NewState("ws-1")
	state = Apply(state, createItem(t, "f", ItemTypeFolder, "Folder"))
	state = Apply(state, createItem(t, "a", ItemTypeNote, "A"))
	state = Apply(state, createItem(t, "b", ItemTypePDF, "B"))
	state = Apply(state, mustEvent(t, TypeItemsMovedToFolder, ItemsMovedToFolderPayload{
		ItemIDs:  []string{"a", "b"},
		FolderID: strPtr("f"),
	}))

	state = Apply(state, mustEvent(t, TypeItemDeleted, ItemDeletedPayload{ID: "f"}))

	if len(state.Items) != 2 {
		t.Fatalf("children should survive folder deletion, got %+v", state.Items)
	}
	for _, item := range state.Items {
		if item.FolderID != nil {
			t.Fatalf("folderId not cleared on %q: %+v", item.ID, item)
		}
	}
}

func TestApply_NonFolderDeletionLeavesRefs(t *testing.T) {
	state := NewState("ws-1")
	state = Apply(state, createItem(t, "f", ItemTypeFolder, "Folder"))
	state = Apply(state, createItem(t, "a", ItemTypeNote, "A"))
	state = Apply(state, createItem(t, "b", ItemTypeNote, "B"))
	state = Apply(state, mustEvent(t, TypeItemMovedToFolder, ItemMovedToFolderPayload{
		ItemID:   "b",
		FolderID: strPtr("f"),
	}))

	state = Apply(state, mustEvent(t, TypeItemDeleted, ItemDeletedPayload{ID: "a"}))

	idx := state.findItem("b")
	if idx < 0 || state.Items[idx].FolderID == nil || *state.Items[idx].FolderID != "f" {
		t.Fatalf("unrelated deletion disturbed folder refs: %+v", state.Items)
	}
}

func TestApply_MoveToFolderClearsLayout(t *testing.T) {
	state := Apply(NewState("ws-1"), mustEvent(t, TypeItemCreated, ItemCreatedPayload{
		ID: "x",
		Item: Item{
			ID:     "x",
			Type:   ItemTypeNote,
			Name:   "X",
			Layout: &Layout{X: 1, Y: 1, Width: 2, Height: 2},
		},
	}))
	state = Apply(state, mustEvent(t, TypeItemMovedToFolder, ItemMovedToFolderPayload{
		ItemID:   "x",
		FolderID: strPtr("F1"),
	}))

	item := state.Items[0]
	if item.FolderID == nil || *item.FolderID != "F1" {
		t.Fatalf("folderId not set: %+v", item)
	}
	if item.Layout != nil {
		t.Fatalf("layout should be cleared on move: %+v", item)
	}
}

func TestApply_MoveToRootClearsFolderID(t *testing.T) {
	state := NewState("ws-1")
	state = Apply(state, createItem(t, "f", ItemTypeFolder, "Folder"))
	state = Apply(state, createItem(t, "x", ItemTypeNote, "X"))
	state = Apply(state, mustEvent(t, TypeItemMovedToFolder, ItemMovedToFolderPayload{ItemID: "x", FolderID: strPtr("f")}))
	state = Apply(state, mustEvent(t, TypeItemMovedToFolder, ItemMovedToFolderPayload{ItemID: "x", FolderID: nil}))

	idx := state.findItem("x")
	if state.Items[idx].FolderID != nil {
		t.Fatalf("expected folderId cleared, got %+v", state.Items[idx])
	}
}

func TestApply_BulkLayoutLeavesUnmatchedUntouched(t *testing.T) {
	state := NewState("ws-1")
	state = Apply(state, mustEvent(t, TypeBulkItemsCreated, BulkItemsCreatedPayload{Items: []Item{
		{ID: "a", Type: ItemTypeNote, Name: "A", Layout: &Layout{X: 5, Y: 5, Width: 1, Height: 1}},
		{ID: "b", Type: ItemTypeNote, Name: "B"},
	}}))
	state = Apply(state, mustEvent(t, TypeBulkItemsUpdated, BulkItemsUpdatedPayload{
		LayoutUpdates: []LayoutUpdate{
			{ID: "b", X: 3, Y: 4, Width: 2, Height: 2},
			{ID: "missing", X: 9, Y: 9, Width: 9, Height: 9},
		},
	}))

	a := state.Items[state.findItem("a")]
	if a.Layout == nil || a.Layout.X != 5 {
		t.Fatalf("unmatched item layout changed: %+v", a)
	}
	b := state.Items[state.findItem("b")]
	if b.Layout == nil || b.Layout.X != 3 || b.Layout.Height != 2 {
		t.Fatalf("layout patch not applied: %+v", b)
	}
}

func TestApply_BulkItemsLegacyReplace(t *testing.T) {
	state := NewState("ws-1")
	state = Apply(state, createItem(t, "a", ItemTypeNote, "A"))
	state = Apply(state, createItem(t, "b", ItemTypeNote, "B"))

	// Deprecated-but-supported shape: full items array replaces the
	// collection wholesale.
	state = Apply(state, mustEvent(t, TypeBulkItemsUpdated, BulkItemsUpdatedPayload{
		Items: []Item{{ID: "z", Type: ItemTypeQuiz, Name: "Z"}},
	}))

	if len(state.Items) != 1 || state.Items[0].ID != "z" {
		t.Fatalf("legacy replace failed: %+v", state.Items)
	}
	if state.ItemsCreated != 2 {
		t.Fatalf("creation counter should survive legacy replace, got %d", state.ItemsCreated)
	}
}

func TestApply_FolderCreatedWithItems(t *testing.T) {
	state := NewState("ws-1")
	state = Apply(state, mustEvent(t, TypeBulkItemsCreated, BulkItemsCreatedPayload{Items: []Item{
		{ID: "a", Type: ItemTypeNote, Name: "A", Layout: &Layout{X: 1, Y: 1, Width: 1, Height: 1}},
		{ID: "b", Type: ItemTypePDF, Name: "B"},
	}}))
	state = Apply(state, mustEvent(t, TypeFolderCreatedWithItems, FolderCreatedWithItemsPayload{
		Folder:  Item{ID: "f", Name: "Chapter 1"},
		ItemIDs: []string{"a", "b"},
	}))

	folderCount := 0
	for _, item := range state.Items {
		if item.ID == "f" {
			folderCount++
			if item.Type != ItemTypeFolder {
				t.Fatalf("folder type not defaulted: %+v", item)
			}
		}
	}
	if folderCount != 1 {
		t.Fatalf("folder appended %d times, want once", folderCount)
	}
	for _, id := range []string{"a", "b"} {
		item := state.Items[state.findItem(id)]
		if item.FolderID == nil || *item.FolderID != "f" {
			t.Fatalf("item %q not reassigned: %+v", id, item)
		}
		if item.Layout != nil {
			t.Fatalf("item %q layout not cleared: %+v", id, item)
		}
	}
}

func TestApply_WorkspaceSnapshotPreservesWorkspaceID(t *testing.T) {
	seed := State{
		WorkspaceID: "ws-other",
		Title:       "Imported",
		Items:       []Item{{ID: "a", Type: ItemTypeNote, Name: "A"}},
	}
	state := Apply(NewState("ws-1"), mustEvent(t, TypeWorkspaceSnapshot, WorkspaceSnapshotPayload{State: seed}))

	if state.WorkspaceID != "ws-1" {
		t.Fatalf("workspace id must be preserved, got %q", state.WorkspaceID)
	}
	if state.Title != "Imported" || len(state.Items) != 1 {
		t.Fatalf("seed state not applied: %+v", state)
	}
}

func TestApply_DeprecatedFolderEvents(t *testing.T) {
	state := NewState("ws-1")
	state = Apply(state, createItem(t, "a", ItemTypeNote, "A"))
	state = Apply(state, mustEvent(t, TypeItemMovedToFolder, ItemMovedToFolderPayload{ItemID: "a", FolderID: strPtr("legacy-f")}))

	before := state.clone()
	state = Apply(state, mustEvent(t, TypeFolderCreated, map[string]any{"id": "legacy-f"}))
	state = Apply(state, mustEvent(t, TypeFolderUpdated, map[string]any{"id": "legacy-f"}))
	if !reflect.DeepEqual(before, state) {
		t.Fatalf("deprecated folder events must be no-ops")
	}

	state = Apply(state, mustEvent(t, TypeFolderDeleted, FolderDeletedPayload{ID: "legacy-f"}))
	if state.Items[0].FolderID != nil {
		t.Fatalf("FOLDER_DELETED should still clear refs: %+v", state.Items[0])
	}
}

func TestApply_UnknownTypeAndMalformedPayload(t *testing.T) {
	base := Apply(NewState("ws-1"), createItem(t, "a", ItemTypeNote, "A"))

	next := Apply(base, Event{EventID: "evt-x", Type: "ITEM_ARCHIVED", Payload: json.RawMessage(`{"id":"a"}`)})
	if !reflect.DeepEqual(base, next) {
		t.Fatalf("unknown type must be a no-op")
	}

	next = Apply(base, Event{EventID: "evt-y", Type: TypeItemDeleted, Payload: json.RawMessage(`{invalid`)})
	if !reflect.DeepEqual(base, next) {
		t.Fatalf("malformed payload must be a no-op")
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	base := NewState("ws-1")
	base = Apply(base, mustEvent(t, TypeItemCreated, ItemCreatedPayload{
		ID: "a",
		Item: Item{
			ID: "a", Type: ItemTypeNote, Name: "A",
			Data:   map[string]any{"body": "x"},
			Layout: &Layout{X: 1, Y: 2, Width: 3, Height: 4},
		},
	}))
	snapshot := base.clone()

	_ = Apply(base, mustEvent(t, TypeItemUpdated, ItemUpdatedPayload{
		ID:      "a",
		Changes: ItemChanges{Name: strPtr("mutated"), Data: map[string]any{"body": "y"}},
	}))
	_ = Apply(base, mustEvent(t, TypeItemDeleted, ItemDeletedPayload{ID: "a"}))

	if !reflect.DeepEqual(snapshot, base) {
		t.Fatalf("Apply mutated its input: %+v vs %+v", snapshot, base)
	}
}

func sampleLog(t *testing.T) []Event {
	t.Helper()
	return []Event{
		mustEvent(t, TypeWorkspaceCreated, WorkspaceCreatedPayload{Title: "T", Description: "D"}),
		createItem(t, "f", ItemTypeFolder, "Folder"),
		createItem(t, "a", ItemTypeNote, "A"),
		createItem(t, "b", ItemTypePDF, "B"),
		mustEvent(t, TypeItemsMovedToFolder, ItemsMovedToFolderPayload{ItemIDs: []string{"a", "b"}, FolderID: strPtr("f")}),
		mustEvent(t, TypeItemUpdated, ItemUpdatedPayload{ID: "a", Changes: ItemChanges{Name: strPtr("A2")}}),
		mustEvent(t, TypeGlobalTitleSet, GlobalTitleSetPayload{Title: "T2"}),
		mustEvent(t, TypeItemDeleted, ItemDeletedPayload{ID: "f"}),
		createItem(t, "c", ItemTypeFlashcardDeck, "C"),
	}
}

func TestReplay_Deterministic(t *testing.T) {
	events := sampleLog(t)
	first := Replay(events, "ws-1", nil)
	second := Replay(events, "ws-1", nil)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay is not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestReplay_EmptyIsIdentity(t *testing.T) {
	base := Replay(sampleLog(t), "ws-1", nil)
	out := Replay(nil, "ws-1", &base)
	if !reflect.DeepEqual(base, out) {
		t.Fatalf("empty replay changed state:\n%+v\n%+v", base, out)
	}
}

func TestReplay_Resumable(t *testing.T) {
	events := sampleLog(t)
	want := Replay(events, "ws-1", nil)

	for k := 0; k <= len(events); k++ {
		mid := Replay(events[:k], "ws-1", nil)
		got := Replay(events[k:], "ws-1", &mid)
		if !reflect.DeepEqual(want, got) {
			t.Fatalf("resumed replay diverged at split %d:\n%+v\n%+v", k, want, got)
		}
	}
}

func TestReplay_NilBaseTagsWorkspaceID(t *testing.T) {
	state := Replay(nil, "ws-42", nil)
	if state.WorkspaceID != "ws-42" {
		t.Fatalf("unexpected workspace id: %q", state.WorkspaceID)
	}
	if state.Items == nil || len(state.Items) != 0 {
		t.Fatalf("expected empty items, got %+v", state.Items)
	}
}
