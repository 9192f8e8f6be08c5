package workspace

import "encoding/json"

// Apply is the reducer: a total, pure, deterministic step from one state to
// the next. It never returns an error; malformed payloads, unknown event
// types, and references to since-deleted items are facts about historical
// logs, not corruption, and reduce to no-ops. The input state is never
// mutated.
func Apply(state State, event Event) State {
	switch event.Type {
	case TypeWorkspaceCreated:
		var p WorkspaceCreatedPayload
		if !decode(event.Payload, &p) {
			return state
		}
		next := state.clone()
		next.Title = p.Title
		next.Description = p.Description
		return next

	case TypeItemCreated:
		var p ItemCreatedPayload
		if !decode(event.Payload, &p) {
			return state
		}
		item := p.Item
		if item.ID == "" {
			item.ID = p.ID
		}
		return appendItems(state, []Item{item})

	case TypeBulkItemsCreated:
		var p BulkItemsCreatedPayload
		if !decode(event.Payload, &p) {
			return state
		}
		return appendItems(state, p.Items)

	case TypeItemUpdated:
		var p ItemUpdatedPayload
		if !decode(event.Payload, &p) {
			return state
		}
		idx := state.findItem(p.ID)
		if idx < 0 {
			// Update against a since-deleted item.
			return state
		}
		next := state.clone()
		item := &next.Items[idx]
		if p.Changes.Name != nil {
			item.Name = *p.Changes.Name
		}
		if p.Changes.Data != nil {
			item.Data = cloneData(p.Changes.Data)
		}
		if p.Changes.Layout != nil {
			layout := *p.Changes.Layout
			item.Layout = &layout
		}
		if p.Source != "" {
			item.LastSource = p.Source
		}
		return next

	case TypeItemDeleted:
		var p ItemDeletedPayload
		if !decode(event.Payload, &p) {
			return state
		}
		return deleteItem(state, p.ID)

	case TypeBulkItemsUpdated:
		var p BulkItemsUpdatedPayload
		if !decode(event.Payload, &p) {
			return state
		}
		if len(p.LayoutUpdates) > 0 {
			next := state.clone()
			for _, update := range p.LayoutUpdates {
				idx := next.findItem(update.ID)
				if idx < 0 {
					continue
				}
				next.Items[idx].Layout = &Layout{
					X:      update.X,
					Y:      update.Y,
					Width:  update.Width,
					Height: update.Height,
				}
			}
			return next
		}
		if p.Items != nil {
			// Legacy shape: wholesale replacement of the items collection.
			next := state.clone()
			next.Items = make([]Item, len(p.Items))
			for idx, item := range p.Items {
				next.Items[idx] = item.clone()
			}
			return next
		}
		return state

	case TypeGlobalTitleSet:
		var p GlobalTitleSetPayload
		if !decode(event.Payload, &p) {
			return state
		}
		next := state.clone()
		next.Title = p.Title
		return next

	case TypeGlobalDescriptionSet:
		var p GlobalDescriptionSetPayload
		if !decode(event.Payload, &p) {
			return state
		}
		next := state.clone()
		next.Description = p.Description
		return next

	case TypeItemMovedToFolder:
		var p ItemMovedToFolderPayload
		if !decode(event.Payload, &p) {
			return state
		}
		return moveItems(state, []string{p.ItemID}, p.FolderID)

	case TypeItemsMovedToFolder:
		var p ItemsMovedToFolderPayload
		if !decode(event.Payload, &p) {
			return state
		}
		return moveItems(state, p.ItemIDs, p.FolderID)

	case TypeFolderCreatedWithItems:
		var p FolderCreatedWithItemsPayload
		if !decode(event.Payload, &p) {
			return state
		}
		folder := p.Folder
		if folder.Type == "" {
			folder.Type = ItemTypeFolder
		}
		next := appendItems(state, []Item{folder})
		return moveItems(next, p.ItemIDs, &folder.ID)

	case TypeWorkspaceSnapshot:
		var p WorkspaceSnapshotPayload
		if !decode(event.Payload, &p) {
			return state
		}
		next := p.State.clone()
		next.WorkspaceID = state.WorkspaceID
		if next.Items == nil {
			next.Items = []Item{}
		}
		return next

	case TypeFolderDeleted:
		var p FolderDeletedPayload
		if !decode(event.Payload, &p) {
			return state
		}
		return clearFolderRefs(state, p.ID)

	case TypeFolderCreated, TypeFolderUpdated:
		// Deprecated folder-entity events; folders are items now.
		return state

	default:
		// Unknown event type, possibly written by a newer version. No-op so
		// the rest of the log still replays.
		return state
	}
}

// Replay left-folds Apply over events in the order given. Callers are
// responsible for supplying events in ascending version order; replay does
// not reorder or reject anomalous logs (CheckLog reports on those). Passing
// a nil base starts from an empty state tagged with workspaceID.
func Replay(events []Event, workspaceID string, base *State) State {
	var state State
	if base != nil {
		state = base.clone()
	} else {
		state = NewState(workspaceID)
	}
	for _, event := range events {
		state = Apply(state, event)
	}
	return state
}

func decode(raw json.RawMessage, dst any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// appendItems adds items to the end of the collection, preserving insertion
// order and skipping ids that already exist (ids are never reused).
func appendItems(state State, items []Item) State {
	next := state.clone()
	for _, item := range items {
		if item.ID == "" || next.findItem(item.ID) >= 0 {
			continue
		}
		next.Items = append(next.Items, item.clone())
		next.ItemsCreated++
	}
	return next
}

// deleteItem removes the item and, when it was a folder, clears FolderID on
// all former children in the same reduction step. Children are kept.
func deleteItem(state State, id string) State {
	idx := state.findItem(id)
	if idx < 0 {
		return state
	}
	wasFolder := state.Items[idx].Type == ItemTypeFolder

	next := state.clone()
	next.Items = append(next.Items[:idx], next.Items[idx+1:]...)
	if wasFolder {
		for i := range next.Items {
			if next.Items[i].FolderID != nil && *next.Items[i].FolderID == id {
				next.Items[i].FolderID = nil
			}
		}
	}
	return next
}

// moveItems reassigns folder membership and clears layout, forcing
// re-placement in the new context. Unknown ids are skipped.
func moveItems(state State, itemIDs []string, folderID *string) State {
	next := state.clone()
	for _, id := range itemIDs {
		idx := next.findItem(id)
		if idx < 0 {
			continue
		}
		if folderID != nil {
			target := *folderID
			next.Items[idx].FolderID = &target
		} else {
			next.Items[idx].FolderID = nil
		}
		next.Items[idx].Layout = nil
	}
	return next
}

// clearFolderRefs supports the deprecated FOLDER_DELETED event: the folder
// entity itself is not an item in those logs, but children still point at it.
func clearFolderRefs(state State, folderID string) State {
	next := state.clone()
	for i := range next.Items {
		if next.Items[i].FolderID != nil && *next.Items[i].FolderID == folderID {
			next.Items[i].FolderID = nil
		}
	}
	return next
}
