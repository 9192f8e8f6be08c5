package workspace

// Item types known to the current writers. The Type field is an open string
// so that items written by newer versions still round-trip through replay.
const (
	ItemTypeNote          = "note"
	ItemTypePDF           = "pdf"
	ItemTypeFlashcardDeck = "flashcard-deck"
	ItemTypeFolder        = "folder"
	ItemTypeYouTube       = "youtube"
	ItemTypeQuiz          = "quiz"
)

// Layout is the spatial placement of an item on the workspace canvas.
type Layout struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Item is a single workspace entity: a note, a PDF, a flashcard deck, a
// folder, and so on. Folder membership is a weak reference: children carry a
// FolderID pointer, folders do not own their children.
type Item struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Data       map[string]any `json:"data,omitempty"`
	FolderID   *string        `json:"folderId,omitempty"`
	Layout     *Layout        `json:"layout,omitempty"`
	LastSource string         `json:"lastSource,omitempty"`
}

// State is the replayed projection of a workspace. It is never stored as the
// source of truth and never mutated in place outside of event application;
// every read rebuilds it from the latest snapshot plus newer events.
type State struct {
	WorkspaceID  string `json:"workspaceId"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Items        []Item `json:"items"`
	ItemsCreated int    `json:"itemsCreated"`
}

// NewState returns an empty state for the given workspace.
func NewState(workspaceID string) State {
	return State{
		WorkspaceID: workspaceID,
		Items:       []Item{},
	}
}

func (i Item) clone() Item {
	out := i
	if i.Data != nil {
		data := make(map[string]any, len(i.Data))
		for k, v := range i.Data {
			data[k] = v
		}
		out.Data = data
	}
	if i.FolderID != nil {
		folderID := *i.FolderID
		out.FolderID = &folderID
	}
	if i.Layout != nil {
		layout := *i.Layout
		out.Layout = &layout
	}
	return out
}

func (s State) clone() State {
	out := s
	out.Items = make([]Item, len(s.Items))
	for idx, item := range s.Items {
		out.Items[idx] = item.clone()
	}
	return out
}

func (s State) findItem(id string) int {
	for idx := range s.Items {
		if s.Items[idx].ID == id {
			return idx
		}
	}
	return -1
}

// FindItem returns the item with the given id, if present.
func (s State) FindItem(id string) (Item, bool) {
	idx := s.findItem(id)
	if idx < 0 {
		return Item{}, false
	}
	return s.Items[idx], true
}

// HasFolder reports whether an item with the given id exists and is a folder.
func (s State) HasFolder(id string) bool {
	item, ok := s.FindItem(id)
	return ok && item.Type == ItemTypeFolder
}
