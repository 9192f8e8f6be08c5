package contracts

import "time"

// EventNotice is published to JetStream after a workspace event is durably
// appended. It deliberately omits the payload: consumers that need state go
// through the state loader; the notice only tells them something changed and
// up to which version.
type EventNotice struct {
	EventID     string    `json:"event_id"`
	WorkspaceID string    `json:"workspace_id"`
	Version     int64     `json:"version"`
	EventType   string    `json:"event_type"`
	ActorUserID string    `json:"actor_user_id"`
	ActorName   string    `json:"actor_name,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	ShardID     int       `json:"shard_id"`
}
