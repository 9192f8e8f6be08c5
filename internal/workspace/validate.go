package workspace

import "fmt"

const (
	IssueTimestampRegression = "timestamp-regression"
	IssueDuplicateEventID    = "duplicate-event-id"
)

// LogIssue is one advisory finding from CheckLog.
type LogIssue struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

// CheckLog scans an event list for non-decreasing timestamps and duplicate
// event ids. It is advisory only: historical logs may contain both anomalies
// and replay processes them deterministically regardless, so violations are
// reported, never enforced.
func CheckLog(events []Event) []LogIssue {
	var issues []LogIssue
	seen := make(map[string]int, len(events))
	for idx, event := range events {
		if idx > 0 && event.OccurredAt.Before(events[idx-1].OccurredAt) {
			issues = append(issues, LogIssue{
				Index:   idx,
				EventID: event.EventID,
				Kind:    IssueTimestampRegression,
				Detail: fmt.Sprintf("occurred_at %s is before preceding event at %s",
					event.OccurredAt.Format("2006-01-02T15:04:05.000Z07:00"),
					events[idx-1].OccurredAt.Format("2006-01-02T15:04:05.000Z07:00")),
			})
		}
		if event.EventID != "" {
			if first, dup := seen[event.EventID]; dup {
				issues = append(issues, LogIssue{
					Index:   idx,
					EventID: event.EventID,
					Kind:    IssueDuplicateEventID,
					Detail:  fmt.Sprintf("event id already seen at index %d", first),
				})
			} else {
				seen[event.EventID] = idx
			}
		}
	}
	return issues
}
