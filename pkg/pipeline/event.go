package pipeline

import (
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

// EventType names the kind of an ingestion event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventWarning  EventType = "warning"
	// EventError reports a failed document; the run continues.
	EventError EventType = "error"

	// Terminal events. Exactly one of them ends every stream.
	EventComplete  EventType = "complete"
	EventFatal     EventType = "fatal"
	EventCancelled EventType = "cancelled"
)

// Terminal reports whether t ends the stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventFatal || t == EventCancelled
}

// PhaseDone marks the last progress event of a document.
const PhaseDone = "done"

// Event is one element of the ingestion stream. DocumentIndex is the
// zero-based position of the document in the request.
type Event struct {
	Type          EventType         `json:"type"`
	DocumentIndex *int              `json:"document_index,omitempty"`
	DocumentID    string            `json:"document_id,omitempty"`
	Phase         string            `json:"phase,omitempty"`
	Percent       int               `json:"percent"`
	Message       string            `json:"message,omitempty"`
	Error         *common.ErrorInfo `json:"error,omitempty"`
	Summary       *Summary          `json:"summary,omitempty"`
}

// Summary closes a run. It is attached to the terminal event, including
// fatal and cancelled ones, and counts only documents that were staged.
type Summary struct {
	BatchID       string   `json:"batch_id"`
	Documents     int      `json:"documents"`
	Failed        int      `json:"failed"`
	Chunks        int      `json:"chunks"`
	Entities      int      `json:"entities"`
	Relationships int      `json:"relationships"`
	Promoted      int      `json:"promoted"`
	Warnings      []string `json:"warnings"`
	DocumentIDs   []string `json:"document_ids"`
	SessionID     string   `json:"session_id,omitempty"`
	DurationMS    int64    `json:"duration_ms"`
}

// Drain reads events until the stream closes and returns them all. The
// last element is the terminal event.
func Drain(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}
