package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the records written to the journal
// ============================================================================

import "encoding/json"

// EventType names the store mutation an event carries.
type EventType string

const (
	EventJobCreated       EventType = "JOB_CREATED"       // payload: types.Job
	EventJobUpdated       EventType = "JOB_UPDATED"       // payload: types.Job
	EventSegmentsAppended EventType = "SEGMENTS_APPENDED" // payload: []types.Segment
	EventSegmentUpdated   EventType = "SEGMENT_UPDATED"   // payload: types.Segment
	EventResultsAppended  EventType = "RESULTS_APPENDED"  // payload: []types.ResultRecord
)

// Event is one line of the journal.
type Event struct {
	Seq       uint64          `json:"seq"`       // monotonically increasing, survives truncation
	Type      EventType       `json:"type"`      // mutation kind
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload"`   // mutation body, decoded by the owner
	Checksum  uint32          `json:"checksum"`  // CRC32 over seq, type and payload
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler applies a replayed event. Returning an error aborts Replay.
type EventHandler func(event Event) error
