package wal

import "github.com/ChuLiYu/cdc-scheduler/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventJobSnapshot EventType = "JOB_SNAPSHOT" // Full encoded state of one job
	EventJobDrop     EventType = "JOB_DROP"     // Job removed from the registry
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64      `json:"seq"`               // Event sequence number (monotonically increasing)
	Type      EventType   `json:"type"`              // Event type
	JobID     types.JobID `json:"job_id"`            // Job the event belongs to
	Timestamp int64       `json:"timestamp"`         // Unix millisecond timestamp
	Payload   []byte      `json:"payload,omitempty"` // Encoded job state, empty for drops
	Checksum  uint64      `json:"checksum"`          // xxhash64 of type, job, seq and payload
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
