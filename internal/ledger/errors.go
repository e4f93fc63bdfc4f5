package ledger

import "fmt"

// ChainOrderingViolationError rejects an append whose prev_event_hash does
// not match the current chain head. Never corrected silently.
type ChainOrderingViolationError struct {
	Expected string
	Actual   string
}

func (e *ChainOrderingViolationError) Error() string {
	return fmt.Sprintf("chain ordering violation: expected prev_hash %s, got %s", e.Expected, e.Actual)
}

// SequenceViolationError reports a gap or duplication in seq_no assignment.
type SequenceViolationError struct {
	Expected uint64
	Actual   uint64
}

func (e *SequenceViolationError) Error() string {
	return fmt.Sprintf("sequence violation: expected %d, got %d", e.Expected, e.Actual)
}

// DuplicateSequenceError reports a uniqueness violation on seq_no.
type DuplicateSequenceError struct {
	SeqNo uint64
}

func (e *DuplicateSequenceError) Error() string {
	return fmt.Sprintf("duplicate sequence number: %d", e.SeqNo)
}

// DuplicateEventIDError reports a uniqueness violation on event_id.
type DuplicateEventIDError struct {
	EventID string
}

func (e *DuplicateEventIDError) Error() string {
	return fmt.Sprintf("duplicate event id: %s", e.EventID)
}

// EventNotFoundError reports a lookup for a seq_no with no row.
type EventNotFoundError struct {
	SeqNo uint64
}

func (e *EventNotFoundError) Error() string {
	return fmt.Sprintf("event not found: seq_no=%d", e.SeqNo)
}

// CorruptionDetectedError flips the ledger fail-closed: reads continue for
// forensics, appends are rejected.
type CorruptionDetectedError struct {
	Detail string
}

func (e *CorruptionDetectedError) Error() string {
	return fmt.Sprintf("ledger corrupted: %s", e.Detail)
}

// InvalidEventError rejects a structurally malformed event before any I/O.
type InvalidEventError struct {
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid event: %s", e.Reason)
}
