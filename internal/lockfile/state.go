package lockfile

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateVersion is the current schema version written to state files.
const StateVersion = 1

// Entry is one waiter or holder in a lock queue.
type Entry struct {
	// ID is a unique token generated per acquisition attempt. Re-submitting
	// the same ID updates the existing entry instead of duplicating it.
	ID string `json:"id"`

	// Reason is the caller-supplied, single-line description of the work.
	Reason string `json:"reason"`

	// Command names the operation requesting the lock (diagnostic only).
	Command string `json:"command"`

	// CreatedAt is when the entry first entered the queue.
	CreatedAt time.Time `json:"createdAt"`

	// LockedAt is when the entry became queue head; nil while waiting.
	LockedAt *time.Time `json:"lockedAt,omitempty"`
}

// Held reports whether the entry currently holds the lock.
func (e Entry) Held() bool {
	return e.LockedAt != nil
}

// State is the persisted aggregate for one lock target. Index 0 of Queue is
// always the current holder. A State with an empty queue has no on-disk
// representation.
type State struct {
	Version int     `json:"version"`
	Path    string  `json:"path"`
	Queue   []Entry `json:"queue"`
}

// EncodeState serializes a state to its on-disk JSON form. Free-text fields
// are escaped by the JSON encoder, so control characters in reasons or paths
// cannot corrupt the format.
func EncodeState(s *State) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("lockfile: encode state: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeState parses an on-disk state payload. It returns an error for
// unparsable payloads and for payloads missing the mandatory path field;
// callers treat both as "no lock held" rather than failing hard. Unknown
// fields are ignored for forward compatibility.
func DecodeState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("lockfile: decode state: %w", err)
	}
	if s.Path == "" {
		return nil, fmt.Errorf("lockfile: decode state: missing path field")
	}
	return &s, nil
}
