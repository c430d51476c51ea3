package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"buildlock/internal/logging"
)

const (
	// stateExt is the extension of persisted lock state files.
	stateExt = ".lock"

	// mutexExt is appended to a state file name to form its sentinel.
	mutexExt = ".mutex"
)

// Store performs the on-disk queue operations for one lock directory. All
// mutations run under the per-identity mutex sentinel; reads for diagnostics
// do not.
type Store struct {
	dir        string
	logger     *logging.Logger
	mutexRetry time.Duration
	staleAfter time.Duration
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
func NewStore(dir string, logger *logging.Logger, mutexRetry, staleAfter time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: create lock directory: %w", err)
	}
	return &Store{
		dir:        dir,
		logger:     logger,
		mutexRetry: mutexRetry,
		staleAfter: staleAfter,
	}, nil
}

// Dir returns the lock directory this store operates on.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) statePath(identity string) string {
	return filepath.Join(s.dir, identity+stateExt)
}

func (s *Store) mutexPath(identity string) string {
	return s.statePath(identity) + mutexExt
}

// Upsert inserts the entry into the target's queue, or updates it in place
// if an entry with the same ID already exists, then stamps the head's
// LockedAt if it is still unset and persists. It returns the entry's
// zero-based queue position and a copy of the resulting queue.
func (s *Store) Upsert(ctx context.Context, identity, target string, entry Entry) (int, []Entry, error) {
	var position int
	var queue []Entry

	err := s.withMutex(ctx, identity, func() error {
		state, err := s.readState(identity)
		if err != nil {
			return err
		}
		if state == nil {
			state = &State{Version: StateVersion, Path: target}
		}

		position = -1
		for i := range state.Queue {
			if state.Queue[i].ID == entry.ID {
				state.Queue[i].Reason = entry.Reason
				state.Queue[i].Command = entry.Command
				position = i
				break
			}
		}
		if position == -1 {
			state.Queue = append(state.Queue, entry)
			position = len(state.Queue) - 1
		}

		promoteHead(state)

		if err := s.writeState(identity, state); err != nil {
			return err
		}
		queue = append([]Entry(nil), state.Queue...)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return position, queue, nil
}

// PopHead removes the current holder from the target's queue, promotes the
// new head, and persists (deleting the state file entirely when the queue
// empties). It returns the popped entry and the queue depth before the pop,
// or (nil, 0) when there was nothing to release.
func (s *Store) PopHead(ctx context.Context, identity string) (*Entry, int, error) {
	var released *Entry
	var depth int

	err := s.withMutex(ctx, identity, func() error {
		state, err := s.readState(identity)
		if err != nil {
			return err
		}
		if state == nil || len(state.Queue) == 0 {
			return nil
		}

		depth = len(state.Queue)
		head := state.Queue[0]
		released = &head
		state.Queue = state.Queue[1:]

		promoteHead(state)
		return s.writeState(identity, state)
	})
	if err != nil {
		return nil, 0, err
	}
	return released, depth, nil
}

// SnapshotState returns a lock-free read of the target's current state, or
// nil when the target is unlocked. The snapshot may be stale relative to a
// concurrent rewrite; callers use it for diagnostics only.
func (s *Store) SnapshotState(identity string) *State {
	state, err := s.readState(identity)
	if err != nil {
		s.logger.Warn("snapshot read failed", "identity", identity, "error", err.Error())
		return nil
	}
	return state
}

// Identities enumerates the identities of all state files currently present
// in the lock directory, skipping mutex sentinels and temp files.
func (s *Store) Identities() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("lockfile: read lock directory: %w", err)
	}

	var identities []string
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, stateExt) {
			continue
		}
		identities = append(identities, strings.TrimSuffix(name, stateExt))
	}
	return identities, nil
}

// RemoveAll deletes every state file and sentinel in the lock directory.
// Emergency recovery only; queued waiters are abandoned without notice.
func (s *Store) RemoveAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("lockfile: read lock directory: %w", err)
	}
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		if strings.HasSuffix(name, stateExt) || strings.HasSuffix(name, mutexExt) {
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("lockfile: remove %s: %w", name, err)
			}
		}
	}
	return nil
}

// promoteHead stamps LockedAt on the queue head if it has not been stamped.
// Exactly one entry per state carries a non-nil LockedAt: the head.
func promoteHead(state *State) {
	if len(state.Queue) > 0 && state.Queue[0].LockedAt == nil {
		now := time.Now().UTC()
		state.Queue[0].LockedAt = &now
	}
}

// readState loads and decodes a state file. A missing file means unlocked
// and yields (nil, nil). A corrupt or schema-invalid file is logged and
// likewise treated as unlocked: losing a lock is recoverable by re-queueing,
// while failing a caller's build pipeline is not. Any other I/O error
// propagates.
func (s *Store) readState(identity string) (*State, error) {
	data, err := os.ReadFile(s.statePath(identity))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lockfile: read state: %w", err)
	}

	state, err := DecodeState(data)
	if err != nil {
		s.logger.Warn("ignoring corrupt lock state",
			"identity", identity,
			"error", err.Error(),
		)
		return nil, nil
	}
	return state, nil
}

// writeState persists a state, deleting the file when the queue is empty so
// that absence of the file remains the one representation of "unlocked".
func (s *Store) writeState(identity string, state *State) error {
	path := s.statePath(identity)

	if len(state.Queue) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("lockfile: remove empty state: %w", err)
		}
		return nil
	}

	data, err := EncodeState(state)
	if err != nil {
		return err
	}
	return atomicWriteFile(path, data, 0o644)
}

// atomicWriteFile writes data to a temporary file in the target's directory
// and renames it over the target. Concurrent readers observe either the
// fully-old or fully-new contents, even if this process is killed mid-write;
// an interrupted write merely orphans the temp file.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("lockfile: create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("lockfile: write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("lockfile: sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("lockfile: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("lockfile: set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("lockfile: rename temp file: %w", err)
	}

	success = true
	return nil
}
