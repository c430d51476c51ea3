package lockfile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrEntryVanished is returned when a waited-for entry disappears from the
// queue without having been popped by its own release. An entry may only
// leave the queue from position 0; anything else is a violated invariant,
// not a normal race.
var ErrEntryVanished = errors.New("lockfile: queue entry vanished while waiting")

// waitUntilHead blocks until the entry reaches position 0 in the identity's
// queue. Filesystem change notification provides low-latency wake-up; the
// periodic re-check is the correctness backstop on platforms where
// notifications are unreliable or unsupported. The watcher and ticker are
// torn down before returning, on every path.
func (s *Store) waitUntilHead(ctx context.Context, identity, entryID string, poll time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("lockfile: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory, not the state file: the file is replaced by
	// rename and deleted on empty queues, which would drop a file watch.
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("lockfile: watch lock directory: %w", err)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	statePath := s.statePath(identity)
	mutexPath := s.mutexPath(identity)

	// The state may already have changed between the enqueue and the watch
	// registration.
	if done, err := s.checkHead(identity, entryID); done || err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("lockfile: watcher closed while waiting")
			}
			if event.Name != statePath && event.Name != mutexPath {
				continue
			}
			if done, err := s.checkHead(identity, entryID); done || err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("lockfile: watcher closed while waiting")
			}
			// The poll tick still guarantees progress.
			s.logger.Warn("lock watcher error", "identity", identity, "error", err.Error())

		case <-ticker.C:
			if done, err := s.checkHead(identity, entryID); done || err != nil {
				return err
			}
		}
	}
}

// checkHead re-reads the queue and reports whether the entry has been
// promoted to head. The read is lock-free: a stale observation only delays
// the waiter until the next event or tick, it never grants the lock early,
// because the caller re-upserts under the mutex before treating the lock as
// held.
func (s *Store) checkHead(identity, entryID string) (bool, error) {
	state := s.SnapshotState(identity)
	if state == nil {
		return false, ErrEntryVanished
	}
	for i := range state.Queue {
		if state.Queue[i].ID == entryID {
			return i == 0, nil
		}
	}
	return false, ErrEntryVanished
}
