package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// mutexStamp identifies the owner of a mutex sentinel file so that waiters
// can recover from a sentinel orphaned by a crashed process. Token is unique
// per acquisition; release only removes a sentinel still carrying its own
// token, so an owner robbed by a stale-steal cannot delete its successor's
// sentinel.
type mutexStamp struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// withMutex runs fn while holding the exclusive sentinel for the identity.
// Across all cooperating processes at most one fn executes at a time per
// identity. This is a spinlock: hold times are bounded to a single
// read-modify-write of a small state file, never to a caller-visible
// operation, so brief retry sleeps are acceptable.
func (s *Store) withMutex(ctx context.Context, identity string, fn func() error) error {
	path := s.mutexPath(identity)
	token, err := s.acquireMutex(ctx, path)
	if err != nil {
		return err
	}
	defer s.releaseMutex(path, token)

	return fn()
}

// acquireMutex spins until it atomically creates the sentinel file, returning
// the acquisition token stamped into it. A sentinel whose owner is gone, or
// whose owner cannot be probed and whose stamp is older than the staleness
// threshold, is stolen.
func (s *Store) acquireMutex(ctx context.Context, path string) (string, error) {
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			token, err := stampMutex(f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				// An unstamped sentinel would wedge every waiter until the
				// staleness threshold; give it up rather than hold it blind.
				_ = os.Remove(path)
				return "", fmt.Errorf("lockfile: stamp mutex sentinel: %w", err)
			}
			return token, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("lockfile: create mutex sentinel: %w", err)
		}

		if s.stealIfStale(path) {
			continue
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.mutexRetry):
		}
	}
}

// stampMutex writes the owner stamp into a freshly created sentinel and
// returns the acquisition token it recorded.
func stampMutex(f *os.File) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	token := uuid.NewString()
	data, err := json.Marshal(mutexStamp{
		PID:       os.Getpid(),
		Hostname:  hostname,
		Token:     token,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return token, nil
}

// releaseMutex removes the sentinel only while it still carries this
// acquisition's token. If a stale-steal replaced the sentinel mid-critical-
// section, the robbed owner must leave the successor's sentinel alone.
func (s *Store) releaseMutex(path, token string) {
	stamp, err := readMutexStamp(path)
	if err != nil || stamp.Token != token {
		return
	}
	_ = os.Remove(path)
}

// stealIfStale removes an orphaned sentinel and reports whether it did.
// A sentinel is orphaned when its owning process on this host is gone, or
// when its owner cannot be probed (another host, or an unreadable stamp,
// falling back to mtime) and the stamp is older than the staleness threshold.
// A live owner on this host is never robbed, however old its stamp.
func (s *Store) stealIfStale(path string) bool {
	stamp, err := readMutexStamp(path)
	if err != nil {
		// Unreadable stamp: the creating process may be between O_EXCL and
		// write. Only steal on age evidence from the file itself.
		info, statErr := os.Stat(path)
		if statErr != nil || time.Since(info.ModTime()) < s.staleAfter {
			return false
		}
		s.logger.Warn("stealing unreadable mutex sentinel", "path", path)
		return s.stealSentinel(path)
	}

	hostname, _ := os.Hostname()
	if stamp.Hostname == hostname {
		if isProcessAlive(stamp.PID) {
			return false
		}
		s.logger.Warn("stealing mutex sentinel from dead process",
			"path", path,
			"owner_pid", stamp.PID,
		)
		return s.stealSentinel(path)
	}

	if age := time.Since(stamp.CreatedAt); age > s.staleAfter {
		s.logger.Warn("stealing stale mutex sentinel",
			"path", path,
			"owner_pid", stamp.PID,
			"owner_host", stamp.Hostname,
			"age", age.String(),
		)
		return s.stealSentinel(path)
	}
	return false
}

// stealSentinel takes a sentinel out of service by renaming it to a unique
// name and deleting the renamed file. The rename is the commit point: of any
// number of concurrent stealers whose staleness decisions targeted the same
// file, exactly one rename succeeds, and a sentinel created at the path after
// the steal can never be deleted by the losers.
func (s *Store) stealSentinel(path string) bool {
	robbed := path + ".steal-" + uuid.NewString()
	if err := os.Rename(path, robbed); err != nil {
		return false
	}
	_ = os.Remove(robbed)
	return true
}

// readMutexStamp reads and parses the owner stamp of a sentinel file.
func readMutexStamp(path string) (*mutexStamp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var stamp mutexStamp
	if err := json.Unmarshal(data, &stamp); err != nil {
		return nil, fmt.Errorf("lockfile: parse mutex stamp: %w", err)
	}
	if stamp.PID == 0 {
		return nil, fmt.Errorf("lockfile: mutex stamp missing pid")
	}
	return &stamp, nil
}

// isProcessAlive checks whether a process with the given PID exists.
// Signal 0 probes for existence without affecting the target; EPERM means
// the process exists but belongs to another user, so it counts as alive.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
