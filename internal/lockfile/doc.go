// Package lockfile implements a filesystem-backed exclusive lock with a FIFO
// waiter queue, shared between otherwise unrelated processes.
//
// A build resource (an IDE project) can only be driven by one process at a
// time, but exposes no locking of its own. This package enforces exclusion
// entirely through the filesystem: each lock target resolves to one state
// file holding an ordered queue of waiters, index 0 being the current
// holder. Absence of the state file means the target is unlocked.
//
// # Architecture
//
// Resolution of a target path to a stable on-disk name is handled by
// [ResolveIdentity]. Queue mutations are read-modify-write cycles on the
// state file, serialized across processes by a short-lived sentinel file
// created with O_EXCL. State writes go to a temp file followed by an atomic
// rename, so readers never observe a partial write. Waiters block on
// fsnotify events for the lock directory with a periodic re-check as a
// backstop for platforms with unreliable change notification.
//
// # Basic Usage
//
//	mgr, err := lockfile.NewManager(dir)
//
//	acq, err := mgr.Acquire(ctx, "/tmp/App.xcodeproj", "Fix login bug", "build")
//	// ... drive the build ...
//	res, err := mgr.Release("/tmp/App.xcodeproj")
//
// # Concurrency
//
// Manager methods are safe for concurrent use from multiple goroutines and,
// more importantly, from multiple processes sharing the lock directory.
// Diagnostic reads (List, head snapshots) are lock-free and may observe a
// state mid-rewrite; they are advisory output, never control decisions.
package lockfile
