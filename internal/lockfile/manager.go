package lockfile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"buildlock/internal/logging"
)

// ErrInvalidReason is returned when an acquire is attempted with an empty,
// multi-line, or over-long reason. This is a caller error, rejected before
// any disk I/O, never a lock failure.
var ErrInvalidReason = errors.New("invalid lock reason")

// Default tuning values, overridable via Manager options.
const (
	// DefaultMaxReasonLength bounds the caller-supplied reason text.
	DefaultMaxReasonLength = 256

	// DefaultMutexRetryInterval is the sleep between sentinel creation
	// attempts while another process holds the mutex.
	DefaultMutexRetryInterval = 25 * time.Millisecond

	// DefaultMutexStaleAfter is how old a sentinel stamp may be before a
	// contending waiter steals it regardless of owner liveness.
	DefaultMutexStaleAfter = 30 * time.Second

	// DefaultPollInterval is the waiter's safety re-check cadence.
	DefaultPollInterval = 10 * time.Second
)

// BlockedBy summarizes the holder that made an acquire call wait.
type BlockedBy struct {
	Reason   string
	Command  string
	LockID   string
	LockedAt *time.Time
	Waited   time.Duration
}

// Acquisition is the result of a granted Acquire call.
type Acquisition struct {
	Path          string
	Entry         Entry
	QueueDepth    int
	QueuePosition int

	// BlockedBy is set whenever the call was not immediately granted.
	BlockedBy *BlockedBy

	// StatusText is a precomposed human-readable status block including
	// release instructions.
	StatusText string
}

// ReleaseResult reports the outcome of a Release call.
type ReleaseResult struct {
	Released bool
	Info     *Entry

	// Remaining is how many entries stayed queued after the pop; the new
	// head, if any, has been promoted.
	Remaining int
}

// HolderSnapshot is a diagnostic view of one active lock's current holder.
type HolderSnapshot struct {
	Path       string
	Entry      Entry
	QueueDepth int
}

// ForceReleaseResult reports what an emergency ForceReleaseAll cleared.
type ForceReleaseResult struct {
	Count   int
	Details []HolderSnapshot
}

// Manager is the public lock facade composing identity resolution, the
// on-disk queue, and the wait/wake coordinator.
type Manager struct {
	store        *Store
	logger       *logging.Logger
	maxReasonLen int
	pollInterval time.Duration
}

// Option configures a Manager.
type Option func(*managerConfig)

type managerConfig struct {
	logger       *logging.Logger
	maxReasonLen int
	mutexRetry   time.Duration
	staleAfter   time.Duration
	pollInterval time.Duration
}

// WithLogger sets the logger used for diagnostics. Defaults to a no-op.
func WithLogger(logger *logging.Logger) Option {
	return func(c *managerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxReasonLength overrides the maximum accepted reason length.
func WithMaxReasonLength(n int) Option {
	return func(c *managerConfig) {
		if n > 0 {
			c.maxReasonLen = n
		}
	}
}

// WithMutexRetryInterval overrides the sentinel spin interval.
func WithMutexRetryInterval(d time.Duration) Option {
	return func(c *managerConfig) {
		if d > 0 {
			c.mutexRetry = d
		}
	}
}

// WithMutexStaleAfter overrides the sentinel staleness threshold.
func WithMutexStaleAfter(d time.Duration) Option {
	return func(c *managerConfig) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithPollInterval overrides the waiter's safety re-check cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *managerConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewManager creates a Manager operating on the given lock directory,
// creating the directory if it does not exist.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	cfg := &managerConfig{
		logger:       logging.NopLogger(),
		maxReasonLen: DefaultMaxReasonLength,
		mutexRetry:   DefaultMutexRetryInterval,
		staleAfter:   DefaultMutexStaleAfter,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store, err := NewStore(dir, cfg.logger, cfg.mutexRetry, cfg.staleAfter)
	if err != nil {
		return nil, err
	}

	return &Manager{
		store:        store,
		logger:       cfg.logger,
		maxReasonLen: cfg.maxReasonLen,
		pollInterval: cfg.pollInterval,
	}, nil
}

// Dir returns the lock directory the manager operates on.
func (m *Manager) Dir() string {
	return m.store.Dir()
}

// Acquire queues for the target's lock and blocks until this caller holds
// it or ctx is cancelled. One entry ID is generated for the whole call, so
// the repeated enqueue after each wake-up is idempotent. FIFO order among
// concurrent acquirers is defined by whose enqueue serializes first under
// the mutex sentinel.
func (m *Manager) Acquire(ctx context.Context, target, reason, command string) (*Acquisition, error) {
	reason, err := m.validateReason(reason)
	if err != nil {
		return nil, err
	}

	identity := ResolveIdentity(target)
	entry := Entry{
		ID:        uuid.NewString(),
		Reason:    reason,
		Command:   command,
		CreatedAt: time.Now().UTC(),
	}

	log := m.logger.WithResource(target)
	var blockedBy *BlockedBy
	var waitStart time.Time

	for {
		position, queue, err := m.store.Upsert(ctx, identity, target, entry)
		if err != nil {
			return nil, err
		}

		if position == 0 {
			if blockedBy != nil {
				blockedBy.Waited = time.Since(waitStart)
			}
			acq := &Acquisition{
				Path:          target,
				Entry:         queue[0],
				QueueDepth:    len(queue),
				QueuePosition: 0,
				BlockedBy:     blockedBy,
			}
			acq.StatusText = m.statusText(acq)
			log.Info("lock acquired",
				"lock_id", acq.Entry.ID,
				"command", command,
				"queue_depth", acq.QueueDepth,
				"waited", acquireWait(blockedBy).String(),
			)
			return acq, nil
		}

		if blockedBy == nil {
			head := queue[0]
			blockedBy = &BlockedBy{
				Reason:   head.Reason,
				Command:  head.Command,
				LockID:   head.ID,
				LockedAt: head.LockedAt,
			}
			waitStart = time.Now()
			log.Info("waiting for lock",
				"lock_id", entry.ID,
				"position", position,
				"blocked_by", head.Reason,
			)
		}

		if err := m.store.waitUntilHead(ctx, identity, entry.ID, m.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Release pops the target's current holder and promotes the next waiter.
// Releasing a target that holds no lock is not an error; the result simply
// reports Released=false.
func (m *Manager) Release(target string) (*ReleaseResult, error) {
	identity := ResolveIdentity(target)

	released, depth, err := m.store.PopHead(context.Background(), identity)
	if err != nil {
		return nil, err
	}
	if released == nil {
		return &ReleaseResult{Released: false}, nil
	}

	m.logger.WithResource(target).Info("lock released",
		"lock_id", released.ID,
		"remaining", depth-1,
	)
	return &ReleaseResult{
		Released:  true,
		Info:      released,
		Remaining: depth - 1,
	}, nil
}

// List returns the current holder of every active lock, sorted by target
// path. Empty and corrupt state files are skipped.
func (m *Manager) List() ([]HolderSnapshot, error) {
	identities, err := m.store.Identities()
	if err != nil {
		return nil, err
	}

	var holders []HolderSnapshot
	for _, identity := range identities {
		state := m.store.SnapshotState(identity)
		if state == nil || len(state.Queue) == 0 {
			continue
		}
		holders = append(holders, HolderSnapshot{
			Path:       state.Path,
			Entry:      state.Queue[0],
			QueueDepth: len(state.Queue),
		})
	}

	sort.Slice(holders, func(i, j int) bool {
		return holders[i].Path < holders[j].Path
	})
	return holders, nil
}

// ForceReleaseAll deletes every state file and sentinel in the lock
// directory regardless of queue contents, returning what was cleared.
// This is an emergency operation for manual recovery after a stuck process.
func (m *Manager) ForceReleaseAll() (*ForceReleaseResult, error) {
	holders, err := m.List()
	if err != nil {
		return nil, err
	}
	if err := m.store.RemoveAll(); err != nil {
		return nil, err
	}

	m.logger.Warn("force-released all locks", "count", len(holders))
	return &ForceReleaseResult{
		Count:   len(holders),
		Details: holders,
	}, nil
}

// validateReason trims and checks the caller-supplied reason.
func (m *Manager) validateReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", fmt.Errorf("%w: reason must not be empty", ErrInvalidReason)
	}
	if strings.ContainsAny(reason, "\r\n") {
		return "", fmt.Errorf("%w: reason must be a single line", ErrInvalidReason)
	}
	if len(reason) > m.maxReasonLen {
		return "", fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidReason, m.maxReasonLen)
	}
	return reason, nil
}

// statusText composes the human-readable status block for a granted lock.
func (m *Manager) statusText(acq *Acquisition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Lock acquired on %s\n", acq.Path)
	fmt.Fprintf(&b, "  Reason:   %s\n", acq.Entry.Reason)
	fmt.Fprintf(&b, "  Command:  %s\n", acq.Entry.Command)
	fmt.Fprintf(&b, "  Queue:    %s\n", queueDepthText(acq.QueueDepth))
	fmt.Fprintf(&b, "  Lock ID:  %s\n", acq.Entry.ID)
	if acq.Entry.LockedAt != nil {
		fmt.Fprintf(&b, "  Locked:   %s\n", acq.Entry.LockedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Release with: buildlock release %s\n", acq.Path)
	fmt.Fprintf(&b, "Or from the orchestration layer: releaseLock(%q)", acq.Path)
	return b.String()
}

// queueDepthText renders the queue depth in plain language.
func queueDepthText(depth int) string {
	switch depth {
	case 1:
		return "you are the only holder"
	case 2:
		return "1 waiter is queued behind you"
	default:
		return fmt.Sprintf("%d waiters are queued behind you", depth-1)
	}
}

// acquireWait reports how long an acquire call waited, zero for immediate
// grants.
func acquireWait(blockedBy *BlockedBy) time.Duration {
	if blockedBy == nil {
		return 0
	}
	return blockedBy.Waited
}
