package wishwell

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Queued Actions
// ============================================================================

// QueuedAction is a user action captured while the network was unavailable.
// Immutable once enqueued, except for Attempts.
type QueuedAction struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	Attempts       int             `json:"attempts"`
}

// Outcome classifies one replay attempt of a queued action.
type Outcome int

const (
	// OutcomeOK: the action succeeded and is removed from the queue.
	OutcomeOK Outcome = iota
	// OutcomeRetryable: transient failure; the action stays at the head of
	// the queue and draining stops until the next attempt.
	OutcomeRetryable
	// OutcomeFatal: the server rejected the action; it is removed and
	// reported, never retried.
	OutcomeFatal
)

// ActionExecutor replays one queued action against the network. Executors
// must be idempotent: a crash after success but before removal re-attempts
// the same action on restart.
type ActionExecutor func(ctx context.Context, a *QueuedAction) (Outcome, error)

// DroppedAction is a fatally rejected action surfaced for user-visible
// reporting.
type DroppedAction struct {
	Action QueuedAction
	Err    error
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Completed int
	Dropped   []DroppedAction
	// Blocked is set when draining stopped on a retryable failure; the
	// head action is retried on the next pass.
	Blocked    bool
	BlockedErr error
}

// ============================================================================
// ActionQueue
// ============================================================================

// ActionQueue is an ordered, durable queue of pending actions. The in-memory
// sequence is authoritative for the session; every mutation is written back
// to the Store as a single value so the queue survives restarts. Storage
// failures degrade durability but never drop in-memory entries.
type ActionQueue struct {
	store Store
	key   string

	// Logf, when set, receives storage degradation notices.
	Logf func(format string, args ...any)

	mu       sync.Mutex
	actions  []*QueuedAction
	loaded   bool
	draining bool
}

// NewActionQueue creates a queue persisting under the offline-action-queue
// key of the given store.
func NewActionQueue(store Store) *ActionQueue {
	return &ActionQueue{store: store, key: KeyActionQueue}
}

// Load restores the persisted sequence. Calling it more than once is a
// no-op; Enqueue and Drain load lazily if needed.
func (q *ActionQueue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

func (q *ActionQueue) loadLocked(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	data, err := q.store.Get(ctx, q.key)
	if err != nil {
		q.logf("action queue restore failed, starting empty: %v", err)
		q.loaded = true
		return err
	}
	if data != nil {
		var actions []*QueuedAction
		if err := json.Unmarshal(data, &actions); err != nil {
			q.logf("action queue corrupt, starting empty: %v", err)
		} else {
			q.actions = actions
		}
	}
	q.loaded = true
	return nil
}

// Enqueue appends an action and returns its ID. It never blocks on the
// network. The payload is serialized immediately so later mutation of the
// caller's value cannot change what replays.
func (q *ActionQueue) Enqueue(ctx context.Context, kind string, payload any) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		raw = b
	}

	id := uuid.NewString()
	a := &QueuedAction{
		ID:             id,
		Kind:           kind,
		Payload:        raw,
		IdempotencyKey: "ww-" + id,
		EnqueuedAt:     time.Now().UTC(),
	}

	q.mu.Lock()
	q.loadLocked(ctx)
	q.actions = append(q.actions, a)
	q.persistLocked(ctx)
	q.mu.Unlock()

	return id, nil
}

// PeekAll returns a snapshot of pending actions in insertion order.
func (q *ActionQueue) PeekAll(ctx context.Context) []QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked(ctx)
	out := make([]QueuedAction, len(q.actions))
	for i, a := range q.actions {
		out[i] = *a
	}
	return out
}

// Len returns the number of pending actions.
func (q *ActionQueue) Len(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked(ctx)
	return len(q.actions)
}

// Drain replays pending actions strictly in insertion order, one at a time.
// A retryable failure stops the pass with the failed action still at the
// head; a fatal failure removes the action and records it in the report.
// Only one drain runs at a time; a concurrent call returns an empty report.
func (q *ActionQueue) Drain(ctx context.Context, exec ActionExecutor) *DrainReport {
	q.mu.Lock()
	q.loadLocked(ctx)
	if q.draining {
		q.mu.Unlock()
		return &DrainReport{}
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	report := &DrainReport{}
	for {
		if ctx.Err() != nil {
			// Connection dropped mid-drain: leave the head untouched so
			// it is retried on the next reconnect.
			report.Blocked = true
			report.BlockedErr = ctx.Err()
			return report
		}

		q.mu.Lock()
		if len(q.actions) == 0 {
			q.mu.Unlock()
			return report
		}
		head := q.actions[0]
		q.mu.Unlock()

		outcome, err := exec(ctx, head)
		if ctx.Err() != nil {
			report.Blocked = true
			report.BlockedErr = ctx.Err()
			return report
		}

		switch outcome {
		case OutcomeOK:
			q.mu.Lock()
			q.removeHeadLocked(ctx, head.ID)
			q.mu.Unlock()
			report.Completed++
		case OutcomeFatal:
			q.mu.Lock()
			q.removeHeadLocked(ctx, head.ID)
			q.mu.Unlock()
			report.Dropped = append(report.Dropped, DroppedAction{Action: *head, Err: err})
		default:
			q.mu.Lock()
			head.Attempts++
			q.persistLocked(ctx)
			q.mu.Unlock()
			report.Blocked = true
			report.BlockedErr = err
			return report
		}
	}
}

func (q *ActionQueue) removeHeadLocked(ctx context.Context, id string) {
	if len(q.actions) > 0 && q.actions[0].ID == id {
		q.actions = q.actions[1:]
		q.persistLocked(ctx)
	}
}

func (q *ActionQueue) persistLocked(ctx context.Context) {
	data, err := json.Marshal(q.actions)
	if err != nil {
		q.logf("action queue serialize failed: %v", err)
		return
	}
	if err := q.store.Set(ctx, q.key, data); err != nil {
		q.logf("action queue persist failed, queue is memory-only this session: %v", err)
	}
}

func (q *ActionQueue) logf(format string, args ...any) {
	if q.Logf != nil {
		q.Logf(format, args...)
	}
}
