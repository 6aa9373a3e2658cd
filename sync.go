package wishwell

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState is the overall connectivity state shown to the UI, derived
// from the reachability hint and the realtime socket lifecycle.
type ConnectionState string

const (
	ConnOffline    ConnectionState = "offline"
	ConnConnecting ConnectionState = "connecting"
	ConnOnline     ConnectionState = "online"
)

// ============================================================================
// Event emitter
// ============================================================================

// SyncEventHandler handles coordinator events.
type SyncEventHandler func(event string, payload any)

// Coordinator events.
const (
	EventNetworkOnline    = "network.online"
	EventNetworkOffline   = "network.offline"
	EventQueueDrained     = "queue.drained"
	EventActionDropped    = "action.dropped"
	EventNotificationNew  = "notification.new"
	EventFeedPrimed       = "feed.primed"
	EventPledgeDelta      = "pledge.delta"
	EventVoteDelta        = "vote.delta"
	EventSessionAuthError = "session.auth-error"
)

type syncEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]SyncEventHandler
}

func (e *syncEmitter) On(event string, handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *syncEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

// ============================================================================
// Queued action payloads
// ============================================================================

// Queued action kinds replayed by the default executor.
const (
	ActionFollow      = "follow"
	ActionUnfollow    = "unfollow"
	ActionPledge      = "pledge"
	ActionProofVote   = "proof.vote"
	ActionMarkRead    = "notification.read"
	ActionMarkAllRead = "notification.read-all"
	ActionDeleteNotif = "notification.delete"
)

type followActionPayload struct {
	UserID string `json:"userId"`
}

type pledgeActionPayload struct {
	WishID string  `json:"wishId"`
	Amount float64 `json:"amount"`
}

type proofVoteActionPayload struct {
	ProofID string `json:"proofId"`
	InFavor bool   `json:"inFavor"`
}

type notificationActionPayload struct {
	ID string `json:"id"`
}

// ============================================================================
// Default executor
// ============================================================================

// NewRestExecutor maps queued action kinds onto the REST sub-clients and
// classifies each result per the retry taxonomy: network failures and 5xx
// are retryable, auth failures are retryable but preserved for a fresh
// session, any other 4xx is a semantic rejection and fatal for that action.
func NewRestExecutor(client *Client) ActionExecutor {
	return func(ctx context.Context, a *QueuedAction) (Outcome, error) {
		callCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()

		var result *Result
		var err error
		switch a.Kind {
		case ActionFollow:
			var p followActionPayload
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return OutcomeFatal, err
			}
			result, err = client.Social.Follow(callCtx, p.UserID)
		case ActionUnfollow:
			var p followActionPayload
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return OutcomeFatal, err
			}
			result, err = client.Social.Unfollow(callCtx, p.UserID)
		case ActionPledge:
			var p pledgeActionPayload
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return OutcomeFatal, err
			}
			// The idempotency key travels with the action, so a replay
			// after a crash cannot double-pledge.
			result, err = client.Pledges.Create(callCtx, p.WishID, p.Amount, a.IdempotencyKey)
		case ActionProofVote:
			var p proofVoteActionPayload
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return OutcomeFatal, err
			}
			result, err = client.Proofs.Vote(callCtx, p.ProofID, p.InFavor)
		case ActionMarkRead:
			var p notificationActionPayload
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return OutcomeFatal, err
			}
			result, err = client.Notifications.MarkRead(callCtx, p.ID)
		case ActionMarkAllRead:
			result, err = client.Notifications.MarkAllRead(callCtx)
		case ActionDeleteNotif:
			var p notificationActionPayload
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return OutcomeFatal, err
			}
			result, err = client.Notifications.Delete(callCtx, p.ID)
		default:
			return OutcomeFatal, errors.New("unknown action kind: " + a.Kind)
		}

		return classifyResult(result, err)
	}
}

// classifyResult translates a REST outcome into a replay outcome.
func classifyResult(result *Result, err error) (Outcome, error) {
	if err != nil {
		// Transport-level failure (timeout, reset, DNS): retryable.
		return OutcomeRetryable, err
	}
	if result.OK {
		return OutcomeOK, nil
	}
	switch {
	case result.Status == 401 || result.Status == 403:
		// Fatal for the session, not for the action: the queue is
		// preserved and retried once re-authenticated.
		return OutcomeRetryable, errorOrDefault(result.Error, ErrAuthRejected)
	case result.Status >= 500 || result.Status == 408 || result.Status == 429:
		return OutcomeRetryable, errorOrDefault(result.Error, errors.New("server error"))
	default:
		return OutcomeFatal, errorOrDefault(result.Error, errors.New("request rejected"))
	}
}

func errorOrDefault(apiErr *APIError, fallback error) error {
	if apiErr != nil {
		return apiErr
	}
	return fallback
}

// ============================================================================
// SyncCoordinator
// ============================================================================

// SyncCoordinatorOptions configures the coordinator. Zero-value fields get
// working defaults built from the client and store.
type SyncCoordinatorOptions struct {
	Monitor  *ConnectivityMonitor
	Channel  *RealtimeChannel
	Queue    *ActionQueue
	Feed     *NotificationStore
	Notifier *NativeNotifier
	// Executor replays queued actions (default NewRestExecutor(client)).
	Executor ActionExecutor
	// HistoryPageSize bounds the initial bulk fetch (default 50).
	HistoryPageSize int
	// DrainRetryBase / DrainRetryMax bound the backoff between drain
	// attempts after a soft failure (defaults 2s / 60s).
	DrainRetryBase time.Duration
	DrainRetryMax  time.Duration
	// FocusApp is invoked when a native notification click should bring
	// the application to the foreground.
	FocusApp func()
	// Logf receives lifecycle notices.
	Logf func(format string, args ...any)
}

// SyncCoordinator orchestrates the offline core: it is the only component
// that calls ActionQueue.Drain and RealtimeChannel.Connect. It drains on
// every online edge and on every socket connect (the socket is often a
// better reachability signal than the platform's online flag), coalescing
// concurrent drain requests into one single-flight loop with backoff.
type SyncCoordinator struct {
	syncEmitter

	client   *Client
	monitor  *ConnectivityMonitor
	channel  *RealtimeChannel
	queue    *ActionQueue
	feed     *NotificationStore
	notifier *NativeNotifier
	executor ActionExecutor

	historyPageSize int
	drainRetryBase  time.Duration
	drainRetryMax   time.Duration
	focusApp        func()
	logf            func(format string, args ...any)

	mu       sync.Mutex
	draining bool
	started  bool
	runCtx   context.Context
	cancelFn context.CancelFunc
}

// NewSyncCoordinator wires the offline core around a client and a durable
// store. The coordinator owns start/stop lifecycle; construct it in the
// application's composition root and keep a single instance per session.
func NewSyncCoordinator(client *Client, store Store, opts *SyncCoordinatorOptions) *SyncCoordinator {
	if opts == nil {
		opts = &SyncCoordinatorOptions{}
	}
	sc := &SyncCoordinator{
		syncEmitter:     syncEmitter{listeners: make(map[string][]SyncEventHandler)},
		client:          client,
		monitor:         opts.Monitor,
		channel:         opts.Channel,
		queue:           opts.Queue,
		feed:            opts.Feed,
		notifier:        opts.Notifier,
		executor:        opts.Executor,
		historyPageSize: opts.HistoryPageSize,
		drainRetryBase:  opts.DrainRetryBase,
		drainRetryMax:   opts.DrainRetryMax,
		focusApp:        opts.FocusApp,
		logf:            opts.Logf,
	}
	if sc.monitor == nil {
		sc.monitor = NewConnectivityMonitor()
	}
	if sc.channel == nil {
		sc.channel = NewRealtimeChannel(client.BaseURL(), &ChannelConfig{Logf: opts.Logf})
	}
	if sc.queue == nil {
		sc.queue = NewActionQueue(store)
		sc.queue.Logf = opts.Logf
	}
	if sc.feed == nil {
		sc.feed = NewNotificationStore(store, &NotificationStoreOptions{Logf: opts.Logf})
	}
	if sc.executor == nil {
		sc.executor = NewRestExecutor(client)
	}
	if sc.historyPageSize == 0 {
		sc.historyPageSize = 50
	}
	if sc.drainRetryBase == 0 {
		sc.drainRetryBase = 2 * time.Second
	}
	if sc.drainRetryMax == 0 {
		sc.drainRetryMax = 60 * time.Second
	}
	return sc
}

// Monitor returns the connectivity monitor, for hosts that feed a platform
// reachability signal into SetOnline.
func (sc *SyncCoordinator) Monitor() *ConnectivityMonitor { return sc.monitor }

// Channel returns the realtime channel, for topic subscriptions.
func (sc *SyncCoordinator) Channel() *RealtimeChannel { return sc.channel }

// Feed returns the notification store for UI snapshots.
func (sc *SyncCoordinator) Feed() *NotificationStore { return sc.feed }

// PendingActions returns a snapshot of queued actions, for "N pending" UI.
func (sc *SyncCoordinator) PendingActions() []QueuedAction {
	return sc.queue.PeekAll(sc.ctx())
}

// State derives the user-facing connection state.
func (sc *SyncCoordinator) State() ConnectionState {
	switch sc.channel.State() {
	case StateConnected:
		return ConnOnline
	case StateConnecting:
		return ConnConnecting
	}
	if sc.monitor.Online() {
		return ConnConnecting
	}
	return ConnOffline
}

// Start restores durable state, wires the signal paths, and begins the
// realtime connection. It is tied to session authentication; call Stop on
// logout.
func (sc *SyncCoordinator) Start(ctx context.Context) error {
	sc.mu.Lock()
	if sc.started {
		sc.mu.Unlock()
		return nil
	}
	sc.started = true
	sc.runCtx, sc.cancelFn = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := sc.runCtx
	sc.mu.Unlock()

	sc.queue.Load(runCtx)
	sc.feed.LoadCache(runCtx)

	sc.monitor.OnChange(func(online bool) {
		if online {
			sc.emit(EventNetworkOnline, nil)
			sc.requestDrain()
		} else {
			sc.emit(EventNetworkOffline, nil)
		}
	})

	sc.channel.OnStateChange(func(s ChannelState) {
		if s == StateConnected {
			// Socket connectivity beats the platform online hint.
			sc.monitor.SetOnline(true)
			sc.requestDrain()
			if !sc.feed.Primed() {
				go sc.RefreshFeed(runCtx)
			}
		}
	})

	sc.channel.OnAuthError(func(err error) {
		sc.emit(EventSessionAuthError, err)
	})

	sc.channel.OnEvent(sc.handleEvent)

	if sc.notifier != nil {
		sc.notifier.SetActivateHandler(func(id string) {
			sc.MarkRead(runCtx, id)
			if sc.focusApp != nil {
				sc.focusApp()
			}
		})
	}

	go sc.RefreshFeed(runCtx)
	if err := sc.channel.Connect(runCtx, sc.client.Token()); err != nil && errors.Is(err, ErrAuthRejected) {
		return err
	}
	return nil
}

// Stop tears down the coordinator on logout or unmount. Queue contents are
// preserved for the next session.
func (sc *SyncCoordinator) Stop() {
	sc.mu.Lock()
	if sc.cancelFn != nil {
		sc.cancelFn()
		sc.cancelFn = nil
	}
	sc.mu.Unlock()
	sc.channel.Close()
	sc.monitor.Stop()
}

func (sc *SyncCoordinator) ctx() context.Context {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.runCtx != nil {
		return sc.runCtx
	}
	return context.Background()
}

// ============================================================================
// Drain orchestration
// ============================================================================

// requestDrain coalesces drain triggers: one loop runs at a time, retrying
// soft failures with capped exponential backoff.
func (sc *SyncCoordinator) requestDrain() {
	sc.mu.Lock()
	if sc.draining {
		sc.mu.Unlock()
		return
	}
	sc.draining = true
	runCtx := sc.runCtx
	sc.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	go func() {
		defer func() {
			sc.mu.Lock()
			sc.draining = false
			sc.mu.Unlock()
		}()

		backoff := reconnector{baseDelay: sc.drainRetryBase, maxDelay: sc.drainRetryMax}
		for {
			if runCtx.Err() != nil {
				return
			}
			if !sc.monitor.Online() {
				return
			}

			report := sc.queue.Drain(runCtx, sc.executor)
			for _, d := range report.Dropped {
				sc.log("dropped action %s (%s): %v", d.Action.ID, d.Action.Kind, d.Err)
				sc.emit(EventActionDropped, d)
			}
			if report.Completed > 0 || len(report.Dropped) > 0 {
				sc.emit(EventQueueDrained, report)
			}
			if !report.Blocked {
				return
			}
			if errors.Is(report.BlockedErr, ErrAuthRejected) {
				// Preserved until the session layer re-authenticates.
				sc.emit(EventSessionAuthError, report.BlockedErr)
				return
			}

			// "Online" was a hint; treat the failure as soft and retry.
			delay := backoff.nextDelay()
			sc.log("drain blocked (%v), retrying in %s", report.BlockedErr, delay)
			select {
			case <-runCtx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()
}

// ============================================================================
// Realtime event handling
// ============================================================================

func (sc *SyncCoordinator) handleEvent(kind string, topic string, payload json.RawMessage) {
	switch kind {
	case EventNotification:
		var n Notification
		if err := json.Unmarshal(payload, &n); err != nil || n.ID == "" {
			return
		}
		inserted := sc.feed.Merge(sc.ctx(), n)
		if inserted {
			sc.emit(EventNotificationNew, n)
			if sc.notifier != nil && !n.Read {
				sc.notifier.MaybeNotify(n)
			}
		}
	case EventPledgeUpdate:
		var p PledgeUpdatePayload
		if json.Unmarshal(payload, &p) == nil {
			sc.emit(EventPledgeDelta, p)
		}
	case EventVoteUpdate:
		var p VoteUpdatePayload
		if json.Unmarshal(payload, &p) == nil {
			sc.emit(EventVoteDelta, p)
		}
	}
}

// RefreshFeed bulk-fetches notification history and primes the feed.
func (sc *SyncCoordinator) RefreshFeed(ctx context.Context) error {
	result, err := sc.client.Notifications.List(ctx, &PaginationOptions{Limit: sc.historyPageSize})
	if err != nil {
		sc.log("notification history fetch failed: %v", err)
		return err
	}
	if !result.OK {
		err := errorOrDefault(result.Error, errors.New("notification history fetch failed"))
		sc.log("%v", err)
		return err
	}
	var items []Notification
	if err := result.Decode(&items); err != nil {
		return err
	}
	sc.feed.Prime(ctx, items)
	sc.emit(EventFeedPrimed, len(items))
	return nil
}

// ============================================================================
// Offline-aware commands
// ============================================================================

// dispatch tries the network call when online and falls back to the queue on
// offline state or transient failure. All callers have already applied
// their optimistic local update.
func (sc *SyncCoordinator) dispatch(ctx context.Context, kind string, payload any, call func(context.Context) (*Result, error)) error {
	if sc.monitor.Online() {
		result, err := call(ctx)
		if err == nil {
			outcome, cause := classifyResult(result, nil)
			switch outcome {
			case OutcomeOK:
				return nil
			case OutcomeFatal:
				return cause
			}
			// Retryable falls through to the queue.
		}
	}
	_, err := sc.queue.Enqueue(ctx, kind, payload)
	if err != nil {
		return err
	}
	sc.requestDrain()
	return nil
}

// MarkRead marks a notification read locally, then syncs through the
// offline-aware path. Safe to retry unconditionally.
func (sc *SyncCoordinator) MarkRead(ctx context.Context, id string) error {
	sc.feed.MarkRead(ctx, id)
	return sc.dispatch(ctx, ActionMarkRead, notificationActionPayload{ID: id}, func(ctx context.Context) (*Result, error) {
		return sc.client.Notifications.MarkRead(ctx, id)
	})
}

// MarkAllRead marks the whole feed read locally, then syncs.
func (sc *SyncCoordinator) MarkAllRead(ctx context.Context) error {
	sc.feed.MarkAllRead(ctx)
	return sc.dispatch(ctx, ActionMarkAllRead, nil, func(ctx context.Context) (*Result, error) {
		return sc.client.Notifications.MarkAllRead(ctx)
	})
}

// DeleteNotification removes a notification locally, then syncs.
func (sc *SyncCoordinator) DeleteNotification(ctx context.Context, id string) error {
	sc.feed.Delete(ctx, id)
	return sc.dispatch(ctx, ActionDeleteNotif, notificationActionPayload{ID: id}, func(ctx context.Context) (*Result, error) {
		return sc.client.Notifications.Delete(ctx, id)
	})
}

// Follow follows a user through the offline-aware path. Naturally
// idempotent.
func (sc *SyncCoordinator) Follow(ctx context.Context, userID string) error {
	return sc.dispatch(ctx, ActionFollow, followActionPayload{UserID: userID}, func(ctx context.Context) (*Result, error) {
		return sc.client.Social.Follow(ctx, userID)
	})
}

// Unfollow unfollows a user through the offline-aware path.
func (sc *SyncCoordinator) Unfollow(ctx context.Context, userID string) error {
	return sc.dispatch(ctx, ActionUnfollow, followActionPayload{UserID: userID}, func(ctx context.Context) (*Result, error) {
		return sc.client.Social.Unfollow(ctx, userID)
	})
}

// Pledge pledges an amount against a wish. Pledges are not naturally
// idempotent, so they always go through the queue: the idempotency key is
// durable before the first network attempt, and a crash between attempt and
// acknowledgment cannot double-pledge.
func (sc *SyncCoordinator) Pledge(ctx context.Context, wishID string, amount float64) (string, error) {
	id, err := sc.queue.Enqueue(ctx, ActionPledge, pledgeActionPayload{WishID: wishID, Amount: amount})
	if err != nil {
		return "", err
	}
	if sc.monitor.Online() {
		sc.requestDrain()
	}
	return id, nil
}

// VoteProof votes on a completion proof through the offline-aware path.
func (sc *SyncCoordinator) VoteProof(ctx context.Context, proofID string, inFavor bool) error {
	return sc.dispatch(ctx, ActionProofVote, proofVoteActionPayload{ProofID: proofID, InFavor: inFavor}, func(ctx context.Context) (*Result, error) {
		return sc.client.Proofs.Vote(ctx, proofID, inFavor)
	})
}

func (sc *SyncCoordinator) log(format string, args ...any) {
	if sc.logf != nil {
		sc.logf(format, args...)
	}
}
