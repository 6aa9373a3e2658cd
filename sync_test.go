package wishwell_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	wishwell "github.com/wishwell/wishwell-go"
)

// restServer is a scripted REST backend recording every request path.
type restServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []string
	respond  func(r *http.Request) (int, string)
}

func newRESTServer(t *testing.T) *restServer {
	t.Helper()
	rs := &restServer{
		respond: func(r *http.Request) (int, string) {
			return http.StatusOK, `{"ok":true,"data":{}}`
		},
	}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.requests = append(rs.requests, r.Method+" "+r.URL.Path)
		respond := rs.respond
		rs.mu.Unlock()

		status, body := respond(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *restServer) setRespond(f func(r *http.Request) (int, string)) {
	rs.mu.Lock()
	rs.respond = f
	rs.mu.Unlock()
}

func (rs *restServer) seen() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string{}, rs.requests...)
}

func (rs *restServer) sawRequest(want string) bool {
	for _, r := range rs.seen() {
		if r == want {
			return true
		}
	}
	return false
}

// ============================================================================
// Executor classification
// ============================================================================

func pledgeAction(wishID string, amount float64, key string) *wishwell.QueuedAction {
	payload, _ := json.Marshal(map[string]any{"wishId": wishID, "amount": amount})
	return &wishwell.QueuedAction{
		ID:             "a1",
		Kind:           wishwell.ActionPledge,
		Payload:        payload,
		IdempotencyKey: key,
	}
}

func followAction(userID string) *wishwell.QueuedAction {
	payload, _ := json.Marshal(map[string]string{"userId": userID})
	return &wishwell.QueuedAction{ID: "a1", Kind: wishwell.ActionFollow, Payload: payload}
}

func TestRestExecutor_Classification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		outcome wishwell.Outcome
	}{
		{"success", 200, `{"ok":true,"data":{}}`, wishwell.OutcomeOK},
		{"server error", 503, `{"ok":false}`, wishwell.OutcomeRetryable},
		{"rate limited", 429, `{"ok":false}`, wishwell.OutcomeRetryable},
		{"auth failure", 401, `{"ok":false}`, wishwell.OutcomeRetryable},
		{"semantic rejection", 409, `{"ok":false,"error":{"code":"ALREADY_FOLLOWING","message":"no-op"}}`, wishwell.OutcomeFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rest := newRESTServer(t)
			rest.setRespond(func(r *http.Request) (int, string) { return tt.status, tt.body })
			client := wishwell.NewClient("t", wishwell.WithBaseURL(rest.srv.URL))
			exec := wishwell.NewRestExecutor(client)

			outcome, err := exec(context.Background(), followAction("u1"))
			if outcome != tt.outcome {
				t.Errorf("outcome = %v, want %v (err %v)", outcome, tt.outcome, err)
			}
			if tt.outcome != wishwell.OutcomeOK && err == nil {
				t.Error("expected a non-nil cause for failure outcomes")
			}
		})
	}
}

func TestRestExecutor_NetworkFailureIsRetryable(t *testing.T) {
	rest := newRESTServer(t)
	rest.srv.Close() // connection refused from here on
	client := wishwell.NewClient("t", wishwell.WithBaseURL(rest.srv.URL))
	exec := wishwell.NewRestExecutor(client)

	outcome, err := exec(context.Background(), followAction("u1"))
	if outcome != wishwell.OutcomeRetryable || err == nil {
		t.Errorf("outcome = %v, err = %v; want retryable with cause", outcome, err)
	}
}

func TestRestExecutor_UnknownKindIsFatal(t *testing.T) {
	client := wishwell.NewClient("t")
	exec := wishwell.NewRestExecutor(client)

	outcome, err := exec(context.Background(), &wishwell.QueuedAction{ID: "a1", Kind: "defragment"})
	if outcome != wishwell.OutcomeFatal || err == nil {
		t.Errorf("outcome = %v, err = %v; want fatal", outcome, err)
	}
}

func TestRestExecutor_PledgeReplaysStoredKey(t *testing.T) {
	var gotKey string
	rest := newRESTServer(t)
	rest.setRespond(func(r *http.Request) (int, string) {
		gotKey = r.Header.Get("Idempotency-Key")
		return http.StatusOK, `{"ok":true,"data":{"id":"p1"}}`
	})
	client := wishwell.NewClient("t", wishwell.WithBaseURL(rest.srv.URL))
	exec := wishwell.NewRestExecutor(client)

	outcome, err := exec(context.Background(), pledgeAction("w1", 25, "ww-stored-key"))
	if outcome != wishwell.OutcomeOK || err != nil {
		t.Fatalf("outcome = %v, err = %v", outcome, err)
	}
	if gotKey != "ww-stored-key" {
		t.Errorf("Idempotency-Key = %q, want the key stored with the action", gotKey)
	}
	if !rest.sawRequest("POST /wish/w1/pledge") {
		t.Errorf("requests = %v", rest.seen())
	}
}

// ============================================================================
// Coordinator command paths
// ============================================================================

func TestCoordinator_OnlineCommandGoesDirect(t *testing.T) {
	rest := newRESTServer(t)
	client := wishwell.NewClient("t", wishwell.WithBaseURL(rest.srv.URL))
	coord := wishwell.NewSyncCoordinator(client, wishwell.NewMemoryStore(), nil)

	if err := coord.Follow(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if !rest.sawRequest("PUT /user/u1/follow") {
		t.Errorf("requests = %v", rest.seen())
	}
	if n := len(coord.PendingActions()); n != 0 {
		t.Errorf("expected nothing queued after a direct call, got %d", n)
	}
}

func TestCoordinator_OfflineCommandIsQueued(t *testing.T) {
	rest := newRESTServer(t)
	rest.setRespond(func(r *http.Request) (int, string) {
		t.Errorf("unexpected network call while offline: %s %s", r.Method, r.URL.Path)
		return http.StatusOK, `{"ok":true}`
	})
	client := wishwell.NewClient("t", wishwell.WithBaseURL(rest.srv.URL))

	monitor := wishwell.NewConnectivityMonitor()
	monitor.SetOnline(false)
	coord := wishwell.NewSyncCoordinator(client, wishwell.NewMemoryStore(), &wishwell.SyncCoordinatorOptions{
		Monitor: monitor,
	})

	if err := coord.Unfollow(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	pending := coord.PendingActions()
	if len(pending) != 1 || pending[0].Kind != wishwell.ActionUnfollow {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestCoordinator_FatalRejectionSurfacesToCaller(t *testing.T) {
	rest := newRESTServer(t)
	rest.setRespond(func(r *http.Request) (int, string) {
		return http.StatusBadRequest, `{"ok":false,"error":{"code":"INVALID_TARGET","message":"cannot follow yourself"}}`
	})
	client := wishwell.NewClient("t", wishwell.WithBaseURL(rest.srv.URL))
	coord := wishwell.NewSyncCoordinator(client, wishwell.NewMemoryStore(), nil)

	err := coord.Follow(context.Background(), "self")
	if err == nil {
		t.Fatal("expected the rejection to surface")
	}
	var apiErr *wishwell.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "INVALID_TARGET" {
		t.Errorf("err = %v", err)
	}
	if n := len(coord.PendingActions()); n != 0 {
		t.Errorf("fatal rejection must not be queued, got %d pending", n)
	}
}

func TestCoordinator_PledgeAlwaysQueuedWithDurableKey(t *testing.T) {
	rest := newRESTServer(t)
	client := wishwell.NewClient("t", wishwell.WithBaseURL(rest.srv.URL))

	monitor := wishwell.NewConnectivityMonitor()
	monitor.SetOnline(false)
	coord := wishwell.NewSyncCoordinator(client, wishwell.NewMemoryStore(), &wishwell.SyncCoordinatorOptions{
		Monitor: monitor,
	})

	id, err := coord.Pledge(context.Background(), "w1", 40)
	if err != nil {
		t.Fatal(err)
	}
	pending := coord.PendingActions()
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].Kind != wishwell.ActionPledge || pending[0].IdempotencyKey == "" {
		t.Errorf("queued pledge = %+v, want durable idempotency key", pending[0])
	}
}

func TestCoordinator_MarkReadIsOptimistic(t *testing.T) {
	rest := newRESTServer(t)
	client := wishwell.NewClient("t", wishwell.WithBaseURL(rest.srv.URL))

	store := wishwell.NewMemoryStore()
	feed := wishwell.NewNotificationStore(store, nil)
	feed.Merge(context.Background(), notif("n1", "2026-08-30T10:00:00Z", false))

	monitor := wishwell.NewConnectivityMonitor()
	monitor.SetOnline(false)
	coord := wishwell.NewSyncCoordinator(client, store, &wishwell.SyncCoordinatorOptions{
		Monitor: monitor,
		Feed:    feed,
	})

	if err := coord.MarkRead(context.Background(), "n1"); err != nil {
		t.Fatal(err)
	}
	if coord.Feed().UnreadCount() != 0 {
		t.Error("expected local read state to apply immediately while offline")
	}
	if len(coord.PendingActions()) != 1 {
		t.Errorf("pending = %+v", coord.PendingActions())
	}
}

// ============================================================================
// Coordinator lifecycle
// ============================================================================

// Full restart-while-pending scenario: actions queued in a previous session
// drain once the stream comes up, and the primed history cannot regress
// locally read state.
func TestCoordinator_StartDrainsQueueAndPrimesFeed(t *testing.T) {
	rest := newRESTServer(t)
	rest.setRespond(func(r *http.Request) (int, string) {
		if r.Method == "GET" && r.URL.Path == "/notification" {
			// Server copy is stale: still unread.
			return http.StatusOK, `{"ok":true,"data":[
				{"id":"n1","kind":"pledge","title":"New pledge","createdAt":"2026-08-30T10:00:00Z","read":false}
			]}`
		}
		return http.StatusOK, `{"ok":true,"data":{}}`
	})
	client := wishwell.NewClient("t", wishwell.WithBaseURL(rest.srv.URL))

	hold := make(chan struct{})
	stream := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn) { <-hold })
	defer close(hold)

	store := wishwell.NewMemoryStore()
	ctx := context.Background()

	// Previous session: n1 read locally, mark-all-read queued offline.
	feed := wishwell.NewNotificationStore(store, nil)
	feed.Merge(ctx, notif("n1", "2026-08-30T10:00:00Z", false))
	feed.MarkAllRead(ctx)
	queue := wishwell.NewActionQueue(store)
	if _, err := queue.Enqueue(ctx, wishwell.ActionMarkAllRead, nil); err != nil {
		t.Fatal(err)
	}

	coord := wishwell.NewSyncCoordinator(client, store, &wishwell.SyncCoordinatorOptions{
		Channel: wishwell.NewRealtimeChannel(stream.srv.URL, nil),
		Feed:    feed,
		Queue:   queue,
	})

	drained := make(chan *wishwell.DrainReport, 1)
	primed := make(chan struct{}, 1)
	coord.On(wishwell.EventQueueDrained, func(event string, payload any) {
		drained <- payload.(*wishwell.DrainReport)
	})
	coord.On(wishwell.EventFeedPrimed, func(event string, payload any) {
		primed <- struct{}{}
	})

	if err := coord.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer coord.Stop()

	select {
	case report := <-drained:
		if report.Completed != 1 || len(report.Dropped) != 0 {
			t.Errorf("report = %+v", report)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queue never drained after connect")
	}
	if !rest.sawRequest("PUT /notification/mark-all-read") {
		t.Errorf("requests = %v", rest.seen())
	}

	select {
	case <-primed:
	case <-time.After(5 * time.Second):
		t.Fatal("feed never primed")
	}
	if coord.Feed().UnreadCount() != 0 {
		t.Error("stale server history regressed local read state")
	}
	if coord.State() != wishwell.ConnOnline {
		t.Errorf("State = %s, want online", coord.State())
	}
}

func TestCoordinator_LiveNotificationReachesFeed(t *testing.T) {
	rest := newRESTServer(t)
	rest.setRespond(func(r *http.Request) (int, string) {
		return http.StatusOK, `{"ok":true,"data":[]}`
	})
	client := wishwell.NewClient("t", wishwell.WithBaseURL(rest.srv.URL))

	hold := make(chan struct{})
	stream := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn) {
		sendEnvelope(ctx, conn, &wishwell.Envelope{
			Type:  wishwell.EventNotification,
			Topic: "wish:w1",
			Payload: json.RawMessage(`{
				"id":"n-live","kind":"pledge","title":"New pledge",
				"message":"ada pledged 25","createdAt":"2026-08-30T12:00:00Z"
			}`),
		})
		<-hold
	})
	defer close(hold)

	coord := wishwell.NewSyncCoordinator(client, wishwell.NewMemoryStore(), &wishwell.SyncCoordinatorOptions{
		Channel: wishwell.NewRealtimeChannel(stream.srv.URL, nil),
	})

	fresh := make(chan wishwell.Notification, 1)
	coord.On(wishwell.EventNotificationNew, func(event string, payload any) {
		fresh <- payload.(wishwell.Notification)
	})

	if err := coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer coord.Stop()

	select {
	case n := <-fresh:
		if n.ID != "n-live" {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("live notification never surfaced")
	}
	if _, ok := coord.Feed().Get("n-live"); !ok {
		t.Error("live notification missing from the feed")
	}
	if coord.Feed().UnreadCount() != 1 {
		t.Errorf("UnreadCount = %d", coord.Feed().UnreadCount())
	}
}

func TestCoordinator_StateDerivation(t *testing.T) {
	client := wishwell.NewClient("t")
	monitor := wishwell.NewConnectivityMonitor()
	coord := wishwell.NewSyncCoordinator(client, wishwell.NewMemoryStore(), &wishwell.SyncCoordinatorOptions{
		Monitor: monitor,
	})

	// Socket down, platform hint online: trying to connect.
	if got := coord.State(); got != wishwell.ConnConnecting {
		t.Errorf("State = %s, want connecting", got)
	}
	monitor.SetOnline(false)
	if got := coord.State(); got != wishwell.ConnOffline {
		t.Errorf("State = %s, want offline", got)
	}
}
