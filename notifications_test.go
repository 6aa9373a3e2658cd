package wishwell_test

import (
	"context"
	"fmt"
	"testing"

	wishwell "github.com/wishwell/wishwell-go"
)

func notif(id, createdAt string, read bool) wishwell.Notification {
	return wishwell.Notification{
		ID:        id,
		Kind:      wishwell.KindPledge,
		Title:     "New pledge",
		Message:   "Someone pledged to your wish",
		CreatedAt: createdAt,
		Read:      read,
	}
}

func newFeed(t *testing.T) *wishwell.NotificationStore {
	t.Helper()
	return wishwell.NewNotificationStore(wishwell.NewMemoryStore(), nil)
}

func TestFeed_MergeDeduplicatesByID(t *testing.T) {
	feed := newFeed(t)
	ctx := context.Background()

	if !feed.Merge(ctx, notif("n1", "2026-08-30T10:00:00Z", false)) {
		t.Fatal("first merge should report inserted")
	}
	if feed.Merge(ctx, notif("n1", "2026-08-30T10:00:00Z", false)) {
		t.Fatal("duplicate merge should not report inserted")
	}
	if got := len(feed.Items()); got != 1 {
		t.Fatalf("expected 1 item, got %d", got)
	}
	if feed.UnreadCount() != 1 {
		t.Errorf("expected unread count 1, got %d", feed.UnreadCount())
	}
}

func TestFeed_DuplicateKeepsExistingContent(t *testing.T) {
	feed := newFeed(t)
	ctx := context.Background()

	first := notif("n1", "2026-08-30T10:00:00Z", false)
	first.Message = "original message"
	feed.Merge(ctx, first)

	second := notif("n1", "2026-08-30T10:00:00Z", false)
	second.Message = "reworded message"
	feed.Merge(ctx, second)

	got, ok := feed.Get("n1")
	if !ok {
		t.Fatal("n1 missing")
	}
	if got.Message != "original message" {
		t.Errorf("expected first-write content to win, got %q", got.Message)
	}
}

func TestFeed_ReadStateNeverRegresses(t *testing.T) {
	feed := newFeed(t)
	ctx := context.Background()

	feed.Merge(ctx, notif("n1", "2026-08-30T10:00:00Z", false))
	if !feed.MarkRead(ctx, "n1") {
		t.Fatal("expected MarkRead to change state")
	}

	// A stale copy arriving from the bulk fetch must not flip it back.
	feed.Merge(ctx, notif("n1", "2026-08-30T10:00:00Z", false))
	got, _ := feed.Get("n1")
	if !got.Read {
		t.Error("read state regressed to unread")
	}
	if feed.UnreadCount() != 0 {
		t.Errorf("expected unread count 0, got %d", feed.UnreadCount())
	}

	// The reverse direction does apply: a read copy raises unread entries.
	feed.Merge(ctx, notif("n2", "2026-08-30T11:00:00Z", false))
	feed.Merge(ctx, notif("n2", "2026-08-30T11:00:00Z", true))
	got, _ = feed.Get("n2")
	if !got.Read {
		t.Error("expected read=true copy to raise the entry to read")
	}
}

func TestFeed_OrderedNewestFirst(t *testing.T) {
	feed := newFeed(t)
	ctx := context.Background()

	feed.Merge(ctx, notif("n2", "2026-08-30T11:00:00Z", false))
	feed.Merge(ctx, notif("n1", "2026-08-30T10:00:00Z", false))
	feed.Merge(ctx, notif("n3", "2026-08-30T12:00:00Z", false))

	items := feed.Items()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].ID != "n3" || items[1].ID != "n2" || items[2].ID != "n1" {
		t.Errorf("expected newest-first order n3,n2,n1, got %s,%s,%s",
			items[0].ID, items[1].ID, items[2].ID)
	}
}

// The interleaving race at reconnect: live events can arrive before the
// history page. The result must not depend on arrival order.
func TestFeed_StreamAndPrimeCommute(t *testing.T) {
	ctx := context.Background()
	live := notif("n2", "2026-08-30T11:00:00Z", false)
	history := []wishwell.Notification{
		notif("n1", "2026-08-30T10:00:00Z", true),
		notif("n2", "2026-08-30T11:00:00Z", false),
	}

	a := newFeed(t)
	a.Merge(ctx, live)
	a.Prime(ctx, history)

	b := newFeed(t)
	b.Prime(ctx, history)
	b.Merge(ctx, live)

	ai, bi := a.Items(), b.Items()
	if len(ai) != 2 || len(bi) != 2 {
		t.Fatalf("expected 2 items each, got %d and %d", len(ai), len(bi))
	}
	for i := range ai {
		if ai[i].ID != bi[i].ID || ai[i].Read != bi[i].Read {
			t.Errorf("order mismatch at %d: %+v vs %+v", i, ai[i], bi[i])
		}
	}
	if a.UnreadCount() != 1 || b.UnreadCount() != 1 {
		t.Errorf("expected unread count 1 in both, got %d and %d", a.UnreadCount(), b.UnreadCount())
	}
	if !a.Primed() {
		t.Error("expected store to be primed after Prime")
	}
}

func TestFeed_MarkAllRead(t *testing.T) {
	feed := newFeed(t)
	ctx := context.Background()

	feed.Merge(ctx, notif("n1", "2026-08-30T10:00:00Z", false))
	feed.Merge(ctx, notif("n2", "2026-08-30T11:00:00Z", true))
	feed.Merge(ctx, notif("n3", "2026-08-30T12:00:00Z", false))

	changed := feed.MarkAllRead(ctx)
	if len(changed) != 2 {
		t.Fatalf("expected 2 changed IDs, got %v", changed)
	}
	if feed.UnreadCount() != 0 {
		t.Errorf("expected unread count 0, got %d", feed.UnreadCount())
	}
	// Second call is a no-op.
	if changed := feed.MarkAllRead(ctx); len(changed) != 0 {
		t.Errorf("expected no changes on repeat, got %v", changed)
	}
}

func TestFeed_Delete(t *testing.T) {
	feed := newFeed(t)
	ctx := context.Background()

	feed.Merge(ctx, notif("n1", "2026-08-30T10:00:00Z", false))
	if !feed.Delete(ctx, "n1") {
		t.Fatal("expected delete to report removal")
	}
	if feed.Delete(ctx, "n1") {
		t.Fatal("expected second delete to report absence")
	}
	if len(feed.Items()) != 0 || feed.UnreadCount() != 0 {
		t.Errorf("expected empty feed, got %d items", len(feed.Items()))
	}
}

func TestFeed_RetentionEvictsOldest(t *testing.T) {
	feed := wishwell.NewNotificationStore(wishwell.NewMemoryStore(), &wishwell.NotificationStoreOptions{
		Retention: 3,
	})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		feed.Merge(ctx, notif(
			fmt.Sprintf("n%d", i),
			fmt.Sprintf("2026-08-30T1%d:00:00Z", i),
			false,
		))
	}

	items := feed.Items()
	if len(items) != 3 {
		t.Fatalf("expected retention cap of 3, got %d", len(items))
	}
	if items[0].ID != "n5" || items[2].ID != "n3" {
		t.Errorf("expected newest three retained, got %s..%s", items[0].ID, items[2].ID)
	}
	if _, ok := feed.Get("n1"); ok {
		t.Error("expected evicted n1 to be gone from the index")
	}
	if feed.UnreadCount() != 3 {
		t.Errorf("expected unread count 3, got %d", feed.UnreadCount())
	}
}

func TestFeed_CacheRoundTrip(t *testing.T) {
	store := wishwell.NewMemoryStore()
	ctx := context.Background()

	feed1 := wishwell.NewNotificationStore(store, nil)
	feed1.Merge(ctx, notif("n1", "2026-08-30T10:00:00Z", false))
	feed1.Merge(ctx, notif("n2", "2026-08-30T11:00:00Z", false))
	feed1.MarkRead(ctx, "n1")

	feed2 := wishwell.NewNotificationStore(store, nil)
	if err := feed2.LoadCache(ctx); err != nil {
		t.Fatalf("LoadCache returned error: %v", err)
	}

	items := feed2.Items()
	if len(items) != 2 {
		t.Fatalf("expected 2 restored items, got %d", len(items))
	}
	if items[0].ID != "n2" || items[1].ID != "n1" {
		t.Errorf("expected restored order n2,n1, got %s,%s", items[0].ID, items[1].ID)
	}
	if !items[1].Read {
		t.Error("expected persisted read state to survive restart")
	}
	if feed2.UnreadCount() != 1 {
		t.Errorf("expected unread count 1, got %d", feed2.UnreadCount())
	}
	if feed2.Primed() {
		t.Error("cache restore must not mark the store primed")
	}
}

func TestFeed_OnChangeFires(t *testing.T) {
	feed := newFeed(t)
	ctx := context.Background()

	calls := 0
	feed.OnChange(func() { calls++ })
	feed.OnChange(func() { panic("observer bug") }) // must not break other observers

	feed.Merge(ctx, notif("n1", "2026-08-30T10:00:00Z", false))
	feed.MarkRead(ctx, "n1")
	feed.MarkRead(ctx, "n1") // no-op, no callback

	if calls != 2 {
		t.Errorf("expected 2 change callbacks, got %d", calls)
	}
}
