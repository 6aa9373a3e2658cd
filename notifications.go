package wishwell

import (
	"context"
	"encoding/json"
	"sync"
)

// DefaultRetention bounds the cached notification feed. The server's copy is
// authoritative; the local feed is a cache of the most recent entries.
const DefaultRetention = 200

// NotificationStoreOptions configures a NotificationStore.
type NotificationStoreOptions struct {
	// Retention is the maximum number of cached entries (default 200).
	Retention int
	// Logf receives storage degradation notices.
	Logf func(format string, args ...any)
}

// NotificationStore merges remote-fetched history and live-streamed events
// into one ordered, deduplicated feed, newest first. Merging is commutative
// and idempotent by ID so the race between bulk load and live push is
// harmless: content is first-write-wins, read state never regresses from
// read back to unread. The unread count is always recomputed, never cached.
type NotificationStore struct {
	store     Store
	retention int
	logf      func(format string, args ...any)

	mu     sync.Mutex
	items  []*Notification // newest first
	index  map[string]*Notification
	primed bool

	handlerMu sync.RWMutex
	onChange  []func()
}

// NewNotificationStore creates a store persisting its cache under the
// cached-notifications key.
func NewNotificationStore(store Store, opts *NotificationStoreOptions) *NotificationStore {
	ns := &NotificationStore{
		store:     store,
		retention: DefaultRetention,
		index:     make(map[string]*Notification),
	}
	if opts != nil {
		if opts.Retention > 0 {
			ns.retention = opts.Retention
		}
		ns.logf = opts.Logf
	}
	return ns
}

// OnChange registers an observer invoked after any mutation. UI layers read
// snapshots via Items/UnreadCount; they never mutate the store directly.
func (ns *NotificationStore) OnChange(h func()) {
	ns.handlerMu.Lock()
	ns.onChange = append(ns.onChange, h)
	ns.handlerMu.Unlock()
}

func (ns *NotificationStore) notify() {
	ns.handlerMu.RLock()
	handlers := append([]func(){}, ns.onChange...)
	ns.handlerMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h()
		}()
	}
}

// LoadCache restores the persisted feed snapshot, so a restarted client has
// notifications before the first fetch completes.
func (ns *NotificationStore) LoadCache(ctx context.Context) error {
	data, err := ns.store.Get(ctx, KeyNotificationCache)
	if err != nil {
		ns.log("notification cache restore failed: %v", err)
		return err
	}
	if data == nil {
		return nil
	}
	var items []*Notification
	if err := json.Unmarshal(data, &items); err != nil {
		ns.log("notification cache corrupt, ignoring: %v", err)
		return nil
	}

	ns.mu.Lock()
	for _, n := range items {
		if _, ok := ns.index[n.ID]; ok {
			continue
		}
		ns.insertLocked(n)
	}
	ns.mu.Unlock()
	ns.notify()
	return nil
}

// Prime ingests a page of server history and marks the store primed.
// Entries already merged from the live stream keep their content; their read
// state is only ever raised to read.
func (ns *NotificationStore) Prime(ctx context.Context, items []Notification) {
	ns.mu.Lock()
	for i := range items {
		ns.mergeLocked(&items[i])
	}
	ns.primed = true
	ns.persistLocked(ctx)
	ns.mu.Unlock()
	ns.notify()
}

// Primed reports whether the initial bulk load has completed.
func (ns *NotificationStore) Primed() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.primed
}

// Merge ingests one notification, typically from the live stream. Returns
// true when the entry was previously unseen.
func (ns *NotificationStore) Merge(ctx context.Context, n Notification) bool {
	ns.mu.Lock()
	inserted := ns.mergeLocked(&n)
	ns.persistLocked(ctx)
	ns.mu.Unlock()
	ns.notify()
	return inserted
}

// mergeLocked applies the merge rule: unseen IDs insert in timestamp order;
// duplicate IDs keep existing content and never regress read to unread.
func (ns *NotificationStore) mergeLocked(n *Notification) bool {
	if existing, ok := ns.index[n.ID]; ok {
		if n.Read {
			existing.Read = true
		}
		return false
	}
	cp := *n
	ns.insertLocked(&cp)
	return true
}

// insertLocked places n in the newest-first sequence and enforces retention.
func (ns *NotificationStore) insertLocked(n *Notification) {
	pos := len(ns.items)
	for i, item := range ns.items {
		if item.CreatedAt <= n.CreatedAt {
			pos = i
			break
		}
	}
	ns.items = append(ns.items, nil)
	copy(ns.items[pos+1:], ns.items[pos:])
	ns.items[pos] = n
	ns.index[n.ID] = n

	for len(ns.items) > ns.retention {
		oldest := ns.items[len(ns.items)-1]
		delete(ns.index, oldest.ID)
		ns.items = ns.items[:len(ns.items)-1]
	}
}

// MarkRead sets read on one entry. Returns true if the entry existed and
// was unread.
func (ns *NotificationStore) MarkRead(ctx context.Context, id string) bool {
	ns.mu.Lock()
	n, ok := ns.index[id]
	changed := ok && !n.Read
	if changed {
		n.Read = true
		ns.persistLocked(ctx)
	}
	ns.mu.Unlock()
	if changed {
		ns.notify()
	}
	return changed
}

// MarkAllRead sets read on every entry, returning the IDs that changed.
func (ns *NotificationStore) MarkAllRead(ctx context.Context) []string {
	ns.mu.Lock()
	var changed []string
	for _, n := range ns.items {
		if !n.Read {
			n.Read = true
			changed = append(changed, n.ID)
		}
	}
	if len(changed) > 0 {
		ns.persistLocked(ctx)
	}
	ns.mu.Unlock()
	if len(changed) > 0 {
		ns.notify()
	}
	return changed
}

// Delete removes an entry. Returns true if it existed.
func (ns *NotificationStore) Delete(ctx context.Context, id string) bool {
	ns.mu.Lock()
	_, ok := ns.index[id]
	if ok {
		delete(ns.index, id)
		for i, n := range ns.items {
			if n.ID == id {
				ns.items = append(ns.items[:i], ns.items[i+1:]...)
				break
			}
		}
		ns.persistLocked(ctx)
	}
	ns.mu.Unlock()
	if ok {
		ns.notify()
	}
	return ok
}

// Get returns a copy of one entry.
func (ns *NotificationStore) Get(id string) (Notification, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	n, ok := ns.index[id]
	if !ok {
		return Notification{}, false
	}
	return *n, true
}

// Items returns a newest-first snapshot of the feed.
func (ns *NotificationStore) Items() []Notification {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	out := make([]Notification, len(ns.items))
	for i, n := range ns.items {
		out[i] = *n
	}
	return out
}

// UnreadCount is derived from the items on every call so it cannot drift.
func (ns *NotificationStore) UnreadCount() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	count := 0
	for _, n := range ns.items {
		if !n.Read {
			count++
		}
	}
	return count
}

func (ns *NotificationStore) persistLocked(ctx context.Context) {
	data, err := json.Marshal(ns.items)
	if err != nil {
		ns.log("notification cache serialize failed: %v", err)
		return
	}
	if err := ns.store.Set(ctx, KeyNotificationCache, data); err != nil {
		ns.log("notification cache persist failed, feed is memory-only this session: %v", err)
	}
}

func (ns *NotificationStore) log(format string, args ...any) {
	if ns.logf != nil {
		ns.logf(format, args...)
	}
}
