package wishwell

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ============================================================================
// Connectivity Monitor
// ============================================================================

// ConnectivityHandler receives online/offline edge transitions.
type ConnectivityHandler func(online bool)

// ConnectivityMonitor tracks network reachability as a single boolean and
// emits exactly one event per transition. The signal is a hint, not a
// guarantee the backend is reachable; consumers must still treat a failed
// network call while "online" as a soft failure.
type ConnectivityMonitor struct {
	mu       sync.Mutex
	online   bool
	handlers []ConnectivityHandler
	stopCh   chan struct{}
	stopped  bool
}

// NewConnectivityMonitor creates a monitor that starts in the online state.
func NewConnectivityMonitor() *ConnectivityMonitor {
	return &ConnectivityMonitor{online: true, stopCh: make(chan struct{})}
}

// Online returns the current reachability state.
func (m *ConnectivityMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers a handler for online/offline transitions.
func (m *ConnectivityMonitor) OnChange(h ConnectivityHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// SetOnline updates the state. Repeated calls with the same value are
// ignored, so handlers see each edge exactly once.
func (m *ConnectivityMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	handlers := append([]ConnectivityHandler{}, m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(online)
		}()
	}
}

// StartProbe polls probeURL with HEAD requests every interval and feeds the
// result into SetOnline. It is optional; hosts with a platform reachability
// signal can call SetOnline directly instead.
func (m *ConnectivityMonitor) StartProbe(probeURL string, interval time.Duration, client *http.Client) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.SetOnline(m.probe(probeURL, client))
			}
		}
	}()
}

func (m *ConnectivityMonitor) probe(probeURL string, client *http.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Stop terminates the probe loop, if one was started.
func (m *ConnectivityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
}
