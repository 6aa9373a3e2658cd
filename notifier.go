package wishwell

import (
	"sync"
	"time"
)

// Permission is the hosting environment's notification permission state.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// DisplayedNotification is a handle to a notification shown on the native
// surface.
type DisplayedNotification interface {
	Dismiss()
}

// NotificationSink abstracts the operating environment's notification
// surface. Hosts provide an implementation (desktop notification daemon,
// mobile bridge, terminal bell); tests provide a fake.
type NotificationSink interface {
	Permission() Permission
	// RequestPermission asks the environment to grant notifications. It
	// returns the resulting state; implementations for environments
	// without a prompt return the current state unchanged.
	RequestPermission() Permission
	Display(n *Notification) (DisplayedNotification, error)
}

// NativeNotifierOptions configures a NativeNotifier.
type NativeNotifierOptions struct {
	// Visible reports whether the application surface is currently
	// focused and visible; visible events are not re-announced natively.
	Visible func() bool
	// AutoDismiss removes a displayed notification after this interval
	// (default 8s).
	AutoDismiss time.Duration
	// SuppressedCategories are system-notification categories that never
	// reach the native surface.
	SuppressedCategories []string
	// Logf receives sink failures.
	Logf func(format string, args ...any)
}

// NativeNotifier bridges incoming events to the native notification surface.
// It degrades to a no-op when permission is denied or not yet granted.
type NativeNotifier struct {
	sink        NotificationSink
	visible     func() bool
	autoDismiss time.Duration
	suppressed  map[string]bool
	logf        func(format string, args ...any)

	mu       sync.Mutex
	activate func(id string)
}

// NewNativeNotifier creates a notifier over the given sink.
func NewNativeNotifier(sink NotificationSink, opts *NativeNotifierOptions) *NativeNotifier {
	nn := &NativeNotifier{
		sink:        sink,
		autoDismiss: 8 * time.Second,
		suppressed:  make(map[string]bool),
	}
	if opts != nil {
		nn.visible = opts.Visible
		if opts.AutoDismiss > 0 {
			nn.autoDismiss = opts.AutoDismiss
		}
		for _, c := range opts.SuppressedCategories {
			nn.suppressed[c] = true
		}
		nn.logf = opts.Logf
	}
	return nn
}

// SetActivateHandler wires the click route: activating a native notification
// marks the originating item read and focuses the application. Set by the
// SyncCoordinator.
func (nn *NativeNotifier) SetActivateHandler(h func(id string)) {
	nn.mu.Lock()
	nn.activate = h
	nn.mu.Unlock()
}

// Activate routes a user click on a native notification.
func (nn *NativeNotifier) Activate(id string) {
	nn.mu.Lock()
	h := nn.activate
	nn.mu.Unlock()
	if h != nil {
		h(id)
	}
}

// MaybeNotify shows n on the native surface if permission is granted, the
// application is not already visible, and the event is not a suppressed
// system category. Returns whether it was shown.
func (nn *NativeNotifier) MaybeNotify(n Notification) bool {
	if nn.sink == nil || nn.sink.Permission() != PermissionGranted {
		return false
	}
	if nn.visible != nil && nn.visible() {
		return false
	}
	if n.Kind == KindSystem && nn.suppressedSystem(&n) {
		return false
	}

	handle, err := nn.sink.Display(&n)
	if err != nil {
		nn.log("native notification failed: %v", err)
		return false
	}
	if handle != nil && nn.autoDismiss > 0 {
		time.AfterFunc(nn.autoDismiss, handle.Dismiss)
	}
	return true
}

func (nn *NativeNotifier) suppressedSystem(n *Notification) bool {
	if len(nn.suppressed) == 0 {
		return false
	}
	payload, err := n.Payload()
	if err != nil {
		return false
	}
	sys, ok := payload.(SystemPayload)
	if !ok {
		return false
	}
	return nn.suppressed[sys.Category]
}

func (nn *NativeNotifier) log(format string, args ...any) {
	if nn.logf != nil {
		nn.logf(format, args...)
	}
}
