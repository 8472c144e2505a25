package signal

// OnlineManager tracks network connectivity. Without any report the application
// counts as online.
type OnlineManager struct {
	m *manager
}

// NewOnlineManager creates an OnlineManager.
func NewOnlineManager(opts ...Option) *OnlineManager {
	return &OnlineManager{m: newManager("online", opts)}
}

// IsOnline reports current connectivity.
func (o *OnlineManager) IsOnline() bool {
	return o.m.current()
}

// SetOnline records a connectivity change and notifies listeners if it changed.
func (o *OnlineManager) SetOnline(online bool) {
	o.m.set(online)
}

// SetEventListener replaces the platform event source.
func (o *OnlineManager) SetEventListener(src EventSource) {
	o.m.setEventSource(src)
}

// Subscribe registers l and returns its unsubscribe function.
func (o *OnlineManager) Subscribe(l Listener) func() {
	return o.m.subscribe(l)
}

// HasListeners reports whether anything is subscribed.
func (o *OnlineManager) HasListeners() bool {
	return o.m.hasListeners()
}
