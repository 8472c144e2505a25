package signal

// FocusManager tracks whether the application is in the foreground. Without any
// report the application counts as focused.
type FocusManager struct {
	m *manager
}

// NewFocusManager creates a FocusManager.
func NewFocusManager(opts ...Option) *FocusManager {
	return &FocusManager{m: newManager("focus", opts)}
}

// IsFocused reports the current focus state.
func (f *FocusManager) IsFocused() bool {
	return f.m.current()
}

// SetFocused records a focus change and notifies listeners if the value changed.
func (f *FocusManager) SetFocused(focused bool) {
	f.m.set(focused)
}

// ResetFocused forgets the explicit value so the manager reports focused again.
func (f *FocusManager) ResetFocused() {
	f.m.reset()
}

// SetEventListener replaces the platform event source, reinstalling it when there
// are active subscribers.
func (f *FocusManager) SetEventListener(src EventSource) {
	f.m.setEventSource(src)
}

// Subscribe registers l and returns its unsubscribe function.
func (f *FocusManager) Subscribe(l Listener) func() {
	return f.m.subscribe(l)
}

// HasListeners reports whether anything is subscribed.
func (f *FocusManager) HasListeners() bool {
	return f.m.hasListeners()
}
