package retry

// NetworkMode controls how connectivity gates attempts.
type NetworkMode string

const (
	// NetworkModeOnline starts and retries only while online. Offline attempts pause.
	NetworkModeOnline NetworkMode = "online"
	// NetworkModeAlways ignores connectivity.
	NetworkModeAlways NetworkMode = "always"
	// NetworkModeOfflineFirst always runs the first attempt; retries gate on connectivity.
	NetworkModeOfflineFirst NetworkMode = "offlineFirst"
)

// Valid reports whether m is a known mode. The empty mode is valid and means online.
func (m NetworkMode) Valid() bool {
	switch m {
	case "", NetworkModeOnline, NetworkModeAlways, NetworkModeOfflineFirst:
		return true
	}
	return false
}

// OnlineChecker reports connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

// FocusChecker reports application focus.
type FocusChecker interface {
	IsFocused() bool
}

// CanFetch reports whether an attempt may start right now under mode.
func CanFetch(mode NetworkMode, online OnlineChecker) bool {
	if mode == "" {
		mode = NetworkModeOnline
	}
	if mode != NetworkModeOnline || online == nil {
		return true
	}
	return online.IsOnline()
}
