// Package signal provides the focus and online managers.
//
// Both managers are plain services constructed by the caller and injected into the
// client; there is no process-wide singleton. Each holds a boolean that defaults to
// true until something reports otherwise, and an optional EventSource that is
// installed when the first listener subscribes and torn down when the last one
// unsubscribes. The client subscribes on Mount and unsubscribes on Unmount.
//
//	online := signal.NewOnlineManager(signal.WithEventSource(signal.ProbeSource(signal.ProbeConfig{
//	    Check:    signal.HTTPCheck(nil, "https://api.example.com/health"),
//	    Interval: 10 * time.Second,
//	})))
//
// The natsclient package provides an EventSource driven by NATS connection state.
package signal
