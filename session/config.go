package session

import "time"

// Config bundles the tunable constants from spec.md §6. Values are
// chosen by the operator; these defaults are sane starting points.
type Config struct {
	MaxConnectionsPerSession       int
	MaxActiveConnectionsPerSession int
	MaxOfflinePack                 int
	HeartBeatDelay                 time.Duration
	BusyTimeout                    time.Duration
	IdleTimeout                    time.Duration
	ReadingTimeout                 time.Duration
	WritingTimeout                 time.Duration
}

// DefaultConfig returns the defaults used by cmd/bcp-client and
// cmd/bcp-server unless overridden by the config file or BCP_ environment
// variables that internal/config loads.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerSession:       32,
		MaxActiveConnectionsPerSession: 16,
		MaxOfflinePack:                 1024,
		HeartBeatDelay:                 20 * time.Second,
		BusyTimeout:                    5 * time.Second,
		IdleTimeout:                    30 * time.Second,
		ReadingTimeout:                 90 * time.Second,
		WritingTimeout:                 30 * time.Second,
	}
}

// Callbacks is the session-to-application notification surface from
// spec.md §6.
type Callbacks interface {
	// Received is invoked once per accepted application message, in
	// transaction-commit order (spec.md §5).
	Received(buffers [][]byte)
	// Available fires once when the sending queue transitions
	// Offline -> Online (a connection became usable).
	Available()
	// Unavailable fires on the reverse transition.
	Unavailable()
	// ShutedDown fires after a graceful shutdown commits.
	ShutedDown()
	// Interrupted fires after an abnormal, session-wide failure.
	Interrupted()
}

// Hooks are role-specific extension points the client overlay installs
// to drive its Idle/Busy/Slow connection-count adaptation (spec.md
// §4.2, §4.7). The server overlay leaves them nil.
type Hooks struct {
	// Busy is invoked when a connection's unconfirmedPackets queue
	// transitions from empty to non-empty.
	Busy func(connID uint32)
	// Idle is invoked when it drains back to empty.
	Idle func(connID uint32)
}
