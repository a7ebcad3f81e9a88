package domain

import (
	"context"
	"errors"
)

// ErrNoReceiver is returned by a SessionMessenger when the target session
// has no handler listening for directives yet.
var ErrNoReceiver = errors.New("session has no directive receiver")

// KVBackend is the durable layer under the store. Implementations:
// encrypted SQLite (production), in-memory map (tests).
type KVBackend interface {
	// Get returns the raw value for key, and whether it exists.
	Get(key string) ([]byte, bool, error)

	// Set writes the raw value for key.
	Set(key string, value []byte) error

	// Close releases resources (e.g., database connection).
	Close() error
}

// SessionMessenger delivers directives to browser sessions via the agent
// bridge. Implementation: unix socket JSON frames.
type SessionMessenger interface {
	// Send delivers a directive to one session. Returns ErrNoReceiver if
	// the session-side handler is not installed.
	Send(ctx context.Context, tabID int, d Directive) error

	// Inject installs the session-side directive handler.
	Inject(ctx context.Context, tabID int) error

	// CloseSession asks the agent to close the tab.
	CloseSession(ctx context.Context, tabID int) error
}

// Notifier pushes OS-level toast notifications. Best-effort.
type Notifier interface {
	Notify(title, message string) error
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// KeyProvider abstracts the source of the store encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
