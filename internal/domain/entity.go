// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"fmt"
	"time"
)

// Tone selects the voice used for nudge and block messages.
type Tone string

const (
	ToneGentle  Tone = "gentle"
	ToneClassic Tone = "classic"
	ToneDrill   Tone = "drill"
)

// LockMode selects how the budget is enforced once exhausted.
type LockMode string

const (
	// LockSoft renders a blocking overlay that a passcode can bypass.
	LockSoft LockMode = "soft"
	// LockClose terminates the session instead of overlaying it.
	LockClose LockMode = "close"
)

// OverlayCustomization lets the user replace the tone-based block text.
type OverlayCustomization struct {
	Enabled  bool   `json:"enabled"`
	Template string `json:"template"`
	Message  string `json:"message"`
	ImageRef string `json:"image_ref,omitempty"`
}

// Settings is the user-facing configuration record. It is owned by the
// store and mutated only through UpdateSettings.
type Settings struct {
	DailyLimitMinutes int                  `json:"daily_limit_minutes"`
	ResetHour         int                  `json:"reset_hour"`
	LockMode          LockMode             `json:"lock_mode"`
	AllowSnooze       bool                 `json:"allow_snooze"`
	CooldownMinutes   int                  `json:"cooldown_minutes"`
	Tone              Tone                 `json:"tone"`
	Enabled           bool                 `json:"enabled"`
	Overlay           OverlayCustomization `json:"overlay"`
	PasscodeHash      string               `json:"passcode_hash,omitempty"`
}

// DefaultSettings returns the out-of-box configuration.
func DefaultSettings() Settings {
	return Settings{
		DailyLimitMinutes: 30,
		ResetHour:         4,
		LockMode:          LockSoft,
		AllowSnooze:       true,
		CooldownMinutes:   10,
		Tone:              ToneClassic,
		Enabled:           true,
	}
}

// DailyLimit returns the daily budget as a duration.
func (s Settings) DailyLimit() time.Duration {
	return time.Duration(s.DailyLimitMinutes) * time.Minute
}

// Cooldown returns the snooze budget as a duration.
func (s Settings) Cooldown() time.Duration {
	return time.Duration(s.CooldownMinutes) * time.Minute
}

// ValidationError reports an out-of-range or malformed settings field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid settings: %s: %s", e.Field, e.Reason)
}

// Validate checks all range and enum constraints.
func (s Settings) Validate() error {
	if s.DailyLimitMinutes < 1 || s.DailyLimitMinutes > 1440 {
		return &ValidationError{Field: "daily_limit_minutes", Reason: "must be 1-1440"}
	}
	if s.ResetHour < 0 || s.ResetHour > 23 {
		return &ValidationError{Field: "reset_hour", Reason: "must be 0-23"}
	}
	if s.CooldownMinutes < 1 || s.CooldownMinutes > 60 {
		return &ValidationError{Field: "cooldown_minutes", Reason: "must be 1-60"}
	}
	switch s.LockMode {
	case LockSoft, LockClose:
	default:
		return &ValidationError{Field: "lock_mode", Reason: "must be soft or close"}
	}
	switch s.Tone {
	case ToneGentle, ToneClassic, ToneDrill:
	default:
		return &ValidationError{Field: "tone", Reason: "unknown tone"}
	}
	return nil
}

// DailyUsage accumulates active time for one calendar day. A new value
// supersedes the old one at rollover; days are never merged.
type DailyUsage struct {
	ActiveMillis int64  `json:"active_millis"`
	LastTickAt   int64  `json:"last_tick_at"` // unix millis of last accepted tick
	DateKey      string `json:"date_key"`
}

// DateKeyFor formats t as a local calendar-date key.
func DateKeyFor(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

// NewDailyUsage returns a zeroed usage record for the day containing t.
func NewDailyUsage(t time.Time) DailyUsage {
	return DailyUsage{DateKey: DateKeyFor(t)}
}

// Flags is the transient per-day state, reset at rollover.
// At most one of Locked and Snoozed may be true at any time.
type Flags struct {
	Nudged           bool  `json:"nudged"`
	Locked           bool  `json:"locked"`
	PausedToday      bool  `json:"paused_today"`
	Snoozed          bool  `json:"snoozed"`
	SnoozeUsedToday  bool  `json:"snooze_used_today"`
	FrozenUsedMillis int64 `json:"frozen_used_millis,omitempty"`
}

// MutateFlags applies mut to a copy of f and verifies the flag invariants:
// Locked and Snoozed are mutually exclusive, and FrozenUsedMillis is set
// exactly while Locked. Every flag mutation in the system goes through here.
func MutateFlags(f Flags, mut func(*Flags)) (Flags, error) {
	next := f
	mut(&next)
	if next.Locked && next.Snoozed {
		return f, fmt.Errorf("flag invariant violated: locked and snoozed both set")
	}
	if next.Locked && next.FrozenUsedMillis <= 0 {
		return f, fmt.Errorf("flag invariant violated: locked without frozen usage")
	}
	if !next.Locked && next.FrozenUsedMillis != 0 {
		return f, fmt.Errorf("flag invariant violated: frozen usage without lock")
	}
	return next, nil
}

// SessionRef identifies one in-scope browser tab. Pid is the OS process id
// of the tab's renderer when the agent reports it, 0 otherwise.
type SessionRef struct {
	TabID int    `json:"tab_id"`
	URL   string `json:"url"`
	Pid   int    `json:"pid,omitempty"`
}

// NotificationsConfig configures the external notification poller. The
// poller itself is a separate collaborator; the record lives here so all
// persisted state shares one store.
type NotificationsConfig struct {
	Enabled      bool   `json:"enabled"`
	Endpoint     string `json:"endpoint,omitempty"`
	PollMinutes  int    `json:"poll_minutes"`
	LastPolledAt int64  `json:"last_polled_at,omitempty"`
}

// DefaultNotificationsConfig returns the out-of-box poll configuration.
func DefaultNotificationsConfig() NotificationsConfig {
	return NotificationsConfig{Enabled: false, PollMinutes: 15}
}

// TimeRemaining summarizes budget consumption for display.
type TimeRemaining struct {
	UsedMillis      int64 `json:"used_millis"`
	RemainingMillis int64 `json:"remaining_millis"`
	LimitMillis     int64 `json:"limit_millis"`
	Frozen          bool  `json:"frozen"`
}

// Snapshot is the full status returned to control surfaces. Seq increases
// monotonically so clients can discard reordered frames without keeping
// their own high-water mark on usage.
type Snapshot struct {
	Seq              uint64        `json:"seq"`
	Settings         Settings      `json:"settings"`
	Usage            DailyUsage    `json:"usage"`
	Flags            Flags         `json:"flags"`
	TimeRemaining    TimeRemaining `json:"time_remaining"`
	NextResetAt      int64         `json:"next_reset_at"`
	IsTracking       bool          `json:"is_tracking"`
	ActiveSessionIDs []int         `json:"active_session_ids"`
}

// NextResetTime returns the next occurrence of resetHour after now, local time.
func NextResetTime(now time.Time, resetHour int) time.Time {
	now = now.Local()
	next := time.Date(now.Year(), now.Month(), now.Day(), resetHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// DirectiveKind enumerates what can be pushed to a session.
type DirectiveKind string

const (
	DirectiveNudge DirectiveKind = "nudge"
	DirectiveBlock DirectiveKind = "block"
	DirectiveHide  DirectiveKind = "hide"
	DirectiveClose DirectiveKind = "close"
)

// Directive is a rendering or enforcement order for one session.
type Directive struct {
	Kind            DirectiveKind `json:"kind"`
	Message         string        `json:"message,omitempty"`
	Mode            LockMode      `json:"mode,omitempty"`
	CooldownMinutes int           `json:"cooldown_minutes,omitempty"`
	TimeLeftMillis  int64         `json:"time_left_millis,omitempty"`
	Actions         []string      `json:"actions,omitempty"`
}

// SnoozeReason explains a rejected snooze request.
type SnoozeReason string

const (
	SnoozeAlreadyUsed SnoozeReason = "already-used-today"
	SnoozeInProgress  SnoozeReason = "in-progress"
	SnoozeNotAllowed  SnoozeReason = "not-allowed"
)

// SnoozeResult is the typed outcome of a snooze request.
type SnoozeResult struct {
	Granted bool         `json:"granted"`
	Reason  SnoozeReason `json:"reason,omitempty"`
}
