package daemon

import "github.com/tabwarden/tabwarden/internal/domain"

// Event is the closed set of inputs the coordinator loop processes. Each
// event is handled synchronously to completion; deferred work re-enters
// the loop as another event rather than as a nested callback.
type Event interface{ isEvent() }

// Browser signals, fed by the agent bridge.

type TabActivated struct{ TabID int }

type TabUpdated struct {
	TabID    int
	URL      string
	Pid      int
	Complete bool
}

type TabRemoved struct{ TabID int }

type WindowFocusChanged struct{ Focused bool }

type ActivityPing struct{}

// IdlePing reports the user has gone idle; ScreenLocked marks the
// stronger OS screen-lock state.
type IdlePing struct{ ScreenLocked bool }

// Control-surface lifecycle.

type SurfaceConnected struct{ ID string }

type SurfaceDisconnected struct{ ID string }

// Commands, issued by control surfaces. Replies are buffered channels.

type GetStatus struct{ Reply chan domain.Snapshot }

type TogglePause struct{ Reply chan domain.Snapshot }

type ManualReset struct{ Reply chan domain.Snapshot }

type SnoozeRequest struct{ Reply chan domain.SnoozeResult }

type BypassRequest struct {
	Passcode string
	Reply    chan bool
}

type SetPasscode struct {
	Value string
	Reply chan error
}

// SettingsPatch is a partial settings update; nil fields are left as-is.
type SettingsPatch struct {
	DailyLimitMinutes *int    `json:"daily_limit_minutes,omitempty"`
	ResetHour         *int    `json:"reset_hour,omitempty"`
	LockMode          *string `json:"lock_mode,omitempty"`
	AllowSnooze       *bool   `json:"allow_snooze,omitempty"`
	CooldownMinutes   *int    `json:"cooldown_minutes,omitempty"`
	Tone              *string `json:"tone,omitempty"`
	Enabled           *bool   `json:"enabled,omitempty"`
	OverlayEnabled    *bool   `json:"overlay_enabled,omitempty"`
	OverlayTemplate   *string `json:"overlay_template,omitempty"`
	OverlayMessage    *string `json:"overlay_message,omitempty"`
	OverlayImageRef   *string `json:"overlay_image_ref,omitempty"`
}

// UpdateSettings applies a validated partial settings update.
type UpdateSettings struct {
	Patch SettingsPatch
	Reply chan UpdateResult
}

// UpdateResult carries the settings after a successful update, or the
// validation error.
type UpdateResult struct {
	Settings domain.Settings
	Err      error
}

// Internal follow-ups posted by the usage clock's callbacks, so their
// consequences run on the loop in event order.

type nudgeFired struct{ timeLeftMillis int64 }

type lockFired struct {
	frozenMillis int64
	cause        string
}

type snoozeGranted struct{}

type statusChanged struct{}

func (TabActivated) isEvent() {}
func (TabUpdated) isEvent() {}
func (TabRemoved) isEvent() {}
func (WindowFocusChanged) isEvent() {}
func (ActivityPing) isEvent() {}
func (IdlePing) isEvent() {}
func (SurfaceConnected) isEvent() {}
func (SurfaceDisconnected) isEvent() {}
func (GetStatus) isEvent() {}
func (TogglePause) isEvent() {}
func (ManualReset) isEvent() {}
func (SnoozeRequest) isEvent() {}
func (BypassRequest) isEvent() {}
func (SetPasscode) isEvent() {}
func (UpdateSettings) isEvent() {}
func (nudgeFired) isEvent() {}
func (lockFired) isEvent() {}
func (snoozeGranted) isEvent() {}
func (statusChanged) isEvent() {}
