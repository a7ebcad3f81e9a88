// Package bridge exposes the daemon on a unix socket speaking
// newline-delimited JSON. Two peer roles connect: the browser agent,
// which feeds tab and activity events and receives directives, and
// control surfaces (CLI, popup), which issue commands and receive
// status frames.
package bridge

import (
	"github.com/tabwarden/tabwarden/internal/daemon"
	"github.com/tabwarden/tabwarden/internal/domain"
)

// Peer roles, declared in the hello frame.
const (
	RoleAgent   = "agent"
	RoleSurface = "surface"
)

// Client frame types.
const (
	TypeHello         = "hello"
	TypeTabActivated  = "tab_activated"
	TypeTabUpdated    = "tab_updated"
	TypeTabRemoved    = "tab_removed"
	TypeFocus         = "focus"
	TypeActivity      = "activity"
	TypeIdle          = "idle"
	TypeReceiverReady = "receiver_ready"

	TypeStatus         = "status"
	TypeTogglePause    = "toggle_pause"
	TypeManualReset    = "manual_reset"
	TypeSnooze         = "snooze"
	TypeBypass         = "bypass"
	TypeSetPasscode    = "set_passcode"
	TypeUpdateSettings = "update_settings"
)

// Server frame types.
const (
	TypeDirective = "directive"
	TypeInject    = "inject"
	TypeCloseTab  = "close_tab"
	TypeSnapshot  = "snapshot"
	TypeReply     = "reply"
	TypeError     = "error"
)

// Frame is one message on the wire. Only the fields relevant to Type
// are populated.
type Frame struct {
	Type string `json:"type"`

	// hello
	Role string `json:"role,omitempty"`

	// tab and activity events
	TabID        int    `json:"tab_id,omitempty"`
	URL          string `json:"url,omitempty"`
	Pid          int    `json:"pid,omitempty"`
	Complete     bool   `json:"complete,omitempty"`
	Focused      bool   `json:"focused,omitempty"`
	ScreenLocked bool   `json:"screen_locked,omitempty"`

	// commands
	Passcode string                `json:"passcode,omitempty"`
	Value    string                `json:"value,omitempty"`
	Patch    *daemon.SettingsPatch `json:"patch,omitempty"`

	// server to client
	Directive *domain.Directive    `json:"directive,omitempty"`
	Snapshot  *domain.Snapshot     `json:"snapshot,omitempty"`
	Snooze    *domain.SnoozeResult `json:"snooze,omitempty"`
	Settings  *domain.Settings     `json:"settings,omitempty"`
	OK        *bool                `json:"ok,omitempty"`
	Error     string               `json:"error,omitempty"`
}

func boolp(v bool) *bool { return &v }
