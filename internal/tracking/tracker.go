// Package tracking decides whether the usage clock should be running,
// based on tab, focus and control-surface signals, with debouncing so a
// burst of browser events causes at most one recompute.
package tracking

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tabwarden/tabwarden/internal/domain"
	"github.com/tabwarden/tabwarden/internal/flight"
	"github.com/tabwarden/tabwarden/internal/rules"
	"github.com/tabwarden/tabwarden/internal/store"
	"github.com/tabwarden/tabwarden/internal/usage"
)

// Config holds the recompute timing knobs.
type Config struct {
	DebounceWindow time.Duration // coalesce event bursts into one recompute
	GraceWindow    time.Duration // suppress stops right after a user action
}

// DefaultConfig returns the production timing configuration.
func DefaultConfig() Config {
	return Config{
		DebounceWindow: 100 * time.Millisecond,
		GraceWindow:    1200 * time.Millisecond,
	}
}

// Tracker holds the in-scope session set and flips the usage clock when
// the should-run signal changes.
type Tracker struct {
	mu     sync.Mutex
	cfg    Config
	rules  *rules.Engine
	store  *store.Store
	uclock *usage.Clock
	clock  clock.Clock
	logger *zap.Logger

	sessions   map[int]domain.SessionRef
	activeTab  int
	focused    bool
	surfaces   int
	graceUntil time.Time
	running    bool

	debounce *flight.Debouncer

	// onSessionGone tells the dispatcher a session closed or navigated
	// away, so its overlay bookkeeping can be cleared.
	onSessionGone func(tabID int)
	onFlip        func(running bool)
}

// New creates a tracker. onSessionGone and onFlip may be nil.
func New(cfg Config, re *rules.Engine, st *store.Store, uc *usage.Clock, c clock.Clock,
	onSessionGone func(tabID int), onFlip func(running bool), logger *zap.Logger) *Tracker {
	t := &Tracker{
		cfg:           cfg,
		rules:         re,
		store:         st,
		uclock:        uc,
		clock:         c,
		logger:        logger,
		sessions:      make(map[int]domain.SessionRef),
		focused:       true,
		onSessionGone: onSessionGone,
		onFlip:        onFlip,
	}
	t.debounce = flight.NewDebouncer(c, cfg.DebounceWindow, t.recompute)
	return t
}

// TabActivated records the newly active tab.
func (t *Tracker) TabActivated(tabID int) {
	t.mu.Lock()
	t.activeTab = tabID
	t.mu.Unlock()
	t.debounce.Trigger()
}

// TabUpdated tracks navigation. A tab entering scope joins the session
// set; one navigating out leaves it and releases its overlay bookkeeping.
func (t *Tracker) TabUpdated(tabID int, url string, pid int) {
	inScope := t.rules.InScope(url)

	t.mu.Lock()
	_, known := t.sessions[tabID]
	var gone bool
	if inScope {
		t.sessions[tabID] = domain.SessionRef{TabID: tabID, URL: url, Pid: pid}
	} else if known {
		delete(t.sessions, tabID)
		gone = true
	}
	t.mu.Unlock()

	if (inScope && known) || gone {
		// Navigation within or out of scope refreshes the page; any overlay
		// it displayed is gone with it.
		if t.onSessionGone != nil {
			t.onSessionGone(tabID)
		}
	}
	t.debounce.Trigger()
}

// TabRemoved drops a closed tab.
func (t *Tracker) TabRemoved(tabID int) {
	t.mu.Lock()
	_, known := t.sessions[tabID]
	delete(t.sessions, tabID)
	if t.activeTab == tabID {
		t.activeTab = 0
	}
	t.mu.Unlock()

	if known && t.onSessionGone != nil {
		t.onSessionGone(tabID)
	}
	t.debounce.Trigger()
}

// WindowFocusChanged records OS window focus.
func (t *Tracker) WindowFocusChanged(focused bool) {
	t.mu.Lock()
	t.focused = focused
	t.mu.Unlock()
	t.debounce.Trigger()
}

// SurfaceConnected counts an opened control surface. A surface keeps the
// clock running even while the tracked tab is not focused, matching the
// popup-open behavior.
func (t *Tracker) SurfaceConnected() {
	t.mu.Lock()
	t.surfaces++
	t.mu.Unlock()
	t.debounce.Trigger()
}

// SurfaceDisconnected counts a closed control surface.
func (t *Tracker) SurfaceDisconnected() {
	t.mu.Lock()
	if t.surfaces > 0 {
		t.surfaces--
	}
	t.mu.Unlock()
	t.debounce.Trigger()
}

// NoteUserAction opens the suppress-stop grace window. Called after a
// user resume or reset so a stale no-active-tab signal cannot immediately
// re-stop the clock the user just restarted.
func (t *Tracker) NoteUserAction() {
	t.mu.Lock()
	t.graceUntil = t.clock.Now().Add(t.cfg.GraceWindow)
	t.mu.Unlock()
	t.debounce.Trigger()
}

// Sessions returns the current in-scope session set.
func (t *Tracker) Sessions() []domain.SessionRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.SessionRef, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// SessionIDs returns the in-scope tab ids for the status snapshot.
func (t *Tracker) SessionIDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.sessions))
	for id := range t.sessions {
		out = append(out, id)
	}
	return out
}

// Recompute evaluates should-run immediately, bypassing the debounce.
// Used at startup and in tests.
func (t *Tracker) Recompute() {
	t.recompute()
}

// Stop cancels any pending recompute.
func (t *Tracker) Stop() {
	t.debounce.Stop()
}

// recompute evaluates the should-run signal and flips the clock on a
// change. A stop inside the grace window is suppressed; the next event
// re-evaluates it.
func (t *Tracker) recompute() {
	settings, err := t.store.Settings()
	if err != nil {
		t.logger.Warn("recompute: settings unavailable", zap.Error(err))
		return
	}
	flags := t.uclock.Flags()

	t.mu.Lock()
	shouldRun := false
	if settings.Enabled && !flags.PausedToday && !flags.Locked {
		if _, active := t.sessions[t.activeTab]; active && t.focused {
			shouldRun = true
		} else if len(t.sessions) > 0 && t.surfaces > 0 {
			shouldRun = true
		}
	}
	inGrace := t.clock.Now().Before(t.graceUntil)
	hasSessions := len(t.sessions) > 0
	wasRunning := t.running
	if shouldRun || !inGrace {
		t.running = shouldRun
	}
	t.mu.Unlock()

	switch {
	case shouldRun && !wasRunning:
		t.uclock.SetActive(true)
		t.uclock.Start()
		t.logger.Debug("tracking started")
		if t.onFlip != nil {
			t.onFlip(true)
		}
	case !shouldRun && wasRunning:
		if inGrace {
			t.logger.Debug("stop suppressed by grace window")
			return
		}
		if hasSessions {
			// Focus moved elsewhere but the tab still exists: pause rather
			// than a full stop so the anchor handling stays cheap.
			t.uclock.SetActive(false)
		} else {
			t.uclock.Stop()
		}
		t.logger.Debug("tracking stopped")
		if t.onFlip != nil {
			t.onFlip(false)
		}
	case shouldRun && wasRunning && !t.uclock.Running():
		// Re-assert after a swallowed focus toggle or cleared lock.
		t.uclock.SetActive(true)
		t.uclock.Start()
	}
}
