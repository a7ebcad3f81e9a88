// Package daemon implements the background coordinator: one goroutine
// that owns every state mutation, fed by a closed set of events.
package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tabwarden/tabwarden/internal/dispatch"
	"github.com/tabwarden/tabwarden/internal/domain"
	"github.com/tabwarden/tabwarden/internal/rules"
	"github.com/tabwarden/tabwarden/internal/store"
	"github.com/tabwarden/tabwarden/internal/tracking"
	"github.com/tabwarden/tabwarden/internal/usage"
)

// Config holds the coordinator timing knobs.
type Config struct {
	BroadcastInterval time.Duration // status frames while a surface is open
	RolloverInterval  time.Duration // how often to check the day boundary
	IdleThreshold     time.Duration // no activity ping for this long = idle
	EventBuffer       int
}

// DefaultConfig returns the production coordinator configuration.
func DefaultConfig() Config {
	return Config{
		BroadcastInterval: time.Second,
		RolloverInterval:  30 * time.Second,
		IdleThreshold:     60 * time.Second,
		EventBuffer:       64,
	}
}

// Broadcaster pushes status frames to connected control surfaces.
type Broadcaster interface {
	Broadcast(s domain.Snapshot)
}

// Coordinator wires the store, rules, usage clock, tracker and dispatcher
// together and serializes all of their triggers through one event loop.
type Coordinator struct {
	cfg         Config
	store       *store.Store
	rules       *rules.Engine
	uclock      *usage.Clock
	tracker     *tracking.Tracker
	dispatcher  *dispatch.Dispatcher
	broadcaster Broadcaster
	notifier    domain.Notifier
	clock       clock.Clock
	logger      *zap.Logger

	events   chan Event
	seq      atomic.Uint64
	surfaces int

	// Follow-ups posted while the loop itself is inside handle are queued
	// here and drained after it returns. Sending to events from the
	// loop's own call stack can deadlock when the buffer is full.
	pendingMu sync.Mutex
	handling  bool
	pending   []Event

	// idle inference from agent pings, read by the usage clock's tick
	activityMu   sync.Mutex
	lastActivity time.Time
	screenLocked bool
	hasIdleInfo  bool
}

// New builds a coordinator and the components it owns. broadcaster and
// notifier may be nil.
func New(cfg Config, st *store.Store, re *rules.Engine, messenger domain.SessionMessenger,
	procs domain.ProcessManager, notifier domain.Notifier, broadcaster Broadcaster,
	c clock.Clock, logger *zap.Logger) *Coordinator {

	co := &Coordinator{
		cfg:         cfg,
		store:       st,
		rules:       re,
		broadcaster: broadcaster,
		notifier:    notifier,
		clock:       c,
		logger:      logger,
		events:      make(chan Event, cfg.EventBuffer),
	}

	co.uclock = usage.New(usage.DefaultConfig(), st, c, co.idleState, usage.Events{
		Nudged: func(left time.Duration) {
			co.post(nudgeFired{timeLeftMillis: left.Milliseconds()})
		},
		Locked: func(frozen int64, cause usage.LockCause) {
			co.post(lockFired{frozenMillis: frozen, cause: string(cause)})
		},
		SnoozeGranted: func() { co.post(snoozeGranted{}) },
		Changed:       func() { co.post(statusChanged{}) },
	}, logger.Named("usage"))

	co.dispatcher = dispatch.New(dispatch.DefaultConfig(), messenger, procs, c, logger.Named("dispatch"))

	co.tracker = tracking.New(tracking.DefaultConfig(), re, st, co.uclock, c,
		co.dispatcher.SessionGone,
		func(bool) { co.post(statusChanged{}) },
		logger.Named("tracking"))

	return co
}

// Submit feeds one event into the loop. Safe from any goroutine.
func (co *Coordinator) Submit(e Event) {
	co.events <- e
}

// post is Submit for internal follow-ups. Calls re-entering from the
// loop's own handle call stack (a snooze grant firing its callback, say)
// are queued rather than sent, so the loop never blocks on the channel
// only it drains. Timer goroutines take the channel path.
func (co *Coordinator) post(e Event) {
	co.pendingMu.Lock()
	if co.handling {
		co.pending = append(co.pending, e)
		co.pendingMu.Unlock()
		return
	}
	co.pendingMu.Unlock()

	select {
	case co.events <- e:
	default:
		// Loop backlogged; a status event can be dropped, state events
		// cannot, so block for those.
		switch e.(type) {
		case statusChanged:
		default:
			co.events <- e
		}
	}
}

// Run drives the loop until ctx is canceled. Blocks.
func (co *Coordinator) Run(ctx context.Context) error {
	if err := co.uclock.Load(); err != nil {
		return err
	}
	if _, err := co.uclock.CheckRollover(co.clock.Now()); err != nil {
		co.logger.Warn("startup rollover check failed", zap.Error(err))
	}
	co.tracker.Recompute()
	co.logger.Info("coordinator started")

	broadcastTicker := co.clock.Ticker(co.cfg.BroadcastInterval)
	rolloverTicker := co.clock.Ticker(co.cfg.RolloverInterval)
	defer func() {
		broadcastTicker.Stop()
		rolloverTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			co.shutdown()
			return ctx.Err()

		case e := <-co.events:
			co.drain(ctx, e)

		case <-broadcastTicker.C:
			if co.surfaces > 0 {
				co.broadcast()
			}

		case <-rolloverTicker.C:
			if _, err := co.uclock.CheckRollover(co.clock.Now()); err != nil {
				co.logger.Warn("rollover check failed", zap.Error(err))
			}
		}
	}
}

func (co *Coordinator) shutdown() {
	co.logger.Info("coordinator stopping")
	co.tracker.Stop()
	co.uclock.Stop()
	co.dispatcher.Wait()
	if err := co.store.Flush(); err != nil {
		co.logger.Warn("final flush failed", zap.Error(err))
	}
}

// drain handles e and then every follow-up its handling queued, until
// none remain.
func (co *Coordinator) drain(ctx context.Context, e Event) {
	for {
		co.pendingMu.Lock()
		co.handling = true
		co.pendingMu.Unlock()

		co.handle(ctx, e)

		co.pendingMu.Lock()
		co.handling = false
		if len(co.pending) == 0 {
			co.pendingMu.Unlock()
			return
		}
		e = co.pending[0]
		co.pending = co.pending[1:]
		co.pendingMu.Unlock()
	}
}

// handle processes one event synchronously to completion.
func (co *Coordinator) handle(ctx context.Context, e Event) {
	switch ev := e.(type) {
	case TabActivated:
		co.noteActivity()
		co.tracker.TabActivated(ev.TabID)

	case TabUpdated:
		co.noteActivity()
		co.tracker.TabUpdated(ev.TabID, ev.URL, ev.Pid)
		co.reblockIfLocked(ctx, ev.TabID, ev.URL)

	case TabRemoved:
		co.tracker.TabRemoved(ev.TabID)

	case WindowFocusChanged:
		if ev.Focused {
			co.noteActivity()
		}
		co.tracker.WindowFocusChanged(ev.Focused)

	case ActivityPing:
		co.noteActivity()

	case IdlePing:
		co.activityMu.Lock()
		co.hasIdleInfo = true
		co.screenLocked = ev.ScreenLocked
		co.lastActivity = time.Time{} // idle now
		co.activityMu.Unlock()

	case SurfaceConnected:
		co.surfaces++
		co.tracker.SurfaceConnected()
		co.broadcast()

	case SurfaceDisconnected:
		if co.surfaces > 0 {
			co.surfaces--
		}
		co.tracker.SurfaceDisconnected()

	case GetStatus:
		ev.Reply <- co.snapshot()

	case TogglePause:
		co.handleTogglePause()
		ev.Reply <- co.snapshot()

	case ManualReset:
		if err := co.uclock.ManualReset(); err != nil {
			co.logger.Error("manual reset failed", zap.Error(err))
		}
		co.dispatcher.HideBlocks(ctx, co.tracker.Sessions())
		co.tracker.NoteUserAction()
		ev.Reply <- co.snapshot()

	case SnoozeRequest:
		ev.Reply <- co.uclock.Snooze()

	case BypassRequest:
		ok := co.uclock.Unlock(ev.Passcode)
		if ok {
			co.dispatcher.HideBlocks(ctx, co.tracker.Sessions())
			co.tracker.NoteUserAction()
		}
		ev.Reply <- ok

	case SetPasscode:
		ev.Reply <- co.handleSetPasscode(ev.Value)

	case UpdateSettings:
		ev.Reply <- co.handleUpdateSettings(ev.Patch)

	case nudgeFired:
		co.handleNudge(ctx, ev)

	case lockFired:
		co.logger.Info("lock engaged",
			zap.String("cause", ev.cause),
			zap.Int64("frozen_millis", ev.frozenMillis))
		co.handleLock(ctx)

	case snoozeGranted:
		co.dispatcher.HideBlocks(ctx, co.tracker.Sessions())
		co.notify("Snooze granted", "The timer restarted for your cooldown window.")
		co.tracker.NoteUserAction()

	case statusChanged:
		if co.surfaces > 0 {
			co.broadcast()
		}
	}
}

func (co *Coordinator) handleTogglePause() {
	flags := co.uclock.Flags()
	if flags.PausedToday {
		if err := co.uclock.Resume(co.hasVisibleSession()); err != nil {
			co.logger.Error("resume failed", zap.Error(err))
			return
		}
		co.tracker.NoteUserAction()
		return
	}
	if err := co.uclock.Pause(); err != nil {
		co.logger.Error("pause failed", zap.Error(err))
	}
}

func (co *Coordinator) handleSetPasscode(value string) error {
	_, err := co.store.UpdateSettings(func(s *domain.Settings) {
		if value == "" {
			s.PasscodeHash = ""
		} else {
			s.PasscodeHash = rules.HashPasscode(value)
		}
	})
	return err
}

func (co *Coordinator) handleUpdateSettings(patch SettingsPatch) UpdateResult {
	cur, err := co.store.Settings()
	if err != nil {
		return UpdateResult{Err: err}
	}
	next := applyPatch(cur, patch)
	if err := next.Validate(); err != nil {
		return UpdateResult{Err: err}
	}

	updated, err := co.store.UpdateSettings(func(s *domain.Settings) { *s = next })
	if err != nil {
		return UpdateResult{Err: err}
	}
	if !updated.Enabled {
		co.uclock.Stop()
	}
	co.tracker.Recompute()
	co.logger.Info("settings updated",
		zap.Int("daily_limit_minutes", updated.DailyLimitMinutes),
		zap.String("lock_mode", string(updated.LockMode)))
	return UpdateResult{Settings: updated}
}

func (co *Coordinator) handleNudge(ctx context.Context, ev nudgeFired) {
	settings, err := co.store.Settings()
	if err != nil {
		return
	}
	left := time.Duration(ev.timeLeftMillis) * time.Millisecond
	msg := rules.MessageFor(settings.Tone, rules.KindNudge, left, nil)

	co.dispatcher.Dispatch(ctx, co.tracker.Sessions(), domain.Directive{
		Kind:           domain.DirectiveNudge,
		Message:        msg,
		TimeLeftMillis: ev.timeLeftMillis,
		Actions:        []string{"dismiss", "snooze"},
	})
	co.notify("Time check", msg)
}

func (co *Coordinator) handleLock(ctx context.Context) {
	settings, err := co.store.Settings()
	if err != nil {
		return
	}
	sessions := co.tracker.Sessions()

	if settings.LockMode == domain.LockClose {
		co.dispatcher.Dispatch(ctx, sessions, domain.Directive{
			Kind: domain.DirectiveClose,
			Mode: domain.LockClose,
		})
		return
	}

	msg := rules.MessageFor(settings.Tone, rules.KindBlock, 0, &settings.Overlay)
	co.dispatcher.Dispatch(ctx, sessions, domain.Directive{
		Kind:            domain.DirectiveBlock,
		Message:         msg,
		Mode:            settings.LockMode,
		CooldownMinutes: settings.CooldownMinutes,
	})
}

// reblockIfLocked re-covers a freshly navigated tab while locked; the
// overlay does not survive a page load, so its mark is cleared first.
func (co *Coordinator) reblockIfLocked(ctx context.Context, tabID int, url string) {
	flags := co.uclock.Flags()
	if !flags.Locked || !co.rules.InScope(url) {
		return
	}
	co.dispatcher.SessionGone(tabID)
	co.handleLock(ctx)
}

func (co *Coordinator) hasVisibleSession() bool {
	return len(co.tracker.SessionIDs()) > 0
}

func (co *Coordinator) noteActivity() {
	co.activityMu.Lock()
	co.hasIdleInfo = true
	co.lastActivity = co.clock.Now()
	co.screenLocked = false
	co.activityMu.Unlock()
}

// idleState implements usage.IdleFunc. Without any agent ping ever seen,
// idle detection is reported unavailable and the check is skipped.
func (co *Coordinator) idleState() (idle bool, screenLocked bool, ok bool) {
	co.activityMu.Lock()
	defer co.activityMu.Unlock()
	if !co.hasIdleInfo {
		return false, false, false
	}
	if co.screenLocked {
		return true, true, true
	}
	if co.lastActivity.IsZero() {
		return true, false, true
	}
	return co.clock.Now().Sub(co.lastActivity) > co.cfg.IdleThreshold, false, true
}

func (co *Coordinator) notify(title, message string) {
	if co.notifier == nil {
		return
	}
	if err := co.notifier.Notify(title, message); err != nil {
		co.logger.Debug("notification failed", zap.Error(err))
	}
}

func (co *Coordinator) broadcast() {
	if co.broadcaster == nil {
		return
	}
	co.broadcaster.Broadcast(co.snapshot())
}

// snapshot assembles the status record served to control surfaces.
func (co *Coordinator) snapshot() domain.Snapshot {
	settings, err := co.store.Settings()
	if err != nil {
		settings = domain.DefaultSettings()
	}
	now := co.clock.Now()
	return domain.Snapshot{
		Seq:              co.seq.Add(1),
		Settings:         settings,
		Usage:            co.uclock.Usage(),
		Flags:            co.uclock.Flags(),
		TimeRemaining:    co.uclock.TimeRemaining(settings),
		NextResetAt:      domain.NextResetTime(now, settings.ResetHour).UnixMilli(),
		IsTracking:       co.uclock.Running(),
		ActiveSessionIDs: co.tracker.SessionIDs(),
	}
}
