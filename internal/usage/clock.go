// Package usage implements the budget state machine: it accumulates active
// time, persists it at a throttled cadence, and drives the nudge, lock,
// snooze and rollover transitions.
package usage

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tabwarden/tabwarden/internal/domain"
	"github.com/tabwarden/tabwarden/internal/flight"
	"github.com/tabwarden/tabwarden/internal/metrics"
	"github.com/tabwarden/tabwarden/internal/rules"
	"github.com/tabwarden/tabwarden/internal/store"
)

// State is the accumulation state of the clock.
type State string

const (
	StateIdle    State = "idle"
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateSnoozed State = "snoozed"
	StateLocked  State = "locked"
)

// LockCause records what exhausted the budget.
type LockCause string

const (
	CauseLimit    LockCause = "limit"
	CauseCooldown LockCause = "cooldown"
)

// Config holds the accounting knobs.
type Config struct {
	TickInterval   time.Duration // accumulation tick period
	MinTickMillis  int64         // elapsed below this is debounce noise, dropped
	PersistEvery   time.Duration // minimum gap between usage persists
	PersistJitter  time.Duration // random extra gap, spreads writes
	TickBuffer     time.Duration // lock this early to pre-empt tick overshoot
	NudgeRatio     float64       // fraction of the limit at which to nudge
	ActiveDebounce time.Duration // ignore focus toggles closer than this
	SnoozeInterval time.Duration // reject snooze repeats inside this window
	ResetInterval  time.Duration // reject reset repeats inside this window
}

// DefaultConfig returns the production accounting configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:   time.Second,
		MinTickMillis:  250,
		PersistEvery:   60 * time.Second,
		PersistJitter:  30 * time.Second,
		TickBuffer:     2 * time.Second,
		NudgeRatio:     0.8,
		ActiveDebounce: 200 * time.Millisecond,
		SnoozeInterval: 2 * time.Second,
		ResetInterval:  1500 * time.Millisecond,
	}
}

// IdleFunc reports host idle state. ok is false when the host cannot
// report idleness, in which case the check is skipped.
type IdleFunc func() (idle bool, screenLocked bool, ok bool)

// Events are the clock's outbound notifications. All fields are optional.
// Callbacks run without the clock's lock held, so they may call back in.
type Events struct {
	Nudged        func(timeLeft time.Duration)
	Locked        func(frozenMillis int64, cause LockCause)
	SnoozeGranted func()
	Changed       func()
}

// Clock is the usage accounting state machine. All transitions are
// serialized by an internal mutex; the in-memory counter is the source of
// truth between successful persists.
type Clock struct {
	mu     sync.Mutex
	cfg    Config
	store  *store.Store
	clock  clock.Clock
	logger *zap.Logger
	events Events
	idleFn IdleFunc

	state       State
	usage       domain.DailyUsage
	flags       domain.Flags
	anchor      time.Time
	lastPersist time.Time
	nextJitter  time.Duration

	tickTimer   *clock.Timer
	snoozeTimer *clock.Timer

	activeToggle *flight.RateLimit
	snoozeLimit  *flight.RateLimit
	snoozeGate   flight.Gate
	resetLimit   *flight.RateLimit
	resetGate    flight.Gate
}

// New creates a usage clock over the store. Call Load before use.
func New(cfg Config, st *store.Store, c clock.Clock, idleFn IdleFunc, events Events, logger *zap.Logger) *Clock {
	return &Clock{
		cfg:          cfg,
		store:        st,
		clock:        c,
		logger:       logger,
		events:       events,
		idleFn:       idleFn,
		state:        StateIdle,
		activeToggle: flight.NewRateLimit(c, cfg.ActiveDebounce),
		snoozeLimit:  flight.NewRateLimit(c, cfg.SnoozeInterval),
		resetLimit:   flight.NewRateLimit(c, cfg.ResetInterval),
	}
}

// Load pulls usage and flags into memory. A persisted lock survives a
// daemon restart.
func (c *Clock) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := c.store.Usage()
	if err != nil {
		return err
	}
	f, err := c.store.Flags()
	if err != nil {
		return err
	}
	c.usage = u
	c.flags = f
	if f.Locked {
		c.state = StateLocked
	} else if f.PausedToday {
		c.state = StatePaused
	}
	return nil
}

// State returns the current accumulation state.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Usage returns the in-memory usage counter.
func (c *Clock) Usage() domain.DailyUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Flags returns the in-memory flags.
func (c *Clock) Flags() domain.Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// TimeRemaining computes the display budget. While locked, the frozen
// value is shown instead of the live counter.
func (c *Clock) TimeRemaining(settings domain.Settings) domain.TimeRemaining {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := c.effectiveLimitLocked(settings)
	used := c.usage.ActiveMillis
	if c.flags.Locked {
		used = c.flags.FrozenUsedMillis
		if limit < used {
			limit = used
		}
	}
	remaining := limit - used

	if remaining < 0 {
		remaining = 0
	}
	return domain.TimeRemaining{
		UsedMillis:      used,
		RemainingMillis: remaining,
		LimitMillis:     limit,
		Frozen:          c.flags.Locked,
	}
}

func (c *Clock) effectiveLimitLocked(settings domain.Settings) int64 {
	if c.flags.Snoozed {
		return settings.Cooldown().Milliseconds()
	}
	return settings.DailyLimit().Milliseconds()
}

// Start moves Idle to Active. No-op unless enabled and neither locked nor
// paused; idempotent while already running.
func (c *Clock) Start() {
	settings, err := c.store.Settings()
	if err != nil {
		c.logger.Warn("start: settings unavailable", zap.Error(err))
		return
	}

	c.mu.Lock()
	switch {
	case !settings.Enabled,
		c.state == StateLocked,
		c.state == StatePaused,
		c.state == StateActive,
		c.state == StateSnoozed:
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.anchor = c.clock.Now()
	c.scheduleTickLocked()
	c.mu.Unlock()

	c.logger.Debug("usage clock started")
	c.emitChanged()
}

// Stop halts accumulation and flushes the counter. Locked state persists
// through a stop.
func (c *Clock) Stop() {
	c.mu.Lock()
	c.cancelTickLocked()
	c.accumulateLocked()
	if c.state == StateActive || c.state == StateSnoozed {
		c.state = StateIdle
	}
	c.persistUsageLocked(true)
	c.mu.Unlock()

	c.logger.Debug("usage clock stopped")
	c.emitChanged()
}

// SetActive toggles focus-driven accumulation between Active and Paused
// without resetting the counter. Toggles inside the debounce window are
// absorbed; re-activation while Locked is refused. Snoozed sessions are
// governed by the cooldown wall timer and ignore focus flapping.
func (c *Clock) SetActive(active bool) {
	if !c.activeToggle.Allow() {
		return
	}

	c.mu.Lock()
	switch {
	case c.state == StateLocked || c.state == StateSnoozed:
		c.mu.Unlock()
		return
	case active && c.state == StatePaused && !c.flags.PausedToday:
		c.state = StateActive
		c.anchor = c.clock.Now()
		c.scheduleTickLocked()
	case !active && c.state == StateActive:
		c.accumulateLocked()
		c.cancelTickLocked()
		c.persistUsageLocked(true)
		c.state = StatePaused
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.emitChanged()
}

// Pause is the user-initiated freeze. A pause during a snooze cancels the
// snooze instead of leaving the combination live, and clears any lock the
// cooldown had set.
func (c *Clock) Pause() error {
	c.mu.Lock()
	c.cancelTickLocked()
	c.cancelSnoozeTimerLocked()
	c.accumulateLocked()

	flags, err := c.store.UpdateFlags(func(f *domain.Flags) {
		f.PausedToday = true
		f.Snoozed = false
		f.Locked = false
		f.FrozenUsedMillis = 0
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.flags = flags
	c.state = StatePaused
	c.persistUsageLocked(true)
	c.mu.Unlock()

	c.logger.Info("tracking paused by user")
	c.emitChanged()
	return nil
}

// Resume lifts a user pause. Accumulation restarts only when an in-scope
// session is currently visible; otherwise the clock goes Idle until the
// tracking coordinator starts it.
func (c *Clock) Resume(visible bool) error {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return nil
	}
	flags, err := c.store.UpdateFlags(func(f *domain.Flags) {
		f.PausedToday = false
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.flags = flags
	if visible {
		c.state = StateActive
		c.anchor = c.clock.Now()
		c.scheduleTickLocked()
	} else {
		c.state = StateIdle
	}
	c.mu.Unlock()

	c.logger.Info("tracking resumed by user", zap.Bool("visible", visible))
	c.emitChanged()
	return nil
}

// Snooze grants the once-per-day cooldown: the counter restarts against
// the smaller cooldown budget and a one-shot timer re-locks when it
// elapses. The typed result carries the rejection reason.
func (c *Clock) Snooze() domain.SnoozeResult {
	if !c.snoozeGate.TryAcquire() {
		metrics.Snoozes.WithLabelValues(string(domain.SnoozeInProgress)).Inc()
		return domain.SnoozeResult{Reason: domain.SnoozeInProgress}
	}
	defer c.snoozeGate.Release()

	settings, err := c.store.Settings()
	if err != nil {
		c.logger.Warn("snooze: settings unavailable", zap.Error(err))
		return domain.SnoozeResult{Reason: domain.SnoozeNotAllowed}
	}

	c.mu.Lock()
	switch {
	case !settings.AllowSnooze || c.state == StatePaused || c.state == StateIdle:
		c.mu.Unlock()
		metrics.Snoozes.WithLabelValues(string(domain.SnoozeNotAllowed)).Inc()
		return domain.SnoozeResult{Reason: domain.SnoozeNotAllowed}
	case c.flags.SnoozeUsedToday:
		c.mu.Unlock()
		metrics.Snoozes.WithLabelValues(string(domain.SnoozeAlreadyUsed)).Inc()
		return domain.SnoozeResult{Reason: domain.SnoozeAlreadyUsed}
	}

	// The repeat window is consumed only by requests that got this far;
	// a rejected snooze must not mask an immediate valid retry.
	if !c.snoozeLimit.Allow() {
		c.mu.Unlock()
		metrics.Snoozes.WithLabelValues(string(domain.SnoozeInProgress)).Inc()
		return domain.SnoozeResult{Reason: domain.SnoozeInProgress}
	}

	flags, err := c.store.UpdateFlags(func(f *domain.Flags) {
		f.Locked = false
		f.FrozenUsedMillis = 0
		f.Nudged = false
		f.Snoozed = true
		f.SnoozeUsedToday = true
	})
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("snooze: flag update failed", zap.Error(err))
		return domain.SnoozeResult{Reason: domain.SnoozeNotAllowed}
	}
	c.flags = flags
	c.usage.ActiveMillis = 0
	c.persistUsageLocked(true)

	c.state = StateSnoozed
	c.anchor = c.clock.Now()
	c.scheduleTickLocked()
	c.scheduleSnoozeLockLocked(settings)
	c.mu.Unlock()

	metrics.Snoozes.WithLabelValues("granted").Inc()
	c.logger.Info("snooze granted",
		zap.Int("cooldown_minutes", settings.CooldownMinutes))

	if c.events.SnoozeGranted != nil {
		c.events.SnoozeGranted()
	}
	c.emitChanged()
	return domain.SnoozeResult{Granted: true}
}

// scheduleSnoozeLockLocked arms the deferred cooldown lock. The timer
// captures the dateKey it was armed under; a rollover in between both
// cancels the timer and changes the key, so a stale fire is a no-op.
func (c *Clock) scheduleSnoozeLockLocked(settings domain.Settings) {
	c.cancelSnoozeTimerLocked()
	armedFor := c.usage.DateKey
	cooldownMillis := settings.Cooldown().Milliseconds()
	c.snoozeTimer = c.clock.AfterFunc(settings.Cooldown(), func() {
		c.mu.Lock()
		if c.usage.DateKey != armedFor || !c.flags.Snoozed {
			c.mu.Unlock()
			return
		}
		c.lockLocked(cooldownMillis, CauseCooldown)
	})
}

// ManualReset zeroes the counter and clears every flag, independent of the
// date key. Idempotent; repeats inside the rate window are absorbed.
func (c *Clock) ManualReset() error {
	if !c.resetGate.TryAcquire() {
		return nil
	}
	defer c.resetGate.Release()
	if !c.resetLimit.Allow() {
		return nil
	}

	c.mu.Lock()
	c.cancelSnoozeTimerLocked()
	c.cancelTickLocked()

	flags, err := c.store.UpdateFlags(func(f *domain.Flags) {
		*f = domain.Flags{}
	})
	if err != nil {
		c.mu.Unlock()
		// A failed reset must not mask an immediate retry.
		c.resetLimit.Reset()
		return err
	}
	c.flags = flags
	c.usage.ActiveMillis = 0
	c.usage.LastTickAt = 0
	c.persistUsageLocked(true)
	c.state = StateIdle
	c.mu.Unlock()

	c.logger.Info("usage manually reset")
	c.emitChanged()
	return nil
}

// Unlock clears a lock when the passcode validates. With no passcode
// configured the bypass is always permitted.
func (c *Clock) Unlock(passcode string) bool {
	settings, err := c.store.Settings()
	if err != nil {
		c.logger.Warn("unlock: settings unavailable", zap.Error(err))
		return false
	}
	if !rules.ValidatePasscode(settings.PasscodeHash, passcode) {
		c.logger.Info("unlock rejected: bad passcode")
		return false
	}

	c.mu.Lock()
	if c.state != StateLocked {
		c.mu.Unlock()
		return true
	}
	flags, err := c.store.UpdateFlags(func(f *domain.Flags) {
		f.Locked = false
		f.FrozenUsedMillis = 0
	})
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("unlock: flag update failed", zap.Error(err))
		return false
	}
	c.flags = flags
	c.state = StateIdle
	c.mu.Unlock()

	c.logger.Info("lock cleared by passcode")
	c.emitChanged()
	return true
}

// CheckRollover runs the store's daily reset and, when the day changed,
// force-transitions to Idle with fresh usage and flags. The post-snooze
// lock timer never survives into the new day.
func (c *Clock) CheckRollover(now time.Time) (bool, error) {
	rolled, err := c.store.CheckDailyReset(now)
	if err != nil {
		return false, err
	}
	if !rolled {
		return false, nil
	}

	c.mu.Lock()
	c.cancelTickLocked()
	c.cancelSnoozeTimerLocked()
	u, err := c.store.Usage()
	if err != nil {
		u = domain.NewDailyUsage(now)
	}
	c.usage = u
	c.flags = domain.Flags{}
	c.state = StateIdle
	c.mu.Unlock()

	c.emitChanged()
	return true, nil
}

// Running reports whether the clock is currently accumulating.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive || c.state == StateSnoozed
}

// --- tick path ---

func (c *Clock) scheduleTickLocked() {
	if c.tickTimer != nil {
		c.tickTimer.Stop()
	}
	c.tickTimer = c.clock.AfterFunc(c.cfg.TickInterval, c.onTick)
}

func (c *Clock) cancelTickLocked() {
	if c.tickTimer != nil {
		c.tickTimer.Stop()
		c.tickTimer = nil
	}
}

func (c *Clock) cancelSnoozeTimerLocked() {
	if c.snoozeTimer != nil {
		c.snoozeTimer.Stop()
		c.snoozeTimer = nil
	}
}

// onTick advances the anchor, accumulates attended time, persists at the
// throttled cadence, and evaluates the nudge and lock thresholds.
func (c *Clock) onTick() {
	c.mu.Lock()
	if c.state != StateActive && c.state != StateSnoozed {
		c.mu.Unlock()
		return
	}

	c.accumulateLocked()
	c.persistUsageLocked(false)

	settings, err := c.store.Settings()
	if err != nil {
		// Accumulation continues; thresholds wait for the next tick.
		c.scheduleTickLocked()
		c.mu.Unlock()
		c.logger.Warn("tick: settings unavailable", zap.Error(err))
		return
	}

	limit := c.effectiveLimitLocked(settings)
	active := c.usage.ActiveMillis

	if active >= limit-c.cfg.TickBuffer.Milliseconds() {
		cause := CauseLimit
		if c.flags.Snoozed {
			cause = CauseCooldown
		}
		c.lockLocked(limit, cause)
		return
	}

	var nudgeLeft time.Duration
	nudged := false
	if !c.flags.Nudged && float64(active) >= c.cfg.NudgeRatio*float64(limit) {
		flags, ferr := c.store.UpdateFlags(func(f *domain.Flags) { f.Nudged = true })
		if ferr == nil {
			c.flags = flags
			nudged = true
			nudgeLeft = time.Duration(limit-active) * time.Millisecond
		}
	}

	c.scheduleTickLocked()
	c.mu.Unlock()

	if nudged {
		metrics.Nudges.Inc()
		c.logger.Info("nudge threshold crossed",
			zap.Duration("time_left", nudgeLeft))
		if c.events.Nudged != nil {
			c.events.Nudged(nudgeLeft)
		}
		c.emitChanged()
	}
}

// accumulateLocked folds elapsed-since-anchor into the counter. Sub-noise
// elapsed is dropped; idle or screen-locked time advances the anchor
// without accumulating so unattended time never counts.
func (c *Clock) accumulateLocked() {
	if c.state != StateActive && c.state != StateSnoozed {
		return
	}
	now := c.clock.Now()
	elapsed := now.Sub(c.anchor).Milliseconds()
	c.anchor = now

	if elapsed < c.cfg.MinTickMillis {
		if elapsed > 0 {
			metrics.TicksDropped.WithLabelValues("noise").Inc()
		}
		return
	}
	if c.idleFn != nil {
		if idle, screenLocked, ok := c.idleFn(); ok {
			if screenLocked {
				metrics.TicksDropped.WithLabelValues("screen_locked").Inc()
				return
			}
			if idle {
				metrics.TicksDropped.WithLabelValues("idle").Inc()
				return
			}
		}
	}

	c.usage.ActiveMillis += elapsed
	c.usage.LastTickAt = now.UnixMilli()
	metrics.TicksAccumulated.Inc()
}

// persistUsageLocked writes the counter through the store. force skips the
// throttle (used on stop, pause, lock and reset). Store failures enter the
// store's own back-off; memory stays authoritative either way.
func (c *Clock) persistUsageLocked(force bool) {
	now := c.clock.Now()
	if !force {
		gap := c.cfg.PersistEvery + c.nextJitter
		if !c.lastPersist.IsZero() && now.Sub(c.lastPersist) < gap {
			return
		}
	}
	c.lastPersist = now
	if c.cfg.PersistJitter > 0 {
		c.nextJitter = time.Duration(rand.Int63n(int64(c.cfg.PersistJitter)))
	}
	if err := c.store.SetUsage(c.usage); err != nil {
		c.logger.Warn("usage persist failed", zap.Error(err))
	}
}

// lockLocked is the terminal budget transition: freeze the display value,
// stop every timer, persist, and announce. Caller holds the lock; it is
// released here so the announcement can re-enter.
func (c *Clock) lockLocked(frozenMillis int64, cause LockCause) {
	c.cancelTickLocked()
	c.cancelSnoozeTimerLocked()

	flags, err := c.store.UpdateFlags(func(f *domain.Flags) {
		f.Locked = true
		f.Snoozed = false
		f.FrozenUsedMillis = frozenMillis
	})
	if err != nil {
		// Should not happen: the mutation satisfies the invariant.
		c.mu.Unlock()
		c.logger.Error("lock: flag update failed", zap.Error(err))
		return
	}
	c.flags = flags
	c.state = StateLocked
	c.persistUsageLocked(true)
	c.mu.Unlock()

	metrics.Locks.WithLabelValues(string(cause)).Inc()
	c.logger.Info("budget exhausted, locked",
		zap.String("cause", string(cause)),
		zap.Int64("frozen_millis", frozenMillis))

	if c.events.Locked != nil {
		c.events.Locked(frozenMillis, cause)
	}
	c.emitChanged()
}

func (c *Clock) emitChanged() {
	if c.events.Changed != nil {
		c.events.Changed()
	}
}
