package usage

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tabwarden/tabwarden/internal/domain"
	"github.com/tabwarden/tabwarden/internal/store"
)

type eventRecorder struct {
	nudges  int32
	locks   int32
	frozen  int64
	snoozes int32
}

func (r *eventRecorder) events() Events {
	return Events{
		Nudged: func(time.Duration) { atomic.AddInt32(&r.nudges, 1) },
		Locked: func(frozen int64, _ LockCause) {
			atomic.AddInt32(&r.locks, 1)
			atomic.StoreInt64(&r.frozen, frozen)
		},
		SnoozeGranted: func() { atomic.AddInt32(&r.snoozes, 1) },
	}
}

type fixture struct {
	clock *Clock
	store *store.Store
	mock  *clock.Mock
	rec   *eventRecorder
	idle  atomic.Bool
}

func newFixture(t *testing.T, mut func(*domain.Settings)) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local))

	st := store.New(store.NewMemoryKV(), mock, zap.NewNop())
	if mut != nil {
		_, err := st.UpdateSettings(mut)
		require.NoError(t, err)
	}

	f := &fixture{store: st, mock: mock, rec: &eventRecorder{}}
	idleFn := func() (bool, bool, bool) { return f.idle.Load(), false, true }
	f.clock = New(DefaultConfig(), st, mock, idleFn, f.rec.events(), zap.NewNop())
	require.NoError(t, f.clock.Load())
	return f
}

func TestAccumulation_TracksElapsedWithinOneTick(t *testing.T) {
	f := newFixture(t, nil) // default 30 min limit

	f.clock.Start()
	assert.Equal(t, StateActive, f.clock.State())

	f.mock.Add(10 * time.Second)

	got := f.clock.Usage().ActiveMillis
	assert.InDelta(t, 10000, got, 1000, "activeMillis equals elapsed within one tick period")
}

func TestStart_Idempotent(t *testing.T) {
	f := newFixture(t, nil)

	f.clock.Start()
	f.mock.Add(2 * time.Second)
	f.clock.Start() // must not reset the anchor or double-schedule ticks
	f.mock.Add(2 * time.Second)

	assert.InDelta(t, 4000, f.clock.Usage().ActiveMillis, 1000)
}

func TestStart_RefusedWhenDisabled(t *testing.T) {
	f := newFixture(t, func(s *domain.Settings) { s.Enabled = false })

	f.clock.Start()
	assert.Equal(t, StateIdle, f.clock.State())
}

func TestIdleTicks_AdvanceAnchorWithoutAccumulating(t *testing.T) {
	f := newFixture(t, nil)

	f.clock.Start()
	f.mock.Add(5 * time.Second)
	require.InDelta(t, 5000, f.clock.Usage().ActiveMillis, 1000)

	f.idle.Store(true)
	f.mock.Add(30 * time.Second)
	assert.InDelta(t, 5000, f.clock.Usage().ActiveMillis, 1000, "idle time does not count")

	f.idle.Store(false)
	f.mock.Add(5 * time.Second)
	assert.InDelta(t, 10000, f.clock.Usage().ActiveMillis, 2000, "accumulation resumes cleanly")
}

func TestNudge_FiresExactlyOnce(t *testing.T) {
	// limit = 10 min = 600000ms, nudge at >= 480000ms.
	f := newFixture(t, func(s *domain.Settings) { s.DailyLimitMinutes = 10 })

	f.clock.Start()
	f.mock.Add(479 * time.Second)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.rec.nudges))

	f.mock.Add(2 * time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.rec.nudges), "nudge fires at 80%")
	assert.True(t, f.clock.Flags().Nudged)

	f.mock.Add(30 * time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.rec.nudges), "nudge never re-fires")
}

func TestLock_PreemptsLimitByTickBuffer(t *testing.T) {
	// limit = 1 min; tickBuffer 2s means lock at >= 58s of accumulation.
	f := newFixture(t, func(s *domain.Settings) { s.DailyLimitMinutes = 1 })

	f.clock.Start()
	f.mock.Add(57 * time.Second)
	assert.Equal(t, StateActive, f.clock.State())

	f.mock.Add(2 * time.Second)
	assert.Equal(t, StateLocked, f.clock.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.rec.locks))
	assert.Equal(t, int64(60000), atomic.LoadInt64(&f.rec.frozen), "frozen at the full limit")

	flags := f.clock.Flags()
	assert.True(t, flags.Locked)
	assert.Equal(t, int64(60000), flags.FrozenUsedMillis)

	// Accumulation has stopped.
	used := f.clock.Usage().ActiveMillis
	f.mock.Add(time.Minute)
	assert.Equal(t, used, f.clock.Usage().ActiveMillis)
}

func TestLock_StartRefusedWhileLocked(t *testing.T) {
	f := newFixture(t, func(s *domain.Settings) { s.DailyLimitMinutes = 1 })

	f.clock.Start()
	f.mock.Add(time.Minute)
	require.Equal(t, StateLocked, f.clock.State())

	f.clock.Start()
	assert.Equal(t, StateLocked, f.clock.State())

	f.clock.SetActive(true)
	assert.Equal(t, StateLocked, f.clock.State())
}

func TestSetActive_DebouncesFlappingFocus(t *testing.T) {
	f := newFixture(t, nil)

	f.clock.Start()
	f.mock.Add(5 * time.Second)

	f.clock.SetActive(false)
	require.Equal(t, StatePaused, f.clock.State())

	// Toggle inside the 200ms debounce window is absorbed.
	f.mock.Add(50 * time.Millisecond)
	f.clock.SetActive(true)
	assert.Equal(t, StatePaused, f.clock.State())

	f.mock.Add(300 * time.Millisecond)
	f.clock.SetActive(true)
	assert.Equal(t, StateActive, f.clock.State())
}

func TestSetActive_PauseKeepsAccumulatedTime(t *testing.T) {
	f := newFixture(t, nil)

	f.clock.Start()
	f.mock.Add(8 * time.Second)
	f.clock.SetActive(false)

	paused := f.clock.Usage().ActiveMillis
	assert.InDelta(t, 8000, paused, 1000)

	f.mock.Add(time.Minute)
	assert.Equal(t, paused, f.clock.Usage().ActiveMillis, "no accumulation while paused")
}

func TestSnooze_FullScenario(t *testing.T) {
	// 1 min limit, 5 min cooldown. Reach the lock, snooze, cooldown elapses,
	// locked again with frozen == cooldown budget.
	f := newFixture(t, func(s *domain.Settings) {
		s.DailyLimitMinutes = 1
		s.CooldownMinutes = 5
	})

	f.clock.Start()
	f.mock.Add(time.Minute)
	require.Equal(t, StateLocked, f.clock.State())

	res := f.clock.Snooze()
	require.True(t, res.Granted)
	assert.Equal(t, StateSnoozed, f.clock.State())
	assert.Equal(t, int64(0), f.clock.Usage().ActiveMillis, "counter restarts for the cooldown")

	flags := f.clock.Flags()
	assert.True(t, flags.Snoozed)
	assert.True(t, flags.SnoozeUsedToday)
	assert.False(t, flags.Locked)
	assert.False(t, flags.Nudged)
	assert.Equal(t, int64(0), flags.FrozenUsedMillis)

	f.mock.Add(5 * time.Minute)
	assert.Equal(t, StateLocked, f.clock.State())
	assert.Equal(t, int64(300000), f.clock.Flags().FrozenUsedMillis)
}

func TestSnooze_OncePerDay(t *testing.T) {
	f := newFixture(t, func(s *domain.Settings) {
		s.DailyLimitMinutes = 1
		s.CooldownMinutes = 5
	})

	f.clock.Start()
	f.mock.Add(time.Minute)

	require.True(t, f.clock.Snooze().Granted)
	f.mock.Add(5 * time.Minute) // cooldown elapses, locked again

	f.mock.Add(3 * time.Second) // clear the snooze rate-limit window
	res := f.clock.Snooze()
	assert.False(t, res.Granted)
	assert.Equal(t, domain.SnoozeAlreadyUsed, res.Reason)

	// After rollover the snooze is available again.
	f.mock.Set(time.Date(2024, 1, 2, 9, 0, 0, 0, time.Local))
	rolled, err := f.clock.CheckRollover(f.mock.Now())
	require.NoError(t, err)
	require.True(t, rolled)

	f.clock.Start()
	f.mock.Add(time.Minute)
	require.Equal(t, StateLocked, f.clock.State())
	assert.True(t, f.clock.Snooze().Granted)
}

func TestSnooze_RapidRepeatRejected(t *testing.T) {
	f := newFixture(t, func(s *domain.Settings) { s.DailyLimitMinutes = 1 })

	f.clock.Start()
	f.mock.Add(time.Minute)

	require.True(t, f.clock.Snooze().Granted)

	// A repeat straight after the grant fails the once-per-day check;
	// the repeat window only throttles requests that would be granted.
	res := f.clock.Snooze()
	assert.False(t, res.Granted)
	assert.Equal(t, domain.SnoozeAlreadyUsed, res.Reason)

	// Re-arm the day's snooze and ask again inside the window. This is
	// the rapid repeat the limit exists for.
	require.NoError(t, f.clock.ManualReset())
	f.clock.Start()
	res = f.clock.Snooze()
	assert.False(t, res.Granted)
	assert.Equal(t, domain.SnoozeInProgress, res.Reason)
}

func TestSnooze_RejectionDoesNotConsumeRepeatWindow(t *testing.T) {
	f := newFixture(t, func(s *domain.Settings) { s.DailyLimitMinutes = 1 })

	f.clock.Start()
	f.mock.Add(time.Minute)
	require.True(t, f.clock.Snooze().Granted)

	f.mock.Add(3 * time.Second)
	assert.Equal(t, domain.SnoozeAlreadyUsed, f.clock.Snooze().Reason)

	// The rejection above must not arm the repeat window; once the
	// day's snooze is re-armed, the very next request goes through.
	require.NoError(t, f.clock.ManualReset())
	f.clock.Start()
	assert.True(t, f.clock.Snooze().Granted)
}

func TestSnooze_RejectedWhileIdle(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, StateIdle, f.clock.State())

	res := f.clock.Snooze()
	assert.False(t, res.Granted)
	assert.Equal(t, domain.SnoozeNotAllowed, res.Reason)
}

func TestSnooze_NotAllowedBySettings(t *testing.T) {
	f := newFixture(t, func(s *domain.Settings) {
		s.DailyLimitMinutes = 1
		s.AllowSnooze = false
	})

	f.clock.Start()
	f.mock.Add(time.Minute)

	res := f.clock.Snooze()
	assert.False(t, res.Granted)
	assert.Equal(t, domain.SnoozeNotAllowed, res.Reason)
}

func TestPause_CancelsSnoozeAndLock(t *testing.T) {
	f := newFixture(t, func(s *domain.Settings) {
		s.DailyLimitMinutes = 1
		s.CooldownMinutes = 5
	})

	f.clock.Start()
	f.mock.Add(time.Minute)
	require.True(t, f.clock.Snooze().Granted)

	require.NoError(t, f.clock.Pause())
	flags := f.clock.Flags()
	assert.False(t, flags.Snoozed)
	assert.False(t, flags.Locked)
	assert.True(t, flags.PausedToday)
	assert.True(t, flags.SnoozeUsedToday, "snooze consumption survives the pause")

	// The deferred cooldown lock must not fire after the pause.
	f.mock.Add(10 * time.Minute)
	assert.Equal(t, StatePaused, f.clock.State())
	assert.False(t, f.clock.Flags().Locked)
}

func TestResume_VisibilityDecidesState(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.clock.Pause())
	require.NoError(t, f.clock.Resume(false))
	assert.Equal(t, StateIdle, f.clock.State())

	require.NoError(t, f.clock.Pause())
	require.NoError(t, f.clock.Resume(true))
	assert.Equal(t, StateActive, f.clock.State())
}

func TestManualReset_ClearsEverything(t *testing.T) {
	f := newFixture(t, func(s *domain.Settings) { s.DailyLimitMinutes = 1 })

	f.clock.Start()
	f.mock.Add(time.Minute)
	require.Equal(t, StateLocked, f.clock.State())

	require.NoError(t, f.clock.ManualReset())
	assert.Equal(t, StateIdle, f.clock.State())
	assert.Equal(t, int64(0), f.clock.Usage().ActiveMillis)
	assert.Equal(t, domain.Flags{}, f.clock.Flags())
}

func TestManualReset_FromSnoozedCancelsDeferredLock(t *testing.T) {
	f := newFixture(t, func(s *domain.Settings) {
		s.DailyLimitMinutes = 1
		s.CooldownMinutes = 5
	})

	f.clock.Start()
	f.mock.Add(time.Minute)
	require.True(t, f.clock.Snooze().Granted)

	require.NoError(t, f.clock.ManualReset())
	f.mock.Add(10 * time.Minute)
	assert.False(t, f.clock.Flags().Locked, "cancelled cooldown timer must not lock")
}

func TestUnlock_PasscodePaths(t *testing.T) {
	f := newFixture(t, func(s *domain.Settings) {
		s.DailyLimitMinutes = 1
		s.PasscodeHash = "" // no passcode configured
	})

	f.clock.Start()
	f.mock.Add(time.Minute)
	require.Equal(t, StateLocked, f.clock.State())

	// Without a passcode, bypass is permitted.
	assert.True(t, f.clock.Unlock("whatever"))
	assert.Equal(t, StateIdle, f.clock.State())
	assert.Equal(t, int64(0), f.clock.Flags().FrozenUsedMillis)
}

func TestUnlock_RejectsBadPasscode(t *testing.T) {
	f := newFixture(t, func(s *domain.Settings) {
		s.DailyLimitMinutes = 1
	})
	_, err := f.store.UpdateSettings(func(s *domain.Settings) {
		s.PasscodeHash = "0000000000000000000000000000000000000000000000000000000000000000"
	})
	require.NoError(t, err)

	f.clock.Start()
	f.mock.Add(time.Minute)
	require.Equal(t, StateLocked, f.clock.State())

	assert.False(t, f.clock.Unlock("guess"))
	assert.Equal(t, StateLocked, f.clock.State())
}

func TestLockedAndSnoozedNeverBothTrue(t *testing.T) {
	f := newFixture(t, func(s *domain.Settings) {
		s.DailyLimitMinutes = 1
		s.CooldownMinutes = 1
	})

	check := func() {
		flags := f.clock.Flags()
		assert.False(t, flags.Locked && flags.Snoozed)
	}

	f.clock.Start()
	check()
	f.mock.Add(time.Minute)
	check() // locked
	f.clock.Snooze()
	check() // snoozed
	f.mock.Add(time.Minute)
	check() // locked again via cooldown
	f.clock.ManualReset()
	check()
}

func TestRollover_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	f.clock.Start()
	f.mock.Add(30 * time.Second)

	day2 := time.Date(2024, 1, 2, 0, 0, 1, 0, time.Local)
	f.mock.Set(day2)

	rolled, err := f.clock.CheckRollover(day2)
	require.NoError(t, err)
	assert.True(t, rolled)
	assert.Equal(t, StateIdle, f.clock.State())
	assert.Equal(t, int64(0), f.clock.Usage().ActiveMillis)
	assert.Equal(t, "2024-01-02", f.clock.Usage().DateKey)

	rolled, err = f.clock.CheckRollover(day2)
	require.NoError(t, err)
	assert.False(t, rolled, "second check on the same day is a no-op")
}

func TestStop_FlushesUsage(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local))
	kv := store.NewMemoryKV()
	st := store.New(kv, mock, zap.NewNop())

	c := New(DefaultConfig(), st, mock, nil, Events{}, zap.NewNop())
	require.NoError(t, c.Load())

	c.Start()
	mock.Add(10 * time.Second)
	c.Stop()

	raw, ok, err := kv.Get(store.KeyDailyUsage)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(raw), `"active_millis":`)

	var persisted domain.DailyUsage
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.InDelta(t, 10000, persisted.ActiveMillis, 1000)
}

func TestPersistFailure_MemoryStaysAuthoritative(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local))
	kv := store.NewMemoryKV()
	st := store.New(kv, mock, zap.NewNop())

	c := New(DefaultConfig(), st, mock, nil, Events{}, zap.NewNop())
	require.NoError(t, c.Load())

	c.Start()
	kv.FailNextWrites(100)
	mock.Add(30 * time.Second)

	// Every backend write failed; the in-memory counter still advanced.
	assert.InDelta(t, 30000, c.Usage().ActiveMillis, 1000)
}
