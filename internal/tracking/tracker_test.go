package tracking

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tabwarden/tabwarden/internal/domain"
	"github.com/tabwarden/tabwarden/internal/rules"
	"github.com/tabwarden/tabwarden/internal/store"
	"github.com/tabwarden/tabwarden/internal/usage"
)

type fixture struct {
	tracker *Tracker
	uclock  *usage.Clock
	store   *store.Store
	mock    *clock.Mock
	gone    []int
	flips   []bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local))

	st := store.New(store.NewMemoryKV(), mock, zap.NewNop())
	uc := usage.New(usage.DefaultConfig(), st, mock, nil, usage.Events{}, zap.NewNop())
	require.NoError(t, uc.Load())

	f := &fixture{uclock: uc, store: st, mock: mock}
	re := rules.NewEngine([]string{"x.com"})
	f.tracker = New(DefaultConfig(), re, st, uc, mock,
		func(id int) { f.gone = append(f.gone, id) },
		func(r bool) { f.flips = append(f.flips, r) },
		zap.NewNop())
	return f
}

// settle lets the debounced recompute fire.
func (f *fixture) settle() {
	f.mock.Add(DefaultConfig().DebounceWindow)
}

func TestStartsWhenInScopeTabActiveAndFocused(t *testing.T) {
	f := newFixture(t)

	f.tracker.TabUpdated(1, "https://x.com/feed", 0)
	f.tracker.TabActivated(1)
	f.settle()

	assert.True(t, f.uclock.Running())
	assert.Equal(t, []bool{true}, f.flips)
}

func TestNoStartForOutOfScopeTab(t *testing.T) {
	f := newFixture(t)

	f.tracker.TabUpdated(1, "https://example.com/", 0)
	f.tracker.TabActivated(1)
	f.settle()

	assert.False(t, f.uclock.Running())
	assert.Empty(t, f.tracker.Sessions())
}

func TestStopsWhenFocusLost(t *testing.T) {
	f := newFixture(t)

	f.tracker.TabUpdated(1, "https://x.com/feed", 0)
	f.tracker.TabActivated(1)
	f.settle()
	require.True(t, f.uclock.Running())

	f.mock.Add(2 * time.Second)
	f.tracker.WindowFocusChanged(false)
	f.settle()

	assert.False(t, f.uclock.Running())
	assert.Equal(t, []bool{true, false}, f.flips)
}

func TestSurfaceKeepsClockRunningWithoutFocus(t *testing.T) {
	f := newFixture(t)

	f.tracker.TabUpdated(1, "https://x.com/feed", 0)
	f.tracker.TabActivated(1)
	f.settle()
	f.mock.Add(time.Second)

	// Popup opens, then the window loses focus: the clock keeps running
	// because an in-scope session exists while a surface is connected.
	f.tracker.SurfaceConnected()
	f.tracker.WindowFocusChanged(false)
	f.settle()
	assert.True(t, f.uclock.Running())

	f.mock.Add(time.Second)
	f.tracker.SurfaceDisconnected()
	f.settle()
	assert.False(t, f.uclock.Running())
}

func TestEventBurstCoalescesToOneRecompute(t *testing.T) {
	f := newFixture(t)

	f.tracker.TabUpdated(1, "https://x.com/a", 0)
	f.tracker.TabActivated(1)
	f.tracker.TabUpdated(1, "https://x.com/b", 0)
	f.tracker.TabActivated(1)
	f.settle()

	assert.Equal(t, []bool{true}, f.flips, "burst produces a single flip")
}

func TestGraceWindowSuppressesImmediateStop(t *testing.T) {
	f := newFixture(t)

	f.tracker.TabUpdated(1, "https://x.com/feed", 0)
	f.tracker.TabActivated(1)
	f.settle()
	require.True(t, f.uclock.Running())

	// User action opens the grace window; a stale no-focus signal right
	// after must not stop the clock.
	f.mock.Add(time.Second)
	f.tracker.NoteUserAction()
	f.tracker.WindowFocusChanged(false)
	f.settle()
	assert.True(t, f.uclock.Running(), "stop suppressed inside grace window")

	// After the grace window the same signal stops it.
	f.mock.Add(2 * time.Second)
	f.tracker.WindowFocusChanged(false)
	f.settle()
	assert.False(t, f.uclock.Running())
}

func TestNavigationOutOfScopeReleasesOverlayBookkeeping(t *testing.T) {
	f := newFixture(t)

	f.tracker.TabUpdated(1, "https://x.com/feed", 0)
	f.settle()
	f.tracker.TabUpdated(1, "https://example.com/", 0)
	f.settle()

	assert.Contains(t, f.gone, 1)
	assert.Empty(t, f.tracker.Sessions())
}

func TestTabRemovedStopsClock(t *testing.T) {
	f := newFixture(t)

	f.tracker.TabUpdated(1, "https://x.com/feed", 0)
	f.tracker.TabActivated(1)
	f.settle()
	require.True(t, f.uclock.Running())

	f.mock.Add(2 * time.Second)
	f.tracker.TabRemoved(1)
	f.settle()

	assert.False(t, f.uclock.Running())
	assert.Contains(t, f.gone, 1)
	assert.Equal(t, usage.StateIdle, f.uclock.State())
}

func TestNoStartWhileLockedOrPaused(t *testing.T) {
	f := newFixture(t)

	// Lock via a 1-minute limit.
	_, err := f.store.UpdateSettings(func(s *domain.Settings) { s.DailyLimitMinutes = 1 })
	require.NoError(t, err)

	f.tracker.TabUpdated(1, "https://x.com/feed", 0)
	f.tracker.TabActivated(1)
	f.settle()
	f.mock.Add(time.Minute)
	require.Equal(t, usage.StateLocked, f.uclock.State())

	// Events while locked never restart the clock.
	f.tracker.TabActivated(1)
	f.settle()
	assert.False(t, f.uclock.Running())

	// Same for a user pause.
	require.NoError(t, f.uclock.ManualReset())
	require.NoError(t, f.uclock.Pause())
	f.tracker.TabActivated(1)
	f.settle()
	assert.False(t, f.uclock.Running())
}

func TestSessionIDsForSnapshot(t *testing.T) {
	f := newFixture(t)

	f.tracker.TabUpdated(1, "https://x.com/a", 0)
	f.tracker.TabUpdated(2, "https://x.com/b", 0)
	f.tracker.TabUpdated(3, "https://example.com/", 0)
	f.settle()

	ids := f.tracker.SessionIDs()
	assert.ElementsMatch(t, []int{1, 2}, ids)
}
