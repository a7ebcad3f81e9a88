// Package dispatch delivers block and nudge directives to in-scope
// sessions, with retry-after-injection on delivery failure and a forced
// close fallback in close mode.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tabwarden/tabwarden/internal/domain"
	"github.com/tabwarden/tabwarden/internal/metrics"
)

// Config holds delivery retry knobs.
type Config struct {
	MaxRetries      uint          // retries after the immediate attempt
	InitialInterval time.Duration // first retry wait; doubles per retry
}

// DefaultConfig returns the production retry schedule: immediate, 1s, 2s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      2,
		InitialInterval: time.Second,
	}
}

type dedupKey struct {
	tabID int
	kind  domain.DirectiveKind
}

// Dispatcher pushes directives to sessions. Delivery is deduplicated per
// (session, directive-kind) so overlapping lock events cannot spam one
// session, and sessions already displaying a block overlay are skipped
// until they navigate or close.
type Dispatcher struct {
	mu        sync.Mutex
	cfg       Config
	messenger domain.SessionMessenger
	procs     domain.ProcessManager
	clock     clock.Clock
	logger    *zap.Logger

	inFlight  map[dedupKey]bool
	overlayed map[int]bool
	wg        sync.WaitGroup
}

// New creates a dispatcher. procs may be nil when forced process
// termination is unavailable.
func New(cfg Config, messenger domain.SessionMessenger, procs domain.ProcessManager,
	c clock.Clock, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		messenger: messenger,
		procs:     procs,
		clock:     c,
		logger:    logger,
		inFlight:  make(map[dedupKey]bool),
		overlayed: make(map[int]bool),
	}
}

// Dispatch delivers d to every session, best-effort and asynchronous.
func (dp *Dispatcher) Dispatch(ctx context.Context, sessions []domain.SessionRef, d domain.Directive) {
	for _, s := range sessions {
		key := dedupKey{tabID: s.TabID, kind: d.Kind}

		dp.mu.Lock()
		if dp.inFlight[key] || (d.Kind == domain.DirectiveBlock && dp.overlayed[s.TabID]) {
			dp.mu.Unlock()
			continue
		}
		dp.inFlight[key] = true
		dp.mu.Unlock()

		dp.wg.Add(1)
		go dp.deliver(ctx, s, d, key)
	}
}

// HideBlocks sends a hide directive to every session known to display an
// overlay and clears the bookkeeping. Used when a snooze or unlock lifts
// the lock.
func (dp *Dispatcher) HideBlocks(ctx context.Context, sessions []domain.SessionRef) {
	dp.mu.Lock()
	overlayed := make(map[int]bool, len(dp.overlayed))
	for id := range dp.overlayed {
		overlayed[id] = true
	}
	dp.overlayed = make(map[int]bool)
	dp.mu.Unlock()

	for _, s := range sessions {
		if !overlayed[s.TabID] {
			continue
		}
		dp.wg.Add(1)
		go dp.deliver(ctx, s, domain.Directive{Kind: domain.DirectiveHide}, dedupKey{s.TabID, domain.DirectiveHide})
	}
}

// SessionGone clears delivery bookkeeping for a closed or navigated tab.
func (dp *Dispatcher) SessionGone(tabID int) {
	dp.mu.Lock()
	delete(dp.overlayed, tabID)
	for key := range dp.inFlight {
		if key.tabID == tabID {
			delete(dp.inFlight, key)
		}
	}
	dp.mu.Unlock()
}

// Wait blocks until outstanding deliveries finish. Test and shutdown hook.
func (dp *Dispatcher) Wait() {
	dp.wg.Wait()
}

// deliver runs the retry loop for one session: immediate attempt, then
// inject-and-retry on missing receivers with exponentially growing waits.
func (dp *Dispatcher) deliver(ctx context.Context, s domain.SessionRef, d domain.Directive, key dedupKey) {
	defer dp.wg.Done()
	defer func() {
		dp.mu.Lock()
		delete(dp.inFlight, key)
		dp.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = dp.cfg.InitialInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	var err error
	for attempt := uint(0); ; attempt++ {
		err = dp.messenger.Send(ctx, s.TabID, d)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrNoReceiver) {
			if injErr := dp.messenger.Inject(ctx, s.TabID); injErr != nil {
				dp.logger.Debug("handler injection failed",
					zap.Int("tab", s.TabID),
					zap.Error(injErr))
			}
		}
		if attempt >= dp.cfg.MaxRetries {
			break
		}
		metrics.Directives.WithLabelValues(string(d.Kind), "retried").Inc()
		select {
		case <-ctx.Done():
			return
		case <-dp.clock.After(bo.NextBackOff()):
		}
	}

	if err == nil {
		metrics.Directives.WithLabelValues(string(d.Kind), "delivered").Inc()
		if d.Kind == domain.DirectiveBlock {
			dp.mu.Lock()
			dp.overlayed[s.TabID] = true
			dp.mu.Unlock()
		}
		return
	}

	// Final delivery failure. In close mode that is consent to terminate
	// the session rather than render a block screen.
	if d.Kind == domain.DirectiveClose || (d.Kind == domain.DirectiveBlock && d.Mode == domain.LockClose) {
		dp.forceClose(ctx, s, d)
		return
	}

	metrics.Directives.WithLabelValues(string(d.Kind), "failed").Inc()
	dp.logger.Warn("directive delivery failed",
		zap.Int("tab", s.TabID),
		zap.String("kind", string(d.Kind)),
		zap.Error(err))
}

// forceClose asks the agent to close the tab, falling back to killing the
// session's OS process when one is known.
func (dp *Dispatcher) forceClose(ctx context.Context, s domain.SessionRef, d domain.Directive) {
	if err := dp.messenger.CloseSession(ctx, s.TabID); err == nil {
		metrics.Directives.WithLabelValues(string(d.Kind), "closed").Inc()
		dp.logger.Info("session closed by enforcement", zap.Int("tab", s.TabID))
		dp.SessionGone(s.TabID)
		return
	}

	if dp.procs != nil && s.Pid > 0 && dp.procs.IsRunning(s.Pid) {
		if err := dp.procs.Kill(s.Pid); err != nil {
			dp.logger.Warn("failed to kill session process",
				zap.Int("pid", s.Pid),
				zap.Error(err))
			metrics.Directives.WithLabelValues(string(d.Kind), "failed").Inc()
			return
		}
		metrics.Directives.WithLabelValues(string(d.Kind), "closed").Inc()
		dp.logger.Info("session process killed by enforcement",
			zap.Int("tab", s.TabID),
			zap.Int("pid", s.Pid))
		dp.SessionGone(s.TabID)
		return
	}

	metrics.Directives.WithLabelValues(string(d.Kind), "failed").Inc()
	dp.logger.Warn("close-mode enforcement failed", zap.Int("tab", s.TabID))
}
