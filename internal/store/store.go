// Package store implements the persistent key-value layer for settings,
// daily usage, flags and notification config. Reads are served from an
// in-process cache; writes are optimistic with a back-off retry window so
// a flaky backend never stalls accumulation.
package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tabwarden/tabwarden/internal/domain"
	"github.com/tabwarden/tabwarden/internal/metrics"
)

// Record keys. Four logical records, independently read and written.
const (
	KeySettings      = "settings"
	KeyDailyUsage    = "daily-usage"
	KeyFlags         = "flags"
	KeyNotifications = "notifications-config"
)

// WriteBackoff is the fixed window after a failed write during which
// further writes for that key coalesce into one pending retry.
const WriteBackoff = 5 * time.Second

// Store caches all records in memory and writes through to a KVBackend.
// The cache is updated optimistically even while a write is pending, so
// readers never observe stale pre-update values, only potentially
// unpersisted ones.
type Store struct {
	mu        sync.Mutex
	backend   domain.KVBackend
	clock     clock.Clock
	logger    *zap.Logger
	cache     map[string][]byte
	retrying  map[string]*clock.Timer
	listeners []func(key string)
}

// New creates a store over the given backend.
func New(backend domain.KVBackend, c clock.Clock, logger *zap.Logger) *Store {
	return &Store{
		backend:  backend,
		clock:    c,
		logger:   logger,
		cache:    make(map[string][]byte),
		retrying: make(map[string]*clock.Timer),
	}
}

// OnChange registers a listener invoked with the record key after every
// cache update.
func (s *Store) OnChange(fn func(key string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// get loads a record into the cache, creating and persisting the default
// on first read. A corrupt stored record is replaced by the default.
func (s *Store) get(key string, out any, def any) error {
	s.mu.Lock()
	raw, cached := s.cache[key]
	s.mu.Unlock()

	if !cached {
		stored, ok, err := s.backend.Get(key)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		if ok {
			raw = stored
		} else {
			raw, err = json.Marshal(def)
			if err != nil {
				return fmt.Errorf("encode default %s: %w", key, err)
			}
			s.write(key, raw)
		}
		s.mu.Lock()
		s.cache[key] = raw
		s.mu.Unlock()
	}

	if err := json.Unmarshal(raw, out); err != nil {
		s.logger.Warn("corrupt record, restoring default",
			zap.String("key", key),
			zap.Error(err))
		raw, merr := json.Marshal(def)
		if merr != nil {
			return fmt.Errorf("encode default %s: %w", key, merr)
		}
		s.put(key, raw)
		return json.Unmarshal(raw, out)
	}
	return nil
}

// put caches raw optimistically and writes it through, then notifies.
func (s *Store) put(key string, raw []byte) {
	s.mu.Lock()
	s.cache[key] = raw
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()

	s.write(key, raw)

	for _, fn := range listeners {
		fn(key)
	}
}

// write attempts the backend write. While a retry timer is armed for the
// key the write is absorbed: the retry will flush the latest cached value,
// which already folds this update in.
func (s *Store) write(key string, raw []byte) {
	s.mu.Lock()
	if _, pending := s.retrying[key]; pending {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.backend.Set(key, raw); err != nil {
		metrics.PersistFailures.Inc()
		s.logger.Warn("write failed, entering back-off",
			zap.String("key", key),
			zap.Duration("backoff", WriteBackoff),
			zap.Error(err))
		s.armRetry(key)
		return
	}
	metrics.PersistWrites.Inc()
}

func (s *Store) armRetry(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, pending := s.retrying[key]; pending {
		return
	}
	s.retrying[key] = s.clock.AfterFunc(WriteBackoff, func() {
		s.mu.Lock()
		delete(s.retrying, key)
		raw, ok := s.cache[key]
		s.mu.Unlock()
		if !ok {
			return
		}
		s.write(key, raw)
	})
}

// Flush writes every cached record through immediately, cancelling retry
// timers. Called on clock stop and daemon shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	for key, t := range s.retrying {
		t.Stop()
		delete(s.retrying, key)
	}
	pending := make(map[string][]byte, len(s.cache))
	for k, v := range s.cache {
		pending[k] = v
	}
	s.mu.Unlock()

	var firstErr error
	for key, raw := range pending {
		if err := s.backend.Set(key, raw); err != nil {
			metrics.PersistFailures.Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("flush %s: %w", key, err)
			}
		}
	}
	return firstErr
}

// Settings returns the settings record, creating the default on first read.
func (s *Store) Settings() (domain.Settings, error) {
	var out domain.Settings
	err := s.get(KeySettings, &out, domain.DefaultSettings())
	return out, err
}

// UpdateSettings applies mut to the current settings under a read-modify-
// write merge and persists the result.
func (s *Store) UpdateSettings(mut func(*domain.Settings)) (domain.Settings, error) {
	cur, err := s.Settings()
	if err != nil {
		return cur, err
	}
	mut(&cur)
	raw, err := json.Marshal(cur)
	if err != nil {
		return cur, fmt.Errorf("encode settings: %w", err)
	}
	s.put(KeySettings, raw)
	return cur, nil
}

// Usage returns today's usage record.
func (s *Store) Usage() (domain.DailyUsage, error) {
	var out domain.DailyUsage
	err := s.get(KeyDailyUsage, &out, domain.NewDailyUsage(s.clock.Now()))
	return out, err
}

// SetUsage replaces the usage record.
func (s *Store) SetUsage(u domain.DailyUsage) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	s.put(KeyDailyUsage, raw)
	return nil
}

// Flags returns the transient flags record.
func (s *Store) Flags() (domain.Flags, error) {
	var out domain.Flags
	err := s.get(KeyFlags, &out, domain.Flags{})
	return out, err
}

// UpdateFlags mutates flags through domain.MutateFlags, which enforces the
// lock/snooze mutual exclusion centrally.
func (s *Store) UpdateFlags(mut func(*domain.Flags)) (domain.Flags, error) {
	cur, err := s.Flags()
	if err != nil {
		return cur, err
	}
	next, err := domain.MutateFlags(cur, mut)
	if err != nil {
		return cur, err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return cur, fmt.Errorf("encode flags: %w", err)
	}
	s.put(KeyFlags, raw)
	return next, nil
}

// Notifications returns the notification poller config.
func (s *Store) Notifications() (domain.NotificationsConfig, error) {
	var out domain.NotificationsConfig
	err := s.get(KeyNotifications, &out, domain.DefaultNotificationsConfig())
	return out, err
}

// SetNotifications replaces the notification poller config.
func (s *Store) SetNotifications(n domain.NotificationsConfig) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notifications config: %w", err)
	}
	s.put(KeyNotifications, raw)
	return nil
}

// CheckDailyReset compares the stored dateKey against the calendar date of
// now and, on mismatch, replaces usage and flags with defaults for the new
// day. This is the sole rollover mechanism; a second call on the same day
// is a no-op.
func (s *Store) CheckDailyReset(now time.Time) (bool, error) {
	usage, err := s.Usage()
	if err != nil {
		return false, err
	}
	today := domain.DateKeyFor(now)
	if usage.DateKey == today {
		return false, nil
	}

	s.logger.Info("daily rollover",
		zap.String("from", usage.DateKey),
		zap.String("to", today))

	if err := s.SetUsage(domain.NewDailyUsage(now)); err != nil {
		return false, err
	}
	if _, err := s.UpdateFlags(func(f *domain.Flags) { *f = domain.Flags{} }); err != nil {
		return false, err
	}
	metrics.Rollovers.Inc()
	return true, nil
}

// Close flushes and releases the backend.
func (s *Store) Close() error {
	flushErr := s.Flush()
	if err := s.backend.Close(); err != nil {
		return err
	}
	return flushErr
}
