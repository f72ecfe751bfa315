// Package scheduler advances warning windows against the server clock and
// publishes the aggregate counts every client poll reads.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"betterclock/internal/model"
)

var (
	// ErrUnknownWindow is returned for an id the scheduler does not hold.
	ErrUnknownWindow = errors.New("unknown warning window")
	// ErrInvalidWindow is returned by Add for a window without an id or with a duplicate id.
	ErrInvalidWindow = errors.New("invalid warning window")
)

const (
	DefaultRingDuration = 5 * time.Second
	DefaultPulseTime    = 250 * time.Millisecond
	DefaultTickInterval = 50 * time.Millisecond
)

// Settings are the global warning toggles.
type Settings struct {
	WarningEnabled bool
	LeadTime       time.Duration
	PulseTime      time.Duration
	SourceLabel    string
}

// RecurrenceFunc returns the next StartAt strictly after now, or false when
// the window has no further occurrence. It must not retain w.
type RecurrenceFunc func(w model.WarningWindow, now time.Time) (time.Time, bool)

// Entry pairs a window with its recurrence rule. Next is nil for one-shot windows.
type Entry struct {
	Window model.WarningWindow
	Next   RecurrenceFunc
}

type slot struct {
	window    model.WarningWindow
	next      RecurrenceFunc
	ringUntil time.Time
}

// Scheduler owns the warning windows. Tick is the only state advance;
// Counts is safe to call from any goroutine.
type Scheduler struct {
	clock  clockwork.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	settings Settings
	slots    []*slot

	counts atomic.Pointer[model.RuntimeCounts]
}

// New returns an empty scheduler with an initial zero snapshot published.
func New(clock clockwork.Clock, settings Settings, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if settings.PulseTime <= 0 {
		settings.PulseTime = DefaultPulseTime
	}
	s := &Scheduler{clock: clock, settings: settings, logger: logger}
	s.mu.Lock()
	s.publish(clock.Now())
	s.mu.Unlock()
	return s
}

// Add schedules one window. One-shot windows whose ring already ended are
// dropped; recurring ones are rolled forward to their next occurrence.
func (s *Scheduler) Add(w model.WarningWindow, next RecurrenceFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insert(w, next, s.clock.Now()); err != nil {
		return err
	}
	s.publish(s.clock.Now())
	return nil
}

// Replace swaps in the full window set.
func (s *Scheduler) Replace(entries []Entry) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.slots
	s.slots = nil
	for _, e := range entries {
		if err := s.insert(e.Window, e.Next, now); err != nil {
			s.slots = old
			return err
		}
	}
	s.publish(now)
	s.logger.Info().Int("windows", len(s.slots)).Msg("warning windows loaded")
	return nil
}

func (s *Scheduler) insert(w model.WarningWindow, next RecurrenceFunc, now time.Time) error {
	if w.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidWindow)
	}
	for _, sl := range s.slots {
		if sl.window.ID == w.ID {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidWindow, w.ID)
		}
	}
	if w.RingDuration <= 0 {
		w.RingDuration = DefaultRingDuration
	}
	if w.PulseTime <= 0 {
		w.PulseTime = s.settings.PulseTime
	}
	if w.LeadTime < 0 {
		w.LeadTime = 0
	}
	w.Recurring = w.Recurring && next != nil
	w.State = model.Dormant
	w.ArmedAt, w.TriggeredAt = time.Time{}, time.Time{}

	sl := &slot{window: w, next: next}
	if !w.StartAt.Add(w.RingDuration).After(now) {
		if !w.Recurring {
			s.logger.Warn().Str("id", w.ID).Time("start_at", w.StartAt).Msg("dropping missed one-shot window")
			return nil
		}
		if !s.rearm(sl, now) {
			s.logger.Warn().Str("id", w.ID).Msg("recurring window has no next occurrence")
			return nil
		}
	}
	s.slots = append(s.slots, sl)
	return nil
}

// Tick advances every window to clock.Now() and publishes a new snapshot.
func (s *Scheduler) Tick() model.RuntimeCounts {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.slots[:0]
	for _, sl := range s.slots {
		if s.advance(sl, now) {
			kept = append(kept, sl)
		}
	}
	for i := len(kept); i < len(s.slots); i++ {
		s.slots[i] = nil
	}
	s.slots = kept
	return s.publish(now)
}

// advance moves one window through as many transitions as now allows and
// reports whether it stays scheduled.
func (s *Scheduler) advance(sl *slot, now time.Time) bool {
	w := &sl.window
	for {
		switch w.State {
		case model.Dormant:
			if now.Before(w.ArmAt()) {
				return true
			}
			w.State = model.Armed
			w.ArmedAt = now
			s.logger.Debug().Str("id", w.ID).Msg("warning window armed")
		case model.Armed:
			if now.Before(w.StartAt) {
				return true
			}
			w.State = model.Triggered
			w.TriggeredAt = now
			sl.ringUntil = w.StartAt.Add(w.RingDuration)
			s.logger.Info().Str("id", w.ID).Time("start_at", w.StartAt).Msg("warning window triggered")
		case model.Triggered:
			if now.Before(sl.ringUntil) {
				return true
			}
			if w.Recurring {
				return s.rearm(sl, now)
			}
			if w.AutoAcknowledge {
				s.logger.Info().Str("id", w.ID).Msg("warning window auto-acknowledged")
				return false
			}
			return true
		default:
			return true
		}
	}
}

// rearm moves a recurring window back to Dormant at its next StartAt.
func (s *Scheduler) rearm(sl *slot, now time.Time) bool {
	if sl.next == nil {
		return false
	}
	next, ok := sl.next(sl.window, now)
	if !ok || !next.After(now) {
		return false
	}
	sl.window.StartAt = next
	sl.window.State = model.Dormant
	sl.window.ArmedAt = time.Time{}
	sl.window.TriggeredAt = time.Time{}
	sl.ringUntil = time.Time{}
	return true
}

// publish builds the snapshot for now. s.mu must be held.
func (s *Scheduler) publish(now time.Time) model.RuntimeCounts {
	c := model.RuntimeCounts{
		SourceLabel:        s.settings.SourceLabel,
		WarningEnabled:     s.settings.WarningEnabled,
		WarningLeadTimeMs:  s.settings.LeadTime.Milliseconds(),
		WarningPulseTimeMs: s.settings.PulseTime.Milliseconds(),
		UpdatedAt:          now,
	}
	if s.settings.WarningEnabled {
		for _, sl := range s.slots {
			var ref time.Time
			switch sl.window.State {
			case model.Armed:
				c.ArmedCount++
				ref = firstSet(sl.window.ArmedAt, sl.window.ArmAt())
			case model.Triggered:
				c.TriggeredCount++
				ref = firstSet(sl.window.TriggeredAt, sl.window.StartAt)
			default:
				continue
			}
			if pulseOn(now.Sub(ref), sl.window.PulseTime) {
				c.WarningPulseOn = true
			}
		}
		c.WarningActiveCount = c.ArmedCount + c.TriggeredCount
	}
	s.counts.Store(&c)
	return c
}

// firstSet returns recorded unless it is zero.
func firstSet(recorded, scheduled time.Time) time.Time {
	if recorded.IsZero() {
		return scheduled
	}
	return recorded
}

// pulseOn is true during the first half of every 2*period cycle.
func pulseOn(elapsed, period time.Duration) bool {
	if period <= 0 || elapsed < 0 {
		return false
	}
	return (elapsed/period)%2 == 0
}

// Counts returns the snapshot published by the most recent tick.
func (s *Scheduler) Counts() model.RuntimeCounts {
	return *s.counts.Load()
}

// Settings returns the current global settings.
func (s *Scheduler) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetWarningEnabled toggles the warning outputs and republishes at once.
func (s *Scheduler) SetWarningEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.WarningEnabled = enabled
	s.publish(s.clock.Now())
}

// Acknowledge silences a triggered window. A one-shot window is retired and a
// recurring one re-armed. It reports whether the window was ringing.
func (s *Scheduler) Acknowledge(id string) (bool, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sl := range s.slots {
		if sl.window.ID != id {
			continue
		}
		if sl.window.State != model.Triggered {
			return false, nil
		}
		if !sl.window.Recurring || !s.rearm(sl, now) {
			s.slots = append(s.slots[:i], s.slots[i+1:]...)
		}
		s.logger.Info().Str("id", id).Msg("warning window acknowledged")
		s.publish(now)
		return true, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownWindow, id)
}

// Windows returns copies of the scheduled windows ordered by StartAt, then ID.
func (s *Scheduler) Windows() []model.WarningWindow {
	s.mu.Lock()
	out := make([]model.WarningWindow, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl.window)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].StartAt.Before(out[j].StartAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Run ticks at interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	s.Tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			s.Tick()
		}
	}
}
