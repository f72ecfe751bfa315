// Package alarms reads the alarm definitions file and turns it into
// scheduler windows with their recurrence rules.
package alarms

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"betterclock/internal/config"
	"betterclock/internal/model"
	"betterclock/internal/scheduler"
)

const (
	KindOneTime   = "one_time"
	KindRecurring = "recurring"

	FileVersion           = 1
	DefaultRingDurationMs = 5000

	localDatetimeLayout = "2006-01-02T15:04:05"
	localTimeLayout     = "15:04:05"
)

// File is the on-disk alarm definitions document. JSON files parse through
// the same decoder.
type File struct {
	Version  int      `yaml:"version"`
	Settings Settings `yaml:"settings"`
	Alarms   []Alarm  `yaml:"alarms"`
}

// Settings override the server's warning defaults when present.
type Settings struct {
	WarningEnabled     *bool  `yaml:"warning_enabled"`
	WarningLeadTimeMs  *int64 `yaml:"warning_lead_time_ms"`
	WarningPulseTimeMs *int64 `yaml:"warning_pulse_time_ms"`
}

type Alarm struct {
	ID              string   `yaml:"id"`
	Enabled         *bool    `yaml:"enabled"`
	AutoAcknowledge bool     `yaml:"auto_acknowledge"`
	RingDurationMs  *int64   `yaml:"ring_duration_ms"`
	LeadTimeMs      *int64   `yaml:"lead_time_ms"`
	PulseTimeMs     *int64   `yaml:"pulse_time_ms"`
	LateTriggerMs   *int64   `yaml:"late_trigger_ms"`
	Kind            string   `yaml:"kind"`
	LocalDatetime   string   `yaml:"local_datetime"`
	TimeLocal       string   `yaml:"time_local"`
	DaysOfWeek      []string `yaml:"days_of_week"`
}

// IsEnabled defaults to true when the field is absent.
func (a Alarm) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// lateTrigger delays the trigger instant past the scheduled local time.
func (a Alarm) lateTrigger() time.Duration {
	return msOr(a.LateTriggerMs, 0)
}

func (a Alarm) ringDuration() time.Duration {
	if a.RingDurationMs == nil {
		return DefaultRingDurationMs * time.Millisecond
	}
	return time.Duration(*a.RingDurationMs) * time.Millisecond
}

// Load reads and validates path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alarms %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("alarms %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a definitions document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every alarm. All problems are reported together.
func (f *File) Validate() error {
	if f.Version != FileVersion {
		return fmt.Errorf("%w: unsupported alarms version %d, expected %d", config.ErrInvalid, f.Version, FileVersion)
	}
	if f.Settings.WarningLeadTimeMs != nil && *f.Settings.WarningLeadTimeMs < 0 {
		return fmt.Errorf("%w: settings.warning_lead_time_ms must be >= 0", config.ErrInvalid)
	}
	if f.Settings.WarningPulseTimeMs != nil && *f.Settings.WarningPulseTimeMs <= 0 {
		return fmt.Errorf("%w: settings.warning_pulse_time_ms must be > 0", config.ErrInvalid)
	}

	var errs []error
	seen := make(map[string]struct{}, len(f.Alarms))
	for i, a := range f.Alarms {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("alarms[%d]: id required", i))
			continue
		}
		if _, dup := seen[a.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate alarm id %q", a.ID))
			continue
		}
		seen[a.ID] = struct{}{}
		if err := a.validate(); err != nil {
			errs = append(errs, fmt.Errorf("alarm %q: %w", a.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", config.ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (a Alarm) validate() error {
	if a.ringDuration() <= 0 {
		return fmt.Errorf("ring_duration_ms must be > 0")
	}
	if a.LeadTimeMs != nil && *a.LeadTimeMs < 0 {
		return fmt.Errorf("lead_time_ms must be >= 0")
	}
	if a.PulseTimeMs != nil && *a.PulseTimeMs <= 0 {
		return fmt.Errorf("pulse_time_ms must be > 0")
	}
	if a.LateTriggerMs != nil && *a.LateTriggerMs < 0 {
		return fmt.Errorf("late_trigger_ms must be >= 0")
	}
	switch a.Kind {
	case KindOneTime:
		if _, err := time.Parse(localDatetimeLayout, a.LocalDatetime); err != nil {
			return fmt.Errorf("invalid local_datetime %q", a.LocalDatetime)
		}
	case KindRecurring:
		if _, err := time.Parse(localTimeLayout, a.TimeLocal); err != nil {
			return fmt.Errorf("invalid time_local %q", a.TimeLocal)
		}
		if len(a.DaysOfWeek) == 0 {
			return fmt.Errorf("recurring alarm needs at least one day_of_week")
		}
		if _, err := parseDays(a.DaysOfWeek); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown kind %q", a.Kind)
	}
	return nil
}

// ApplySettings overlays the file's settings on base.
func (f *File) ApplySettings(base scheduler.Settings) scheduler.Settings {
	if f.Settings.WarningEnabled != nil {
		base.WarningEnabled = *f.Settings.WarningEnabled
	}
	if f.Settings.WarningLeadTimeMs != nil {
		base.LeadTime = time.Duration(*f.Settings.WarningLeadTimeMs) * time.Millisecond
	}
	if f.Settings.WarningPulseTimeMs != nil {
		base.PulseTime = time.Duration(*f.Settings.WarningPulseTimeMs) * time.Millisecond
	}
	return base
}

// Entries converts the enabled alarms into scheduler entries. Times are
// interpreted in loc; per-alarm lead and pulse fall back to settings.
// StartAt is the scheduled time plus late_trigger_ms. Recurring alarms with
// no occurrence in the search horizon are skipped.
func (f *File) Entries(settings scheduler.Settings, loc *time.Location, now time.Time) ([]scheduler.Entry, error) {
	if loc == nil {
		loc = time.Local
	}
	out := make([]scheduler.Entry, 0, len(f.Alarms))
	for _, a := range f.Alarms {
		if !a.IsEnabled() {
			continue
		}
		w := model.WarningWindow{
			ID:              a.ID,
			LeadTime:        msOr(a.LeadTimeMs, settings.LeadTime),
			PulseTime:       msOr(a.PulseTimeMs, settings.PulseTime),
			RingDuration:    a.ringDuration(),
			AutoAcknowledge: a.AutoAcknowledge,
		}

		switch a.Kind {
		case KindOneTime:
			start, err := time.ParseInLocation(localDatetimeLayout, a.LocalDatetime, loc)
			if err != nil {
				return nil, fmt.Errorf("%w: alarm %q: invalid local_datetime %q", config.ErrInvalid, a.ID, a.LocalDatetime)
			}
			w.StartAt = start.Add(a.lateTrigger())
			out = append(out, scheduler.Entry{Window: w})
		case KindRecurring:
			rule, err := NewWeeklyRule(a.TimeLocal, a.DaysOfWeek, loc)
			if err != nil {
				return nil, fmt.Errorf("%w: alarm %q: %v", config.ErrInvalid, a.ID, err)
			}
			next := delayed(rule.Next, a.lateTrigger())
			start, ok := next(w, now)
			if !ok {
				continue
			}
			w.StartAt = start
			w.Recurring = true
			out = append(out, scheduler.Entry{Window: w, Next: next})
		}
	}
	return out, nil
}

// delayed shifts every occurrence of next by late. Occurrences stay strictly
// after now.
func delayed(next scheduler.RecurrenceFunc, late time.Duration) scheduler.RecurrenceFunc {
	if late <= 0 {
		return next
	}
	return func(w model.WarningWindow, now time.Time) (time.Time, bool) {
		t, ok := next(w, now.Add(-late))
		if !ok {
			return time.Time{}, false
		}
		return t.Add(late), true
	}
}

func msOr(v *int64, fallback time.Duration) time.Duration {
	if v == nil {
		return fallback
	}
	return time.Duration(*v) * time.Millisecond
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseDays(days []string) ([7]bool, error) {
	var set [7]bool
	for _, d := range days {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return set, fmt.Errorf("invalid day_of_week %q", d)
		}
		set[wd] = true
	}
	return set, nil
}
