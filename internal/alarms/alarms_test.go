package alarms

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betterclock/internal/config"
	"betterclock/internal/model"
	"betterclock/internal/scheduler"
)

const sampleJSON = `{
  "version": 1,
  "settings": {
    "warning_enabled": true,
    "warning_lead_time_ms": 30000,
    "warning_pulse_time_ms": 400
  },
  "alarms": [
    {
      "id": "wake-1",
      "ring_duration_ms": 7000,
      "kind": "one_time",
      "local_datetime": "2026-02-07T07:30:00.000000000"
    },
    {
      "id": "standup-weekdays",
      "auto_acknowledge": true,
      "lead_time_ms": 60000,
      "kind": "recurring",
      "time_local": "09:30:00",
      "days_of_week": ["Mon", "Tue", "Wed", "Thu", "Fri"]
    },
    {
      "id": "off",
      "enabled": false,
      "kind": "one_time",
      "local_datetime": "2026-02-07T08:00:00"
    }
  ]
}`

func TestParse_JSONDocument(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(sampleJSON))
	require.NoError(t, err)
	require.Len(t, f.Alarms, 3)
	assert.True(t, f.Alarms[0].IsEnabled())
	assert.False(t, f.Alarms[2].IsEnabled())
	assert.Equal(t, 7*time.Second, f.Alarms[0].ringDuration())
	assert.Equal(t, 5*time.Second, f.Alarms[1].ringDuration())

	s := f.ApplySettings(scheduler.Settings{SourceLabel: "software", PulseTime: 250 * time.Millisecond})
	assert.True(t, s.WarningEnabled)
	assert.Equal(t, 30*time.Second, s.LeadTime)
	assert.Equal(t, 400*time.Millisecond, s.PulseTime)
	assert.Equal(t, "software", s.SourceLabel)
}

func TestParse_YAMLDocument(t *testing.T) {
	t.Parallel()

	doc := `
version: 1
alarms:
  - id: lunch
    kind: recurring
    time_local: "12:00:00"
    days_of_week: [sat, Sunday]
`
	f, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, f.Alarms, 1)

	s := f.ApplySettings(scheduler.Settings{PulseTime: 250 * time.Millisecond})
	assert.False(t, s.WarningEnabled)
	assert.Equal(t, 250*time.Millisecond, s.PulseTime)
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"version":       `{"version": 2, "alarms": []}`,
		"duplicate":     `{"version": 1, "alarms": [{"id":"a","kind":"one_time","local_datetime":"2026-02-07T07:30:00"},{"id":"a","kind":"one_time","local_datetime":"2026-02-07T08:30:00"}]}`,
		"ring zero":     `{"version": 1, "alarms": [{"id":"a","ring_duration_ms":0,"kind":"one_time","local_datetime":"2026-02-07T07:30:00"}]}`,
		"no days":       `{"version": 1, "alarms": [{"id":"a","kind":"recurring","time_local":"09:30:00","days_of_week":[]}]}`,
		"bad day":       `{"version": 1, "alarms": [{"id":"a","kind":"recurring","time_local":"09:30:00","days_of_week":["Funday"]}]}`,
		"bad datetime":  `{"version": 1, "alarms": [{"id":"a","kind":"one_time","local_datetime":"not-a-time"}]}`,
		"bad time":      `{"version": 1, "alarms": [{"id":"a","kind":"recurring","time_local":"25:61","days_of_week":["Mon"]}]}`,
		"unknown kind":  `{"version": 1, "alarms": [{"id":"a","kind":"hourly"}]}`,
		"missing id":    `{"version": 1, "alarms": [{"kind":"one_time","local_datetime":"2026-02-07T07:30:00"}]}`,
		"bad pulse":     `{"version": 1, "settings": {"warning_pulse_time_ms": 0}, "alarms": []}`,
		"negative late": `{"version": 1, "alarms": [{"id":"a","late_trigger_ms":-1,"kind":"one_time","local_datetime":"2026-02-07T07:30:00"}]}`,
		"not a mapping": `[1, 2, 3]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "alarms.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Alarms, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestEntries_BuildsWindows(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(sampleJSON))
	require.NoError(t, err)

	// Saturday.
	now := time.Date(2026, 2, 7, 6, 0, 0, 0, time.UTC)
	settings := f.ApplySettings(scheduler.Settings{})
	entries, err := f.Entries(settings, time.UTC, now)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	once := entries[0]
	assert.Equal(t, "wake-1", once.Window.ID)
	assert.True(t, once.Window.StartAt.Equal(time.Date(2026, 2, 7, 7, 30, 0, 0, time.UTC)))
	assert.Equal(t, 30*time.Second, once.Window.LeadTime)
	assert.Equal(t, 400*time.Millisecond, once.Window.PulseTime)
	assert.False(t, once.Window.Recurring)
	assert.Nil(t, once.Next)

	rec := entries[1]
	assert.True(t, rec.Window.Recurring)
	assert.True(t, rec.Window.AutoAcknowledge)
	assert.Equal(t, time.Minute, rec.Window.LeadTime)
	// Next weekday after Saturday is Monday.
	assert.True(t, rec.Window.StartAt.Equal(time.Date(2026, 2, 9, 9, 30, 0, 0, time.UTC)))
	require.NotNil(t, rec.Next)
	next, ok := rec.Next(rec.Window, rec.Window.StartAt)
	require.True(t, ok)
	assert.True(t, next.Equal(time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)))
}

func TestEntries_LateTriggerDelaysStart(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(`{
  "version": 1,
  "alarms": [
    {"id": "late-once", "late_trigger_ms": 1500, "kind": "one_time", "local_datetime": "2030-01-01T08:00:00"},
    {"id": "late-weekly", "late_trigger_ms": 1500, "kind": "recurring", "time_local": "09:30:00", "days_of_week": ["Mon", "Tue"]}
  ]
}`))
	require.NoError(t, err)

	// Saturday.
	now := time.Date(2026, 2, 7, 6, 0, 0, 0, time.UTC)
	entries, err := f.Entries(scheduler.Settings{}, time.UTC, now)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.True(t, entries[0].Window.StartAt.Equal(time.Date(2030, 1, 1, 8, 0, 1, 500_000_000, time.UTC)))

	rec := entries[1]
	monday := time.Date(2026, 2, 9, 9, 30, 1, 500_000_000, time.UTC)
	assert.True(t, rec.Window.StartAt.Equal(monday))

	next, ok := rec.Next(rec.Window, monday)
	require.True(t, ok)
	assert.True(t, next.Equal(monday.Add(24*time.Hour)))

	// Between the scheduled time and the delayed trigger the same day still counts.
	next, ok = rec.Next(rec.Window, time.Date(2026, 2, 9, 9, 30, 1, 0, time.UTC))
	require.True(t, ok)
	assert.True(t, next.Equal(monday))
}

func TestWeeklyRule_Next(t *testing.T) {
	t.Parallel()

	rule, err := NewWeeklyRule("09:30:00.5", []string{"Wed"}, time.UTC)
	require.NoError(t, err)

	// Wednesday 2026-02-11 before the alarm.
	before := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	got, ok := rule.Next(model.WarningWindow{}, before)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2026, 2, 11, 9, 30, 0, 500_000_000, time.UTC)))

	// Exactly at the occurrence moves to the following week.
	got, ok = rule.Next(model.WarningWindow{}, got)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2026, 2, 18, 9, 30, 0, 500_000_000, time.UTC)))

	_, err = NewWeeklyRule("09:30", []string{"Wed"}, time.UTC)
	assert.Error(t, err)
}

func TestWeeklyRule_DrivesSchedulerRecurrence(t *testing.T) {
	t.Parallel()

	rule, err := NewWeeklyRule("00:00:10", []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}, time.UTC)
	require.NoError(t, err)

	var next scheduler.RecurrenceFunc = rule.Next
	now := time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC)
	first, ok := next(model.WarningWindow{}, now)
	require.True(t, ok)
	second, ok := next(model.WarningWindow{StartAt: first}, first.Add(5*time.Second))
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, second.Sub(first))
}
