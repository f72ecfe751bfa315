// Package agent runs the polling client: it resolves a server, keeps a
// session open and turns state polls into corrected-time snapshots.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"betterclock/internal/api"
	"betterclock/internal/clocksync"
	"betterclock/internal/config"
	"betterclock/internal/metrics"
	"betterclock/internal/model"
)

// ErrServerLost is returned once consecutive poll failures exceed the threshold.
var ErrServerLost = errors.New("server lost")

const rttWindowSize = 64

// StateFetcher performs one GET /v1/state.
type StateFetcher interface {
	State(ctx context.Context) (api.StateResponse, error)
}

// StateFetcherFunc adapts a function to StateFetcher.
type StateFetcherFunc func(ctx context.Context) (api.StateResponse, error)

// State calls f.
func (f StateFetcherFunc) State(ctx context.Context) (api.StateResponse, error) { return f(ctx) }

// SnapshotSlot hands the latest snapshot to readers on other goroutines.
// Last write wins; stored snapshots are never mutated.
type SnapshotSlot struct {
	p atomic.Pointer[model.TimeNetworkSnapshot]
}

// Store publishes snap.
func (s *SnapshotSlot) Store(snap *model.TimeNetworkSnapshot) { s.p.Store(snap) }

// Load returns the latest snapshot, or nil before the first poll.
func (s *SnapshotSlot) Load() *model.TimeNetworkSnapshot { return s.p.Load() }

// PollerOptions configure a Poller.
type PollerOptions struct {
	BaseURL          string
	Via              string
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	StatusInterval   time.Duration
	Location         *time.Location
}

// PollerOptionsFromConfig maps the client config onto PollerOptions.
func PollerOptionsFromConfig(c config.ClientConfig, res model.DiscoveryResult) PollerOptions {
	return PollerOptions{
		BaseURL:          res.BaseURL,
		Via:              res.Via,
		Interval:         time.Duration(c.PollIntervalMs) * time.Millisecond,
		Timeout:          time.Duration(c.PollTimeoutMs) * time.Millisecond,
		FailureThreshold: c.FailureThreshold,
		StatusInterval:   time.Duration(c.StatusIntervalMs) * time.Millisecond,
	}
}

// Poller drives one Estimator against one server. It is owned by a single
// goroutine; only the SnapshotSlot is shared.
type Poller struct {
	fetcher  StateFetcher
	est      *clocksync.Estimator
	slot     *SnapshotSlot
	window   *metrics.Window
	opts     PollerOptions
	clock    clockwork.Clock
	logger   zerolog.Logger
	failures int
}

// NewPoller returns a poller. slot may be shared with readers.
func NewPoller(fetcher StateFetcher, est *clocksync.Estimator, slot *SnapshotSlot, opts PollerOptions, clock clockwork.Clock, logger zerolog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultPollIntervalMs * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultPollTimeoutMs * time.Millisecond
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = config.DefaultFailureThreshold
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if slot == nil {
		slot = &SnapshotSlot{}
	}
	return &Poller{
		fetcher: fetcher,
		est:     est,
		slot:    slot,
		window:  metrics.NewWindow(rttWindowSize),
		opts:    opts,
		clock:   clock,
		logger:  logger,
	}
}

// Failures returns the current consecutive-failure count.
func (p *Poller) Failures() int { return p.failures }

// Tick performs one poll. A failed poll leaves the estimate untouched and
// returns its error; once failures exceed the threshold the error wraps
// ErrServerLost. An outlier sample still publishes a snapshot.
func (p *Poller) Tick(ctx context.Context) (*model.TimeNetworkSnapshot, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	send := p.clock.Now()
	state, err := p.fetcher.State(pollCtx)
	elapsed := p.clock.Since(send)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, p.fail(err)
	}

	sendMs := clocksync.UnixMs(send)
	sample := model.SyncSample{
		SendMs:   sendMs,
		ServerMs: state.ServerTimeUnixMs,
		RecvMs:   sendMs + float64(elapsed.Microseconds())/1000.0,
	}
	est, err := p.est.Observe(sample)
	switch {
	case err == nil:
		p.window.Add(est.LastRawRTTMs)
	case errors.Is(err, clocksync.ErrOutlier):
		p.logger.Debug().Float64("rtt_ms", sample.RecvMs-sample.SendMs).Msg("rtt outlier rejected")
	default:
		return nil, p.fail(err)
	}
	p.failures = 0

	snap := p.snapshot(est, state.Runtime)
	p.slot.Store(snap)
	return snap, nil
}

func (p *Poller) fail(err error) error {
	p.failures++
	if p.failures > p.opts.FailureThreshold {
		return fmt.Errorf("%w: %d consecutive failures: %w", ErrServerLost, p.failures, err)
	}
	return err
}

func (p *Poller) snapshot(est model.ClockEstimate, rt api.Runtime) *model.TimeNetworkSnapshot {
	now := p.clock.Now()
	corrected := p.est.CorrectedTime(now).In(p.opts.Location)
	iso, clock12, date := displayStrings(corrected)
	stats := p.window.Summary()
	return &model.TimeNetworkSnapshot{
		BaseURL:         p.opts.BaseURL,
		Via:             p.opts.Via,
		Corrected:       corrected,
		CorrectedUnixMs: corrected.UnixMilli(),
		ISOTime:         iso,
		Time12h:         clock12,
		DateText:        date,
		RTTMs:           est.SmoothedRTTMs,
		OffsetMs:        est.SmoothedOffsetMs,
		DesyncMs:        est.DesyncMs,
		SampleCount:     est.SampleCount,
		RTTP95Ms:        stats.P95RTTMs,
		JitterMs:        stats.JitterMs,
		Runtime:         runtimeCounts(rt),
		PolledAt:        now,
	}
}

func runtimeCounts(rt api.Runtime) model.RuntimeCounts {
	c := model.RuntimeCounts{
		SourceLabel:        rt.SourceLabel,
		WarningEnabled:     rt.WarningEnabled,
		WarningActiveCount: rt.WarningActiveCount,
		WarningPulseOn:     rt.WarningPulseOn,
		WarningLeadTimeMs:  rt.WarningLeadTimeMs,
		WarningPulseTimeMs: rt.WarningPulseTimeMs,
		ArmedCount:         rt.ArmedCount,
		TriggeredCount:     rt.TriggeredCount,
	}
	if rt.UpdatedUnixMs > 0 {
		c.UpdatedAt = time.UnixMilli(rt.UpdatedUnixMs)
	}
	return c
}

// Run polls every Interval until ctx is cancelled or the server is lost.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	var status <-chan time.Time
	if p.opts.StatusInterval > 0 {
		st := p.clock.NewTicker(p.opts.StatusInterval)
		defer st.Stop()
		status = st.Chan()
	}

	for {
		if _, err := p.Tick(ctx); err != nil {
			if errors.Is(err, ErrServerLost) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Debug().Err(err).Int("failures", p.failures).Msg("poll failed")
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-status:
				p.logStatus()
			case <-ticker.Chan():
				break wait
			}
		}
	}
}

func (p *Poller) logStatus() {
	est := p.est.Estimate()
	stats := p.window.Summary()
	ev := p.logger.Info().
		Str("server", p.opts.BaseURL).
		Str("via", p.opts.Via).
		Int("samples", est.SampleCount).
		Int("rejected", est.RejectedCount).
		Float64("offset_ms", est.SmoothedOffsetMs).
		Float64("rtt_ms", est.SmoothedRTTMs).
		Float64("desync_ms", est.DesyncMs).
		Float64("rtt_avg_ms", stats.AvgRTTMs).
		Float64("rtt_p95_ms", stats.P95RTTMs).
		Float64("jitter_ms", stats.JitterMs)
	if snap := p.slot.Load(); snap != nil {
		ev = ev.Str("time", snap.Time12h).
			Int("armed", snap.Runtime.ArmedCount).
			Int("triggered", snap.Runtime.TriggeredCount).
			Bool("pulse", snap.Runtime.WarningPulseOn)
	}
	ev.Msg("sync status")
}
