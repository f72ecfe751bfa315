// Package discovery locates a BetterClock server on the local network by
// trying a fixed sequence of stages and remembering the winner.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"betterclock/internal/beacon"
	"betterclock/internal/config"
	"betterclock/internal/mdnsutil"
	"betterclock/internal/model"
	"betterclock/internal/netinfo"
	"betterclock/internal/store"
)

// ErrNotFound is returned when every enabled stage failed.
var ErrNotFound = errors.New("betterclock server not found")

const (
	StatusOK      = "ok"
	StatusFail    = "fail"
	StatusSkipped = "skipped"
)

// StageKind is one member of the closed set of discovery stages.
type StageKind int

const (
	StageLocalCheck StageKind = iota
	StageCache
	StageMulticast
	StageBroadcast
	StageSweep
)

// Order is the fixed evaluation order.
var Order = []StageKind{StageLocalCheck, StageCache, StageMulticast, StageBroadcast, StageSweep}

// String returns the "via" label recorded for results of this stage.
func (k StageKind) String() string {
	switch k {
	case StageLocalCheck:
		return "local-healthz"
	case StageCache:
		return "cache-healthz"
	case StageMulticast:
		return "mdns"
	case StageBroadcast:
		return "udp-broadcast"
	case StageSweep:
		return "subnet-sweep"
	default:
		return fmt.Sprintf("stage-%d", int(k))
	}
}

// Options are the cascade inputs.
type Options struct {
	Port             int
	DiscoveryPort    int
	BroadcastAddress string
	Timeouts         map[StageKind]time.Duration
	Disabled         map[StageKind]bool
	SweepPrefix      int
	SweepCIDR        string
	SweepMaxHosts    int
	SweepWorkers     int
}

// OptionsFromConfig maps the client discovery config onto Options.
func OptionsFromConfig(d config.DiscoveryConfig) Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Options{
		Port:             d.Port,
		DiscoveryPort:    d.DiscoveryPort,
		BroadcastAddress: d.BroadcastAddress,
		Timeouts: map[StageKind]time.Duration{
			StageLocalCheck: ms(d.LocalTimeoutMs),
			StageCache:      ms(d.CacheTimeoutMs),
			StageMulticast:  ms(d.MDNSTimeoutMs),
			StageBroadcast:  ms(d.BroadcastTimeoutMs),
			StageSweep:      ms(d.SweepTimeoutMs),
		},
		Disabled: map[StageKind]bool{
			StageLocalCheck: d.DisableLocal,
			StageCache:      d.DisableCache,
			StageMulticast:  d.DisableMDNS,
			StageBroadcast:  d.DisableBroadcast,
			StageSweep:      d.DisableSweep,
		},
		SweepPrefix:   d.SweepPrefix,
		SweepCIDR:     d.SweepCIDR,
		SweepMaxHosts: d.SweepMaxHosts,
		SweepWorkers:  d.SweepWorkers,
	}
}

// MulticastLookupFunc finds the first mDNS responder.
type MulticastLookupFunc func(ctx context.Context, timeout time.Duration) (mdnsutil.Entry, error)

// BroadcastProbeFunc sends the UDP magic to targets and returns the first valid reply.
type BroadcastProbeFunc func(ctx context.Context, targets []string, timeout time.Duration) (beacon.Found, error)

// LANAddressFunc reports the local interface address used to derive the sweep subnet.
type LANAddressFunc func(ctx context.Context) (netip.Addr, error)

// Cascade resolves a server address.
type Cascade struct {
	opts      Options
	cache     store.DiscoveryCache
	health    HealthChecker
	multicast MulticastLookupFunc
	broadcast BroadcastProbeFunc
	lanAddr   LANAddressFunc
	clock     clockwork.Clock
	logger    zerolog.Logger
}

// Option customizes a Cascade.
type Option func(*Cascade)

// WithHealthChecker replaces the HTTP /healthz prober.
func WithHealthChecker(h HealthChecker) Option { return func(c *Cascade) { c.health = h } }

// WithMulticastLookup replaces the mDNS lookup.
func WithMulticastLookup(f MulticastLookupFunc) Option { return func(c *Cascade) { c.multicast = f } }

// WithBroadcastProbe replaces the UDP broadcast probe.
func WithBroadcastProbe(f BroadcastProbeFunc) Option { return func(c *Cascade) { c.broadcast = f } }

// WithLANAddress replaces local interface detection.
func WithLANAddress(f LANAddressFunc) Option { return func(c *Cascade) { c.lanAddr = f } }

// WithClock replaces the clock used for elapsed times and cache stamps.
func WithClock(clock clockwork.Clock) Option { return func(c *Cascade) { c.clock = clock } }

// New builds a cascade. cache may be nil, which disables the cache stage.
func New(opts Options, cache store.DiscoveryCache, logger zerolog.Logger, options ...Option) *Cascade {
	c := &Cascade{
		opts:      opts,
		cache:     cache,
		health:    NewHTTPHealthChecker(),
		multicast: mdnsutil.Lookup,
		broadcast: beacon.Probe,
		lanAddr:   netinfo.LANAddress,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Resolve runs the stages in order and returns the first success.
func (c *Cascade) Resolve(ctx context.Context) (model.DiscoveryResult, error) {
	report := c.run(ctx, false)
	if report.Chosen == nil {
		if err := ctx.Err(); err != nil {
			return model.DiscoveryResult{}, err
		}
		return model.DiscoveryResult{}, fmt.Errorf("%w: %s", ErrNotFound, summarize(report.Steps))
	}
	return *report.Chosen, nil
}

// Scan runs the cascade and returns a per-stage report. With full set every
// enabled stage runs; Chosen is still the first success.
func (c *Cascade) Scan(ctx context.Context, full bool) model.ScanReport {
	return c.run(ctx, full)
}

func (c *Cascade) run(ctx context.Context, full bool) model.ScanReport {
	report := model.ScanReport{Steps: make([]model.ScanStep, 0, len(Order))}

	for _, kind := range Order {
		if report.Chosen != nil && !full {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if c.opts.Disabled[kind] || (kind == StageCache && c.cache == nil) {
			report.Steps = append(report.Steps, model.ScanStep{Stage: kind.String(), Status: StatusSkipped})
			continue
		}

		start := c.clock.Now()
		stageCtx, cancel := context.WithTimeout(ctx, c.timeout(kind))
		res, err := c.probe(stageCtx, kind)
		cancel()
		step := model.ScanStep{
			Stage:     kind.String(),
			ElapsedMs: float64(c.clock.Since(start).Microseconds()) / 1000.0,
		}

		if err != nil {
			step.Status = StatusFail
			step.Message = err.Error()
			c.logger.Debug().Str("stage", step.Stage).Err(err).Msg("discovery stage failed")
		} else {
			res.Via = kind.String()
			step.Status = StatusOK
			step.Result = &res
			c.logger.Debug().Str("stage", step.Stage).Str("base_url", res.BaseURL).Msg("discovery stage succeeded")
			if report.Chosen == nil {
				chosen := res
				report.Chosen = &chosen
			}
		}
		report.Steps = append(report.Steps, step)
	}

	if report.Chosen != nil {
		c.remember(ctx, *report.Chosen)
		c.logger.Info().Str("via", report.Chosen.Via).Str("base_url", report.Chosen.BaseURL).Msg("server resolved")
	}
	return report
}

// probe dispatches one stage.
func (c *Cascade) probe(ctx context.Context, kind StageKind) (model.DiscoveryResult, error) {
	switch kind {
	case StageLocalCheck:
		return c.probeLocal(ctx)
	case StageCache:
		return c.probeCache(ctx)
	case StageMulticast:
		return c.probeMulticast(ctx)
	case StageBroadcast:
		return c.probeBroadcast(ctx)
	case StageSweep:
		return c.probeSweep(ctx)
	default:
		return model.DiscoveryResult{}, fmt.Errorf("unknown stage %d", int(kind))
	}
}

func (c *Cascade) timeout(kind StageKind) time.Duration {
	if d := c.opts.Timeouts[kind]; d > 0 {
		return d
	}
	return time.Duration(config.DefaultSweepTimeoutMs) * time.Millisecond
}

func (c *Cascade) remember(ctx context.Context, res model.DiscoveryResult) {
	if c.cache == nil {
		return
	}
	rec := model.CacheRecord{
		BaseURL:  res.BaseURL,
		IP:       res.IP,
		Port:     res.Port,
		Via:      res.Via,
		LastSeen: c.clock.Now().UTC(),
	}
	// The cache write must not be abandoned with a cancelled resolve.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := c.cache.Save(saveCtx, rec); err != nil {
		c.logger.Warn().Err(err).Msg("discovery cache write failed")
	}
}

func summarize(steps []model.ScanStep) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		if s.Status == StatusSkipped {
			continue
		}
		parts = append(parts, s.Stage+"="+s.Status)
	}
	if len(parts) == 0 {
		return "no stages enabled"
	}
	return strings.Join(parts, ", ")
}
