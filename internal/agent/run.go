package agent

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"betterclock/internal/addrutil"
	"betterclock/internal/api"
	"betterclock/internal/clocksync"
	"betterclock/internal/config"
	"betterclock/internal/discovery"
	"betterclock/internal/model"
)

const (
	viaStatic         = "static"
	disconnectTimeout = time.Second
)

// Resolver locates the server to poll.
type Resolver interface {
	Resolve(ctx context.Context) (model.DiscoveryResult, error)
}

// StaticResolver always returns a configured base URL.
type StaticResolver struct {
	BaseURL string
}

// Resolve returns the configured address without probing it.
func (s StaticResolver) Resolve(context.Context) (model.DiscoveryResult, error) {
	base := addrutil.NormalizeBaseURL(s.BaseURL)
	host, port, err := addrutil.SplitBaseURL(base)
	if err != nil {
		return model.DiscoveryResult{}, err
	}
	return model.DiscoveryResult{
		BaseURL: base,
		IP:      host,
		Port:    port,
		Via:     viaStatic,
		Service: api.ServiceName,
		Version: api.ServiceVersion,
	}, nil
}

// Deps are the collaborators of Run.
type Deps struct {
	Resolver Resolver
	Slot     *SnapshotSlot
	Clock    clockwork.Clock
	Logger   zerolog.Logger
}

// Run is the client loop: resolve, connect, poll until the server is lost,
// disconnect, and resolve again. It returns only when ctx is cancelled.
func Run(ctx context.Context, cfg config.ClientConfig, deps Deps) error {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Slot == nil {
		deps.Slot = &SnapshotSlot{}
	}
	logger := deps.Logger
	backoff := time.Duration(cfg.RediscoverBackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = config.DefaultRediscoverBackoffMs * time.Millisecond
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := deps.Resolver.Resolve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ev := logger.Warn().Err(err)
			if errors.Is(err, discovery.ErrNotFound) {
				ev = logger.Info().Err(err)
			}
			ev.Dur("retry_in", backoff).Msg("server not resolved")
			if !sleep(ctx, deps.Clock, backoff) {
				return ctx.Err()
			}
			continue
		}

		err = runSession(ctx, cfg, deps, res)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn().Err(err).Str("server", res.BaseURL).Msg("server lost, rediscovering")
	}
}

// runSession runs one connect/poll/disconnect cycle against res.
func runSession(ctx context.Context, cfg config.ClientConfig, deps Deps, res model.DiscoveryResult) error {
	logger := deps.Logger.With().Str("server", res.BaseURL).Str("via", res.Via).Logger()
	timeout := time.Duration(cfg.PollTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = config.DefaultPollTimeoutMs * time.Millisecond
	}

	control := api.NewClient(res.BaseURL, api.WithTimeout(timeout))
	instanceID := ""
	if cfg.ClientID != "" {
		resp, err := control.Connect(ctx, api.ConnectRequest{ClientID: cfg.ClientID, Metadata: sessionMetadata()})
		if err != nil {
			logger.Warn().Err(err).Msg("session connect failed")
		} else {
			instanceID = resp.InstanceID
			logger.Info().Str("instance_id", instanceID).Msg("session connected")
		}
	}
	if instanceID != "" {
		defer func() {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
			defer cancel()
			if _, err := control.Disconnect(dctx, api.DisconnectRequest{ClientID: cfg.ClientID, InstanceID: instanceID}); err != nil {
				logger.Debug().Err(err).Msg("session disconnect failed")
			}
		}()
	}

	client := api.NewClient(res.BaseURL, api.WithTimeout(timeout), api.WithIdentity(cfg.ClientID, instanceID))
	est := clocksync.New(clocksync.Options{Alpha: cfg.SmoothingAlpha, OutlierMultiplier: cfg.OutlierRTTMultiplier})
	poller := NewPoller(client, est, deps.Slot, PollerOptionsFromConfig(cfg, res), deps.Clock, logger)
	return poller.Run(ctx)
}

func sessionMetadata() map[string]string {
	meta := map[string]string{"version": strconv.Itoa(api.ServiceVersion)}
	if host, err := os.Hostname(); err == nil && host != "" {
		meta["hostname"] = host
	}
	return meta
}

func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}
