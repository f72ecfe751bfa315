package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"betterclock/internal/addrutil"
	"betterclock/internal/api"
	"betterclock/internal/model"
	"betterclock/internal/store"
)

const loopbackHost = "127.0.0.1"

// HealthChecker probes a candidate server's liveness endpoint.
type HealthChecker interface {
	Check(ctx context.Context, baseURL string) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context, baseURL string) error

// Check calls f.
func (f HealthCheckerFunc) Check(ctx context.Context, baseURL string) error {
	return f(ctx, baseURL)
}

// HTTPHealthChecker issues GET /healthz with a shared transport.
type HTTPHealthChecker struct {
	http *http.Client
}

// NewHTTPHealthChecker returns a checker whose deadlines come from the caller's context.
func NewHTTPHealthChecker() *HTTPHealthChecker {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     30 * time.Second,
	}
	return &HTTPHealthChecker{http: &http.Client{Transport: transport}}
}

// Check reports nil when baseURL answers "ok" on /healthz.
func (h *HTTPHealthChecker) Check(ctx context.Context, baseURL string) error {
	if err := api.NewClient(baseURL, api.WithHTTPClient(h.http)).Healthz(ctx); err != nil {
		return fmt.Errorf("%s/healthz: %w", baseURL, err)
	}
	return nil
}

func (c *Cascade) probeLocal(ctx context.Context) (model.DiscoveryResult, error) {
	base := addrutil.BaseURL(loopbackHost, c.opts.Port)
	if err := c.health.Check(ctx, base); err != nil {
		return model.DiscoveryResult{}, err
	}
	return result(base, loopbackHost, c.opts.Port, 0), nil
}

func (c *Cascade) probeCache(ctx context.Context) (model.DiscoveryResult, error) {
	rec, err := c.cache.Load(ctx)
	if err != nil {
		if errors.Is(err, store.ErrEmpty) {
			return model.DiscoveryResult{}, err
		}
		return model.DiscoveryResult{}, fmt.Errorf("read cache: %w", err)
	}

	base := addrutil.NormalizeBaseURL(rec.BaseURL)
	if base == "" {
		port := rec.Port
		if port == 0 {
			port = c.opts.Port
		}
		base = addrutil.BaseURL(rec.IP, port)
	}
	if err := c.health.Check(ctx, base); err != nil {
		return model.DiscoveryResult{}, fmt.Errorf("cached %s: %w", base, err)
	}

	ip, port := rec.IP, rec.Port
	if host, p, err := addrutil.SplitBaseURL(base); err == nil {
		ip, port = host, p
	}
	return result(base, ip, port, 0), nil
}

func (c *Cascade) probeMulticast(ctx context.Context) (model.DiscoveryResult, error) {
	entry, err := c.multicast(ctx, c.timeout(StageMulticast))
	if err != nil {
		return model.DiscoveryResult{}, err
	}
	ip := entry.IP.String()
	return result(addrutil.BaseURL(ip, entry.Port), ip, entry.Port, entry.Version), nil
}

func (c *Cascade) probeBroadcast(ctx context.Context) (model.DiscoveryResult, error) {
	port := strconv.Itoa(c.opts.DiscoveryPort)
	targets := []string{net.JoinHostPort(c.opts.BroadcastAddress, port)}
	if c.opts.BroadcastAddress != loopbackHost {
		targets = append(targets, net.JoinHostPort(loopbackHost, port))
	}

	found, err := c.broadcast(ctx, targets, c.timeout(StageBroadcast))
	if err != nil {
		return model.DiscoveryResult{}, err
	}
	base := found.BaseURL()
	host, apiPort, err := addrutil.SplitBaseURL(base)
	if err != nil {
		return model.DiscoveryResult{}, fmt.Errorf("broadcast reply: %w", err)
	}
	return result(base, host, apiPort, found.Reply.Version), nil
}

func result(base, ip string, port, version int) model.DiscoveryResult {
	if version <= 0 {
		version = api.ServiceVersion
	}
	return model.DiscoveryResult{
		BaseURL: base,
		IP:      ip,
		Port:    port,
		Service: api.ServiceName,
		Version: version,
	}
}
