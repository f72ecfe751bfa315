package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betterclock/internal/api"
	"betterclock/internal/beacon"
	"betterclock/internal/mdnsutil"
	"betterclock/internal/store"
)

var errDown = errors.New("connection refused")

// fakeNetwork answers /healthz for a fixed set of base URLs.
type fakeNetwork struct {
	mu    sync.Mutex
	alive map[string]bool
	calls map[string]int
}

func newFakeNetwork(alive ...string) *fakeNetwork {
	n := &fakeNetwork{alive: map[string]bool{}, calls: map[string]int{}}
	for _, a := range alive {
		n.alive[a] = true
	}
	return n
}

func (n *fakeNetwork) Check(ctx context.Context, baseURL string) error {
	n.mu.Lock()
	n.calls[baseURL]++
	ok := n.alive[baseURL]
	n.mu.Unlock()
	if ok {
		return nil
	}
	return errDown
}

func (n *fakeNetwork) callCount(baseURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[baseURL]
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func testOptions() Options {
	ms := 200 * time.Millisecond
	return Options{
		Port:             8099,
		DiscoveryPort:    8099,
		BroadcastAddress: "255.255.255.255",
		Timeouts: map[StageKind]time.Duration{
			StageLocalCheck: ms, StageCache: ms, StageMulticast: ms, StageBroadcast: ms, StageSweep: ms,
		},
		Disabled:      map[StageKind]bool{},
		SweepPrefix:   24,
		SweepMaxHosts: 254,
		SweepWorkers:  48,
	}
}

func noMulticast(ctx context.Context, timeout time.Duration) (mdnsutil.Entry, error) {
	return mdnsutil.Entry{}, mdnsutil.ErrNoResponder
}

func noBroadcast(ctx context.Context, targets []string, timeout time.Duration) (beacon.Found, error) {
	return beacon.Found{}, beacon.ErrNoReply
}

func lanAddr(s string) LANAddressFunc {
	return func(context.Context) (netip.Addr, error) { return netip.MustParseAddr(s), nil }
}

func newTestCascade(t *testing.T, opts Options, network HealthChecker, cache store.DiscoveryCache, extra ...Option) *Cascade {
	t.Helper()
	options := append([]Option{
		WithHealthChecker(network),
		WithMulticastLookup(noMulticast),
		WithBroadcastProbe(noBroadcast),
		WithLANAddress(lanAddr("192.168.1.20")),
	}, extra...)
	return New(opts, cache, zerolog.Nop(), options...)
}

func TestResolve_LocalCheckWinsAndIsCached(t *testing.T) {
	t.Parallel()

	cache := store.NewFileCache(filepath.Join(t.TempDir(), "cache.yaml"))
	network := newFakeNetwork("http://127.0.0.1:8099")
	c := newTestCascade(t, testOptions(), network, cache)

	res, err := c.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "local-healthz", res.Via)
	assert.Equal(t, "127.0.0.1", res.IP)
	assert.Equal(t, "http://127.0.0.1:8099", res.BaseURL)
	assert.Equal(t, 1, network.totalCalls())

	rec, err := cache.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", rec.IP)
	assert.Equal(t, 8099, rec.Port)
	assert.Equal(t, "local-healthz", rec.Via)
	assert.False(t, rec.LastSeen.IsZero())
}

func TestResolve_IdempotentViaCache(t *testing.T) {
	t.Parallel()

	cache := store.NewFileCache(filepath.Join(t.TempDir(), "cache.yaml"))
	network := newFakeNetwork("http://192.168.1.50:8099")
	c := newTestCascade(t, testOptions(), network, cache)

	first, err := c.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "subnet-sweep", first.Via)
	assert.Equal(t, "192.168.1.50", first.IP)

	require.Equal(t, 1, network.callCount("http://192.168.1.50:8099"))
	second, err := c.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.IP, second.IP)
	assert.Equal(t, "cache-healthz", second.Via)
	assert.Equal(t, 2, network.callCount("http://127.0.0.1:8099"))
	assert.Equal(t, 2, network.callCount("http://192.168.1.50:8099"))
}

func TestResolve_CacheRoundTripAfterRestart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.yaml")
	network := newFakeNetwork("http://10.4.0.9:9100")

	opts := testOptions()
	opts.Port = 9100
	opts.SweepCIDR = "10.4.0.0/28"
	first, err := newTestCascade(t, opts, network, store.NewFileCache(path)).Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "subnet-sweep", first.Via)

	// Restart with every stage except the cache disabled.
	restarted := testOptions()
	for _, k := range Order {
		restarted.Disabled[k] = k != StageCache
	}
	second, err := newTestCascade(t, restarted, network, store.NewFileCache(path)).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cache-healthz", second.Via)
	assert.Equal(t, first.IP, second.IP)
	assert.Equal(t, first.Port, second.Port)
}

func TestResolve_CacheRecordWithoutBaseURL(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	withPort := filepath.Join(dir, "with-port.yaml")
	require.NoError(t, os.WriteFile(withPort, []byte("ip: 192.168.1.70\nport: 9100\nlast_seen: 2026-03-01T12:00:00Z\n"), 0o600))
	noPort := filepath.Join(dir, "no-port.yaml")
	require.NoError(t, os.WriteFile(noPort, []byte("ip: 192.168.1.71\n"), 0o600))

	opts := testOptions()
	for _, k := range Order {
		opts.Disabled[k] = k != StageCache
	}
	network := newFakeNetwork("http://192.168.1.70:9100", "http://192.168.1.71:8099")

	res, err := newTestCascade(t, opts, network, store.NewFileCache(withPort)).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cache-healthz", res.Via)
	assert.Equal(t, "http://192.168.1.70:9100", res.BaseURL)
	assert.Equal(t, 9100, res.Port)

	res, err = newTestCascade(t, opts, network, store.NewFileCache(noPort)).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.71:8099", res.BaseURL)
}

func TestResolve_StaleCacheFallsThrough(t *testing.T) {
	t.Parallel()

	cache := store.NewFileCache(filepath.Join(t.TempDir(), "cache.yaml"))
	c := newTestCascade(t, testOptions(), newFakeNetwork("http://192.168.1.60:8099"), cache)

	first, err := c.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "192.168.1.60", first.IP)

	// Server moved; the cached address no longer answers.
	moved := newTestCascade(t, testOptions(), newFakeNetwork("http://192.168.1.61:8099"), cache)
	second, err := moved.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.61", second.IP)

	rec, err := cache.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.61", rec.IP)
}

func TestResolve_MulticastAndBroadcastStages(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.Disabled[StageSweep] = true

	mdnsFound := func(ctx context.Context, timeout time.Duration) (mdnsutil.Entry, error) {
		return mdnsutil.Entry{IP: netip.MustParseAddr("192.168.1.70"), Port: 8099, Version: 1}, nil
	}
	res, err := newTestCascade(t, opts, newFakeNetwork(), nil, WithMulticastLookup(mdnsFound)).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mdns", res.Via)
	assert.Equal(t, "http://192.168.1.70:8099", res.BaseURL)

	var gotTargets []string
	bcast := func(ctx context.Context, targets []string, timeout time.Duration) (beacon.Found, error) {
		gotTargets = targets
		return beacon.Found{
			Reply: api.DiscoveryReply{Service: "betterclock", Version: 1, APIPort: 8100},
			From:  netip.MustParseAddr("192.168.1.80"),
		}, nil
	}
	res, err = newTestCascade(t, opts, newFakeNetwork(), nil, WithBroadcastProbe(bcast)).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "udp-broadcast", res.Via)
	assert.Equal(t, "192.168.1.80", res.IP)
	assert.Equal(t, 8100, res.Port)
	assert.Equal(t, []string{"255.255.255.255:8099", "127.0.0.1:8099"}, gotTargets)
}

func TestResolve_NotFoundWithinOneSweepTimeout(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.Timeouts[StageSweep] = 300 * time.Millisecond
	opts.Disabled[StageLocalCheck] = true
	opts.Disabled[StageMulticast] = true
	opts.Disabled[StageBroadcast] = true

	// Every host hangs until its context expires.
	silent := HealthCheckerFunc(func(ctx context.Context, baseURL string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c := newTestCascade(t, opts, silent, nil, WithLANAddress(lanAddr("10.9.8.7")))

	start := time.Now()
	_, err := c.Resolve(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrNotFound)
	// 254 hosts / 48 workers at the per-host timeout would need ~6 rounds;
	// the stage deadline caps it at roughly one sweep timeout.
	assert.Less(t, elapsed, 900*time.Millisecond)
}

func TestSweep_LowestIPWinsAmongConcurrentHits(t *testing.T) {
	t.Parallel()

	winners := map[string]bool{
		"http://192.168.1.9:8099": true,
		"http://192.168.1.5:8099": true,
		"http://192.168.1.7:8099": true,
	}
	var mu sync.Mutex
	entered := 0
	allIn := make(chan struct{})

	checker := HealthCheckerFunc(func(ctx context.Context, baseURL string) error {
		if !winners[baseURL] {
			<-ctx.Done()
			return ctx.Err()
		}
		mu.Lock()
		entered++
		if entered == len(winners) {
			close(allIn)
		}
		mu.Unlock()
		select {
		case <-allIn:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	opts := testOptions()
	opts.Timeouts[StageSweep] = 2 * time.Second
	for _, k := range []StageKind{StageLocalCheck, StageCache, StageMulticast, StageBroadcast} {
		opts.Disabled[k] = true
	}
	c := newTestCascade(t, opts, checker, nil)
	// Host timeout is capped at 250ms, long enough for the first 48 hosts to be in flight together.
	res, err := c.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", res.IP)
}

func TestScan_FullRunsEveryStage(t *testing.T) {
	t.Parallel()

	cache := store.NewFileCache(filepath.Join(t.TempDir(), "cache.yaml"))
	opts := testOptions()
	opts.Disabled[StageMulticast] = true
	network := newFakeNetwork("http://127.0.0.1:8099", "http://192.168.1.20:8099")
	c := newTestCascade(t, opts, network, cache)

	report := c.Scan(context.Background(), true)
	require.NotNil(t, report.Chosen)
	assert.Equal(t, "local-healthz", report.Chosen.Via)
	require.Len(t, report.Steps, len(Order))

	statuses := map[string]string{}
	for _, s := range report.Steps {
		statuses[s.Stage] = s.Status
	}
	assert.Equal(t, StatusOK, statuses["local-healthz"])
	assert.Equal(t, StatusFail, statuses["cache-healthz"]) // empty before this scan finished
	assert.Equal(t, StatusSkipped, statuses["mdns"])
	assert.Equal(t, StatusFail, statuses["udp-broadcast"])
	assert.Equal(t, StatusOK, statuses["subnet-sweep"])

	short := c.Scan(context.Background(), false)
	require.Len(t, short.Steps, 1)
	assert.Equal(t, StatusOK, short.Steps[0].Status)
}

func TestHTTPHealthChecker_AgainstServer(t *testing.T) {
	t.Parallel()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			_, _ = w.Write([]byte("ok"))
			return
		}
		http.NotFound(w, r)
	}))
	defer ok.Close()
	other := httptest.NewServer(http.NotFoundHandler())
	defer other.Close()

	h := NewHTTPHealthChecker()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Check(ctx, ok.URL))
	assert.ErrorIs(t, h.Check(ctx, other.URL), api.ErrStatus)
}

func TestHTTPHealthChecker_BodyInPieces(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("o"))
		w.(http.Flusher).Flush()
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("k\n"))
	}))
	defer srv.Close()
	wrong := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("okay"))
	}))
	defer wrong.Close()

	h := NewHTTPHealthChecker()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Check(ctx, srv.URL))
	assert.ErrorIs(t, h.Check(ctx, wrong.URL), api.ErrMalformedResponse)
}
