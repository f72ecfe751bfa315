package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"betterclock/internal/addrutil"
	"betterclock/internal/agent"
	"betterclock/internal/alarms"
	"betterclock/internal/api"
	"betterclock/internal/beacon"
	"betterclock/internal/config"
	"betterclock/internal/controller"
	"betterclock/internal/discovery"
	"betterclock/internal/logging"
	"betterclock/internal/mdnsutil"
	"betterclock/internal/netinfo"
	"betterclock/internal/scheduler"
	"betterclock/internal/session"
	"betterclock/internal/store"
)

const usage = `betterclock - LAN time distribution and warning events

Usage:
  betterclock init     --config <path>
  betterclock server   --config <path> [--listen addr] [--alarms path]
  betterclock client   --config <path> [--server url] [--client-id id]
  betterclock discover --config <path> [--full]
  betterclock state    --config <path> [--server url]
  betterclock clients  --config <path> [--server url]
  betterclock watch    --config <path> [--server url]
  betterclock ack      --config <path> --id <alarm> [--server url]
  betterclock ipinfo   --config <path> [--stun list]
  betterclock alarms check --file <path>

Environment:
  BETTERCLOCK_* variables override the config file; .env is loaded when present.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		handleInit(os.Args[2:])
	case "server":
		handleServer(os.Args[2:])
	case "client":
		handleClient(os.Args[2:])
	case "discover":
		handleDiscover(os.Args[2:])
	case "state":
		handleState(os.Args[2:])
	case "clients":
		handleClients(os.Args[2:])
	case "watch":
		handleWatch(os.Args[2:])
	case "ack":
		handleAck(os.Args[2:])
	case "ipinfo":
		handleIPInfo(os.Args[2:])
	case "alarms":
		handleAlarms(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	if _, err := os.Stat(*configPath); err == nil {
		fatal(fmt.Errorf("%s already exists", *configPath))
	}

	cfg := config.Config{Server: &config.ServerConfig{}, Client: &config.ClientConfig{}}
	config.ApplyDefaults(&cfg)
	fatal(config.Save(*configPath, cfg))
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func handleServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "HTTP listen address")
	alarmsPath := fs.String("alarms", "", "alarms file (YAML or JSON)")
	allowRemote := fs.Bool("allow-remote", false, "accept clients outside the local network")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Server == nil {
		cfg.Server = &config.ServerConfig{}
	}
	config.ApplyDefaults(&cfg)
	config.ApplyEnv(&cfg)
	overrideServer(cfg.Server, *listen, *alarmsPath, *allowRemote)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := signalContext()
	defer cancel()

	if err := runServer(ctx, *cfg.Server, logger); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func runServer(ctx context.Context, cfg config.ServerConfig, logger zerolog.Logger) error {
	clock := clockwork.NewRealClock()
	settings := scheduler.Settings{
		WarningEnabled: cfg.WarningEnabled,
		LeadTime:       time.Duration(cfg.WarningLeadTimeMs) * time.Millisecond,
		PulseTime:      time.Duration(cfg.WarningPulseTimeMs) * time.Millisecond,
		SourceLabel:    cfg.SourceLabel,
	}

	var entries []scheduler.Entry
	if cfg.AlarmsPath != "" {
		file, err := alarms.Load(cfg.AlarmsPath)
		if err != nil {
			return err
		}
		settings = file.ApplySettings(settings)
		entries, err = file.Entries(settings, time.Local, clock.Now())
		if err != nil {
			return err
		}
	}

	sched := scheduler.New(clock, settings, logger.With().Str("component", "scheduler").Logger())
	if err := sched.Replace(entries); err != nil {
		return err
	}
	logger.Info().Int("windows", len(sched.Windows())).Bool("warning_enabled", settings.WarningEnabled).Msg("scheduler loaded")

	sessions := session.NewRegistry(clock)
	srv := controller.NewServer(cfg, sched, sessions, logger.With().Str("component", "http").Logger(), controller.WithClock(clock))

	_, apiPort, err := addrutil.SplitBaseURL(cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %q: %w", cfg.Listen, err)
	}
	lan, lanErr := netinfo.LANAddress(ctx)
	if lanErr != nil {
		logger.Warn().Err(lanErr).Msg("lan address unavailable")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx, time.Duration(cfg.TickIntervalMs)*time.Millisecond) })

	if cfg.DiscoveryEnabled != nil && *cfg.DiscoveryEnabled {
		responder, err := beacon.StartResponder(beacon.ResponderConfig{
			Addr:          fmt.Sprintf(":%d", cfg.DiscoveryUDPPort),
			APIPort:       apiPort,
			AdvertiseHost: cfg.AdvertiseHost,
			LANAddr:       lan,
			AllowRemote:   cfg.AllowRemote,
			Clock:         clock,
			Logger:        logger.With().Str("component", "beacon").Logger(),
		})
		if err != nil {
			logger.Warn().Err(err).Int("port", cfg.DiscoveryUDPPort).Msg("discovery responder disabled")
		} else {
			logger.Info().Str("addr", responder.LocalAddr()).Msg("discovery responder listening")
			g.Go(func() error {
				<-gctx.Done()
				return responder.Close()
			})
		}
	}

	if cfg.MDNSEnabled != nil && *cfg.MDNSEnabled {
		adv, err := mdnsutil.Advertise(cfg.MDNSInstance, apiPort, advertiseAddrs(cfg, lan), api.ServiceVersion)
		if err != nil {
			logger.Warn().Err(err).Msg("mdns advertisement disabled")
		} else {
			logger.Info().Str("instance", cfg.MDNSInstance).Int("port", apiPort).Msg("mdns advertising")
			g.Go(func() error {
				<-gctx.Done()
				return adv.Close()
			})
		}
	}

	return g.Wait()
}

func advertiseAddrs(cfg config.ServerConfig, lan netip.Addr) []netip.Addr {
	if ip, err := netip.ParseAddr(cfg.AdvertiseHost); err == nil {
		return []netip.Addr{ip}
	}
	if lan.IsValid() {
		return []netip.Addr{lan}
	}
	addrs, err := netinfo.InterfaceAddresses()
	if err != nil {
		return nil
	}
	return addrs
}

func handleClient(args []string) {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	server := fs.String("server", "", "server base URL (skips discovery)")
	clientID := fs.String("client-id", "", "client id reported to the server")
	_ = fs.Parse(args)

	cfg := mustClientConfig(*configPath, *server, *clientID)
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signalContext()
	defer cancel()

	resolver, closeFn, err := newResolver(*cfg.Client, logger)
	if err != nil {
		fatal(err)
	}
	defer closeFn()

	err = agent.Run(ctx, *cfg.Client, agent.Deps{Resolver: resolver, Logger: logger})
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	full := fs.Bool("full", false, "run every enabled stage")
	_ = fs.Parse(args)

	cfg := mustClientConfig(*configPath, "", "")
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	cache, err := store.Open(cfg.Client.CacheBackend, cfg.Client.CachePath)
	if err != nil {
		fatal(err)
	}
	defer cache.Close()

	ctx, cancel := signalContext()
	defer cancel()

	report := discovery.New(discovery.OptionsFromConfig(cfg.Client.Discovery), cache, logger).Scan(ctx, *full)
	fmt.Fprintf(os.Stdout, "%-10s  %-7s  %9s  %s\n", "STAGE", "STATUS", "ELAPSED", "DETAIL")
	for _, step := range report.Steps {
		detail := step.Message
		if step.Result != nil {
			detail = step.Result.BaseURL
		}
		fmt.Fprintf(os.Stdout, "%-10s  %-7s  %7.1fms  %s\n", step.Stage, step.Status, step.ElapsedMs, detail)
	}
	if report.Chosen == nil {
		fatal(discovery.ErrNotFound)
	}
	fmt.Fprintf(os.Stdout, "\nserver: %s (via %s)\n", report.Chosen.BaseURL, report.Chosen.Via)
}

func handleState(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	server := fs.String("server", "", "server base URL (skips discovery)")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()
	client := mustAPIClient(ctx, *configPath, *server)

	state, err := client.State(ctx)
	if err != nil {
		fatal(err)
	}
	rt := state.Runtime
	fmt.Fprintf(os.Stdout, "server:        %s\n", client.BaseURL())
	fmt.Fprintf(os.Stdout, "local time:    %s\n", rt.ISOLocal)
	fmt.Fprintf(os.Stdout, "source:        %s\n", rt.SourceLabel)
	fmt.Fprintf(os.Stdout, "warning:       enabled=%t active=%d pulse=%t lead=%dms pulse_time=%dms\n",
		rt.WarningEnabled, rt.WarningActiveCount, rt.WarningPulseOn, rt.WarningLeadTimeMs, rt.WarningPulseTimeMs)
	fmt.Fprintf(os.Stdout, "events:        armed=%d triggered=%d\n", rt.ArmedCount, rt.TriggeredCount)
	fmt.Fprintf(os.Stdout, "clients:       %d\n", state.ClientsConnected)
	fmt.Fprintf(os.Stdout, "processing:    %.3fms\n", state.ServerProcessingMs)
}

func handleClients(args []string) {
	fs := flag.NewFlagSet("clients", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	server := fs.String("server", "", "server base URL (skips discovery)")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()
	client := mustAPIClient(ctx, *configPath, *server)

	resp, err := client.Clients(ctx)
	if err != nil {
		fatal(err)
	}
	if resp.Count == 0 {
		fmt.Fprintln(os.Stdout, "no clients")
		return
	}
	fmt.Fprintf(os.Stdout, "%-20s  %-36s  %-21s  %s\n", "CLIENT_ID", "INSTANCE_ID", "REMOTE", "CONNECTED_FOR")
	for _, c := range resp.Clients {
		connected := (time.Duration(c.ConnectedForMs) * time.Millisecond).Truncate(time.Second)
		fmt.Fprintf(os.Stdout, "%-20s  %-36s  %-21s  %s\n", c.ClientID, c.InstanceID, c.RemoteAddr, connected)
	}
}

func handleWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	server := fs.String("server", "", "server base URL (skips discovery)")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()
	client := mustAPIClient(ctx, *configPath, *server)

	err := client.Stream(ctx, func(s api.StateResponse) error {
		rt := s.Runtime
		pulse := " "
		if rt.WarningPulseOn {
			pulse = "*"
		}
		fmt.Fprintf(os.Stdout, "%s %s armed=%d triggered=%d clients=%d\n",
			rt.ISOLocal, pulse, rt.ArmedCount, rt.TriggeredCount, s.ClientsConnected)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleAck(args []string) {
	fs := flag.NewFlagSet("ack", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	server := fs.String("server", "", "server base URL (skips discovery)")
	id := fs.String("id", "", "alarm id")
	_ = fs.Parse(args)

	if *id == "" {
		fatal(errors.New("--id is required"))
	}
	ctx, cancel := signalContext()
	defer cancel()
	client := mustAPIClient(ctx, *configPath, *server)

	resp, err := client.Acknowledge(ctx, *id)
	if err != nil {
		fatal(err)
	}
	if !resp.Acknowledged {
		fmt.Fprintf(os.Stdout, "%s is not triggered\n", *id)
		return
	}
	fmt.Fprintf(os.Stdout, "%s acknowledged\n", *id)
}

func handleIPInfo(args []string) {
	fs := flag.NewFlagSet("ipinfo", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	timeout := fs.Duration("timeout", 3*time.Second, "per-server STUN timeout")
	_ = fs.Parse(args)

	cfg := mustClientConfig(*configPath, "", "")
	servers := cfg.Client.STUNServers
	if *stunList != "" {
		servers = splitList(*stunList)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if lan, err := netinfo.LANAddress(ctx); err == nil {
		fmt.Fprintf(os.Stdout, "lan:      %s\n", lan)
	} else {
		fmt.Fprintf(os.Stdout, "lan:      unavailable (%v)\n", err)
	}
	info, err := netinfo.PublicAddress(ctx, servers, *timeout)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "public:   %s\n", info.Address)
	fmt.Fprintf(os.Stdout, "nat type: %s\n", info.NATType)
}

func handleAlarms(args []string) {
	if len(args) < 1 || args[0] != "check" {
		fatal(errors.New("usage: betterclock alarms check --file <path>"))
	}
	fs := flag.NewFlagSet("alarms check", flag.ExitOnError)
	path := fs.String("file", "", "alarms file (YAML or JSON)")
	_ = fs.Parse(args[1:])

	if *path == "" {
		fatal(errors.New("--file is required"))
	}
	file, err := alarms.Load(*path)
	if err != nil {
		fatal(err)
	}
	settings := file.ApplySettings(scheduler.Settings{PulseTime: config.DefaultPulseTimeMs * time.Millisecond})
	now := time.Now()
	entries, err := file.Entries(settings, time.Local, now)
	if err != nil {
		fatal(err)
	}

	sched := scheduler.New(clockwork.NewFakeClockAt(now), settings, zerolog.Nop())
	if err := sched.Replace(entries); err != nil {
		fatal(err)
	}
	windows := sched.Windows()
	fmt.Fprintf(os.Stdout, "%d alarms, %d scheduled\n", len(file.Alarms), len(windows))
	for _, w := range windows {
		kind := alarms.KindOneTime
		if w.Recurring {
			kind = alarms.KindRecurring
		}
		fmt.Fprintf(os.Stdout, "%-20s  %-9s  %s  lead=%s\n", w.ID, kind, w.StartAt.Format(time.RFC1123), w.LeadTime)
	}
}

func mustClientConfig(path, server, clientID string) config.Config {
	cfg, err := loadConfig(path)
	if err != nil {
		fatal(err)
	}
	if cfg.Client == nil {
		cfg.Client = &config.ClientConfig{}
	}
	config.ApplyDefaults(&cfg)
	config.ApplyEnv(&cfg)
	overrideClient(cfg.Client, server, clientID)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	return cfg
}

// mustAPIClient resolves a server once and returns a client for it.
func mustAPIClient(ctx context.Context, path, server string) *api.Client {
	cfg := mustClientConfig(path, server, "")
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	resolver, closeFn, err := newResolver(*cfg.Client, logger)
	if err != nil {
		fatal(err)
	}
	defer closeFn()

	res, err := resolver.Resolve(ctx)
	if err != nil {
		fatal(err)
	}
	timeout := time.Duration(cfg.Client.PollTimeoutMs) * time.Millisecond
	return api.NewClient(res.BaseURL, api.WithTimeout(timeout))
}

func newResolver(cfg config.ClientConfig, logger zerolog.Logger) (agent.Resolver, func(), error) {
	if cfg.Server != "" {
		return agent.StaticResolver{BaseURL: cfg.Server}, func() {}, nil
	}
	cache, err := store.Open(cfg.CacheBackend, cfg.CachePath)
	if err != nil {
		return nil, nil, err
	}
	cascade := discovery.New(discovery.OptionsFromConfig(cfg.Discovery), cache, logger.With().Str("component", "discovery").Logger())
	return cascade, func() { _ = cache.Close() }, nil
}

func loadConfig(path string) (config.Config, error) {
	if err := config.LoadDotEnv(""); err != nil {
		return config.Config{}, err
	}
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func overrideServer(cfg *config.ServerConfig, listen, alarmsPath string, allowRemote bool) {
	if listen != "" {
		cfg.Listen = listen
	}
	if alarmsPath != "" {
		cfg.AlarmsPath = alarmsPath
	}
	if allowRemote {
		cfg.AllowRemote = true
	}
}

func overrideClient(cfg *config.ClientConfig, server, clientID string) {
	if server != "" {
		cfg.Server = server
	}
	if clientID != "" {
		cfg.ClientID = clientID
	}
	if cfg.ClientID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.ClientID = host
		}
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
