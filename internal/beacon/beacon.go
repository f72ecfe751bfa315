// Package beacon implements the UDP discovery handshake: servers answer a
// fixed magic datagram with a JSON description of their HTTP API.
package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"betterclock/internal/addrutil"
	"betterclock/internal/api"
)

// Magic is the probe payload.
const Magic = "BETTERCLOCK_DISCOVER_V1"

// ErrNoReply is returned when no valid reply arrives before the deadline.
var ErrNoReply = errors.New("no discovery reply")

// ResponderConfig configures a server-side responder.
type ResponderConfig struct {
	Addr          string // UDP listen address, e.g. ":8099"
	APIPort       int
	AdvertiseHost string
	LANAddr       netip.Addr // used when AdvertiseHost is empty
	AllowRemote   bool
	Clock         clockwork.Clock
	Logger        zerolog.Logger
}

// Responder listens for discovery probes and replies with the API location.
type Responder struct {
	conn *net.UDPConn
	cfg  ResponderConfig
}

// StartResponder starts a UDP responder on cfg.Addr.
func StartResponder(cfg ResponderConfig) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", cfg.Addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	resp := &Responder{conn: conn, cfg: cfg}
	go resp.serve()
	return resp, nil
}

// LocalAddr returns the local address of the responder.
func (r *Responder) LocalAddr() string {
	if r == nil || r.conn == nil {
		return ""
	}
	return r.conn.LocalAddr().String()
}

// Close stops the responder.
func (r *Responder) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Responder) serve() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if strings.TrimSpace(string(buf[:n])) != Magic {
			continue
		}
		src, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			continue
		}
		src = src.Unmap()
		if !r.cfg.AllowRemote && !addrutil.IsLocalNetwork(src) {
			r.cfg.Logger.Debug().Str("from", addr.String()).Msg("ignoring discovery probe from non-local address")
			continue
		}

		payload, err := json.Marshal(r.reply(src))
		if err != nil {
			continue
		}
		if _, err := r.conn.WriteToUDP(payload, addr); err != nil {
			r.cfg.Logger.Debug().Err(err).Str("to", addr.String()).Msg("discovery reply failed")
		}
	}
}

func (r *Responder) reply(src netip.Addr) api.DiscoveryReply {
	reply := api.DiscoveryReply{
		Service:          api.ServiceName,
		Version:          api.ServiceVersion,
		APIPort:          r.cfg.APIPort,
		ServerTimeUnixMs: r.cfg.Clock.Now().UnixMilli(),
	}
	switch {
	case src.IsLoopback():
		reply.BaseURL = addrutil.BaseURL("127.0.0.1", r.cfg.APIPort)
	case r.cfg.AdvertiseHost != "":
		reply.BaseURL = addrutil.BaseURL(r.cfg.AdvertiseHost, r.cfg.APIPort)
	case r.cfg.LANAddr.IsValid():
		reply.BaseURL = addrutil.BaseURL(r.cfg.LANAddr.String(), r.cfg.APIPort)
	}
	return reply
}

// Found is a valid reply and the address it came from.
type Found struct {
	Reply api.DiscoveryReply
	From  netip.Addr
}

// BaseURL prefers the advertised URL and falls back to source IP plus API port.
func (f Found) BaseURL() string {
	if f.Reply.BaseURL != "" {
		return addrutil.NormalizeBaseURL(f.Reply.BaseURL)
	}
	return addrutil.BaseURL(f.From.String(), f.Reply.APIPort)
}

// Probe sends the magic payload to every target ("ip:port") and returns the
// first valid reply received before timeout or ctx expiry.
func Probe(ctx context.Context, targets []string, timeout time.Duration) (Found, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return Found{}, err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	sent := 0
	for _, target := range targets {
		dst, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			continue
		}
		if _, err := conn.WriteToUDP([]byte(Magic), dst); err == nil {
			sent++
		}
	}
	if sent == 0 {
		return Found{}, fmt.Errorf("%w: could not send to any of %v", ErrNoReply, targets)
	}

	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}

	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return Found{}, ctx.Err()
			}
			return Found{}, fmt.Errorf("%w: %v", ErrNoReply, err)
		}

		var reply api.DiscoveryReply
		if err := json.Unmarshal(buf[:n], &reply); err != nil {
			continue
		}
		if reply.Service != api.ServiceName || reply.APIPort <= 0 || reply.APIPort > 65535 {
			continue
		}
		from, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			continue
		}
		return Found{Reply: reply, From: from.Unmap()}, nil
	}
}
