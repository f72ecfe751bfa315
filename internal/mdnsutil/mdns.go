// Package mdnsutil advertises and looks up the BetterClock service over mDNS.
package mdnsutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	ServiceType = "_betterclock._tcp"
	Domain      = "local."
)

// ErrNoResponder is returned when no advertisement is seen before the timeout.
var ErrNoResponder = errors.New("no mdns responder")

// Entry is one discovered advertisement.
type Entry struct {
	Instance string
	IP       netip.Addr
	Port     int
	Version  int
}

// Advertiser publishes the service until Close is called.
type Advertiser struct {
	server *mdns.Server
}

// Advertise publishes instance on port for the given addresses.
func Advertise(instance string, port int, ips []netip.Addr, version int) (*Advertiser, error) {
	if len(ips) == 0 {
		return nil, fmt.Errorf("mdns advertise: no addresses")
	}
	netIPs := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		netIPs = append(netIPs, net.IP(ip.AsSlice()))
	}

	txt := []string{"version=" + strconv.Itoa(version), "path=/v1/state"}
	svc, err := mdns.NewMDNSService(instance, ServiceType, Domain, "", port, netIPs, txt)
	if err != nil {
		return nil, fmt.Errorf("mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Close stops advertising.
func (a *Advertiser) Close() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// Lookup queries for the service and returns the first IPv4 responder.
func Lookup(ctx context.Context, timeout time.Duration) (Entry, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	queryErr := make(chan error, 1)

	params := mdns.DefaultParams(ServiceType)
	params.Domain = strings.TrimSuffix(Domain, ".")
	params.Timeout = timeout
	params.Entries = entries
	params.DisableIPv6 = true

	go func() {
		queryErr <- mdns.Query(params)
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case e := <-entries:
			if entry, ok := toEntry(e); ok {
				return entry, nil
			}
		case err := <-queryErr:
			if err != nil {
				return Entry{}, fmt.Errorf("mdns query: %w", err)
			}
			// Query returned; drain anything that raced with it.
			select {
			case e := <-entries:
				if entry, ok := toEntry(e); ok {
					return entry, nil
				}
			default:
			}
			return Entry{}, ErrNoResponder
		case <-deadline.C:
			return Entry{}, ErrNoResponder
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

func toEntry(e *mdns.ServiceEntry) (Entry, bool) {
	if e == nil || e.Port <= 0 {
		return Entry{}, false
	}
	ip := e.AddrV4
	if ip == nil {
		ip = e.Addr
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok || !addr.Unmap().Is4() {
		return Entry{}, false
	}
	return Entry{
		Instance: e.Name,
		IP:       addr.Unmap(),
		Port:     e.Port,
		Version:  parseVersion(e.InfoFields),
	}, true
}

func parseVersion(fields []string) int {
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "version") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
