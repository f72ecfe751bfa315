// Package netinfo reports the addresses a BetterClock node is reachable on.
package netinfo

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// routeProbeAddr is only used to ask the kernel for the outbound interface;
// dialing UDP sends no packets.
const routeProbeAddr = "8.8.8.8:80"

// LANAddress returns the IPv4 address of the interface that routes outward.
func LANAddress(ctx context.Context) (netip.Addr, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", routeProbeAddr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("detect lan address: %w", err)
	}
	defer conn.Close()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, fmt.Errorf("detect lan address: unexpected local addr %T", conn.LocalAddr())
	}
	addr, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok || !addr.Unmap().Is4() || addr.Unmap().IsUnspecified() {
		return netip.Addr{}, fmt.Errorf("detect lan address: got %s", udpAddr.IP)
	}
	return addr.Unmap(), nil
}

// InterfaceAddresses lists the non-loopback IPv4 addresses of up interfaces.
func InterfaceAddresses() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if addr, ok := netip.AddrFromSlice(ipNet.IP); ok && addr.Unmap().Is4() {
				out = append(out, addr.Unmap())
			}
		}
	}
	return out, nil
}
