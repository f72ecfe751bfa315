package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"betterclock/internal/addrutil"
	"betterclock/internal/model"
)

const (
	minSweepPrefix = 8
	maxSweepPrefix = 30

	minHostTimeout = 80 * time.Millisecond
	maxHostTimeout = 250 * time.Millisecond
	// settleGrace bounds how long the sweep waits, after its first hit, for
	// checks that already finished to report in.
	settleGrace = 50 * time.Millisecond
)

// SweepCandidates lists the hosts to probe. The subnet is cidr when set,
// otherwise self masked to prefixLen (clamped to [8,30]). Order: self, the
// subnet's first host (usually the gateway), the rest of self's /24, then
// the remainder of the subnet ascending. Network and broadcast addresses are
// excluded and the list is capped at maxHosts.
func SweepCandidates(self netip.Addr, prefixLen int, cidr string, maxHosts int) ([]netip.Addr, error) {
	var prefix netip.Prefix
	if cidr != "" {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("sweep cidr %q: %w", cidr, err)
		}
		prefix = p.Masked()
	} else {
		if !self.IsValid() || !self.Unmap().Is4() {
			return nil, fmt.Errorf("sweep: no local IPv4 address")
		}
		self = self.Unmap()
		bits := max(minSweepPrefix, min(maxSweepPrefix, prefixLen))
		prefix = netip.PrefixFrom(self, bits).Masked()
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("sweep: %s is not IPv4", prefix)
	}
	if maxHosts <= 0 {
		return nil, nil
	}

	base := prefix.Addr()
	size := uint32(1) << uint(32-prefix.Bits())
	if size <= 2 {
		return nil, nil
	}
	first := addIPv4(base, 1)
	last := addIPv4(base, size-2)
	inRange := func(a netip.Addr) bool {
		return a.IsValid() && prefix.Contains(a) && a.Compare(first) >= 0 && a.Compare(last) <= 0
	}

	out := make([]netip.Addr, 0, min(int(size-2), maxHosts))
	seen := make(map[netip.Addr]struct{}, cap(out))
	add := func(a netip.Addr) bool {
		if len(out) >= maxHosts {
			return false
		}
		if !inRange(a) {
			return true
		}
		if _, ok := seen[a]; ok {
			return true
		}
		seen[a] = struct{}{}
		out = append(out, a)
		return len(out) < maxHosts
	}

	if self.IsValid() && self.Is4() && !add(self) {
		return out, nil
	}
	if !add(first) {
		return out, nil
	}
	if self.IsValid() && self.Is4() && prefix.Bits() < 24 {
		block := netip.PrefixFrom(self, 24).Masked().Addr()
		for i := uint32(1); i < 255; i++ {
			if !add(addIPv4(block, i)) {
				return out, nil
			}
		}
	}
	for i := uint32(1); i < size-1; i++ {
		if !add(addIPv4(base, i)) {
			break
		}
	}
	return out, nil
}

func (c *Cascade) probeSweep(ctx context.Context) (model.DiscoveryResult, error) {
	var self netip.Addr
	if c.opts.SweepCIDR == "" {
		addr, err := c.lanAddr(ctx)
		if err != nil {
			return model.DiscoveryResult{}, err
		}
		self = addr
	} else if addr, err := c.lanAddr(ctx); err == nil {
		self = addr
	}

	candidates, err := SweepCandidates(self, c.opts.SweepPrefix, c.opts.SweepCIDR, c.opts.SweepMaxHosts)
	if err != nil {
		return model.DiscoveryResult{}, err
	}
	if len(candidates) == 0 {
		return model.DiscoveryResult{}, fmt.Errorf("sweep: no candidate hosts")
	}

	hit, err := c.sweep(ctx, candidates)
	if err != nil {
		return model.DiscoveryResult{}, err
	}
	ip := hit.String()
	return result(addrutil.BaseURL(ip, c.opts.Port), ip, c.opts.Port, 0), nil
}

// sweep probes candidates on a bounded pool. The first success cancels the
// rest; among hits that landed within settleGrace the lowest address wins.
// Cancelled workers are not waited for beyond that grace.
func (c *Cascade) sweep(ctx context.Context, candidates []netip.Addr) (netip.Addr, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := max(1, min(c.opts.SweepWorkers, len(candidates)))
	hostTimeout := c.hostTimeout()

	jobs := make(chan netip.Addr)
	hits := make(chan netip.Addr, len(candidates))
	exhausted := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ip := range jobs {
				hostCtx, hostCancel := context.WithTimeout(ctx, hostTimeout)
				err := c.health.Check(hostCtx, addrutil.BaseURL(ip.String(), c.opts.Port))
				hostCancel()
				if err == nil {
					hits <- ip
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, ip := range candidates {
			select {
			case jobs <- ip:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(exhausted)
	}()

	select {
	case first := <-hits:
		cancel()
		best := first
		grace := time.NewTimer(settleGrace)
		defer grace.Stop()
	settle:
		for {
			select {
			case ip := <-hits:
				if ip.Less(best) {
					best = ip
				}
			case <-exhausted:
				break settle
			case <-grace.C:
				break settle
			}
		}
		for {
			select {
			case ip := <-hits:
				if ip.Less(best) {
					best = ip
				}
			default:
				return best, nil
			}
		}
	case <-exhausted:
		var best netip.Addr
		for {
			select {
			case ip := <-hits:
				if !best.IsValid() || ip.Less(best) {
					best = ip
				}
				continue
			default:
			}
			break
		}
		if best.IsValid() {
			return best, nil
		}
		return netip.Addr{}, fmt.Errorf("sweep: no response from %d hosts", len(candidates))
	case <-ctx.Done():
		return netip.Addr{}, fmt.Errorf("sweep: %d hosts: %w", len(candidates), ctx.Err())
	}
}

// hostTimeout is 35% of the stage budget, clamped to [80ms, 250ms].
func (c *Cascade) hostTimeout() time.Duration {
	d := time.Duration(float64(c.timeout(StageSweep)) * 0.35)
	return max(minHostTimeout, min(maxHostTimeout, d))
}

func addIPv4(base netip.Addr, offset uint32) netip.Addr {
	v := base.As4()
	val := uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	val += offset
	return netip.AddrFrom4([4]byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)})
}
