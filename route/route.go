// Package route implements the routing table: longest-prefix-match
// lookup over a small, append-only, mutex-guarded list of routes.
package route

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/gonet-labs/ustack/device"
)

// Route is one routing table entry. Network covers the destinations
// this route applies to; Prefix{addr, 0} (e.g. 0.0.0.0/0) is the
// default route. Nexthop is the invalid (zero) address when the
// destination itself is the nexthop (directly connected).
type Route struct {
	Network netip.Prefix
	Nexthop netip.Addr
	Device  *device.Device
}

// IsDefault reports whether r is the default route (zero network,
// zero netmask).
func (r Route) IsDefault() bool {
	return r.Network.Bits() == 0
}

// ResolveNexthop resolves the address a caller must ARP-resolve (or send
// directly to) in order to reach dst via r: r.Nexthop if set,
// otherwise dst itself.
func (r Route) ResolveNexthop(dst netip.Addr) netip.Addr {
	if r.Nexthop.IsValid() && !r.Nexthop.IsUnspecified() {
		return r.Nexthop
	}
	return dst
}

var ErrNoRoute = errors.New("route: no matching route")

// Table is the process routing table. Routes are added only during
// startup; Lookup is safe for concurrent use.
type Table struct {
	mu     sync.Mutex
	routes []Route
}

// Add appends r to the table. Table operations are meant to run
// only during startup, per the append-only lifecycle of the routing
// table; Add itself is still safe for concurrent callers.
func (t *Table) Add(r Route) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, r)
	return nil
}

// SetDefaultGateway is a convenience wrapper for adding the 0.0.0.0/0
// route through nexthop via dev.
func (t *Table) SetDefaultGateway(nexthop netip.Addr, dev *device.Device) error {
	return t.Add(Route{
		Network: netip.PrefixFrom(netip.IPv4Unspecified(), 0),
		Nexthop: nexthop,
		Device:  dev,
	})
}

// Lookup returns the route with the longest matching netmask for
// dst. Ties (equal prefix length) break by insertion order, most
// recently added wins (LIFO). Lookup is idempotent: repeated calls
// with the same dst and an unchanged table return the same result.
func (t *Table) Lookup(dst netip.Addr) (Route, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best Route
	bestBits := -1
	for _, r := range t.routes {
		if !r.Network.Contains(dst) {
			continue
		}
		bits := r.Network.Bits()
		if bits >= bestBits {
			best = r
			bestBits = bits
		}
	}
	if bestBits < 0 {
		return Route{}, ErrNoRoute
	}
	return best, nil
}

// Routes returns a snapshot of the routing table in insertion order.
func (t *Table) Routes() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}
