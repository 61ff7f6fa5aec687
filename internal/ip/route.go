package ip

import (
	"net/netip"
	"slices"

	"firestige.xyz/hostnet/internal/core"
)

// Route is one routing table entry. A route without a valid Gateway is
// directly attached: the destination itself is the next hop.
type Route struct {
	Prefix  netip.Prefix
	Gateway netip.Addr
	Metric  int
}

// RouteTable is an ordered set of routes. Lookup is longest-prefix match
// with ties broken by lowest metric. Mutated only through Add/Remove.
type RouteTable struct {
	routes []Route
}

// NewRouteTable returns an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{}
}

// Add inserts a route, keeping the table ordered by prefix length descending
// then metric ascending so Lookup can return the first match.
func (t *RouteTable) Add(r Route) {
	t.routes = append(t.routes, r)
	slices.SortStableFunc(t.routes, func(a, b Route) int {
		if a.Prefix.Bits() != b.Prefix.Bits() {
			return b.Prefix.Bits() - a.Prefix.Bits()
		}
		return a.Metric - b.Metric
	})
}

// Remove deletes all routes with the given prefix and gateway. It reports
// whether anything was removed.
func (t *RouteTable) Remove(prefix netip.Prefix, gateway netip.Addr) bool {
	n := len(t.routes)
	t.routes = slices.DeleteFunc(t.routes, func(r Route) bool {
		return r.Prefix == prefix && r.Gateway == gateway
	})
	return len(t.routes) != n
}

// Lookup returns the route matching dst.
func (t *RouteTable) Lookup(dst netip.Addr) (Route, bool) {
	for _, r := range t.routes {
		if r.Prefix.Contains(dst) {
			return r, true
		}
	}
	return Route{}, false
}

// NextHop resolves dst to the address the frame must be delivered to:
// the destination itself on an attached subnet, otherwise the gateway.
func (t *RouteTable) NextHop(dst netip.Addr) (netip.Addr, error) {
	r, ok := t.Lookup(dst)
	if !ok {
		return netip.Addr{}, core.ErrNoRoute
	}
	if r.Gateway.IsValid() {
		return r.Gateway, nil
	}
	return dst, nil
}

// Len returns the number of installed routes.
func (t *RouteTable) Len() int { return len(t.routes) }
