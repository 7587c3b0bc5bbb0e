package route

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/gonet-labs/ustack/device"
)

func TestLookupPrefersLongestPrefix(t *testing.T) {
	var tbl Table
	devDefault := &device.Device{}
	devSpecific := &device.Device{}
	if err := tbl.Add(Route{Network: netip.MustParsePrefix("0.0.0.0/0"), Device: devDefault}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Add(Route{Network: netip.MustParsePrefix("192.0.2.0/24"), Device: devSpecific}); err != nil {
		t.Fatal(err)
	}
	r, err := tbl.Lookup(netip.MustParseAddr("192.0.2.42"))
	if err != nil {
		t.Fatal(err)
	}
	if r.Device != devSpecific {
		t.Fatal("expected the more specific /24 route to win")
	}
}

func TestLookupTiesBreakLIFO(t *testing.T) {
	var tbl Table
	first := &device.Device{}
	second := &device.Device{}
	if err := tbl.Add(Route{Network: netip.MustParsePrefix("192.0.2.0/24"), Device: first}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Add(Route{Network: netip.MustParsePrefix("192.0.2.0/24"), Device: second}); err != nil {
		t.Fatal(err)
	}
	r, err := tbl.Lookup(netip.MustParseAddr("192.0.2.42"))
	if err != nil {
		t.Fatal(err)
	}
	if r.Device != second {
		t.Fatal("expected the most recently added equal-length route to win")
	}
}

func TestLookupIsIdempotent(t *testing.T) {
	var tbl Table
	dev := &device.Device{}
	if err := tbl.Add(Route{Network: netip.MustParsePrefix("10.0.0.0/8"), Device: dev}); err != nil {
		t.Fatal(err)
	}
	addr := netip.MustParseAddr("10.1.2.3")
	r1, err := tbl.Lookup(addr)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := tbl.Lookup(addr)
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 {
		t.Fatal("expected repeated lookups to return the same route")
	}
}

func TestLookupNoMatchReturnsErrNoRoute(t *testing.T) {
	var tbl Table
	if err := tbl.Add(Route{Network: netip.MustParsePrefix("192.0.2.0/24"), Device: &device.Device{}}); err != nil {
		t.Fatal(err)
	}
	_, err := tbl.Lookup(netip.MustParseAddr("203.0.113.1"))
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestResolveNexthopDefaultsToDestination(t *testing.T) {
	r := Route{Network: netip.MustParsePrefix("192.0.2.0/24")}
	dst := netip.MustParseAddr("192.0.2.42")
	if got := r.ResolveNexthop(dst); got != dst {
		t.Fatalf("expected nexthop to default to destination, got %s", got)
	}
	gw := netip.MustParseAddr("192.0.2.1")
	r.Nexthop = gw
	if got := r.ResolveNexthop(dst); got != gw {
		t.Fatalf("expected configured nexthop %s, got %s", gw, got)
	}
}
