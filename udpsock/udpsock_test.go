package udpsock

import (
	"net/netip"
	"testing"
	"time"

	"github.com/gonet-labs/ustack/device"
	"github.com/gonet-labs/ustack/route"
	"github.com/gonet-labs/ustack/stack"
)

type capture struct {
	forward func([]byte) error
}

func (d *capture) Open() error  { return nil }
func (d *capture) Close() error { return nil }
func (d *capture) Transmit(frame []byte) error {
	if d.forward != nil {
		return d.forward(frame)
	}
	return nil
}

func buildPair(t *testing.T) (sA, sB *stack.Stack, devA, devB *device.Device) {
	t.Helper()
	sA = stack.New(nil)
	sB = stack.New(nil)

	driverA := &capture{}
	driverB := &capture{}

	ifcA := device.Interface{Family: device.FamilyIPv4, Addr: netip.MustParseAddr("192.0.2.1"), PrefixLen: 24}
	ifcB := device.Interface{Family: device.FamilyIPv4, Addr: netip.MustParseAddr("192.0.2.2"), PrefixLen: 24}

	var err error
	devA, err = sA.AddDevice(device.Config{
		MTU: 1500, Flags: device.FlagBroadcast | device.FlagNeedARP,
		HWAddr: [6]byte{0, 0, 0, 0, 0, 1}, Driver: driverA,
	}, ifcA)
	if err != nil {
		t.Fatal(err)
	}
	devB, err = sB.AddDevice(device.Config{
		MTU: 1500, Flags: device.FlagBroadcast | device.FlagNeedARP,
		HWAddr: [6]byte{0, 0, 0, 0, 0, 2}, Driver: driverB,
	}, ifcB)
	if err != nil {
		t.Fatal(err)
	}
	driverA.forward = func(frame []byte) error { return sB.InputFrame(devB, frame) }
	driverB.forward = func(frame []byte) error { return sA.InputFrame(devA, frame) }

	if err := sA.AddRoute(route.Route{Network: netip.MustParsePrefix("192.0.2.0/24"), Device: devA}); err != nil {
		t.Fatal(err)
	}
	if err := sB.AddRoute(route.Route{Network: netip.MustParsePrefix("192.0.2.0/24"), Device: devB}); err != nil {
		t.Fatal(err)
	}
	if err := sA.Run(); err != nil {
		t.Fatal(err)
	}
	if err := sB.Run(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		sA.Shutdown()
		sB.Shutdown()
	})
	return sA, sB, devA, devB
}

func TestSendRecvRoundTrip(t *testing.T) {
	sA, sB, _, _ := buildPair(t)

	tabA, err := NewTable(sA)
	if err != nil {
		t.Fatal(err)
	}
	tabB, err := NewTable(sB)
	if err != nil {
		t.Fatal(err)
	}

	idB, err := tabB.Open()
	if err != nil {
		t.Fatal(err)
	}
	if err := tabB.Bind(idB, Endpoint{Addr: netip.MustParseAddr("192.0.2.2"), Port: 7777}); err != nil {
		t.Fatal(err)
	}

	idA, err := tabA.Open()
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		n    int
		from Endpoint
		err  error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 64)
		n, from, err := tabB.RecvFrom(idB, buf)
		done <- result{n, from, err}
		_ = buf
	}()

	time.Sleep(20 * time.Millisecond) // let the recvfrom goroutine reach Sleep
	dst := Endpoint{Addr: netip.MustParseAddr("192.0.2.2"), Port: 7777}
	// The first send finds no ARP entry for dst and returns
	// stack.ErrIncomplete; retry until the reply has been cached.
	sendDeadline := time.Now().Add(3 * time.Second)
	var sendErr error
	for time.Now().Before(sendDeadline) {
		if _, sendErr = tabA.SendTo(idA, []byte("hello"), dst); sendErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sendErr != nil {
		t.Fatalf("SendTo: %v", sendErr)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("RecvFrom: %v", r.err)
		}
		if r.from.Addr != netip.MustParseAddr("192.0.2.1") {
			t.Fatalf("unexpected sender address: %v", r.from)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestBindRejectsDuplicateAddress(t *testing.T) {
	sA, _, _, _ := buildPair(t)
	tab, err := NewTable(sA)
	if err != nil {
		t.Fatal(err)
	}
	ep := Endpoint{Addr: netip.MustParseAddr("192.0.2.1"), Port: 53}
	id1, _ := tab.Open()
	if err := tab.Bind(id1, ep); err != nil {
		t.Fatal(err)
	}
	id2, _ := tab.Open()
	if err := tab.Bind(id2, ep); err != ErrAddrInUse {
		t.Fatalf("expected ErrAddrInUse, got %v", err)
	}
}

func TestCloseInterruptsBlockedRecv(t *testing.T) {
	sA, _, _, _ := buildPair(t)
	tab, err := NewTable(sA)
	if err != nil {
		t.Fatal(err)
	}
	id, err := tab.Open()
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := tab.RecvFrom(id, make([]byte, 16))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := tab.Close(id); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RecvFrom to unblock")
	}
}
