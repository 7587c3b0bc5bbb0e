package loopback

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/gonet-labs/ustack/device"
	"github.com/gonet-labs/ustack/route"
	"github.com/gonet-labs/ustack/stack"
	"github.com/gonet-labs/ustack/udpsock"
)

var errUnexpectedDatagram = errors.New("unexpected payload or sender address")

func TestLoopbackUDPRoundTrip(t *testing.T) {
	s := stack.New(nil)
	drv := New()

	ifc := device.Interface{Family: device.FamilyIPv4, Addr: netip.MustParseAddr("127.0.0.1"), PrefixLen: 8}
	dev, err := s.AddDevice(device.Config{MTU: 65535, Flags: device.FlagLoopback, Driver: drv}, ifc)
	if err != nil {
		t.Fatal(err)
	}
	drv.Bind(func(frame []byte) error { return s.InputFrame(dev, frame) })

	if err := s.AddRoute(route.Route{Network: netip.MustParsePrefix("127.0.0.0/8"), Device: dev}); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown()

	tab, err := udpsock.NewTable(s)
	if err != nil {
		t.Fatal(err)
	}
	idSrv, err := tab.Open()
	if err != nil {
		t.Fatal(err)
	}
	srv := udpsock.Endpoint{Addr: netip.MustParseAddr("127.0.0.1"), Port: 9999}
	if err := tab.Bind(idSrv, srv); err != nil {
		t.Fatal(err)
	}
	idCli, err := tab.Open()
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 32)
		n, from, err := tab.RecvFrom(idSrv, buf)
		if err == nil && (string(buf[:n]) != "loop" || from.Addr != netip.MustParseAddr("127.0.0.1")) {
			err = errUnexpectedDatagram
		}
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if _, err := tab.SendTo(idCli, []byte("loop"), srv); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for loopback datagram")
	}
}
