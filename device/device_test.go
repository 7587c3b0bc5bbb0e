package device

import (
	"errors"
	"net/netip"
	"testing"
)

type fakeDriver struct {
	opened, closed bool
	sent           [][]byte
	openErr        error
}

func (f *fakeDriver) Open() error  { f.opened = true; return f.openErr }
func (f *fakeDriver) Close() error { f.closed = true; return nil }
func (f *fakeDriver) Transmit(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, cp)
	return nil
}

func TestRegisterAssignsMonotonicNames(t *testing.T) {
	var reg Registry
	d0, err := reg.Register(Config{MTU: 1500, Driver: &fakeDriver{}})
	if err != nil {
		t.Fatal(err)
	}
	d1, err := reg.Register(Config{MTU: 1500, Driver: &fakeDriver{}})
	if err != nil {
		t.Fatal(err)
	}
	if d0.Name() != "net0" || d0.Index() != 0 {
		t.Fatalf("got name=%s index=%d", d0.Name(), d0.Index())
	}
	if d1.Name() != "net1" || d1.Index() != 1 {
		t.Fatalf("got name=%s index=%d", d1.Name(), d1.Index())
	}
	if len(reg.Devices()) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(reg.Devices()))
	}
}

func TestOpenCloseTogglesUp(t *testing.T) {
	drv := &fakeDriver{}
	var reg Registry
	d, _ := reg.Register(Config{MTU: 1500, Driver: drv})
	if d.IsUp() {
		t.Fatal("expected device down before Open")
	}
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	if !drv.opened || !d.IsUp() {
		t.Fatal("expected driver opened and device up")
	}
	if err := d.Open(); !errors.Is(err, ErrAlreadyUp) {
		t.Fatalf("expected ErrAlreadyUp, got %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if !drv.closed || d.IsUp() {
		t.Fatal("expected driver closed and device down")
	}
	if err := d.Close(); !errors.Is(err, ErrAlreadyDown) {
		t.Fatalf("expected ErrAlreadyDown, got %v", err)
	}
}

func TestTransmitRejectsWhenDownOrOversize(t *testing.T) {
	drv := &fakeDriver{}
	var reg Registry
	d, _ := reg.Register(Config{MTU: 10, Driver: drv})
	if err := d.Transmit(make([]byte, 4)); !errors.Is(err, ErrNotUp) {
		t.Fatalf("expected ErrNotUp, got %v", err)
	}
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	if err := d.Transmit(make([]byte, 11)); !errors.Is(err, ErrMTUExceeded) {
		t.Fatalf("expected ErrMTUExceeded, got %v", err)
	}
	if err := d.Transmit(make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	if len(drv.sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(drv.sent))
	}
}

func TestAttachInterfaceRejectsDuplicateFamily(t *testing.T) {
	var reg Registry
	d, _ := reg.Register(Config{MTU: 1500, Driver: &fakeDriver{}})
	ifc := Interface{Family: FamilyIPv4, Addr: netip.MustParseAddr("192.0.2.2"), PrefixLen: 24}
	if err := d.AttachInterface(ifc); err != nil {
		t.Fatal(err)
	}
	if err := d.AttachInterface(ifc); !errors.Is(err, ErrInterfaceExists) {
		t.Fatalf("expected ErrInterfaceExists, got %v", err)
	}
	got, ok := d.InterfaceByFamily(FamilyIPv4)
	if !ok || got.Addr != ifc.Addr {
		t.Fatalf("expected to find attached interface, got %v ok=%v", got, ok)
	}
}

func TestInterfaceBroadcast(t *testing.T) {
	ifc := Interface{Family: FamilyIPv4, Addr: netip.MustParseAddr("192.0.2.2"), PrefixLen: 24}
	want := netip.MustParseAddr("192.0.2.255")
	if got := ifc.Broadcast(); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
