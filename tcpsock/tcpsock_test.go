package tcpsock

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/gonet-labs/ustack"
	"github.com/gonet-labs/ustack/device"
	"github.com/gonet-labs/ustack/ethernet"
	"github.com/gonet-labs/ustack/ipv4"
	"github.com/gonet-labs/ustack/route"
	"github.com/gonet-labs/ustack/stack"
	"github.com/gonet-labs/ustack/tcp"
)

type captureDriver struct {
	mu     sync.Mutex
	notify chan []byte
}

func newCaptureDriver() *captureDriver { return &captureDriver{notify: make(chan []byte, 32)} }

func (d *captureDriver) Open() error  { return nil }
func (d *captureDriver) Close() error { return nil }
func (d *captureDriver) Transmit(frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case d.notify <- cp:
	default:
	}
	return nil
}

const (
	serverIP = "192.0.2.1"
	clientIP = "192.0.2.9"
)

var serverHW = [6]byte{0, 0, 0, 0, 0, 1}
var clientHW = [6]byte{0, 0, 0, 0, 0, 9}

func buildServer(t *testing.T) (*stack.Stack, *device.Device, *captureDriver) {
	t.Helper()
	s := stack.New(nil)
	drv := newCaptureDriver()
	ifc := device.Interface{Family: device.FamilyIPv4, Addr: netip.MustParseAddr(serverIP), PrefixLen: 24}
	dev, err := s.AddDevice(device.Config{MTU: 1500, HWAddr: serverHW, Driver: drv}, ifc)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddRoute(route.Route{Network: netip.MustParsePrefix("192.0.2.0/24"), Device: dev}); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Shutdown)
	return s, dev, drv
}

// clientSegment builds a raw Ethernet/IPv4/TCP frame as if sent from
// clientIP:clientPort to serverIP:serverPort.
func clientSegment(t *testing.T, clientPort, serverPort uint16, seg tcp.Segment, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 14+20+20+len(payload))
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	*efrm.DestinationHardwareAddr() = serverHW
	*efrm.SourceHardwareAddr() = clientHW
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(20 + 20 + len(payload)))
	ifrm.SetTTL(64)
	ifrm.SetProtocol(ustack.IPProtoTCP)
	*ifrm.SourceAddr() = netip.MustParseAddr(clientIP).As4()
	*ifrm.DestinationAddr() = netip.MustParseAddr(serverIP).As4()
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	tfrm, err := tcp.NewFrame(ifrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(clientPort)
	tfrm.SetDestinationPort(serverPort)
	tfrm.SetSegment(seg, 5)
	copy(ifrm.Payload()[20:], payload)
	ph := tcpPseudoHeader{src: netip.MustParseAddr(clientIP).As4(), dst: netip.MustParseAddr(serverIP).As4(), tcpLen: uint16(20 + len(payload))}
	tfrm.SetCRC(0)
	tfrm.SetCRC(ustack.NeverZeroChecksum(tfrm.CalculateChecksum(ph)))
	return buf
}

// recvSegment waits for the server's next outgoing frame and parses
// its TCP segment and payload.
func recvSegment(t *testing.T, drv *captureDriver) (tcp.Segment, []byte) {
	t.Helper()
	select {
	case frame := <-drv.notify:
		efrm, err := ethernet.NewFrame(frame)
		if err != nil {
			t.Fatal(err)
		}
		ifrm, err := ipv4.NewFrame(efrm.Payload())
		if err != nil {
			t.Fatal(err)
		}
		tfrm, err := tcp.NewFrame(ifrm.Payload())
		if err != nil {
			t.Fatal(err)
		}
		payload := append([]byte(nil), tfrm.Payload()...)
		return tfrm.Segment(len(payload)), payload
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outgoing segment")
		return tcp.Segment{}, nil
	}
}

func TestOpenSendReceiveClose(t *testing.T) {
	s, dev, drv := buildServer(t)
	_ = dev
	tab, err := NewTable(s)
	if err != nil {
		t.Fatal(err)
	}

	const serverPort, clientPort = 7, 5000

	type openResult struct {
		id  int
		err error
	}
	done := make(chan openResult, 1)
	go func() {
		id, err := tab.OpenRFC793(Endpoint{Addr: netip.MustParseAddr(serverIP), Port: serverPort}, nil)
		done <- openResult{id, err}
	}()
	time.Sleep(20 * time.Millisecond) // let OpenRFC793 reach LISTEN and sleep

	syn := tcp.Segment{SEQ: 1000, Flags: tcp.FlagSYN, WND: 4096}
	if err := s.InputFrame(dev, clientSegment(t, clientPort, serverPort, syn, nil)); err != nil {
		t.Fatalf("feeding SYN: %v", err)
	}

	synAck, _ := recvSegment(t, drv)
	if !synAck.Flags.HasAny(tcp.FlagSYN) || !synAck.Flags.HasAny(tcp.FlagACK) {
		t.Fatalf("expected SYN+ACK, got flags %v", synAck.Flags)
	}
	if synAck.ACK != 1001 {
		t.Fatalf("expected ack 1001, got %d", synAck.ACK)
	}

	ack := tcp.Segment{SEQ: 1001, ACK: tcp.Add(synAck.SEQ, 1), Flags: tcp.FlagACK, WND: 4096}
	if err := s.InputFrame(dev, clientSegment(t, clientPort, serverPort, ack, nil)); err != nil {
		t.Fatalf("feeding ACK: %v", err)
	}

	var id int
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("OpenRFC793: %v", r.err)
		}
		id = r.id
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for OpenRFC793 to establish")
	}

	dataSeg := tcp.Segment{SEQ: 1001, ACK: tcp.Add(synAck.SEQ, 1), Flags: tcp.FlagACK | tcp.FlagPSH, WND: 4096}
	if err := s.InputFrame(dev, clientSegment(t, clientPort, serverPort, dataSeg, []byte("ping"))); err != nil {
		t.Fatalf("feeding data: %v", err)
	}
	ackOfData, _ := recvSegment(t, drv)
	if !ackOfData.Flags.HasAny(tcp.FlagACK) {
		t.Fatalf("expected ACK of data, got flags %v", ackOfData.Flags)
	}

	buf := make([]byte, 64)
	n, err := tab.Receive(id, buf)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("unexpected payload: %q", buf[:n])
	}

	sent, err := tab.Send(id, []byte("pong"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent != 4 {
		t.Fatalf("expected 4 bytes sent, got %d", sent)
	}
	outSeg, outPayload := recvSegment(t, drv)
	if string(outPayload) != "pong" || !outSeg.Flags.HasAny(tcp.FlagPSH) {
		t.Fatalf("unexpected outgoing segment: %v %q", outSeg.Flags, outPayload)
	}

	if err := tab.Close(id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rstSeg, _ := recvSegment(t, drv)
	if !rstSeg.Flags.HasAny(tcp.FlagRST) {
		t.Fatalf("expected RST on close, got flags %v", rstSeg.Flags)
	}
	if _, err := tab.Receive(id, buf); err != ErrBadID {
		t.Fatalf("expected ErrBadID after close, got %v", err)
	}
}

func TestFINTransitionsToCloseWaitAndHalfClose(t *testing.T) {
	s, dev, drv := buildServer(t)
	tab, err := NewTable(s)
	if err != nil {
		t.Fatal(err)
	}

	const serverPort, clientPort = 7, 5001

	type openResult struct {
		id  int
		err error
	}
	done := make(chan openResult, 1)
	go func() {
		id, err := tab.OpenRFC793(Endpoint{Addr: netip.MustParseAddr(serverIP), Port: serverPort}, nil)
		done <- openResult{id, err}
	}()
	time.Sleep(20 * time.Millisecond) // let OpenRFC793 reach LISTEN and sleep

	clientISS := tcp.Value(2000)
	syn := tcp.Segment{SEQ: clientISS, Flags: tcp.FlagSYN, WND: 4096}
	if err := s.InputFrame(dev, clientSegment(t, clientPort, serverPort, syn, nil)); err != nil {
		t.Fatalf("feeding SYN: %v", err)
	}
	synAck, _ := recvSegment(t, drv)
	if !synAck.Flags.HasAny(tcp.FlagSYN) || !synAck.Flags.HasAny(tcp.FlagACK) {
		t.Fatalf("expected SYN+ACK, got flags %v", synAck.Flags)
	}

	clientNext := tcp.Add(clientISS, 1)
	ack := tcp.Segment{SEQ: clientNext, ACK: tcp.Add(synAck.SEQ, 1), Flags: tcp.FlagACK, WND: 4096}
	if err := s.InputFrame(dev, clientSegment(t, clientPort, serverPort, ack, nil)); err != nil {
		t.Fatalf("feeding ACK: %v", err)
	}

	var id int
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("OpenRFC793: %v", r.err)
		}
		id = r.id
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for OpenRFC793 to establish")
	}

	dataSeg := tcp.Segment{SEQ: clientNext, ACK: tcp.Add(synAck.SEQ, 1), Flags: tcp.FlagACK | tcp.FlagPSH, WND: 4096}
	if err := s.InputFrame(dev, clientSegment(t, clientPort, serverPort, dataSeg, []byte("hi"))); err != nil {
		t.Fatalf("feeding data: %v", err)
	}
	ackOfData, _ := recvSegment(t, drv)
	if !ackOfData.Flags.HasAny(tcp.FlagACK) {
		t.Fatalf("expected ACK of data, got flags %v", ackOfData.Flags)
	}
	clientNext = tcp.Add(clientNext, 2)

	finSeg := tcp.Segment{SEQ: clientNext, ACK: ackOfData.SEQ, Flags: tcp.FlagACK | tcp.FlagFIN, WND: 4096}
	if err := s.InputFrame(dev, clientSegment(t, clientPort, serverPort, finSeg, nil)); err != nil {
		t.Fatalf("feeding FIN: %v", err)
	}
	ackOfFin, _ := recvSegment(t, drv)
	if !ackOfFin.Flags.HasAny(tcp.FlagACK) || ackOfFin.Flags.HasAny(tcp.FlagFIN) {
		t.Fatalf("expected a plain ACK of the FIN, got flags %v", ackOfFin.Flags)
	}
	if want := tcp.Add(clientNext, 1); ackOfFin.ACK != want {
		t.Fatalf("expected ack %d for FIN, got %d", want, ackOfFin.ACK)
	}

	// The buffered "hi" from before the FIN must still be readable in
	// CLOSE_WAIT; only once it drains does Receive report the peer closed.
	buf := make([]byte, 64)
	n, err := tab.Receive(id, buf)
	if err != nil {
		t.Fatalf("Receive after FIN, before drain: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("unexpected payload: %q", buf[:n])
	}
	if _, err := tab.Receive(id, buf); err != ErrPeerClosed {
		t.Fatalf("expected ErrPeerClosed once drained in CLOSE_WAIT, got %v", err)
	}

	// CLOSE_WAIT is a half-close: the local send side is still open.
	sent, err := tab.Send(id, []byte("bye"))
	if err != nil {
		t.Fatalf("Send in CLOSE_WAIT: %v", err)
	}
	if sent != 3 {
		t.Fatalf("expected 3 bytes sent, got %d", sent)
	}
	outSeg, outPayload := recvSegment(t, drv)
	if string(outPayload) != "bye" || !outSeg.Flags.HasAny(tcp.FlagPSH) {
		t.Fatalf("unexpected half-close outgoing segment: %v %q", outSeg.Flags, outPayload)
	}
}

func TestOpenRFC793InterruptedByShutdown(t *testing.T) {
	s, _, _ := buildServer(t)
	tab, err := NewTable(s)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := tab.OpenRFC793(Endpoint{Addr: netip.MustParseAddr(serverIP), Port: 9}, nil)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Shutdown()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error from OpenRFC793 after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OpenRFC793 to unblock")
	}
}
