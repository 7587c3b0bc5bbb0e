// Package tcpsock implements the TCP endpoint table: a fixed-capacity
// array of passive-open PCBs, each wrapping a tcp.ControlBlock, offering
// the blocking open_rfc793/send/receive/close API over a Stack's IP
// layer.
package tcpsock

import (
	"net/netip"
	"sync"

	"github.com/gonet-labs/ustack"
	"github.com/gonet-labs/ustack/device"
	"github.com/gonet-labs/ustack/ipv4"
	"github.com/gonet-labs/ustack/sched"
	"github.com/gonet-labs/ustack/stack"
	"github.com/gonet-labs/ustack/tcp"
)

// Capacity is the fixed number of TCP endpoints the table holds.
const Capacity = 16

// recvBufSize is the fixed size of each endpoint's receive buffer and
// therefore also the initial advertised receive window.
const recvBufSize = 65535

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Endpoint is an (address, port) pair.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) isWildcard() bool {
	return !e.Addr.IsValid() || e.Addr.IsUnspecified()
}

type pcb struct {
	inUse   bool
	cb      tcp.ControlBlock
	local   Endpoint
	foreign Endpoint
	dev     *device.Device
	recvBuf []byte
	sched   *sched.Context
}

// Table is the process-wide TCP endpoint table. All fields are guarded
// by a single mutex shared with every pcb's scheduler context.
type Table struct {
	mu    sync.Mutex
	pcbs  [Capacity]pcb
	stack *stack.Stack
}

// NewTable builds an idle endpoint table, subscribes it to s's
// termination event, and registers it as s's TCP ingress handler.
func NewTable(s *stack.Stack) (*Table, error) {
	t := &Table{stack: s}
	for i := range t.pcbs {
		t.pcbs[i].sched = sched.NewContext(&t.mu)
	}
	s.Events.Subscribe(t.interruptAll)
	if err := s.RegisterL3Protocol(ustack.IPProtoTCP, t.demux); err != nil {
		return nil, err
	}
	return t, nil
}

// OpenRFC793 allocates a PCB, binds local and the optional foreign
// endpoint, transitions it to LISTEN and blocks until the connection
// reaches ESTABLISHED, is abandoned, or the stack is interrupted.
func (t *Table) OpenRFC793(local Endpoint, foreign *Endpoint) (int, error) {
	t.mu.Lock()
	id := -1
	for i := range t.pcbs {
		if !t.pcbs[i].inUse {
			id = i
			break
		}
	}
	if id < 0 {
		t.mu.Unlock()
		return -1, ErrTableFull
	}
	p := &t.pcbs[id]
	sc := p.sched
	*p = pcb{inUse: true, local: local, sched: sc, recvBuf: make([]byte, recvBufSize)}
	if foreign != nil {
		p.foreign = *foreign
	}
	p.cb.Listen(recvBufSize)

	for {
		switch p.cb.State() {
		case tcp.StateEstablished:
			t.mu.Unlock()
			return id, nil
		case tcp.StateListen, tcp.StateSynRcvd:
			if err := p.sched.Sleep(); err != nil {
				t.releaseLocked(id)
				t.mu.Unlock()
				return -1, err
			}
		default:
			t.releaseLocked(id)
			t.mu.Unlock()
			return -1, ErrConnectionFailed
		}
	}
}

// Send transmits data over id's connection, blocking whenever the
// peer's advertised window is exhausted. It returns the number of
// bytes actually sent; on interrupt after partial progress it returns
// that count with a nil error, per the partial-progress contract.
func (t *Table) Send(id int, data []byte) (int, error) {
	sent := 0
	for sent < len(data) {
		t.mu.Lock()
		p, err := t.get(id)
		if err != nil {
			t.mu.Unlock()
			if sent > 0 {
				return sent, nil
			}
			return 0, err
		}
		if !sendable(p.cb.State()) {
			t.mu.Unlock()
			if sent > 0 {
				return sent, nil
			}
			return 0, ErrNotEstablished
		}
		avail := p.cb.Available()
		if avail == 0 {
			if err := p.sched.Sleep(); err != nil {
				t.mu.Unlock()
				if sent > 0 {
					return sent, nil
				}
				return 0, err
			}
			t.mu.Unlock()
			continue
		}
		mss := tcp.MSS(p.dev.MTU())
		if mss <= 0 {
			t.mu.Unlock()
			return sent, ErrMTUTooSmall
		}
		chunk := min(mss, len(data)-sent, int(avail))
		seg := p.cb.PrepareSend(tcp.Size(chunk))
		local, foreign, dev := p.local, p.foreign, p.dev
		payload := append([]byte(nil), data[sent:sent+chunk]...)
		t.mu.Unlock()

		if err := t.transmit(local, foreign, dev, seg, payload); err != nil {
			if sent > 0 {
				return sent, nil
			}
			return 0, err
		}
		sent += chunk
	}
	return sent, nil
}

// Receive copies buffered payload into out, blocking until at least
// one byte is available, the connection drops, or the stack is
// interrupted. Once the peer's FIN has been received and the receive
// buffer has fully drained, it returns ErrPeerClosed instead of
// blocking forever for data that will never arrive.
func (t *Table) Receive(id int, out []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		p, err := t.get(id)
		if err != nil {
			return 0, err
		}
		state := p.cb.State()
		if !sendable(state) {
			return 0, ErrNotEstablished
		}
		_, wnd := p.cb.RecvVars()
		buffered := recvBufSize - int(wnd)
		if buffered > 0 {
			n := min(len(out), buffered)
			copy(out, p.recvBuf[:n])
			copy(p.recvBuf, p.recvBuf[n:buffered])
			p.cb.RaiseWindow(tcp.Size(n))
			return n, nil
		}
		if state == tcp.StateCloseWait {
			return 0, ErrPeerClosed
		}
		if err := p.sched.Sleep(); err != nil {
			return 0, err
		}
	}
}

// sendable reports whether id's connection may still be used for
// Send/Receive: ESTABLISHED, or CLOSE_WAIT (the peer's FIN only
// closes its send side; ours is still open, per RFC 9293 half-close).
func sendable(state tcp.State) bool {
	return state == tcp.StateEstablished || state == tcp.StateCloseWait
}

// Close sends a RST for id's connection, if one is owed, and releases
// the PCB. Interim semantics: there is no graceful FIN-based close.
func (t *Table) Close(id int) error {
	t.mu.Lock()
	p, err := t.get(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	rst, shouldSend := p.cb.Close()
	local, foreign, dev := p.local, p.foreign, p.dev
	t.releaseLocked(id)
	t.mu.Unlock()
	if !shouldSend {
		return nil
	}
	return t.transmit(local, foreign, dev, rst, nil)
}

func (t *Table) get(id int) (*pcb, error) {
	if id < 0 || id >= Capacity {
		return nil, ErrBadID
	}
	p := &t.pcbs[id]
	if !p.inUse {
		return nil, ErrBadID
	}
	return p, nil
}

// releaseLocked interrupts any sleeper on id's context so it does not
// block forever on a recycled slot, resets the context for reuse and
// clears the slot. The flag is cleared again before a woken sleeper
// runs, so its Sleep returns nil and it finds the slot released when
// it re-checks it. Must be called with t.mu held.
func (t *Table) releaseLocked(id int) {
	sc := t.pcbs[id].sched
	sc.Interrupt()
	sc.Reset()
	t.pcbs[id] = pcb{sched: sc}
}

// interruptAll is subscribed to the Stack's termination event.
func (t *Table) interruptAll(arg any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		if t.pcbs[i].inUse {
			t.pcbs[i].sched.Interrupt()
		}
	}
}

// selectLocked finds the PCB matching local/foreign per the endpoint
// selection rule: exact local-or-wildcard match on port and address,
// plus an exact foreign match for non-LISTEN endpoints; a LISTEN
// endpoint with a wildcard foreign is kept as a fallback. Must be
// called with t.mu held.
func (t *Table) selectLocked(local, foreign Endpoint) *pcb {
	var listenFallback *pcb
	for i := range t.pcbs {
		p := &t.pcbs[i]
		if !p.inUse || p.local.Port != local.Port {
			continue
		}
		if !p.local.isWildcard() && p.local.Addr != local.Addr {
			continue
		}
		if p.cb.State() == tcp.StateListen {
			if p.foreign.isWildcard() {
				listenFallback = p
			}
			continue
		}
		if p.foreign == foreign {
			return p
		}
	}
	return listenFallback
}

// demux is the IP-layer ingress handler registered against
// ustack.IPProtoTCP.
func (t *Table) demux(ifrm ipv4.Frame, dev *device.Device) error {
	tfrm, err := tcp.NewFrame(ifrm.Payload())
	if err != nil {
		return err
	}
	var vld ustack.Validator
	tfrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.ErrPop()
	}
	if tfrm.CRC() != ustack.NeverZeroChecksum(tfrm.CalculateChecksum(ifrm)) {
		return ustack.ErrBadCRC
	}

	ifc, ok := dev.InterfaceByFamily(device.FamilyIPv4)
	if !ok {
		return nil
	}
	srcAddr := netip.AddrFrom4(*ifrm.SourceAddr())
	dstAddr := netip.AddrFrom4(*ifrm.DestinationAddr())
	if isBroadcastAddr(srcAddr, ifc) || isBroadcastAddr(dstAddr, ifc) {
		return errBroadcastSegment
	}

	payload := append([]byte(nil), tfrm.Payload()...)
	seg := tfrm.Segment(len(payload))
	local := Endpoint{Addr: dstAddr, Port: tfrm.DestinationPort()}
	foreign := Endpoint{Addr: srcAddr, Port: tfrm.SourcePort()}

	t.mu.Lock()
	p := t.selectLocked(local, foreign)
	if p == nil {
		var cb tcp.ControlBlock
		resp, respond, _, _ := cb.Recv(seg, len(payload))
		t.mu.Unlock()
		if !respond {
			return nil
		}
		return t.transmit(local, foreign, dev, resp, nil)
	}

	p.dev = dev
	prevState := p.cb.State()
	_, wndBefore := p.cb.RecvVars()
	resp, respond, deliver, recvErr := p.cb.Recv(seg, len(payload))
	if prevState == tcp.StateListen && p.cb.State() == tcp.StateSynRcvd {
		p.foreign = foreign
		if p.local.isWildcard() {
			p.local.Addr = local.Addr
		}
	}
	if deliver {
		bufferedBefore := recvBufSize - int(wndBefore)
		copy(p.recvBuf[bufferedBefore:], payload)
	}
	if deliver || p.cb.State() != prevState {
		p.sched.Wake()
	}
	sendLocal, sendForeign, sendDev := p.local, p.foreign, p.dev
	t.mu.Unlock()

	if !respond {
		return recvErr
	}
	if err := t.transmit(sendLocal, sendForeign, sendDev, resp, nil); err != nil {
		return err
	}
	return recvErr
}

// transmit builds and sends a single TCP segment with no options and
// no payload beyond what is supplied.
func (t *Table) transmit(local, foreign Endpoint, dev *device.Device, seg tcp.Segment, payload []byte) error {
	buf := make([]byte, 20+len(payload))
	tfrm, err := tcp.NewFrame(buf)
	if err != nil {
		return err
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(local.Port)
	tfrm.SetDestinationPort(foreign.Port)
	tfrm.SetSegment(seg, 5)
	copy(buf[20:], payload)
	ph := tcpPseudoHeader{src: local.Addr.As4(), dst: foreign.Addr.As4(), tcpLen: uint16(len(buf))}
	tfrm.SetCRC(0)
	tfrm.SetCRC(ustack.NeverZeroChecksum(tfrm.CalculateChecksum(ph)))
	return t.stack.SendIPv4(local.Addr, foreign.Addr, ustack.IPProtoTCP, buf)
}

func isBroadcastAddr(addr netip.Addr, ifc device.Interface) bool {
	return addr == limitedBroadcast || addr == ifc.Broadcast()
}

// tcpPseudoHeader adapts a bare (src, dst, length) triple to the
// unexported interface tcp.Frame.CalculateChecksum expects, for use
// before an ipv4.Frame exists.
type tcpPseudoHeader struct {
	src, dst [4]byte
	tcpLen   uint16
}

func (p tcpPseudoHeader) CRCWriteTCPPseudo(crc *ustack.CRC791) {
	crc.Write(p.src[:])
	crc.Write(p.dst[:])
	crc.AddUint16(p.tcpLen)
	crc.AddUint16(uint16(ustack.IPProtoTCP))
}
