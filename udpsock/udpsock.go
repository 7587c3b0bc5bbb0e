// Package udpsock implements the UDP endpoint table: a fixed-capacity
// array of PCBs offering the blocking open/bind/sendto/recvfrom/close
// API over a Stack's IP layer.
package udpsock

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/gonet-labs/ustack"
	"github.com/gonet-labs/ustack/device"
	"github.com/gonet-labs/ustack/ipv4"
	"github.com/gonet-labs/ustack/sched"
	"github.com/gonet-labs/ustack/stack"
	"github.com/gonet-labs/ustack/udp"
)

// Capacity is the fixed number of UDP endpoints the table holds.
const Capacity = 16

const (
	ephemeralLo = 49152
	ephemeralHi = 65535
)

// State is the lifecycle state of an endpoint.
type State uint8

const (
	StateFree State = iota
	StateOpen
	StateClosing
)

// Endpoint is an (address, port) pair, the UDP equivalent of a socket
// address.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

func (e Endpoint) isWildcardAddr() bool {
	return !e.Addr.IsValid() || e.Addr.IsUnspecified()
}

type datagram struct {
	from Endpoint
	data []byte
}

type pcb struct {
	state     State
	local     Endpoint
	recvQueue []datagram
	sched     *sched.Context
}

// Table is the process-wide UDP endpoint table. All fields are
// guarded by a single mutex, per the one-mutex-per-protocol-array
// resource model; each pcb's scheduler context shares that same
// mutex as its condition variable lock.
type Table struct {
	mu    sync.Mutex
	pcbs  [Capacity]pcb
	stack *stack.Stack
}

// NewTable builds an idle endpoint table, subscribes it to s's
// termination event (so Shutdown interrupts every blocked recvfrom),
// and registers it as s's UDP ingress handler.
func NewTable(s *stack.Stack) (*Table, error) {
	t := &Table{stack: s}
	for i := range t.pcbs {
		t.pcbs[i].sched = sched.NewContext(&t.mu)
	}
	s.Events.Subscribe(t.interruptAll)
	if err := s.RegisterL3Protocol(ustack.IPProtoUDP, t.demux); err != nil {
		return nil, err
	}
	return t, nil
}

// Open allocates the first FREE slot and returns its id.
func (t *Table) Open() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		if t.pcbs[i].state == StateFree {
			t.pcbs[i].state = StateOpen
			t.pcbs[i].local = Endpoint{}
			t.pcbs[i].recvQueue = nil
			return i, nil
		}
	}
	return -1, ErrTableFull
}

// Bind assigns local to the endpoint. It fails if another non-FREE
// endpoint is already bound to the exact same (address, port) pair.
func (t *Table) Bind(id int, local Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.get(id)
	if err != nil {
		return err
	}
	for i := range t.pcbs {
		if i == id || t.pcbs[i].state == StateFree {
			continue
		}
		if t.pcbs[i].local.Port == local.Port && t.pcbs[i].local.Addr == local.Addr {
			return ErrAddrInUse
		}
	}
	p.local = local
	return nil
}

// SendTo builds and transmits a UDP datagram to dst carrying data,
// picking a source address and/or ephemeral port first if the
// endpoint has none bound yet, and returns the number of payload
// bytes sent.
func (t *Table) SendTo(id int, data []byte, dst Endpoint) (int, error) {
	t.mu.Lock()
	p, err := t.get(id)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	local := p.local
	if local.isWildcardAddr() {
		t.mu.Unlock()
		r, err := t.stack.Routes.Lookup(dst.Addr)
		if err != nil {
			return 0, ErrNoRoute
		}
		ifc, ok := r.Device.InterfaceByFamily(device.FamilyIPv4)
		if !ok {
			return 0, ErrNoRoute
		}
		t.mu.Lock()
		p, err = t.get(id)
		if err != nil {
			t.mu.Unlock()
			return 0, err
		}
		local.Addr = ifc.Addr
	}
	if local.Port == 0 {
		port, err := t.reserveEphemeralPortLocked(id, local.Addr)
		if err != nil {
			t.mu.Unlock()
			return 0, err
		}
		local.Port = port
	}
	p.local = local
	t.mu.Unlock()

	buf := make([]byte, 8+len(data))
	ufrm, err := udp.NewFrame(buf)
	if err != nil {
		return 0, err
	}
	ufrm.SetSourcePort(local.Port)
	ufrm.SetDestinationPort(dst.Port)
	ufrm.SetLength(uint16(len(buf)))
	copy(buf[8:], data)
	ph := pseudoHeader{src: local.Addr.As4(), dst: dst.Addr.As4(), proto: ustack.IPProtoUDP}
	ufrm.SetCRC(0)
	ufrm.SetCRC(ustack.NeverZeroChecksum(ufrm.CalculateChecksum(ph)))

	if err := t.stack.SendIPv4(local.Addr, dst.Addr, ustack.IPProtoUDP, buf); err != nil {
		return 0, err
	}
	return len(data), nil
}

// reserveEphemeralPortLocked scans [49152, 65535] for the first port
// not already bound on addr and reserves it for id. Must be called
// with t.mu held.
func (t *Table) reserveEphemeralPortLocked(id int, addr netip.Addr) (uint16, error) {
	for port := ephemeralLo; port <= ephemeralHi; port++ {
		used := false
		for i := range t.pcbs {
			if i == id || t.pcbs[i].state == StateFree {
				continue
			}
			o := t.pcbs[i].local
			if o.Port == uint16(port) && (o.Addr == addr || o.isWildcardAddr()) {
				used = true
				break
			}
		}
		if !used {
			return uint16(port), nil
		}
	}
	return 0, ErrNoFreePort
}

// RecvFrom pops the head of id's receive queue into buf, blocking
// until a datagram arrives, the endpoint is closed, or the stack is
// interrupted. It returns the number of bytes copied and the sender's
// endpoint.
func (t *Table) RecvFrom(id int, buf []byte) (int, Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		p, err := t.get(id)
		if err != nil {
			return 0, Endpoint{}, err
		}
		if len(p.recvQueue) > 0 {
			dgram := p.recvQueue[0]
			p.recvQueue = p.recvQueue[1:]
			n := copy(buf, dgram.data)
			return n, dgram.from, nil
		}
		if p.state == StateClosing {
			t.releaseLocked(id)
			return 0, Endpoint{}, ErrClosed
		}
		if err := p.sched.Sleep(); err != nil {
			t.releaseLocked(id)
			return 0, Endpoint{}, err
		}
	}
}

// Close releases id immediately if nothing is blocked in RecvFrom;
// otherwise it marks the endpoint CLOSING and wakes sleepers, which
// perform the release themselves on their next wakeup.
func (t *Table) Close(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.get(id)
	if err != nil {
		return err
	}
	if p.sched.Waiters() == 0 {
		t.releaseLocked(id)
		return nil
	}
	p.state = StateClosing
	p.sched.Wake()
	return nil
}

func (t *Table) get(id int) (*pcb, error) {
	if id < 0 || id >= Capacity {
		return nil, ErrBadID
	}
	p := &t.pcbs[id]
	if p.state == StateFree {
		return nil, ErrBadID
	}
	return p, nil
}

// releaseLocked clears id's slot and discards its queued datagrams.
// Must be called with t.mu held.
func (t *Table) releaseLocked(id int) {
	sc := t.pcbs[id].sched
	sc.Reset()
	t.pcbs[id] = pcb{sched: sc}
}

// interruptAll is subscribed to the Stack's termination event: it
// interrupts every non-FREE endpoint's scheduler context, causing a
// blocked RecvFrom to return sched.ErrInterrupted.
func (t *Table) interruptAll(arg any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		if t.pcbs[i].state != StateFree {
			t.pcbs[i].sched.Interrupt()
		}
	}
}

// demux is the IP-layer ingress handler registered against
// ustack.IPProtoUDP: it validates the datagram, selects the matching
// endpoint by destination port and address (exact, wildcard local, or
// wildcard destination), and enqueues a receive entry.
func (t *Table) demux(ifrm ipv4.Frame, dev *device.Device) error {
	ufrm, err := udp.NewFrame(ifrm.Payload())
	if err != nil {
		return err
	}
	var vld ustack.Validator
	ufrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.ErrPop()
	}
	if int(ufrm.Length()) != len(ifrm.Payload()) {
		return errBadLength
	}
	if ufrm.CRC() != ustack.NeverZeroChecksum(ufrm.CalculateChecksum(ifrm)) {
		return ustack.ErrBadCRC
	}
	dstAddr := netip.AddrFrom4(*ifrm.DestinationAddr())
	srcAddr := netip.AddrFrom4(*ifrm.SourceAddr())
	dstPort := ufrm.DestinationPort()
	srcPort := ufrm.SourcePort()

	data := append([]byte(nil), ufrm.Payload()...)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		p := &t.pcbs[i]
		if p.state != StateOpen || p.local.Port != dstPort {
			continue
		}
		if p.local.Addr != dstAddr && !p.local.isWildcardAddr() && !(!dstAddr.IsValid() || dstAddr.IsUnspecified()) {
			continue
		}
		p.recvQueue = append(p.recvQueue, datagram{from: Endpoint{Addr: srcAddr, Port: srcPort}, data: data})
		p.sched.Wake()
		return nil
	}
	return nil
}

// pseudoHeader adapts a bare (src, dst, protocol) triple to the
// unexported interface udp.Frame.CalculateChecksum expects, for use
// before an ipv4.Frame exists (the IP header is built by Stack.SendIPv4
// only after the UDP checksum must already be final).
type pseudoHeader struct {
	src, dst [4]byte
	proto    ustack.IPProto
}

func (p pseudoHeader) CRCWriteUDPPseudo(crc *ustack.CRC791) {
	crc.Write(p.src[:])
	crc.Write(p.dst[:])
	crc.AddUint16(uint16(p.proto))
}
