// Package irq implements the interrupt and soft-IRQ dispatch spine:
// a dedicated thread that receives device-raised signals, hands each
// one to input_handler, and drains per-protocol ingress queues
// single-threaded and non-preemptively from that same thread's
// context.
package irq

import (
	"errors"
	"sync"

	"github.com/gonet-labs/ustack/device"
)

// Signal is what a device driver raises when a frame arrives.
// ProtoKey identifies the upper-layer protocol the payload is
// addressed to (an EtherType for L2 ingress).
type Signal struct {
	Device   *device.Device
	ProtoKey uint16
	Payload  []byte
}

// Entry is a single ingress queue entry: the source device and a
// private copy of the frame payload.
type Entry struct {
	Device  *device.Device
	Payload []byte
}

type protoQueue struct {
	key     uint16
	handler func(Entry) error
	entries []Entry
}

var ErrProtoRegistered = errors.New("irq: protocol queue already registered")

// Dispatcher owns one ingress queue per registered upper-layer
// protocol and the non-preemptive soft-IRQ drain loop that services
// them.
type Dispatcher struct {
	mu       sync.Mutex
	draining sync.Mutex
	queues   []*protoQueue
}

// RegisterQueue creates the ingress queue for protoKey, to be
// serviced by handler. Duplicate registration of the same key fails.
func (d *Dispatcher) RegisterQueue(protoKey uint16, handler func(Entry) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		if q.key == protoKey {
			return ErrProtoRegistered
		}
	}
	d.queues = append(d.queues, &protoQueue{key: protoKey, handler: handler})
	return nil
}

func (d *Dispatcher) queueFor(protoKey uint16) *protoQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		if q.key == protoKey {
			return q
		}
	}
	return nil
}

// InputHandler is the hardware-level ingress entry point:
// input_handler(type, bytes, length, device). It locates the
// protocol entry for sig.ProtoKey; if present, it copies the payload
// into a queue entry, pushes it onto that protocol's queue, and
// drains the soft-IRQ queues. Unknown protocol keys are silently
// dropped.
func (d *Dispatcher) InputHandler(sig Signal) {
	q := d.queueFor(sig.ProtoKey)
	if q == nil {
		return
	}
	cp := make([]byte, len(sig.Payload))
	copy(cp, sig.Payload)
	d.mu.Lock()
	q.entries = append(q.entries, Entry{Device: sig.Device, Payload: cp})
	d.mu.Unlock()
	d.drainSoftIRQ()
}

// drainSoftIRQ drains every protocol queue in FIFO order, invoking
// each protocol's handler once per entry. draining serializes
// concurrent callers so at most one drain pass runs at a time.
func (d *Dispatcher) drainSoftIRQ() {
	d.draining.Lock()
	defer d.draining.Unlock()
	for {
		entry, handler, ok := d.popOne()
		if !ok {
			return
		}
		handler(entry)
	}
}

func (d *Dispatcher) popOne() (Entry, func(Entry) error, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		if len(q.entries) == 0 {
			continue
		}
		e := q.entries[0]
		q.entries = q.entries[1:]
		return e, q.handler, true
	}
	return Entry{}, nil, false
}
