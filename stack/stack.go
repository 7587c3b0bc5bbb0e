// Package stack wires the device, routing, interrupt/soft-IRQ and ARP
// layers into the single running instance that input_handler and the
// IP send path operate against: one Stack per process, assembled once
// during startup and run until Shutdown.
package stack

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gonet-labs/ustack"
	"github.com/gonet-labs/ustack/arp"
	"github.com/gonet-labs/ustack/device"
	"github.com/gonet-labs/ustack/ethernet"
	"github.com/gonet-labs/ustack/internal"
	"github.com/gonet-labs/ustack/ipv4"
	"github.com/gonet-labs/ustack/irq"
	"github.com/gonet-labs/ustack/route"
)

// htypeEthernet is the ARP hardware-type value for Ethernet (RFC 826).
const htypeEthernet = 1

// arpResolveInterval bounds how often the ARP resolver retransmits an
// unanswered request for a single device.
const arpResolveInterval = 200 * time.Millisecond

// arpSweepInterval is how often the stale-entry sweep runs over every
// device's ARP cache.
const arpSweepInterval = 1 * time.Second

type l3Entry struct {
	proto   ustack.IPProto
	handler func(ifrm ipv4.Frame, dev *device.Device) error
}

// Stack is the assembled instance of every stack layer: device and
// protocol registry, routing table, interrupt thread and soft-IRQ
// dispatcher, per-device ARP resolvers and the IP output path. Device
// list, route list and protocol registrations are only ever added
// during startup, before Run; Send/ingress paths are safe for
// concurrent use afterward.
type Stack struct {
	Devices *device.Registry
	Routes  *route.Table
	Events  *irq.EventBus
	Timers  *irq.TimerList

	dispatcher *irq.Dispatcher
	thread     *irq.Thread

	arpResolvers map[*device.Device]*arp.Resolver

	l3mu       sync.Mutex
	l3handlers []l3Entry

	ipIDMu   sync.Mutex
	ipIDNext uint16

	stopTimers chan struct{}

	logger
}

// New assembles an idle Stack: device/route/timer/event tables, the
// interrupt dispatcher and its Ethernet/ARP ingress queues. Call
// AddDevice and AddRoute to configure it, then Run to start the
// interrupt thread and timers.
func New(log *slog.Logger) *Stack {
	s := &Stack{
		Devices:      &device.Registry{},
		Routes:       &route.Table{},
		Events:       &irq.EventBus{},
		Timers:       &irq.TimerList{},
		dispatcher:   &irq.Dispatcher{},
		arpResolvers: make(map[*device.Device]*arp.Resolver),
		ipIDNext:     128,
		logger:       logger{log: log},
	}
	s.thread = irq.NewThread(s.dispatcher, 64)
	// Registering these here, rather than letting callers race to
	// register them, keeps ARP and IPv4 ingress queues present for
	// every Stack regardless of which devices get added later.
	_ = s.dispatcher.RegisterQueue(uint16(ethernet.TypeARP), s.handleARPIngress)
	_ = s.dispatcher.RegisterQueue(uint16(ethernet.TypeIPv4), s.handleIPv4Ingress)
	s.Timers.Add(&irq.Timer{Interval: arpSweepInterval, Callback: s.sweepARP})
	s.Timers.Add(&irq.Timer{Interval: arpResolveInterval, Callback: s.retryARP})
	return s
}

// AddDevice registers a new device from cfg, attaches ifc to it, and,
// if cfg.Flags requests address resolution, creates the device's ARP
// resolver seeded with its hardware and protocol addresses. Must only
// be called during startup, before Run.
func (s *Stack) AddDevice(cfg device.Config, ifc device.Interface) (*device.Device, error) {
	dev, err := s.Devices.Register(cfg)
	if err != nil {
		return nil, err
	}
	if err := dev.AttachInterface(ifc); err != nil {
		return nil, err
	}
	if cfg.Flags.Has(device.FlagNeedARP) && ifc.Family == device.FamilyIPv4 {
		cache := &arp.Cache{}
		cache.Reset(dev.HWAddr(), ifc.Addr.As4(), htypeEthernet)
		s.arpResolvers[dev] = arp.NewResolver(cache, arpResolveInterval)
	}
	s.info("stack: device added", slog.String("name", dev.Name()), slog.String("addr", ifc.Addr.String()))
	return dev, nil
}

// AddRoute appends r to the routing table. Must only be called during
// startup, before Run.
func (s *Stack) AddRoute(r route.Route) error {
	return s.Routes.Add(r)
}

// RegisterL3Protocol registers handler as the IP-layer ingress
// consumer for proto (e.g. UDP or TCP sockets registering against
// ustack.IPProtoUDP/IPProtoTCP). ICMP is handled internally and is
// not registered this way. Duplicate registration of the same
// protocol number fails.
func (s *Stack) RegisterL3Protocol(proto ustack.IPProto, handler func(ifrm ipv4.Frame, dev *device.Device) error) error {
	s.l3mu.Lock()
	defer s.l3mu.Unlock()
	for _, e := range s.l3handlers {
		if e.proto == proto {
			return ErrProtoRegistered
		}
	}
	s.l3handlers = append(s.l3handlers, l3Entry{proto: proto, handler: handler})
	return nil
}

func (s *Stack) l3Handler(proto ustack.IPProto) (func(ifrm ipv4.Frame, dev *device.Device) error, bool) {
	s.l3mu.Lock()
	defer s.l3mu.Unlock()
	for _, e := range s.l3handlers {
		if e.proto == proto {
			return e.handler, true
		}
	}
	return nil, false
}

// Run opens every registered device and starts the interrupt thread
// and timer loop. It returns once every device is open; the
// interrupt thread and timers keep running in background goroutines
// until Shutdown.
func (s *Stack) Run() error {
	for _, dev := range s.Devices.Devices() {
		if err := dev.Open(); err != nil {
			return err
		}
	}
	go s.thread.Run()
	stop := make(chan struct{})
	s.stopTimers = stop
	go s.Timers.Run(stop, time.Second)
	return nil
}

// Shutdown broadcasts the process-wide termination event (interrupting
// every sleeping UDP/TCP endpoint context subscribed to it), stops the
// interrupt thread, stops the timer loop and closes every device.
func (s *Stack) Shutdown() error {
	s.Events.Broadcast(ErrShutdown)
	s.thread.Shutdown()
	if s.stopTimers != nil {
		close(s.stopTimers)
	}
	var first error
	for _, dev := range s.Devices.Devices() {
		if err := dev.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// InputFrame is the driver-facing entry point for a raw Ethernet
// frame received on dev: it filters by destination hardware address,
// extracts the EtherType-keyed payload, and raises it onto the
// interrupt thread's signal channel. Device drivers (tapdev, loopback)
// call this from their own read loop, which may be any goroutine.
func (s *Stack) InputFrame(dev *device.Device, frame []byte) error {
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		s.debug("stack: short ethernet frame", slog.String("dev", dev.Name()))
		return err
	}
	var vld ustack.Validator
	efrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.ErrPop()
	}
	if !ethernet.Accept(efrm, dev.HWAddr()) {
		return nil
	}
	et := efrm.EtherTypeOrSize()
	if et.IsSize() {
		// 802.3 length-framed payloads (LLC/SNAP) are not handled.
		return nil
	}
	s.thread.Raise(irq.Signal{Device: dev, ProtoKey: uint16(et), Payload: efrm.Payload()})
	return nil
}

// sendEthernet encapsulates payload addressed to dstHW and transmits
// it through dev.
func (s *Stack) sendEthernet(dev *device.Device, dstHW [6]byte, etherType ethernet.Type, payload []byte) error {
	n := len(payload)
	if n < 46 {
		n = 46
	}
	buf := make([]byte, 14+n)
	send := func(b []byte) (int, error) {
		if err := dev.Transmit(b); err != nil {
			return 0, err
		}
		return len(b), nil
	}
	return ethernet.Transmit(send, buf, dstHW, dev.HWAddr(), etherType, payload)
}

func (s *Stack) sweepARP(now time.Time) {
	for _, r := range s.arpResolvers {
		r.Sweep(now)
	}
}

type logger struct {
	log *slog.Logger
}

func (l logger) error(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelError, msg, attrs...)
}
func (l logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}
func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}
