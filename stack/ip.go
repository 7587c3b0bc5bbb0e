package stack

import (
	"log/slog"
	"net/netip"

	"github.com/gonet-labs/ustack"
	"github.com/gonet-labs/ustack/device"
	"github.com/gonet-labs/ustack/ethernet"
	"github.com/gonet-labs/ustack/icmp"
	"github.com/gonet-labs/ustack/ipv4"
	"github.com/gonet-labs/ustack/irq"
)

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// nextIPID returns the next value of the process-wide monotonic IPv4
// identification counter, starting at 128.
func (s *Stack) nextIPID() uint16 {
	s.ipIDMu.Lock()
	defer s.ipIDMu.Unlock()
	id := s.ipIDNext
	s.ipIDNext++
	return id
}

// isBroadcast reports whether dst is the limited broadcast address or
// ifc's subnet broadcast address.
func isBroadcast(dst netip.Addr, ifc device.Interface) bool {
	return dst == limitedBroadcast || dst == ifc.Broadcast()
}

// SendIPv4 builds and transmits an IPv4 datagram carrying payload from
// src to dst with the given protocol, following the output path: route
// lookup, source-address check, nexthop resolution, MTU check, header
// construction and (when required) ARP resolution. src may be the zero
// address to let the outgoing interface's unicast address be used.
func (s *Stack) SendIPv4(src, dst netip.Addr, proto ustack.IPProto, payload []byte) error {
	r, err := s.Routes.Lookup(dst)
	if err != nil {
		return err
	}
	ifc, ok := r.Device.InterfaceByFamily(device.FamilyIPv4)
	if !ok {
		return ErrNoInterface
	}
	broadcast := isBroadcast(dst, ifc)
	if broadcast && (!src.IsValid() || src.IsUnspecified()) {
		return ErrBroadcastNeedsSource
	}
	if src.IsValid() && !src.IsUnspecified() && src != ifc.Addr {
		return ErrSourceMismatch
	}
	finalSrc := src
	if !finalSrc.IsValid() || finalSrc.IsUnspecified() {
		finalSrc = ifc.Addr
	}
	nexthop := r.ResolveNexthop(dst)

	totalLen := 20 + len(payload)
	if totalLen > r.Device.MTU() {
		return device.ErrMTUExceeded
	}

	buf := make([]byte, totalLen)
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		return err
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetToS(0)
	ifrm.SetTotalLength(uint16(totalLen))
	ifrm.SetID(s.nextIPID())
	ifrm.SetFlags(0)
	ifrm.SetTTL(255)
	ifrm.SetProtocol(proto)
	*ifrm.SourceAddr() = finalSrc.As4()
	*ifrm.DestinationAddr() = dst.As4()
	copy(buf[20:], payload)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	var dstHW [6]byte
	if broadcast {
		dstHW = ethernet.BroadcastAddr()
	} else if r.Device.Flags().Has(device.FlagNeedARP) {
		resolver, ok := s.arpResolvers[r.Device]
		if !ok {
			return ErrNoInterface
		}
		send := func(frame []byte, dst [6]byte) error {
			return s.sendEthernet(r.Device, dst, ethernet.TypeARP, frame)
		}
		hw, err := resolver.Resolve(nexthop.As4(), send)
		if err != nil {
			s.debug("stack: arp resolve incomplete", slog.String("addr", nexthop.String()))
			return ErrIncomplete
		}
		dstHW = hw
	}
	return s.sendEthernet(r.Device, dstHW, ethernet.TypeIPv4, buf)
}

// handleIPv4Ingress is the IPv4 ingress queue handler: it validates
// the header (size, version, declared lengths, checksum, absence of
// fragmentation), drops silently on any failure except an explicit
// log, checks the destination is addressed to us, and dispatches by
// IP protocol number.
func (s *Stack) handleIPv4Ingress(e irq.Entry) error {
	ifrm, err := ipv4.NewFrame(e.Payload)
	if err != nil {
		s.error("ipv4: short packet", slog.String("dev", e.Device.Name()))
		return err
	}
	version, ihl := ifrm.VersionAndIHL()
	if version != 4 {
		s.error("ipv4: bad version", slog.Int("version", int(version)))
		return errBadVersion
	}
	hdrLen := int(ihl) * 4
	if hdrLen < 20 || hdrLen > len(e.Payload) {
		s.error("ipv4: bad header length", slog.Int("ihl", int(ihl)))
		return errBadHeader
	}
	tl := int(ifrm.TotalLength())
	if tl > len(e.Payload) {
		s.error("ipv4: declared total length exceeds received bytes", slog.Int("totalLength", tl))
		return errBadHeader
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		s.error("ipv4: header checksum mismatch")
		return ustack.ErrBadCRC
	}
	flags := ifrm.Flags()
	if flags.MoreFragments() || flags.FragmentOffset() != 0 {
		s.error("ipv4: fragmented datagram dropped")
		return errFragmented
	}

	ifc, ok := e.Device.InterfaceByFamily(device.FamilyIPv4)
	if !ok {
		return nil
	}
	dstAddr := netip.AddrFrom4(*ifrm.DestinationAddr())
	if dstAddr != ifc.Addr && dstAddr != ifc.Broadcast() && dstAddr != limitedBroadcast {
		return nil
	}

	proto := ifrm.Protocol()
	if proto == ustack.IPProtoICMP {
		return s.handleICMPEcho(ifrm, e.Device)
	}
	handler, ok := s.l3Handler(proto)
	if !ok {
		s.info("ipv4: no handler for protocol", slog.String("proto", proto.String()))
		return nil
	}
	return handler(ifrm, e.Device)
}

// handleICMPEcho answers a valid ICMP echo request addressed to one
// of dev's interfaces with an echo reply carrying the original
// identifier, sequence number and payload. Every other ICMP type is
// logged and ignored.
func (s *Stack) handleICMPEcho(ifrm ipv4.Frame, dev *device.Device) error {
	icfrm, err := icmp.NewFrame(ifrm.Payload())
	if err != nil {
		s.error("icmp: short packet")
		return err
	}
	var vld ustack.Validator
	icfrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.ErrPop()
	}
	if icfrm.Type() != icmp.TypeEcho {
		s.info("icmp: ignoring non-echo message", slog.Int("type", int(icfrm.Type())))
		return nil
	}
	if icfrm.CRC() != icfrm.CalculateCRC() {
		s.error("icmp: checksum mismatch")
		return ustack.ErrBadCRC
	}
	ifc, ok := dev.InterfaceByFamily(device.FamilyIPv4)
	if !ok {
		return ErrNoInterface
	}
	srcAddr := netip.AddrFrom4(*ifrm.SourceAddr())

	reply := make([]byte, len(icfrm.RawData()))
	copy(reply, icfrm.RawData())
	rfrm, _ := icmp.NewFrame(reply)
	rfrm.SetType(icmp.TypeEchoReply)
	rfrm.SetCRC(0)
	rfrm.SetCRC(rfrm.CalculateCRC())
	return s.SendIPv4(ifc.Addr, srcAddr, ustack.IPProtoICMP, reply)
}
