package stack

import (
	"log/slog"
	"time"

	"github.com/gonet-labs/ustack/ethernet"
	"github.com/gonet-labs/ustack/irq"
)

// arpFrameSize is the wire size of an Ethernet/IPv4 ARP message: an
// 8-byte fixed header plus two 6-byte hardware and two 4-byte
// protocol addresses.
const arpFrameSize = 28

// handleARPIngress is the ARP ingress queue handler: it feeds the
// frame to the device's resolver (merge/insert/queue-reply per RFC
// 826) and transmits whatever reply or pending request that produced.
func (s *Stack) handleARPIngress(e irq.Entry) error {
	resolver, ok := s.arpResolvers[e.Device]
	if !ok {
		return nil
	}
	if err := resolver.Demux(e.Payload, time.Now()); err != nil {
		s.error("arp: demux failed", slog.String("dev", e.Device.Name()), slog.String("err", err.Error()))
		return err
	}
	var buf [arpFrameSize]byte
	n, dst, err := resolver.Encapsulate(buf[:])
	if err != nil || n == 0 {
		return err
	}
	return s.sendEthernet(e.Device, dst, ethernet.TypeARP, buf[:n])
}

// retryARP is the periodic timer callback driving retransmission of
// unanswered ARP requests: SendIPv4 issues the first request when an
// address becomes INCOMPLETE, and this tick resends it (rate limited
// per resolver) until a reply arrives or the caller gives up.
func (s *Stack) retryARP(now time.Time) {
	for dev, resolver := range s.arpResolvers {
		err := resolver.Retry(func(frame []byte, dst [6]byte) error {
			return s.sendEthernet(dev, dst, ethernet.TypeARP, frame)
		})
		if err != nil {
			s.error("arp: retry transmit failed", slog.String("dev", dev.Name()), slog.String("err", err.Error()))
		}
	}
}
