// Command ustackd assembles a Stack over a Linux TAP interface and
// keeps it running, serving UDP and TCP sockets registered against it.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/gonet-labs/ustack/device"
	"github.com/gonet-labs/ustack/loopback"
	"github.com/gonet-labs/ustack/route"
	"github.com/gonet-labs/ustack/stack"
	"github.com/gonet-labs/ustack/tapdev"
	"github.com/gonet-labs/ustack/tcpsock"
	"github.com/gonet-labs/ustack/udpsock"
)

func main() {
	if err := run(); err != nil {
		log.Fatalln("ustackd:", err)
	}
}

func run() error {
	var (
		flagIface = flag.String("iface", "tap0", "TAP interface name (ignored with -loopback)")
		flagAddr  = flag.String("addr", "192.168.10.2/24", "interface address and prefix length")
		flagMTU   = flag.Int("mtu", 1500, "device MTU")
		flagLoop  = flag.Bool("loopback", false, "use a loopback device instead of a TAP interface")
	)
	flag.Parse()

	prefix, err := netip.ParsePrefix(*flagAddr)
	if err != nil {
		return fmt.Errorf("parsing -addr: %w", err)
	}
	ifc := device.Interface{Family: device.FamilyIPv4, Addr: prefix.Addr(), PrefixLen: prefix.Bits()}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := stack.New(logger)

	dev, closeDriver, err := attachDevice(s, ifc, *flagMTU, *flagLoop, *flagIface)
	if err != nil {
		return err
	}
	defer closeDriver()

	if err := s.AddRoute(route.Route{Network: prefix.Masked(), Device: dev}); err != nil {
		return fmt.Errorf("adding route: %w", err)
	}
	if err := s.Run(); err != nil {
		return fmt.Errorf("starting stack: %w", err)
	}
	defer s.Shutdown()

	if _, err := udpsock.NewTable(s); err != nil {
		return fmt.Errorf("registering UDP: %w", err)
	}
	if _, err := tcpsock.NewTable(s); err != nil {
		return fmt.Errorf("registering TCP: %w", err)
	}

	logger.Info("ustackd: running", slog.String("device", dev.Name()), slog.String("addr", ifc.Addr.String()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("ustackd: shutting down")
	return nil
}

// attachDevice builds and registers either a loopback or a TAP device
// and returns it along with a cleanup function for its driver.
func attachDevice(s *stack.Stack, ifc device.Interface, mtu int, loop bool, ifaceName string) (*device.Device, func() error, error) {
	if loop {
		drv := loopback.New()
		dev, err := s.AddDevice(device.Config{MTU: mtu, Flags: device.FlagLoopback, Driver: drv}, ifc)
		if err != nil {
			return nil, nil, fmt.Errorf("adding loopback device: %w", err)
		}
		drv.Bind(func(frame []byte) error { return s.InputFrame(dev, frame) })
		return dev, func() error { return nil }, nil
	}

	drv, err := tapdev.Open(ifaceName)
	if err != nil {
		return nil, nil, fmt.Errorf("opening tap device: %w", err)
	}
	dev, err := s.AddDevice(device.Config{
		MTU:    mtu,
		Flags:  device.FlagBroadcast | device.FlagNeedARP,
		HWAddr: [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		Driver: drv,
	}, ifc)
	if err != nil {
		drv.Close()
		return nil, nil, fmt.Errorf("adding tap device: %w", err)
	}
	drv.Bind(func(frame []byte) error { return s.InputFrame(dev, frame) })
	return dev, drv.Close, nil
}
