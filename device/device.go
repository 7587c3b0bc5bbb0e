// Package device implements the device and protocol registry: the
// bottom-most layer of the stack, exposing abstract network devices
// with open/close/transmit operations and the per-device registry
// of attached interfaces.
package device

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// Flag bits describing a device's capabilities and current state.
type Flag uint8

const (
	FlagUp Flag = 1 << iota
	FlagLoopback
	FlagBroadcast
	FlagP2P
	FlagNeedARP
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Driver is the vtable a concrete network device (TAP, loopback, ...)
// implements. Open and Close may be no-ops that return nil if the
// device needs no hardware-level setup/teardown.
type Driver interface {
	Open() error
	Close() error
	// Transmit writes frame to the wire. frame is owned by the caller
	// and must not be retained past the call.
	Transmit(frame []byte) error
}

// Family identifies the address family of an attached Interface.
type Family uint8

const (
	FamilyIPv4 Family = iota + 1
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("Family(%d)", uint8(f))
	}
}

// Interface is the layer-3 identity attached to a device: a unicast
// address, its prefix length and the derived broadcast address
// (unicast | ^netmask). A device holds at most one Interface per
// Family.
type Interface struct {
	Family    Family
	Addr      netip.Addr
	PrefixLen int
}

// Broadcast returns the interface's broadcast address, computed as
// unicast OR NOT netmask. Only meaningful for IPv4.
func (ifc Interface) Broadcast() netip.Addr {
	if ifc.Family != FamilyIPv4 || !ifc.Addr.Is4() {
		return netip.Addr{}
	}
	a := ifc.Addr.As4()
	mask := ^uint32(0) << (32 - ifc.PrefixLen)
	bcast := (beUint32(a) | ^mask)
	var out [4]byte
	putBeUint32(&out, bcast)
	return netip.AddrFrom4(out)
}

func beUint32(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBeUint32(out *[4]byte, v uint32) {
	out[0] = byte(v >> 24)
	out[1] = byte(v >> 16)
	out[2] = byte(v >> 8)
	out[3] = byte(v)
}

var (
	ErrInterfaceExists = errors.New("device: interface of that family already attached")
	ErrNotUp           = errors.New("device: not up")
	ErrAlreadyUp       = errors.New("device: already up")
	ErrAlreadyDown     = errors.New("device: already down")
	ErrMTUExceeded     = errors.New("device: frame exceeds MTU")
	ErrNoDriver        = errors.New("device: no driver attached")
)

// Device is an abstract network device: identity, MTU, flags,
// hardware address and attached interfaces. Devices are created once
// during startup by a Registry and never destroyed until shutdown.
// Upper-layer protocol dispatch is not a per-device concern here: it
// is handled process-wide by irq.Dispatcher (L2 ingress queues) and
// stack.Stack's l3handlers (L3 payload routing), both of which are fed
// frames carrying a *Device but keyed purely by protocol number.
type Device struct {
	mu sync.Mutex

	index int
	name  string

	mtu        int
	headerLen  int
	addrLen    int
	flags      Flag
	hwAddr     [6]byte
	broadcast  [6]byte

	driver Driver

	interfaces []Interface
}

// Name returns the device's "net<index>" name.
func (d *Device) Name() string { return d.name }

// Index returns the device's monotonic registry index.
func (d *Device) Index() int { return d.index }

// MTU returns the device's maximum transmission unit in bytes.
func (d *Device) MTU() int { return d.mtu }

// HWAddr returns the device's hardware address.
func (d *Device) HWAddr() [6]byte { return d.hwAddr }

// Flags returns the device's current flag bits.
func (d *Device) Flags() Flag {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags
}

// IsUp reports whether the device has been opened and not yet closed.
func (d *Device) IsUp() bool { return d.Flags().Has(FlagUp) }

// Open calls the driver's Open, if any, and sets the UP flag. It
// fails if the device is already up.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.flags.Has(FlagUp) {
		return ErrAlreadyUp
	}
	if d.driver != nil {
		if err := d.driver.Open(); err != nil {
			return err
		}
	}
	d.flags |= FlagUp
	return nil
}

// Close calls the driver's Close, if any, and clears the UP flag. It
// fails if the device is not currently up.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.flags.Has(FlagUp) {
		return ErrAlreadyDown
	}
	if d.driver != nil {
		if err := d.driver.Close(); err != nil {
			return err
		}
	}
	d.flags &^= FlagUp
	return nil
}

// Transmit sends frame through the device's driver. It fails if the
// device is not UP or frame exceeds the device MTU.
func (d *Device) Transmit(frame []byte) error {
	d.mu.Lock()
	up := d.flags.Has(FlagUp)
	mtu := d.mtu
	drv := d.driver
	d.mu.Unlock()
	if !up {
		return ErrNotUp
	}
	if len(frame) > mtu {
		return ErrMTUExceeded
	}
	if drv == nil {
		return ErrNoDriver
	}
	return drv.Transmit(frame)
}

// AttachInterface attaches ifc to the device. It fails if an
// interface of the same family is already attached.
func (d *Device) AttachInterface(ifc Interface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.interfaces {
		if existing.Family == ifc.Family {
			return ErrInterfaceExists
		}
	}
	d.interfaces = append(d.interfaces, ifc)
	return nil
}

// Interfaces returns a copy of the device's attached interfaces.
func (d *Device) Interfaces() []Interface {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Interface, len(d.interfaces))
	copy(out, d.interfaces)
	return out
}

// InterfaceByFamily returns the interface attached for fam, if any.
func (d *Device) InterfaceByFamily(fam Family) (Interface, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ifc := range d.interfaces {
		if ifc.Family == fam {
			return ifc, true
		}
	}
	return Interface{}, false
}
