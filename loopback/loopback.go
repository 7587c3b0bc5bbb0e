// Package loopback implements a trivial device.Driver that feeds every
// transmitted frame straight back into the owning Stack's ingress
// path, for loopback/local-delivery interfaces and for tests that
// need a device without a real wire underneath.
package loopback

import (
	"errors"
	"sync"
)

// ErrNotBound is returned by Transmit if called before Bind.
var ErrNotBound = errors.New("loopback: driver not bound to an input path")

// Driver is a device.Driver with no hardware underneath: Transmit
// copies the frame and hands it to the bound input function, which is
// ordinarily a Stack's InputFrame for the same device.
type Driver struct {
	mu    sync.Mutex
	input func(frame []byte) error
}

// New returns an unbound loopback driver. Bind must be called with
// the owning Stack's InputFrame (closed over the device it was
// registered under) before Transmit is used.
func New() *Driver {
	return &Driver{}
}

// Bind sets the function Transmit hands frames to. Devices are
// created before the *device.Device they return exists, so Bind is
// called once AddDevice returns rather than passed in at
// construction.
func (d *Driver) Bind(input func(frame []byte) error) {
	d.mu.Lock()
	d.input = input
	d.mu.Unlock()
}

func (d *Driver) Open() error  { return nil }
func (d *Driver) Close() error { return nil }

// Transmit copies frame and feeds it back through the bound input
// path, as if it had been received off the wire.
func (d *Driver) Transmit(frame []byte) error {
	d.mu.Lock()
	input := d.input
	d.mu.Unlock()
	if input == nil {
		return ErrNotBound
	}
	cp := append([]byte(nil), frame...)
	return input(cp)
}
