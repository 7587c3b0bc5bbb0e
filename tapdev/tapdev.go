//go:build linux

// Package tapdev implements device.Driver over a Linux TAP interface,
// using golang.org/x/sys/unix for the TUNSETIFF ioctl instead of the
// raw syscall package.
package tapdev

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Driver is a device.Driver backed by a /dev/net/tun file descriptor
// opened in TAP mode. Transmit writes a frame to the interface; a
// background goroutine started by Open reads frames off it and hands
// them to the bound input function.
type Driver struct {
	fd   int
	name string

	mu    sync.Mutex
	input func(frame []byte) error
	done  chan struct{}
}

// Open creates (or attaches to) the named TAP interface.
func Open(name string) (*Driver, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tapdev: open /dev/net/tun: %w", err)
	}
	req, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tapdev: building ifreq: %w", err)
	}
	req.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, req); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tapdev: TUNSETIFF: %w", err)
	}
	return &Driver{fd: fd, name: req.Name()}, nil
}

// Name returns the interface name the kernel assigned.
func (d *Driver) Name() string { return d.name }

// Bind sets the function Open's read loop hands received frames to,
// ordinarily the owning Stack's InputFrame for the device this driver
// backs. Must be called before Open.
func (d *Driver) Bind(input func(frame []byte) error) {
	d.mu.Lock()
	d.input = input
	d.mu.Unlock()
}

// Open starts the background read loop. Satisfies device.Driver.
func (d *Driver) Open() error {
	d.mu.Lock()
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()
	go d.readLoop(done)
	return nil
}

// Close closes the file descriptor, which unblocks the read loop's
// pending read with an error, and waits for it to exit.
func (d *Driver) Close() error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	err := unix.Close(d.fd)
	if done != nil {
		<-done
	}
	return err
}

// Transmit writes frame to the TAP interface.
func (d *Driver) Transmit(frame []byte) error {
	_, err := unix.Write(d.fd, frame)
	return err
}

func (d *Driver) readLoop(done chan struct{}) {
	defer close(done)
	buf := make([]byte, 65536)
	for {
		n, err := unix.Read(d.fd, buf)
		if err != nil {
			return
		}
		d.mu.Lock()
		input := d.input
		d.mu.Unlock()
		if input == nil {
			continue
		}
		frame := append([]byte(nil), buf[:n]...)
		_ = input(frame)
	}
}
