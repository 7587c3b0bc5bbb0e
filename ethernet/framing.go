package ethernet

import "errors"

// minFrameSize is the minimum Ethernet frame size (header plus the
// minimum payload, excluding the FCS); shorter frames are zero-padded
// on transmit.
const minFrameSize = sizeHeaderNoVLAN + minEthPayload

var errShortWrite = errors.New("ethernet: short write to driver")

// Encapsulate writes a 14-byte Ethernet header (destination, source,
// EtherType) into dst followed by payload, padded with zeros to the
// 46-byte minimum payload length, and returns the number of bytes
// written. dst must be at least Encapsulate's return value in length;
// callers size buffers against minFrameSize and len(payload).
func Encapsulate(dst []byte, destination, source [6]byte, etherType Type, payload []byte) (int, error) {
	total := sizeHeaderNoVLAN + len(payload)
	if total < minFrameSize {
		total = minFrameSize
	}
	if len(dst) < total {
		return 0, errShort
	}
	efrm, err := NewFrame(dst[:total])
	if err != nil {
		return 0, err
	}
	copy(dst[0:6], destination[:])
	copy(dst[6:12], source[:])
	efrm.SetEtherType(etherType)
	n := copy(dst[sizeHeaderNoVLAN:], payload)
	for i := sizeHeaderNoVLAN + n; i < total; i++ {
		dst[i] = 0
	}
	return total, nil
}

// Transmit calls Encapsulate and hands the resulting frame to send,
// reporting a short write as an error rather than silently truncating.
func Transmit(send func([]byte) (int, error), dst []byte, destination, source [6]byte, etherType Type, payload []byte) error {
	n, err := Encapsulate(dst, destination, source, etherType, payload)
	if err != nil {
		return err
	}
	wrote, err := send(dst[:n])
	if err != nil {
		return err
	}
	if wrote != n {
		return errShortWrite
	}
	return nil
}

// Accept reports whether a frame addressed to destination should be
// delivered to upper layers given the device's own hardware address:
// true for frames sent to ourAddr or to the broadcast address, false
// for everything else (including multicast, which this stack does not
// join any group for).
func Accept(efrm Frame, ourAddr [6]byte) bool {
	if efrm.IsBroadcast() {
		return true
	}
	return *efrm.DestinationHardwareAddr() == ourAddr
}
