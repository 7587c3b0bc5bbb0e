package udpsock

import "errors"

var (
	ErrBadID      = errors.New("udpsock: invalid or unused endpoint id")
	ErrTableFull  = errors.New("udpsock: no free endpoint slots")
	ErrAddrInUse  = errors.New("udpsock: address and port already bound")
	ErrClosed     = errors.New("udpsock: endpoint closed")
	ErrNoFreePort = errors.New("udpsock: no free ephemeral port")
	ErrNoRoute    = errors.New("udpsock: no route to destination")

	errBadLength = errors.New("udp: declared length does not match IP payload")
)
