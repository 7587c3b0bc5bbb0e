package tcpsock

import "errors"

var (
	ErrTableFull        = errors.New("tcpsock: no free endpoint slots")
	ErrBadID            = errors.New("tcpsock: invalid or unused endpoint id")
	ErrNotEstablished   = errors.New("tcpsock: endpoint is not ESTABLISHED")
	ErrConnectionFailed = errors.New("tcpsock: connection did not reach ESTABLISHED")
	ErrMTUTooSmall      = errors.New("tcpsock: interface MTU leaves no room for a TCP segment")
	ErrPeerClosed       = errors.New("tcpsock: peer sent FIN and receive buffer is drained")

	errBroadcastSegment = errors.New("tcp: source or destination is a broadcast address")
)
