package udp

// sizeHeader is the fixed size of a UDP header in bytes.
const sizeHeader = 8

// EphemeralPortLow and EphemeralPortHigh bound the range an unbound
// socket picks a source port from on first send.
const (
	EphemeralPortLow  = 49152
	EphemeralPortHigh = 65535
)
