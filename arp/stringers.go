package arp

import "strconv"

// String returns a human-readable name for the ARP operation code.
func (op Operation) String() string {
	switch op {
	case OpRequest:
		return "request"
	case OpReply:
		return "reply"
	default:
		return "Operation(" + strconv.Itoa(int(op)) + ")"
	}
}
