package ustack

import "strconv"

// String returns a human-readable name for well-known EtherType values
// and a numeric fallback for the rest.
func (et EtherType) String() string {
	switch et {
	case EtherTypeIPv4:
		return "IPv4"
	case EtherTypeARP:
		return "ARP"
	case EtherTypeIPv6:
		return "IPv6"
	case EtherTypeVLAN:
		return "VLAN"
	case EtherTypeServiceVLAN:
		return "ServiceVLAN"
	case EtherTypeWakeOnLAN:
		return "WakeOnLAN"
	case EtherTypeRARP:
		return "RARP"
	default:
		return "EtherType(0x" + strconv.FormatUint(uint64(et), 16) + ")"
	}
}

// String returns a human-readable name for well-known IP protocol
// numbers and a numeric fallback for the rest.
func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoIGMP:
		return "IGMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	case IPProtoIPv6:
		return "IPv6"
	case IPProtoIPv6ICMP:
		return "IPv6-ICMP"
	case IPProtoGRE:
		return "GRE"
	default:
		return "IPProto(" + strconv.Itoa(int(p)) + ")"
	}
}

// String returns a human-readable name for an ARP operation code.
func (op ARPOp) String() string {
	switch op {
	case ARPRequest:
		return "request"
	case ARPReply:
		return "reply"
	default:
		return "ARPOp(" + strconv.Itoa(int(op)) + ")"
	}
}
