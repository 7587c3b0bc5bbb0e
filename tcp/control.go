package tcp

import (
	"errors"
	"math/rand/v2"
)

// ControlBlock is a partial Transmission Control Block as per RFC 9293
// section 3.3.1, limited to the passive-open subset: LISTEN through
// ESTABLISHED and an abrupt RST-based close. It owns sequence-space
// bookkeeping only; endpoint addressing, the PCB table and actual
// transmission are the caller's responsibility.
type ControlBlock struct {
	state State

	iss    Value // initial send sequence number
	sndUna Value // oldest unacknowledged sequence number
	sndNxt Value // next sequence number to send
	sndWnd Size  // send window as advertised by the peer
	sndWl1 Value // seq used for last window update
	sndWl2 Value // ack used for last window update

	irs    Value // initial receive sequence number
	rcvNxt Value // next sequence number expected
	rcvWnd Size  // receive window we advertise
}

var (
	ErrNotListening    = errors.New("tcp: control block not in LISTEN")
	ErrNotEstablished  = errors.New("tcp: control block not ESTABLISHED")
	ErrConnectionReset = errors.New("tcp: connection reset")
	ErrSegmentDropped  = errors.New("tcp: segment dropped")
)

// State returns the connection's current state.
func (cb *ControlBlock) State() State { return cb.state }

// Listen resets cb into LISTEN with the given receive window. Any
// prior connection state is discarded.
func (cb *ControlBlock) Listen(rcvWnd Size) {
	*cb = ControlBlock{state: StateListen, rcvWnd: rcvWnd}
}

// Close abandons the connection, returning an RST segment to send
// when the connection was not already CLOSED, and transitions to
// CLOSED.
func (cb *ControlBlock) Close() (rst Segment, shouldSend bool) {
	if cb.state == StateClosed {
		return Segment{}, false
	}
	rst = Segment{SEQ: cb.sndNxt, Flags: FlagRST}
	cb.state = StateClosed
	return rst, true
}

// Available returns how many octets may currently be sent without
// exceeding the peer's advertised window.
func (cb *ControlBlock) Available() Size {
	sent := Size(Sub(cb.sndNxt, cb.sndUna))
	if sent >= cb.sndWnd {
		return 0
	}
	return cb.sndWnd - sent
}

// MSS returns the TCP payload budget for a single segment given the
// interface MTU, the fixed 20-byte IPv4 header and this package's
// fixed 20-byte TCP header (no options emitted).
func MSS(mtu int) int {
	const ipv4HeaderLen = 20
	m := mtu - ipv4HeaderLen - sizeHeaderTCP
	if m < 0 {
		return 0
	}
	return m
}

// PrepareSend builds the segment to transmit n octets of payload
// (n must not exceed Available()) and advances snd.nxt accordingly.
func (cb *ControlBlock) PrepareSend(n Size) Segment {
	seg := Segment{
		SEQ:     cb.sndNxt,
		ACK:     cb.rcvNxt,
		DATALEN: n,
		WND:     cb.rcvWnd,
		Flags:   FlagACK | FlagPSH,
	}
	cb.sndNxt = Add(cb.sndNxt, n)
	return seg
}

// acceptable implements the RFC 9293 §3.4 segment acceptability test.
func acceptable(seg Segment, rcvNxt Value, rcvWnd Size) bool {
	segLen := seg.LEN()
	if segLen == 0 {
		if rcvWnd == 0 {
			return seg.SEQ == rcvNxt
		}
		return InWindow(seg.SEQ, rcvNxt, rcvWnd)
	}
	if rcvWnd == 0 {
		return false
	}
	return InWindow(seg.SEQ, rcvNxt, rcvWnd) ||
		InWindow(Add(seg.SEQ, Size(segLen-1)), rcvNxt, rcvWnd)
}

// Recv processes an incoming segment against the current state,
// mutating cb and returning a response segment to transmit, if any.
// deliver reports whether payloadLen octets of new data were accepted
// into the receive window (the socket layer is responsible for
// actually copying the bytes; Recv only advances rcv.nxt/rcv.wnd).
func (cb *ControlBlock) Recv(seg Segment, payloadLen int) (resp Segment, respond bool, deliver bool, err error) {
	switch cb.state {
	case StateClosed:
		if seg.Flags.HasAny(FlagRST) {
			return Segment{}, false, false, ErrSegmentDropped
		}
		if !seg.Flags.HasAny(FlagACK) {
			return Segment{SEQ: 0, ACK: Add(seg.SEQ, seg.LEN()), Flags: FlagRST | FlagACK}, true, false, nil
		}
		return Segment{SEQ: seg.ACK, Flags: FlagRST}, true, false, nil

	case StateListen:
		if seg.Flags.HasAny(FlagRST) {
			return Segment{}, false, false, nil
		}
		if seg.Flags.HasAny(FlagACK) {
			return Segment{SEQ: seg.ACK, Flags: FlagRST}, true, false, nil
		}
		if seg.Flags.HasAny(FlagSYN) {
			cb.irs = seg.SEQ
			cb.rcvNxt = Add(seg.SEQ, 1)
			cb.iss = Value(rand.Uint32())
			cb.sndUna = cb.iss
			cb.sndNxt = Add(cb.iss, 1)
			cb.sndWnd = seg.WND
			cb.sndWl1 = seg.SEQ
			cb.sndWl2 = seg.ACK
			cb.state = StateSynRcvd
			resp = Segment{SEQ: cb.iss, ACK: cb.rcvNxt, WND: cb.rcvWnd, Flags: FlagSYN | FlagACK}
			return resp, true, false, nil
		}
		return Segment{}, false, false, ErrSegmentDropped

	case StateSynSent:
		return Segment{}, false, false, ErrSegmentDropped
	}

	// Established-and-beyond processing, RFC 9293 §3.10.7.4.
	if !acceptable(seg, cb.rcvNxt, cb.rcvWnd) {
		if seg.Flags.HasAny(FlagRST) {
			return Segment{}, false, false, ErrSegmentDropped
		}
		return Segment{SEQ: cb.sndNxt, ACK: cb.rcvNxt, WND: cb.rcvWnd, Flags: FlagACK}, true, false, ErrSegmentDropped
	}

	if !seg.Flags.HasAny(FlagACK) {
		return Segment{}, false, false, ErrSegmentDropped
	}

	switch cb.state {
	case StateSynRcvd:
		if LessThan(cb.sndUna, seg.ACK) && LessThanEq(seg.ACK, cb.sndNxt) {
			cb.sndUna = seg.ACK
			cb.state = StateEstablished
			return Segment{}, false, false, nil
		}
		return Segment{SEQ: seg.ACK, Flags: FlagRST}, true, false, ErrConnectionReset

	case StateEstablished:
		if LessThan(seg.ACK, cb.sndUna) {
			return Segment{}, false, false, nil // duplicate ACK, ignore
		}
		if LessThan(cb.sndNxt, seg.ACK) {
			return Segment{SEQ: cb.sndNxt, ACK: cb.rcvNxt, WND: cb.rcvWnd, Flags: FlagACK}, true, false, nil
		}
		cb.sndUna = seg.ACK
		if LessThan(cb.sndWl1, seg.SEQ) || (cb.sndWl1 == seg.SEQ && LessThanEq(cb.sndWl2, seg.ACK)) {
			cb.sndWnd = seg.WND
			cb.sndWl1 = seg.SEQ
			cb.sndWl2 = seg.ACK
		}
		deliver = payloadLen > 0
		if deliver {
			cb.rcvNxt = Add(cb.rcvNxt, Size(payloadLen))
			cb.rcvWnd -= Size(payloadLen)
		}
		if seg.Flags.HasAny(FlagFIN) {
			cb.rcvNxt = Add(cb.rcvNxt, 1)
			cb.state = StateCloseWait
			resp = Segment{SEQ: cb.sndNxt, ACK: cb.rcvNxt, WND: cb.rcvWnd, Flags: FlagACK}
			return resp, true, deliver, nil
		}
		if deliver {
			resp = Segment{SEQ: cb.sndNxt, ACK: cb.rcvNxt, WND: cb.rcvWnd, Flags: FlagACK}
			return resp, true, true, nil
		}
		return Segment{}, false, false, nil
	}
	return Segment{}, false, false, ErrSegmentDropped
}

// RaiseWindow grows the advertised receive window after the
// application drains drained octets from the receive buffer.
func (cb *ControlBlock) RaiseWindow(drained Size) {
	cb.rcvWnd += drained
}

// SendVars exposes send-side sequence variables for tests and for the
// socket layer's window accounting.
func (cb *ControlBlock) SendVars() (una, nxt Value, wnd Size) {
	return cb.sndUna, cb.sndNxt, cb.sndWnd
}

// RecvVars exposes receive-side sequence variables.
func (cb *ControlBlock) RecvVars() (nxt Value, wnd Size) {
	return cb.rcvNxt, cb.rcvWnd
}
