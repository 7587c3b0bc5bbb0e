package tcp

import "testing"

func handshake(t *testing.T) *ControlBlock {
	t.Helper()
	var cb ControlBlock
	cb.Listen(4096)
	syn := Segment{SEQ: 1000, WND: 4096, Flags: FlagSYN}
	synack, respond, _, err := cb.Recv(syn, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !respond || !synack.Flags.HasAll(FlagSYN|FlagACK) {
		t.Fatalf("expected SYN,ACK response, got %v respond=%v", synack, respond)
	}
	if cb.State() != StateSynRcvd {
		t.Fatalf("expected SYN-RECEIVED, got %s", cb.State())
	}
	if synack.ACK != 1001 {
		t.Fatalf("expected ack=1001, got %d", synack.ACK)
	}
	ack := Segment{SEQ: 1001, ACK: synack.SEQ + 1, WND: 4096, Flags: FlagACK}
	_, respond, _, err = cb.Recv(ack, 0)
	if err != nil {
		t.Fatal(err)
	}
	if respond {
		t.Fatal("pure ACK completing the handshake should not need a response")
	}
	if cb.State() != StateEstablished {
		t.Fatalf("expected ESTABLISHED, got %s", cb.State())
	}
	return &cb
}

func TestPassiveOpenHandshake(t *testing.T) {
	handshake(t)
}

func TestEstablishedDataDelivery(t *testing.T) {
	cb := handshake(t)
	_, rcvWndBefore := cb.RecvVars()

	data := Segment{SEQ: 1001, ACK: cb.mustSndNxt(), WND: 4096, DATALEN: 5, Flags: FlagACK | FlagPSH}
	resp, respond, deliver, err := cb.Recv(data, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !deliver {
		t.Fatal("expected payload to be delivered")
	}
	if !respond || !resp.Flags.HasAll(FlagACK) {
		t.Fatal("expected ACK response to data segment")
	}
	rcvNxt, rcvWndAfter := cb.RecvVars()
	if rcvNxt != 1006 {
		t.Fatalf("expected rcv.nxt=1006, got %d", rcvNxt)
	}
	if rcvWndAfter != rcvWndBefore-5 {
		t.Fatalf("expected window to shrink by 5, got before=%d after=%d", rcvWndBefore, rcvWndAfter)
	}
}

func TestSendFlowControlNeverExceedsWindow(t *testing.T) {
	cb := handshake(t)
	una, nxt, wnd := cb.SendVars()
	if Size(Sub(nxt, una)) > wnd {
		t.Fatal("snd.nxt - snd.una exceeds snd.wnd immediately after handshake")
	}
	seg := cb.PrepareSend(cb.Available())
	_, nxt, wnd = cb.SendVars()
	if Size(Sub(nxt, una)) > wnd {
		t.Fatal("snd.nxt - snd.una exceeds snd.wnd after a full-window send")
	}
	if seg.DATALEN != wnd {
		t.Fatalf("expected to send the whole window, got %d want %d", seg.DATALEN, wnd)
	}
	if cb.Available() != 0 {
		t.Fatal("expected no further window available immediately after a full-window send")
	}
}

func TestEstablishedFINTransitionsToCloseWait(t *testing.T) {
	cb := handshake(t)

	data := Segment{SEQ: 1001, ACK: cb.mustSndNxt(), WND: 4096, DATALEN: 5, Flags: FlagACK | FlagPSH}
	_, _, deliver, err := cb.Recv(data, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !deliver {
		t.Fatal("expected payload to be delivered")
	}

	fin := Segment{SEQ: 1006, ACK: cb.mustSndNxt(), WND: 4096, Flags: FlagACK | FlagFIN}
	resp, respond, deliver, err := cb.Recv(fin, 0)
	if err != nil {
		t.Fatal(err)
	}
	if deliver {
		t.Fatal("a bare FIN carries no payload to deliver")
	}
	if cb.State() != StateCloseWait {
		t.Fatalf("expected CLOSE-WAIT, got %s", cb.State())
	}
	if !respond || !resp.Flags.HasAll(FlagACK) {
		t.Fatal("expected ACK response to FIN")
	}
	rcvNxt, _ := cb.RecvVars()
	if rcvNxt != 1007 {
		t.Fatalf("expected rcv.nxt=1007 (FIN consumes one sequence number), got %d", rcvNxt)
	}
	if resp.ACK != rcvNxt {
		t.Fatalf("expected ack=%d, got %d", rcvNxt, resp.ACK)
	}

	// The send side stays open across the half-close: PrepareSend must
	// still work and advance snd.nxt normally.
	before := cb.mustSndNxt()
	seg := cb.PrepareSend(4)
	if seg.SEQ != before {
		t.Fatalf("expected send SEQ=%d in CLOSE-WAIT, got %d", before, seg.SEQ)
	}
	if cb.mustSndNxt() != Add(before, 4) {
		t.Fatal("expected snd.nxt to advance by 4 after a send in CLOSE-WAIT")
	}
}

// mustSndNxt is a test-only accessor mirroring what the socket layer
// would read off SendVars to build a reply's ACK field.
func (cb *ControlBlock) mustSndNxt() Value {
	_, nxt, _ := cb.SendVars()
	return nxt
}
