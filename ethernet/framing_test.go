package ethernet

import "testing"

func TestEncapsulatePadsToMinimum(t *testing.T) {
	var buf [128]byte
	dst := [6]byte{1, 2, 3, 4, 5, 6}
	src := [6]byte{6, 5, 4, 3, 2, 1}
	n, err := Encapsulate(buf[:], dst, src, TypeIPv4, []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if n != minFrameSize {
		t.Fatalf("expected padded frame of %d bytes, got %d", minFrameSize, n)
	}
	efrm, err := NewFrame(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if *efrm.DestinationHardwareAddr() != dst {
		t.Fatal("destination address mismatch")
	}
	if *efrm.SourceHardwareAddr() != src {
		t.Fatal("source address mismatch")
	}
	if efrm.EtherTypeOrSize() != TypeIPv4 {
		t.Fatal("ethertype mismatch")
	}
}

func TestAcceptFiltersUnicast(t *testing.T) {
	var buf [minFrameSize]byte
	ourAddr := [6]byte{1, 1, 1, 1, 1, 1}
	otherAddr := [6]byte{2, 2, 2, 2, 2, 2}

	efrm, _ := NewFrame(buf[:])
	copy(buf[0:6], otherAddr[:])
	if Accept(efrm, ourAddr) {
		t.Fatal("frame addressed to another host must be rejected")
	}

	copy(buf[0:6], ourAddr[:])
	if !Accept(efrm, ourAddr) {
		t.Fatal("frame addressed to us must be accepted")
	}

	bc := BroadcastAddr()
	copy(buf[0:6], bc[:])
	if !Accept(efrm, ourAddr) {
		t.Fatal("broadcast frame must be accepted")
	}
}
