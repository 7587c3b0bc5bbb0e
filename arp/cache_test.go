package arp

import (
	"testing"
	"time"
)

func TestCacheRequestReply(t *testing.T) {
	var c1, c2 Cache
	c1.Reset([6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}, [4]byte{192, 0, 2, 1}, 1)
	c2.Reset([6]byte{0xc0, 0xff, 0xee, 0xc0, 0xff, 0xee}, [4]byte{192, 0, 2, 2}, 1)

	now := time.Unix(0, 0)
	need, err := c1.StartResolve(c2.ourProto, now)
	if err != nil {
		t.Fatal(err)
	}
	if !need {
		t.Fatal("expected request to be needed")
	}

	var buf [64]byte
	n, dst, err := c1.Encapsulate(buf[:])
	if err != nil || n == 0 {
		t.Fatalf("expected request encapsulated, n=%d err=%v", n, err)
	}
	if dst != [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff} {
		t.Fatalf("expected broadcast destination, got %x", dst)
	}

	if err := c2.Demux(buf[:n], now); err != nil {
		t.Fatal(err)
	}
	n, _, err = c2.Encapsulate(buf[:])
	if err != nil || n == 0 {
		t.Fatalf("expected reply encapsulated, n=%d err=%v", n, err)
	}

	if err := c1.Demux(buf[:n], now); err != nil {
		t.Fatal(err)
	}
	hw, ok := c1.Lookup(c2.ourProto)
	if !ok {
		t.Fatal("expected resolved entry after reply")
	}
	if hw != c2.ourHW {
		t.Fatalf("expected %x, got %x", c2.ourHW, hw)
	}
}

func TestCacheSweepExpiresResolved(t *testing.T) {
	var c Cache
	c.Reset([6]byte{1, 2, 3, 4, 5, 6}, [4]byte{10, 0, 0, 1}, 1)
	now := time.Unix(1000, 0)
	if err := c.InsertStatic([4]byte{10, 0, 0, 2}, [6]byte{1, 1, 1, 1, 1, 1}, now); err != nil {
		t.Fatal(err)
	}
	c.entries[0].state = StateResolved // demote for the expiry check below

	c.Sweep(now.Add(StaleAfter))
	if _, ok := c.Lookup([4]byte{10, 0, 0, 2}); ok {
		t.Fatal("expected resolved entry to expire")
	}
}

func TestCacheStaticSurvivesSweep(t *testing.T) {
	var c Cache
	c.Reset([6]byte{1, 2, 3, 4, 5, 6}, [4]byte{10, 0, 0, 1}, 1)
	now := time.Unix(1000, 0)
	if err := c.InsertStatic([4]byte{10, 0, 0, 2}, [6]byte{1, 1, 1, 1, 1, 1}, now); err != nil {
		t.Fatal(err)
	}
	c.Sweep(now.Add(10 * StaleAfter))
	if _, ok := c.Lookup([4]byte{10, 0, 0, 2}); !ok {
		t.Fatal("expected static entry to survive sweep")
	}
}

func TestCacheGratuitousDoesNotCreateEntry(t *testing.T) {
	var c Cache
	c.Reset([6]byte{1, 2, 3, 4, 5, 6}, [4]byte{10, 0, 0, 1}, 1)
	now := time.Unix(0, 0)
	err := c.Update([4]byte{10, 0, 0, 99}, [6]byte{9, 9, 9, 9, 9, 9}, false, now)
	if err == nil {
		t.Fatal("expected gratuitous update for unknown entry to fail")
	}
	if _, ok := c.Lookup([4]byte{10, 0, 0, 99}); ok {
		t.Fatal("gratuitous update must not create an entry")
	}
}
