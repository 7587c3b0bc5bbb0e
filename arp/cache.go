package arp

import (
	"bytes"
	"errors"
	"time"

	"github.com/gonet-labs/ustack"
	"github.com/gonet-labs/ustack/ethernet"
)

// State is the lifecycle state of a Cache entry.
type State uint8

const (
	StateFree State = iota
	StateIncomplete
	StateResolved
	StateStatic
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateIncomplete:
		return "INCOMPLETE"
	case StateResolved:
		return "RESOLVED"
	case StateStatic:
		return "STATIC"
	default:
		return "State(?)"
	}
}

// CacheCapacity is the fixed number of entries a Cache holds.
const CacheCapacity = 32

// StaleAfter is the RESOLVED -> FREE expiry duration applied on Sweep.
// STATIC entries are exempt.
const StaleAfter = 30 * time.Second

var (
	errCacheFull   = errors.New("arp: cache full")
	errNotResolved = errors.New("arp: entry not resolved")
)

type entry struct {
	state   State
	proto   [4]byte
	hw      [6]byte
	updated time.Time
}

// Cache is a fixed-capacity IPv4-to-hardware-address table implementing
// the RFC 826 merge rule: a gratuitous update only refreshes an entry
// that already exists, while a reply to our own request creates one.
type Cache struct {
	ourHW    [6]byte
	ourProto [4]byte
	htype    uint16
	ptype    ethernet.Type
	entries  [CacheCapacity]entry

	pending [][sizeHeaderv4]byte // requests awaiting a reply from Encapsulate
}

// defaultMaxPending bounds how many incoming requests can await a
// reply slot before Demux starts rejecting them with errARPBufferFull.
const defaultMaxPending = 4

// Reset clears the cache and configures the local hardware/protocol
// addresses used to answer incoming requests.
func (c *Cache) Reset(hwAddr [6]byte, protoAddr [4]byte, htype uint16) {
	*c = Cache{
		ourHW:    hwAddr,
		ourProto: protoAddr,
		htype:    htype,
		ptype:    ethernet.TypeIPv4,
		pending:  make([][sizeHeaderv4]byte, 0, defaultMaxPending),
	}
}

// Lookup returns the resolved hardware address for proto, if any.
func (c *Cache) Lookup(proto [4]byte) (hw [6]byte, ok bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == StateResolved || e.state == StateStatic {
			if e.proto == proto {
				return e.hw, true
			}
		}
	}
	return hw, false
}

// StartResolve marks proto INCOMPLETE if it is not already being
// resolved or resolved, returning true if a request should be sent.
func (c *Cache) StartResolve(proto [4]byte, now time.Time) (bool, error) {
	var free = -1
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == StateFree && free < 0 {
			free = i
			continue
		}
		if e.proto == proto && e.state != StateFree {
			return false, nil // already in flight or resolved
		}
	}
	if free < 0 {
		c.evictOldest()
		return c.StartResolve(proto, now)
	}
	c.entries[free] = entry{state: StateIncomplete, proto: proto, updated: now}
	return true, nil
}

// evictOldest frees the RESOLVED entry with the oldest update time to
// make room for a new query. STATIC entries are never evicted.
func (c *Cache) evictOldest() {
	oldest := -1
	for i := range c.entries {
		e := &c.entries[i]
		if e.state != StateResolved {
			continue
		}
		if oldest < 0 || e.updated.Before(c.entries[oldest].updated) {
			oldest = i
		}
	}
	if oldest >= 0 {
		c.entries[oldest] = entry{}
	}
}

// Update merges a resolved address into the cache. static marks the
// entry STATIC, exempting it from Sweep expiry.
func (c *Cache) Update(proto [4]byte, hw [6]byte, static bool, now time.Time) error {
	for i := range c.entries {
		e := &c.entries[i]
		if e.proto == proto && e.state != StateFree {
			e.hw = hw
			e.updated = now
			e.state = StateResolved
			if static {
				e.state = StateStatic
			}
			return nil
		}
	}
	// Gratuitous update for an address we were not resolving: merge
	// rule says do not create a new entry.
	return errNotResolved
}

// InsertStatic installs a permanent entry, evicting the oldest RESOLVED
// entry if the cache is full.
func (c *Cache) InsertStatic(proto [4]byte, hw [6]byte, now time.Time) error {
	if !c.insert(StateStatic, proto, hw, now) {
		return errCacheFull
	}
	return nil
}

// insertResolved installs a new RESOLVED entry for proto, evicting
// the oldest RESOLVED entry if the cache is full and still has no
// room (full-cache allocation silently drops if even that fails,
// since this path is reached from unsolicited ingress rather than a
// caller expecting an error).
func (c *Cache) insertResolved(proto [4]byte, hw [6]byte, now time.Time) {
	c.insert(StateResolved, proto, hw, now)
}

// insert places a new entry in the first FREE slot, evicting the
// oldest RESOLVED entry once if none is free. Reports whether a slot
// was found.
func (c *Cache) insert(state State, proto [4]byte, hw [6]byte, now time.Time) bool {
	for i := range c.entries {
		if c.entries[i].state == StateFree {
			c.entries[i] = entry{state: state, proto: proto, hw: hw, updated: now}
			return true
		}
	}
	c.evictOldest()
	for i := range c.entries {
		if c.entries[i].state == StateFree {
			c.entries[i] = entry{state: state, proto: proto, hw: hw, updated: now}
			return true
		}
	}
	return false
}

// Sweep transitions every RESOLVED entry untouched for StaleAfter back
// to FREE. STATIC entries are never swept.
func (c *Cache) Sweep(now time.Time) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == StateResolved && now.Sub(e.updated) >= StaleAfter {
			*e = entry{}
		}
	}
}

// hasPending reports whether Encapsulate has anything to drain: a
// queued reply, or an INCOMPLETE entry awaiting its request.
func (c *Cache) hasPending() bool {
	if len(c.pending) > 0 {
		return true
	}
	for i := range c.entries {
		if c.entries[i].state == StateIncomplete {
			return true
		}
	}
	return false
}

// Encapsulate writes a pending ARP request or reply into b, returning
// the number of bytes written and the hardware destination it should
// be sent to. Replies queued by Demux take priority over outstanding
// requests.
func (c *Cache) Encapsulate(b []byte) (n int, dst [6]byte, err error) {
	if len(c.pending) > 0 {
		raw := c.pending[len(c.pending)-1]
		c.pending = c.pending[:len(c.pending)-1]
		afrm, _ := NewFrame(raw[:])
		afrm.SetOperation(OpReply)
		afrm.SwapTargetSender()
		hwSender, _ := afrm.Sender()
		copy(hwSender, c.ourHW[:])
		tgtHW, _ := afrm.Target()
		copy(dst[:], tgtHW)
		n = copy(b, afrm.Clip().RawData())
		return n, dst, nil
	}
	for i := range c.entries {
		e := &c.entries[i]
		if e.state != StateIncomplete {
			continue
		}
		if len(b) < sizeHeaderv4 {
			return 0, dst, errShortARP
		}
		afrm, _ := NewFrame(b)
		afrm.SetHardware(c.htype, 6)
		afrm.SetProtocol(c.ptype, 4)
		afrm.SetOperation(OpRequest)
		hwSender, protoSender := afrm.Sender()
		copy(hwSender, c.ourHW[:])
		copy(protoSender, c.ourProto[:])
		_, protoTarget := afrm.Target()
		copy(protoTarget, e.proto[:])
		dst = ethernet.BroadcastAddr()
		return sizeHeaderv4, dst, nil
	}
	return 0, dst, nil
}

// Demux processes an incoming ARP frame: requests for our protocol
// address are queued for a reply on the next Encapsulate call; replies
// resolve any matching INCOMPLETE entry.
func (c *Cache) Demux(buf []byte, now time.Time) error {
	afrm, err := NewFrame(buf)
	if err != nil {
		return err
	}
	var vld ustack.Validator
	afrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.ErrPop()
	}
	htype, hlen := afrm.Hardware()
	if htype != c.htype || hlen != 6 {
		return errors.New("arp: bad hardware type/length")
	}
	ptype, plen := afrm.Protocol()
	if ptype != c.ptype || plen != 4 {
		return errors.New("arp: bad protocol type/length")
	}
	op := afrm.Operation()
	if op != OpRequest && op != OpReply {
		return errARPUnsupported
	}

	// Step 2: attempt to merge the sender's address into an existing
	// entry; record whether the merge happened.
	sha, spa := afrm.Sender()
	var senderProto [4]byte
	var senderHW [6]byte
	copy(senderProto[:], spa)
	copy(senderHW[:], sha)
	merged := c.Update(senderProto, senderHW, false, now) == nil

	// Step 3: if the target matches our interface and no merge
	// occurred, this is a new peer addressing us; learn it.
	_, tpa := afrm.Target()
	targetsUs := bytes.Equal(tpa, c.ourProto[:])
	if targetsUs && !merged {
		c.insertResolved(senderProto, senderHW, now)
	}

	// Step 4: requests addressed to us get a reply queued.
	if op == OpRequest && targetsUs {
		if len(c.pending) == cap(c.pending) {
			return errARPBufferFull
		}
		c.pending = append(c.pending, [sizeHeaderv4]byte{})
		copy(c.pending[len(c.pending)-1][:], afrm.RawData())
	}
	return nil
}
