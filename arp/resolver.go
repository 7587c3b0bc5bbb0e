package arp

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrIncomplete is returned by Resolve when proto is not yet in the
// cache: a request is sent on the first attempt (later ones are
// retransmitted by Retry) and the caller should try again once a reply
// has had a chance to arrive.
var ErrIncomplete = errors.New("arp: resolve incomplete")

// Resolver drives a Cache's INCOMPLETE entries to RESOLVED by issuing
// paced retransmissions of ARP requests. The retry rate is capped with
// a token bucket so a burst of unresolved lookups cannot flood the
// link with requests.
type Resolver struct {
	mu      sync.Mutex
	cache   *Cache
	limiter *rate.Limiter
}

// NewResolver returns a Resolver over cache, retrying at most once
// every interval.
func NewResolver(cache *Cache, interval time.Duration) *Resolver {
	return &Resolver{
		cache:   cache,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Resolve looks proto up without blocking. If it is already RESOLVED
// or STATIC, it returns the hardware address immediately. Otherwise it
// starts (or continues) a background resolve — issuing a REQUEST the
// first time proto becomes INCOMPLETE — and returns ErrIncomplete so
// the caller can surface INCOMPLETE to whoever asked for the address.
// Retransmission of unanswered requests is the caller's periodic
// Retry, not Resolve itself.
func (r *Resolver) Resolve(proto [4]byte, send func(frame []byte, dst [6]byte) error) ([6]byte, error) {
	r.mu.Lock()
	if hw, ok := r.cache.Lookup(proto); ok {
		r.mu.Unlock()
		return hw, nil
	}
	needSend, err := r.cache.StartResolve(proto, time.Now())
	if err != nil {
		r.mu.Unlock()
		return [6]byte{}, err
	}
	r.mu.Unlock()
	if needSend {
		if err := r.transmitPending(send); err != nil {
			return [6]byte{}, err
		}
	}
	return [6]byte{}, ErrIncomplete
}

// Retry retransmits one pending ARP request or queued reply, rate
// limited so repeated calls from a periodic timer cannot flood the
// link. Intended to be driven by the owning Stack's periodic tick; a
// call that finds nothing pending, or that arrives before the next
// token is available, is a no-op.
func (r *Resolver) Retry(send func(frame []byte, dst [6]byte) error) error {
	r.mu.Lock()
	pending := r.cache.hasPending()
	r.mu.Unlock()
	if !pending || !r.limiter.Allow() {
		return nil
	}
	return r.transmitPending(send)
}

// transmitPending drains one queued reply or retransmittable request
// from the cache and hands it to send.
func (r *Resolver) transmitPending(send func(frame []byte, dst [6]byte) error) error {
	var buf [sizeHeaderv4]byte
	r.mu.Lock()
	n, dst, err := r.cache.Encapsulate(buf[:])
	r.mu.Unlock()
	if err != nil || n == 0 {
		return err
	}
	return send(buf[:n], dst)
}

// Demux feeds an incoming ARP frame to the underlying cache, guarded
// by the resolver's mutex so callers don't need their own locking
// around Cache access.
func (r *Resolver) Demux(buf []byte, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Demux(buf, now)
}

// Encapsulate drains a pending reply or retry from the underlying
// cache, guarded by the resolver's mutex.
func (r *Resolver) Encapsulate(b []byte) (n int, dst [6]byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Encapsulate(b)
}

// Sweep expires stale RESOLVED entries, guarded by the resolver's
// mutex.
func (r *Resolver) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Sweep(now)
}
