// Package watch implements the watcher registry: a multi-map from
// record key-hash to subscribing clients, and fan-out on successful stores.
package watch

import (
	"sync"

	"github.com/sirupsen/logrus"

	"peerstore/internal/wire"
)

// Subscriber is anything that can receive an encoded WATCH_RECORD frame.
// The service engine's client connections implement this; tests may use a
// lightweight fake.
type Subscriber interface {
	SendFrame(frame []byte) error
	// ID distinguishes subscribers for RemoveAll/duplicate bookkeeping.
	ID() string
}

type entry struct {
	digest [wire.DigestSize]byte
	sub    Subscriber
}

// Registry is the digest-keyed multi-map of watchers. It holds weak
// references to clients in the sense that entries are never consulted once
// RemoveAll has run for a disconnecting client — ownership of the
// subscriber itself stays with the engine's client list.
type Registry struct {
	mu       sync.RWMutex
	byDigest map[[wire.DigestSize]byte][]entry
	log      *logrus.Entry
}

// New creates an empty watcher registry.
func New() *Registry {
	return &Registry{
		byDigest: make(map[[wire.DigestSize]byte][]entry),
		log:      logrus.WithField("component", "watch"),
	}
}

// Add registers sub as a watcher of digest. Duplicate (digest, sub) pairs
// are permitted and will each receive their own WATCH_RECORD notification
// rather than being silently deduplicated (see DESIGN.md).
func (r *Registry) Add(digest [wire.DigestSize]byte, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDigest[digest] = append(r.byDigest[digest], entry{digest: digest, sub: sub})
}

// Remove deletes exactly one entry matching (digest, sub), if present.
func (r *Registry) Remove(digest [wire.DigestSize]byte, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byDigest[digest]
	for i, e := range list {
		if e.sub.ID() == sub.ID() {
			r.byDigest[digest] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.byDigest[digest]) == 0 {
		delete(r.byDigest, digest)
	}
}

// RemoveAll drops every entry belonging to sub, across every digest. Called
// once per client on disconnect. Compacts each bucket's slice in place
// rather than allocating a new one per removal.
func (r *Registry) RemoveAll(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for digest, list := range r.byDigest {
		i := 0
		for _, e := range list {
			if e.sub.ID() == sub.ID() {
				continue
			}
			list[i] = e
			i++
		}
		if i == 0 {
			delete(r.byDigest, digest)
			continue
		}
		r.byDigest[digest] = list[:i]
	}
}

// Fanout looks up every subscriber of rec's composite-key digest and sends
// each an encoded WATCH_RECORD frame. A send failure to one subscriber never
// prevents delivery to the rest.
func (r *Registry) Fanout(rec wire.Record) int {
	digest := wire.HashRecord(rec)

	r.mu.RLock()
	subs := append([]entry(nil), r.byDigest[digest]...)
	r.mu.RUnlock()

	if len(subs) == 0 {
		return 0
	}

	frame, err := wire.Encode(wire.MsgWatchRecord, rec)
	if err != nil {
		r.log.WithError(err).Warn("encode watch_record frame")
		return 0
	}

	delivered := 0
	for _, e := range subs {
		if err := e.sub.SendFrame(frame); err != nil {
			r.log.WithError(err).WithField("subscriber", e.sub.ID()).Warn("watch fanout send failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Count reports the number of (digest, subscriber) entries currently held.
// Test/metrics helper only.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.byDigest {
		n += len(list)
	}
	return n
}
