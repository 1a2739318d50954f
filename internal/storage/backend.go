// Package storage defines the capability set the service engine consumes
// from a storage plugin, independent of any concrete backend.
package storage

import (
	"context"
	"time"

	"peerstore/internal/wire"
)

// Record is the persisted form of a composite key's value. It mirrors
// wire.Record; kept distinct so storage backends do not depend on the wire
// package's framing concerns.
type Record struct {
	Subsystem string
	Peer      [32]byte
	Key       string
	Value     []byte
	Expiry    time.Time
}

// FromWire converts a decoded wire.Record into a storage.Record. The wire
// record's ExpiryMicros is interpreted as microseconds since the Unix epoch.
func FromWire(r wire.Record) Record {
	return Record{
		Subsystem: r.Subsystem,
		Peer:      r.Peer,
		Key:       r.Key,
		Value:     r.Value,
		Expiry:    time.UnixMicro(r.ExpiryMicros),
	}
}

// ToWire converts a storage.Record into a wire.Record suitable for
// ITERATE_RECORD/WATCH_RECORD frames.
func ToWire(r Record) wire.Record {
	return wire.Record{
		Subsystem:    r.Subsystem,
		Peer:         r.Peer,
		PeerSet:      true,
		Key:          r.Key,
		Value:        r.Value,
		ExpiryMicros: r.Expiry.UnixMicro(),
		Options:      wire.OptionsReplace,
	}
}

// StoreContinuation is invoked exactly once with the definitive result of a
// Store call. The method's own return value is acceptance only.
type StoreContinuation func(err error)

// RowCallback is invoked once per matching row during Iterate. The Record
// passed to it is a private copy, valid beyond the call.
type RowCallback func(rec Record) error

// FinishCallback is invoked exactly once when an Iterate stream ends,
// successfully or not.
type FinishCallback func(err error)

// ExpireCallback is invoked exactly once with the number of rows a sweep
// deleted.
type ExpireCallback func(deleted int64)

// Backend is the asynchronous storage capability set a plugin exposes to
// the service engine. Every method's synchronous return is acceptance of
// the request, not its outcome — the outcome arrives through the supplied
// callback, invoked exactly once.
type Backend interface {
	// Store persists rec under opts' conflict policy. Under OptionsReplace
	// any existing record sharing rec's composite key is deleted first.
	Store(ctx context.Context, rec Record, opts wire.Options, cont StoreContinuation) error

	// Iterate streams every record matching subsystem and, if non-nil, peer
	// and key, through row. It always calls finish exactly once to signal
	// end of stream.
	Iterate(ctx context.Context, subsystem string, peer *[32]byte, key *string, row RowCallback, finish FinishCallback) error

	// Expire deletes every record whose Expiry is strictly before now and
	// reports the count through cb.
	Expire(ctx context.Context, now time.Time, cb ExpireCallback) error

	// Close releases the backend's resources (open file handles, prepared
	// statements). It is called once, during engine shutdown.
	Close() error
}
