package engine

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"peerstore/internal/storage"
	"peerstore/internal/wire"
)

// fakeBackend is an in-memory storage.Backend for exercising the engine
// without a real database.
type fakeBackend struct {
	mu      sync.Mutex
	records []storage.Record
	closed  bool
}

func (f *fakeBackend) Store(ctx context.Context, rec storage.Record, opts wire.Options, cont storage.StoreContinuation) error {
	go func() {
		f.mu.Lock()
		if opts == wire.OptionsReplace {
			kept := f.records[:0]
			for _, r := range f.records {
				if r.Subsystem == rec.Subsystem && r.Peer == rec.Peer && r.Key == rec.Key {
					continue
				}
				kept = append(kept, r)
			}
			f.records = kept
		}
		f.records = append(f.records, rec)
		f.mu.Unlock()
		cont(nil)
	}()
	return nil
}

func (f *fakeBackend) Iterate(ctx context.Context, subsystem string, peer *[32]byte, key *string, row storage.RowCallback, finish storage.FinishCallback) error {
	go func() {
		f.mu.Lock()
		var matches []storage.Record
		for _, r := range f.records {
			if r.Subsystem != subsystem {
				continue
			}
			if peer != nil && r.Peer != *peer {
				continue
			}
			if key != nil && r.Key != *key {
				continue
			}
			matches = append(matches, r)
		}
		f.mu.Unlock()

		for _, r := range matches {
			if err := row(r); err != nil {
				finish(err)
				return
			}
		}
		finish(nil)
	}()
	return nil
}

func (f *fakeBackend) Expire(ctx context.Context, now time.Time, cb storage.ExpireCallback) error {
	go func() {
		f.mu.Lock()
		kept := f.records[:0]
		var n int64
		for _, r := range f.records {
			if r.Expiry.Before(now) {
				n++
				continue
			}
			kept = append(kept, r)
		}
		f.records = kept
		f.mu.Unlock()
		cb(n)
	}()
	return nil
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func startTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	backend := &fakeBackend{}
	eng := New(backend, WithSweepInterval(time.Hour))
	sock := filepath.Join(t.TempDir(), "peerstore.sock")

	go func() {
		_ = eng.Serve(sock)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", sock); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		eng.Drain()
		eng.Wait()
	})
	return eng, sock
}

func dialTest(t *testing.T, sock string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStoreThenIterateRoundTrip(t *testing.T) {
	_, sock := startTestEngine(t)
	conn := dialTest(t, sock)

	var peer [32]byte
	peer[0] = 7
	rec := wire.Record{
		Subsystem:    "t",
		Peer:         peer,
		PeerSet:      true,
		Key:          "k",
		Value:        []byte("v1"),
		ExpiryMicros: time.Now().Add(time.Hour).UnixMicro(),
		Options:      wire.OptionsReplace,
	}
	frame, err := wire.Encode(wire.MsgStore, rec)
	if err != nil {
		t.Fatalf("encode store: %v", err)
	}
	if err := wire.WriteFrame(conn, frame); err != nil {
		t.Fatalf("write store: %v", err)
	}

	// Give the backend goroutine a moment to apply the store before we query.
	time.Sleep(50 * time.Millisecond)

	query := rec
	query.Value = nil
	qframe, err := wire.Encode(wire.MsgIterate, query)
	if err != nil {
		t.Fatalf("encode iterate: %v", err)
	}
	if err := wire.WriteFrame(conn, qframe); err != nil {
		t.Fatalf("write iterate: %v", err)
	}

	mt, payload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read iterate record: %v", err)
	}
	if mt != wire.MsgIterateRecord {
		t.Fatalf("got %s, want ITERATE_RECORD", mt)
	}
	got, err := wire.DecodeRecord(payload)
	if err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if string(got.Value) != "v1" {
		t.Fatalf("value = %q, want v1", got.Value)
	}

	mt, payload, err = wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read iterate end: %v", err)
	}
	if mt != wire.MsgIterateEnd {
		t.Fatalf("got %s, want ITERATE_END", mt)
	}
	if emsg := wire.DecodeEmsg(payload); emsg != "" {
		t.Fatalf("emsg = %q, want empty", emsg)
	}
}

func TestWatchReceivesFanoutOnStore(t *testing.T) {
	_, sock := startTestEngine(t)
	watcher := dialTest(t, sock)
	storer := dialTest(t, sock)

	var peer [32]byte
	peer[0] = 8
	rec := wire.Record{
		Subsystem:    "t",
		Peer:         peer,
		PeerSet:      true,
		Key:          "k",
		ExpiryMicros: time.Now().Add(time.Hour).UnixMicro(),
		Options:      wire.OptionsReplace,
	}
	digest := wire.HashRecord(rec)

	if err := wire.WriteFrame(watcher, wire.EncodeDigest(wire.MsgWatch, digest)); err != nil {
		t.Fatalf("write watch: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	rec.Value = []byte("fired")
	frame, err := wire.Encode(wire.MsgStore, rec)
	if err != nil {
		t.Fatalf("encode store: %v", err)
	}
	if err := wire.WriteFrame(storer, frame); err != nil {
		t.Fatalf("write store: %v", err)
	}

	watcher.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, payload, err := wire.ReadFrame(watcher)
	if err != nil {
		t.Fatalf("read watch_record: %v", err)
	}
	if mt != wire.MsgWatchRecord {
		t.Fatalf("got %s, want WATCH_RECORD", mt)
	}
	got, err := wire.DecodeRecord(payload)
	if err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if string(got.Value) != "fired" {
		t.Fatalf("value = %q, want fired", got.Value)
	}
}

func TestMalformedFrameClosesClientOnly(t *testing.T) {
	_, sock := startTestEngine(t)
	bad := dialTest(t, sock)
	good := dialTest(t, sock)

	// WATCH payload must be exactly DigestSize; send a too-short one.
	const badPayloadLen = 10
	total := wire.HeaderSize + badPayloadLen
	malformed := make([]byte, total)
	malformed[0] = byte(total >> 8)
	malformed[1] = byte(total)
	malformed[2] = byte(wire.MsgWatch >> 8)
	malformed[3] = byte(wire.MsgWatch)
	if err := wire.WriteFrame(bad, malformed); err != nil {
		t.Fatalf("write malformed: %v", err)
	}

	bad.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := bad.Read(buf); err == nil {
		t.Fatalf("expected connection close after malformed frame")
	}

	var peer [32]byte
	rec := wire.Record{Subsystem: "s", Peer: peer, PeerSet: true, Key: "k", ExpiryMicros: 1, Options: wire.OptionsReplace}
	frame, _ := wire.Encode(wire.MsgStore, rec)
	if err := wire.WriteFrame(good, frame); err != nil {
		t.Fatalf("good client still usable: %v", err)
	}
}
