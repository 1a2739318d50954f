package peerstoreclient

import (
	"path/filepath"
	"testing"
	"time"

	"peerstore/internal/engine"
	"peerstore/internal/storage/sqlitestore"
	"peerstore/internal/wire"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "peerstore.db")
	backend, err := sqlitestore.Open(dbPath)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}

	eng := engine.New(backend, engine.WithSweepInterval(time.Hour))
	sock := filepath.Join(t.TempDir(), "peerstore.sock")
	go func() { _ = eng.Serve(sock) }()

	t.Cleanup(func() {
		eng.Drain()
		eng.Wait()
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := Dial(sock, nil); err == nil {
			c.Disconnect(false)
			c.Wait()
			return sock
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never came up")
	return ""
}

func TestClientStoreThenIterate(t *testing.T) {
	sock := startTestServer(t)
	c, err := Dial(sock, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		c.Disconnect(true)
		c.Wait()
	})

	var peer [32]byte
	peer[0] = 5
	rec := wire.Record{
		Subsystem:    "t",
		Peer:         peer,
		PeerSet:      true,
		Key:          "k",
		Value:        []byte("v1"),
		ExpiryMicros: time.Now().Add(time.Hour).UnixMicro(),
		Options:      wire.OptionsReplace,
	}

	storeDone := make(chan error, 1)
	if _, err := c.Store(rec, func(err error) { storeDone <- err }); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := <-storeDone; err != nil {
		t.Fatalf("store callback: %v", err)
	}

	var got []wire.Record
	iterDone := make(chan error, 1)
	query := rec
	query.Value = nil
	_, err = c.Iterate(query, func(r wire.Record) error {
		got = append(got, r)
		return nil
	}, func(err error) { iterDone <- err })
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if err := <-iterDone; err != nil {
		t.Fatalf("iterate finish: %v", err)
	}
	if len(got) != 1 || string(got[0].Value) != "v1" {
		t.Fatalf("got %+v, want one record v1", got)
	}
}

func TestClientWatchFanout(t *testing.T) {
	sock := startTestServer(t)
	watcher, err := Dial(sock, nil)
	if err != nil {
		t.Fatalf("dial watcher: %v", err)
	}
	t.Cleanup(func() {
		watcher.Disconnect(false)
		watcher.Wait()
	})
	storer, err := Dial(sock, nil)
	if err != nil {
		t.Fatalf("dial storer: %v", err)
	}
	t.Cleanup(func() {
		storer.Disconnect(false)
		storer.Wait()
	})

	var peer [32]byte
	peer[0] = 6
	rec := wire.Record{
		Subsystem:    "t",
		Peer:         peer,
		PeerSet:      true,
		Key:          "k",
		ExpiryMicros: time.Now().Add(time.Hour).UnixMicro(),
		Options:      wire.OptionsReplace,
	}

	fired := make(chan wire.Record, 1)
	if err := watcher.Watch(rec, func(r wire.Record) { fired <- r }); err != nil {
		t.Fatalf("watch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	rec.Value = []byte("fired")
	if _, err := storer.Store(rec, func(error) {}); err != nil {
		t.Fatalf("store: %v", err)
	}

	select {
	case got := <-fired:
		if string(got.Value) != "fired" {
			t.Fatalf("value = %q, want fired", got.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch callback never fired")
	}
}

func TestDisconnectCancelsIteratesImmediately(t *testing.T) {
	sock := startTestServer(t)
	c, err := Dial(sock, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var peer [32]byte
	cancelled := make(chan error, 1)
	query := wire.Record{Subsystem: "t", Peer: peer, PeerSet: false, Key: ""}
	if _, err := c.Iterate(query, func(wire.Record) error { return nil }, func(err error) { cancelled <- err }); err != nil {
		t.Fatalf("iterate: %v", err)
	}

	c.Disconnect(false)
	c.Wait()

	select {
	case err := <-cancelled:
		if err != ErrCancelled {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("iterate was never cancelled")
	}
}

func TestStoreCancelSuppressesCallback(t *testing.T) {
	sock := startTestServer(t)
	c, err := Dial(sock, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		c.Disconnect(false)
		c.Wait()
	})

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	var peer [32]byte
	peer[0] = 9
	rec := wire.Record{Subsystem: "t", Peer: peer, PeerSet: true, Key: "k", ExpiryMicros: time.Now().Add(time.Hour).UnixMicro()}

	called := false
	h, err := c.Store(rec, func(error) { called = true })
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	c.StoreCancel(h)

	c.mu.Lock()
	n := len(c.stores)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("stores queue = %d entries, want 0 after cancel", n)
	}
	if called {
		t.Fatal("store callback ran after cancel")
	}
}

func TestIterateCancelDetachesCallbacks(t *testing.T) {
	sock := startTestServer(t)
	c, err := Dial(sock, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		c.Disconnect(false)
		c.Wait()
	})

	var peer [32]byte
	query := wire.Record{Subsystem: "t", Peer: peer, PeerSet: false, Key: ""}
	rowCalled := false
	h, err := c.Iterate(query, func(wire.Record) error { rowCalled = true; return nil }, func(error) { rowCalled = true })
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	c.IterateCancel(h)

	c.mu.Lock()
	detached := h.ctx.row == nil && h.ctx.finish == nil
	c.mu.Unlock()
	if !detached {
		t.Fatal("cancelled iterate context should have nil row/finish")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		drained := len(c.iterates) == 0
		c.mu.Unlock()
		if drained {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rowCalled {
		t.Fatal("callbacks fired after IterateCancel")
	}
}

func TestReconnectReplaysWatch(t *testing.T) {
	sock := startTestServer(t)
	watcher, err := Dial(sock, nil)
	if err != nil {
		t.Fatalf("dial watcher: %v", err)
	}
	t.Cleanup(func() {
		watcher.Disconnect(false)
		watcher.Wait()
	})
	storer, err := Dial(sock, nil)
	if err != nil {
		t.Fatalf("dial storer: %v", err)
	}
	t.Cleanup(func() {
		storer.Disconnect(false)
		storer.Wait()
	})

	var peer [32]byte
	peer[0] = 42
	rec := wire.Record{
		Subsystem:    "t",
		Peer:         peer,
		PeerSet:      true,
		Key:          "k",
		ExpiryMicros: time.Now().Add(time.Hour).UnixMicro(),
		Options:      wire.OptionsReplace,
	}

	fired := make(chan wire.Record, 1)
	if err := watcher.Watch(rec, func(r wire.Record) { fired <- r }); err != nil {
		t.Fatalf("watch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	watcher.mu.Lock()
	brokenConn := watcher.conn
	watcher.mu.Unlock()
	brokenConn.Close()

	deadline := time.Now().Add(3 * time.Second)
	reconnected := false
	for time.Now().Before(deadline) {
		watcher.mu.Lock()
		reconnected = watcher.connected && watcher.conn != brokenConn
		watcher.mu.Unlock()
		if reconnected {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !reconnected {
		t.Fatal("client never reconnected after transport failure")
	}

	rec.Value = []byte("after-reconnect")
	if _, err := storer.Store(rec, func(error) {}); err != nil {
		t.Fatalf("store: %v", err)
	}

	select {
	case got := <-fired:
		if string(got.Value) != "after-reconnect" {
			t.Fatalf("value = %q, want after-reconnect", got.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch subscription was not replayed after reconnect")
	}
}
