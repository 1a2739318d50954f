// Package peerstoreclient implements a client library: a handle providing
// store/iterate/watch/disconnect over the peer-attribute store's wire
// protocol, with reconnection and in-flight-operation replay across
// transient transport failures.
package peerstoreclient

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerstore/internal/wire"
)

// ErrDisconnecting is returned by Store/Iterate/Watch once Disconnect has
// been called.
var ErrDisconnecting = errors.New("peerstoreclient: client is disconnecting")

// ErrCancelled is the synthetic reason delivered to in-flight iterators when
// a transport error drops the connection, marking every active iterator
// cancelled.
var ErrCancelled = errors.New("peerstoreclient: cancelled by transport disconnect")

const (
	minReconnectDelay = 100 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

// StoreCallback receives the definitive outcome of a Store call. The
// transport "sent" callback IS the success signal — there is no separate
// wire acknowledgement for STORE.
type StoreCallback func(err error)

// RowCallback is invoked once per ITERATE_RECORD frame.
type RowCallback func(rec wire.Record) error

// FinishCallback is invoked exactly once when an iterate stream ends,
// successfully, with a server-reported error, or with ErrCancelled.
type FinishCallback func(err error)

// WatchCallback is invoked once per WATCH_RECORD frame matching a
// subscription.
type WatchCallback func(rec wire.Record)

type storeCtx struct {
	rec  wire.Record
	cont StoreCallback
}

type iterateCtx struct {
	query  wire.Record
	row    RowCallback
	finish FinishCallback
}

type watchCtx struct {
	digest [wire.DigestSize]byte
	cb     WatchCallback
}

// StoreHandle identifies one in-flight Store call for StoreCancel.
type StoreHandle struct{ ctx *storeCtx }

// IterateHandle identifies one in-flight Iterate call for IterateCancel.
type IterateHandle struct{ ctx *iterateCtx }

// Client is a connection to one peerstored engine over a Unix domain
// socket. It is safe for concurrent use.
type Client struct {
	addr string
	log  *logrus.Entry

	mu             sync.Mutex
	conn           net.Conn
	connected      bool
	disconnecting  bool
	reconnectDelay time.Duration
	stopped        bool

	stores   []*storeCtx
	iterates []*iterateCtx
	watches  map[[wire.DigestSize]byte]*watchCtx

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Dial connects to the peerstored Unix socket at addr and starts the
// background read/reconnect loop.
func Dial(addr string, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	c := &Client{
		addr:    addr,
		log:     logger.WithField("component", "peerstoreclient"),
		watches: make(map[[wire.DigestSize]byte]*watchCtx),
	}

	conn, err := net.Dial("unix", addr)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.connected = true

	c.wg.Add(1)
	go c.readLoop(conn)
	return c, nil
}

// Store encodes and sends a STORE frame. cont is invoked with nil once the
// frame has been written successfully (the "sent" signal); if the
// connection is currently down, the request is queued for replay after
// reconnection and cont is invoked once that replay succeeds. The returned
// handle may be passed to StoreCancel to abandon the request locally.
func (c *Client) Store(rec wire.Record, cont StoreCallback) (*StoreHandle, error) {
	c.mu.Lock()
	if c.disconnecting || c.stopped {
		c.mu.Unlock()
		return nil, ErrDisconnecting
	}
	sc := &storeCtx{rec: rec, cont: cont}
	c.stores = append(c.stores, sc)
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	h := &StoreHandle{ctx: sc}
	if !connected {
		return h, nil
	}
	return h, c.sendStore(conn, sc)
}

// StoreCancel removes a pending store context. If the STORE frame has
// already been written but the engine has not yet processed it, the store
// still happens server-side — there is no compensating wire action, and
// cont will not be invoked either way once cancelled.
func (c *Client) StoreCancel(h *StoreHandle) {
	if h == nil || h.ctx == nil {
		return
	}
	c.removeStore(h.ctx)
}

func (c *Client) sendStore(conn net.Conn, sc *storeCtx) error {
	frame, err := wire.Encode(wire.MsgStore, sc.rec)
	if err != nil {
		c.removeStore(sc)
		if sc.cont != nil {
			sc.cont(err)
		}
		return err
	}
	if err := c.writeFrame(conn, frame); err != nil {
		// Left in the queue; the reconnect loop will replay it.
		return err
	}
	c.removeStore(sc)
	if sc.cont != nil {
		sc.cont(nil)
	}
	return nil
}

func (c *Client) removeStore(target *storeCtx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.stores {
		if s == target {
			c.stores = append(c.stores[:i], c.stores[i+1:]...)
			break
		}
	}
	if c.disconnecting && len(c.stores) == 0 {
		c.teardownLocked()
	}
}

// Iterate encodes and sends an ITERATE query frame. row is invoked once per
// matching record and finish exactly once at stream end (successfully,
// with a server-reported error, or with ErrCancelled on disconnect). The
// returned handle may be passed to IterateCancel to detach the callbacks
// without waiting for Disconnect.
func (c *Client) Iterate(query wire.Record, row RowCallback, finish FinishCallback) (*IterateHandle, error) {
	c.mu.Lock()
	if c.disconnecting || c.stopped {
		c.mu.Unlock()
		return nil, ErrDisconnecting
	}
	ic := &iterateCtx{query: query, row: row, finish: finish}
	c.iterates = append(c.iterates, ic)
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	h := &IterateHandle{ctx: ic}
	if !connected {
		return h, nil
	}
	frame, err := wire.Encode(wire.MsgIterate, query)
	if err != nil {
		c.removeIterate(ic)
		return h, err
	}
	return h, c.writeFrame(conn, frame)
}

// IterateCancel detaches row/finish from a pending iterate. If the
// iteration is mid-stream, the context is retained in FIFO order until
// ITERATE_END arrives for it and is then released silently — the wire
// protocol has no per-request identifier to cancel server-side.
func (c *Client) IterateCancel(h *IterateHandle) {
	if h == nil || h.ctx == nil {
		return
	}
	c.mu.Lock()
	h.ctx.row = nil
	h.ctx.finish = nil
	c.mu.Unlock()
}

func (c *Client) removeIterate(target *iterateCtx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ic := range c.iterates {
		if ic == target {
			c.iterates = append(c.iterates[:i], c.iterates[i+1:]...)
			break
		}
	}
}

// Watch hashes the composite key of rec and subscribes to future matching
// writes, delivering each through cb.
func (c *Client) Watch(rec wire.Record, cb WatchCallback) error {
	digest := wire.HashRecord(rec)

	c.mu.Lock()
	if c.disconnecting || c.stopped {
		c.mu.Unlock()
		return ErrDisconnecting
	}
	c.watches[digest] = &watchCtx{digest: digest, cb: cb}
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.writeFrame(conn, wire.EncodeDigest(wire.MsgWatch, digest))
}

// WatchCancel unsubscribes a previously registered watch.
func (c *Client) WatchCancel(rec wire.Record) error {
	digest := wire.HashRecord(rec)

	c.mu.Lock()
	delete(c.watches, digest)
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.writeFrame(conn, wire.EncodeDigest(wire.MsgWatchCancel, digest))
}

// Disconnect tears down the client. If syncFirst is true and store contexts
// remain pending, teardown is deferred until every pending store completes;
// iterates and watches are always cancelled immediately.
func (c *Client) Disconnect(syncFirst bool) {
	c.mu.Lock()
	c.disconnecting = true
	pendingStores := len(c.stores)
	c.mu.Unlock()

	c.cancelIterates(ErrCancelled)

	c.mu.Lock()
	c.watches = make(map[[wire.DigestSize]byte]*watchCtx)
	shouldTeardownNow := !syncFirst || pendingStores == 0
	c.mu.Unlock()

	if shouldTeardownNow {
		c.mu.Lock()
		c.teardownLocked()
		c.mu.Unlock()
	}
}

func (c *Client) teardownLocked() {
	if c.stopped {
		return
	}
	c.stopped = true
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Wait blocks until the background read loop has exited (after Disconnect).
func (c *Client) Wait() { c.wg.Wait() }

func (c *Client) cancelIterates(reason error) {
	c.mu.Lock()
	pending := c.iterates
	c.iterates = nil
	c.mu.Unlock()

	for _, ic := range pending {
		if ic.finish != nil {
			ic.finish(reason)
		}
	}
}

func (c *Client) writeFrame(conn net.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(conn, frame)
}
