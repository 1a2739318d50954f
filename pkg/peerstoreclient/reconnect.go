package peerstoreclient

import (
	"net"
	"time"

	"peerstore/internal/wire"
)

// readLoop owns one connection's inbound frame stream. On a transport
// error it drops the connection, cancels in-flight iterators with
// ErrCancelled, and hands off to reconnectLoop to cycle the client
// through backing-off and reconnected states.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		mt, payload, err := wire.ReadFrame(conn)
		if err != nil {
			c.onTransportError(conn, err)
			return
		}
		c.dispatch(mt, payload)
	}
}

func (c *Client) dispatch(mt wire.MsgType, payload []byte) {
	switch mt {
	case wire.MsgIterateRecord:
		c.handleIterateRecord(payload)
	case wire.MsgIterateEnd:
		c.handleIterateEnd(payload)
	case wire.MsgWatchRecord:
		c.handleWatchRecord(payload)
	default:
		c.log.WithField("type", mt).Warn("unexpected frame from engine")
	}
}

// handleIterateRecord delivers to the oldest pending iterate context. The
// wire protocol carries no request identifier, so correlation relies on the
// engine dispatching and answering frames from one client in receive order;
// this client assumes server responses for a single connection are
// likewise ordered.
func (c *Client) handleIterateRecord(payload []byte) {
	rec, err := wire.DecodeRecord(payload)
	if err != nil {
		c.log.WithError(err).Warn("decode ITERATE_RECORD")
		return
	}
	c.mu.Lock()
	var ic *iterateCtx
	if len(c.iterates) > 0 {
		ic = c.iterates[0]
	}
	c.mu.Unlock()
	if ic == nil || ic.row == nil {
		return
	}
	if err := ic.row(rec); err != nil {
		c.log.WithError(err).Warn("iterate row callback failed")
	}
}

func (c *Client) handleIterateEnd(payload []byte) {
	emsg := wire.DecodeEmsg(payload)

	c.mu.Lock()
	var ic *iterateCtx
	if len(c.iterates) > 0 {
		ic = c.iterates[0]
		c.iterates = c.iterates[1:]
	}
	c.reconnectDelay = 0
	c.mu.Unlock()

	if ic == nil {
		return
	}
	var err error
	if emsg != "" {
		err = iterateServerError(emsg)
	}
	if ic.finish != nil {
		ic.finish(err)
	}
}

func (c *Client) handleWatchRecord(payload []byte) {
	rec, err := wire.DecodeRecord(payload)
	if err != nil {
		c.log.WithError(err).Warn("decode WATCH_RECORD")
		return
	}
	digest := wire.HashRecord(rec)

	c.mu.Lock()
	wc := c.watches[digest]
	c.mu.Unlock()
	if wc == nil || wc.cb == nil {
		return
	}
	wc.cb(rec)
}

type iterateServerError string

func (e iterateServerError) Error() string { return string(e) }

func (c *Client) onTransportError(conn net.Conn, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.connected = false
	}
	stopped := c.stopped
	c.mu.Unlock()

	c.log.WithError(err).Warn("transport error, scheduling reconnect")
	c.cancelIterates(ErrCancelled)

	if stopped {
		return
	}

	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop retries the dial with exponential backoff (doubling per
// attempt, capped at maxReconnectDelay) until it succeeds or the client has
// been torn down.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		delay := c.reconnectDelay
		if delay == 0 {
			delay = minReconnectDelay
		}
		c.mu.Unlock()

		time.Sleep(delay)

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, err := net.Dial("unix", c.addr)
		if err != nil {
			c.mu.Lock()
			next := c.reconnectDelay * 2
			if next == 0 {
				next = minReconnectDelay * 2
			}
			if next > maxReconnectDelay {
				next = maxReconnectDelay
			}
			c.reconnectDelay = next
			c.mu.Unlock()
			c.log.WithError(err).Debug("reconnect attempt failed")
			continue
		}

		c.onReconnected(conn)
		return
	}
}

// onReconnected replays every pending operation: watches in arbitrary
// order, then pending iterates and stores in submission order.
func (c *Client) onReconnected(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	watches := make([]*watchCtx, 0, len(c.watches))
	for _, w := range c.watches {
		watches = append(watches, w)
	}
	iterates := append([]*iterateCtx(nil), c.iterates...)
	stores := append([]*storeCtx(nil), c.stores...)
	c.mu.Unlock()

	for _, w := range watches {
		_ = c.writeFrame(conn, wire.EncodeDigest(wire.MsgWatch, w.digest))
	}
	for _, ic := range iterates {
		frame, err := wire.Encode(wire.MsgIterate, ic.query)
		if err != nil {
			continue
		}
		_ = c.writeFrame(conn, frame)
	}
	for _, sc := range stores {
		_ = c.sendStore(conn, sc)
	}

	c.wg.Add(1)
	go c.readLoop(conn)
}
