package engine

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerstore/internal/metrics"
	"peerstore/internal/storage"
	"peerstore/internal/wire"
)

// connState is the per-client lifecycle state.
type connState int

const (
	connConnecting connState = iota
	connConnected
	connDisconnected
)

// clientConn dispatches frames for one accepted connection. It is the
// watch.Subscriber implementation the registry fans out to.
type clientConn struct {
	id    string
	conn  net.Conn
	eng   *Engine
	log   *logrus.Entry

	writeMu sync.Mutex
	state   connState
}

func newClientConn(conn net.Conn, eng *Engine) *clientConn {
	return &clientConn{
		id:    uuid.NewString(),
		conn:  conn,
		eng:   eng,
		state: connConnecting,
		log:   logrus.WithField("component", "engine"),
	}
}

// ID implements watch.Subscriber.
func (c *clientConn) ID() string { return c.id }

// SendFrame implements watch.Subscriber; it is also used directly by the
// request handlers below to write response frames.
func (c *clientConn) SendFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.conn, frame)
}

func (c *clientConn) readLoop() {
	c.state = connConnected
	defer func() {
		c.state = connDisconnected
		_ = c.conn.Close()
	}()

	clog := c.log.WithField("client", c.id)
	for {
		mt, payload, err := wire.ReadFrame(c.conn)
		if err != nil {
			clog.WithError(err).Debug("client read ended")
			return
		}
		if err := c.dispatch(mt, payload); err != nil {
			clog.WithError(err).WithField("type", mt).Warn("malformed frame, closing client")
			return
		}
	}
}

func (c *clientConn) dispatch(mt wire.MsgType, payload []byte) error {
	switch mt {
	case wire.MsgStore:
		return c.handleStore(payload)
	case wire.MsgIterate:
		return c.handleIterate(payload)
	case wire.MsgWatch:
		return c.handleWatch(payload)
	case wire.MsgWatchCancel:
		return c.handleWatchCancel(payload)
	default:
		return fmt.Errorf("engine: unexpected message type %s from client", mt)
	}
}

// handleStore implements STORE: parse, require subsystem/peer/key, forward
// to the backend, then fan out to watchers once the storage continuation
// reports success. There is no STORE response frame on the wire; the
// client's own transport write completing is its success signal, so
// "acknowledging" a store here means logging and metrics only.
func (c *clientConn) handleStore(payload []byte) error {
	rec, err := wire.DecodeRecord(payload)
	if err != nil {
		return err
	}
	if rec.Subsystem == "" || !rec.PeerSet || rec.Key == "" {
		return fmt.Errorf("engine: STORE missing subsystem/peer/key")
	}

	storeRec := storage.FromWire(rec)
	clog := c.log.WithField("client", c.id)
	err = c.eng.backend.Store(context.Background(), storeRec, rec.Options, func(err error) {
		if err != nil {
			metrics.StoreTotal.WithLabelValues("error").Inc()
			clog.WithError(err).Warn("store failed")
			return
		}
		metrics.StoreTotal.WithLabelValues("ok").Inc()
		delivered := c.eng.registry.Fanout(rec)
		if delivered > 0 {
			metrics.WatchFanoutTotal.Add(float64(delivered))
		}
	})
	return err
}

// handleIterate implements ITERATE: parse query (peer/key may be absent),
// stream ITERATE_RECORD frames, terminate with ITERATE_END (carrying an
// error message payload when the scan itself failed).
func (c *clientConn) handleIterate(payload []byte) error {
	rec, err := wire.DecodeRecord(payload)
	if err != nil {
		return err
	}
	if rec.Subsystem == "" {
		return fmt.Errorf("engine: ITERATE missing subsystem")
	}

	var peer *[32]byte
	if rec.PeerSet {
		p := rec.Peer
		peer = &p
	}
	var key *string
	if rec.Key != "" {
		k := rec.Key
		key = &k
	}

	metrics.IterateTotal.Inc()
	return c.eng.backend.Iterate(
		context.Background(),
		rec.Subsystem, peer, key,
		func(row storage.Record) error {
			frame, err := wire.Encode(wire.MsgIterateRecord, storage.ToWire(row))
			if err != nil {
				return err
			}
			return c.SendFrame(frame)
		},
		func(err error) {
			emsg := ""
			if err != nil {
				emsg = err.Error()
			}
			if sendErr := c.SendFrame(wire.EncodeEmsg(wire.MsgIterateEnd, emsg)); sendErr != nil {
				c.log.WithError(sendErr).WithField("client", c.id).Warn("send ITERATE_END failed")
			}
		},
	)
}

// handleWatch implements WATCH: a fixed-size digest payload registers this
// client as a notification-only subscriber of that composite key.
func (c *clientConn) handleWatch(payload []byte) error {
	digest, err := wire.DecodeDigest(payload)
	if err != nil {
		return err
	}
	c.eng.registry.Add(digest, c)
	return nil
}

// handleWatchCancel implements WATCH_CANCEL.
func (c *clientConn) handleWatchCancel(payload []byte) error {
	digest, err := wire.DecodeDigest(payload)
	if err != nil {
		return err
	}
	c.eng.registry.Remove(digest, c)
	return nil
}
