// Package engine implements the service engine: the accept loop,
// per-client dispatch, expiry sweeper, and shutdown sequencing that sit on
// top of a storage.Backend and a watch.Registry.
package engine

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerstore/internal/metrics"
	"peerstore/internal/storage"
	"peerstore/internal/watch"
)

// State is the engine-wide lifecycle state.
type State int

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrDraining is returned to callers attempting to register a new client
// while the engine is draining or stopped.
var ErrDraining = errors.New("engine: draining, new connections rejected")

// DefaultSweepInterval is the expiry sweeper's cadence absent an override.
const DefaultSweepInterval = 300 * time.Second

// Engine owns exactly one storage.Backend, one watch.Registry, and the set
// of currently connected clients.
type Engine struct {
	backend       storage.Backend
	registry      *watch.Registry
	sweepInterval time.Duration

	mu      sync.Mutex
	state   State
	clients map[string]*clientConn
	wg      sync.WaitGroup

	listener  net.Listener
	sweepStop chan struct{}

	log *logrus.Entry
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithSweepInterval overrides the default 300s expiry-sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// New constructs an Engine bound to backend, ready to Serve on a listener.
func New(backend storage.Backend, opts ...Option) *Engine {
	e := &Engine{
		backend:       backend,
		registry:      watch.New(),
		sweepInterval: DefaultSweepInterval,
		state:         StateRunning,
		clients:       make(map[string]*clientConn),
		sweepStop:     make(chan struct{}),
		log:           logrus.WithField("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Serve listens on the Unix domain socket at socketPath, removing any stale
// socket file left behind by a previous unclean shutdown, and accepts
// clients until Drain is called.
func (e *Engine) Serve(socketPath string) error {
	if err := os.RemoveAll(socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()

	e.wg.Add(1)
	go e.sweepLoop()

	e.log.WithField("socket", socketPath).Info("engine listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			e.mu.Lock()
			draining := e.state != StateRunning
			e.mu.Unlock()
			if draining {
				return nil
			}
			e.log.WithError(err).Warn("accept failed")
			return err
		}

		if err := e.register(conn); err != nil {
			e.log.WithError(err).Warn("reject connection while draining")
			_ = conn.Close()
			continue
		}
	}
}

func (e *Engine) register(conn net.Conn) error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return ErrDraining
	}
	cc := newClientConn(conn, e)
	e.clients[cc.ID()] = cc
	e.mu.Unlock()

	metrics.ConnectedClients.Inc()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		cc.readLoop()
		e.unregister(cc)
	}()
	return nil
}

func (e *Engine) unregister(cc *clientConn) {
	e.registry.RemoveAll(cc)
	e.mu.Lock()
	delete(e.clients, cc.ID())
	remaining := len(e.clients)
	state := e.state
	e.mu.Unlock()
	metrics.ConnectedClients.Dec()

	if state == StateDraining && remaining == 0 {
		e.mu.Lock()
		e.state = StateStopped
		e.mu.Unlock()
	}
}

// Drain stops accepting new connections and lets in-flight clients finish.
// The engine reaches StateStopped only once every client has disconnected.
func (e *Engine) Drain() {
	e.mu.Lock()
	if e.state == StateRunning {
		e.state = StateDraining
	}
	remaining := len(e.clients)
	ln := e.listener
	e.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	close(e.sweepStop)

	if remaining == 0 {
		e.mu.Lock()
		e.state = StateStopped
		e.mu.Unlock()
	}
}

// Wait blocks until every client goroutine and the sweeper have returned,
// then closes the backend. Call after Drain.
func (e *Engine) Wait() {
	e.wg.Wait()
	_ = e.backend.Close()
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.sweepInterval)
	defer t.Stop()

	e.sweepOnce()
	for {
		select {
		case <-t.C:
			e.sweepOnce()
		case <-e.sweepStop:
			return
		}
	}
}

func (e *Engine) sweepOnce() {
	metrics.WatchersRegistered.Set(float64(e.registry.Count()))

	done := make(chan struct{})
	if err := e.backend.Expire(context.Background(), time.Now(), func(n int64) {
		if n > 0 {
			metrics.ExpiredTotal.Add(float64(n))
			e.log.WithField("deleted", n).Info("expiry sweep")
		}
		close(done)
	}); err != nil {
		e.log.WithError(err).Warn("expiry sweep rejected")
		return
	}
	<-done
}
