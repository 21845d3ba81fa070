// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

import (
	"fmt"
	"io"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("refconn")

// connState is the lifecycle of a Conn. Calls may only be issued while
// active; closing flushes queued decrefs; closed fails every pending
// call with ErrConnectionClosed.
type connState int

const (
	stateNew connState = iota
	stateHandshaking
	stateActive
	stateClosing
	stateClosed
)

// Conn represents one end of a refconn link. It can both initiate and
// receive requests: either peer may act as caller or callee at any
// time over the same connection. There may be multiple outstanding
// calls, and a Conn may be used by multiple goroutines simultaneously.
type Conn struct {
	// codec holds the underlying connection.
	codec Codec

	// root holds the service object served to the peer, if any.
	root interface{}

	// rootNames holds the exposure policy evaluated for root.
	rootNames set.Strings

	// policy decides what the dispatcher may touch on objects
	// exposed over this connection.
	policy Policy

	// allowBuiltins permits the builtin capability operations
	// (to-string, length, indexing, call-a-callable, descriptor).
	allowBuiltins bool

	// srvPending tracks in-flight inbound dispatches.
	srvPending sync.WaitGroup

	// sending guards the write side of the codec - it ensures that
	// codec.WriteMessage is not called concurrently.
	sending sync.Mutex

	// mutex guards the following values.
	mutex sync.Mutex

	// state holds the connection lifecycle state.
	state connState

	// reqId holds the latest outbound request id. Ids increase
	// monotonically and are never reused while pending.
	reqId uint64

	// clientPending holds all pending outbound calls.
	clientPending map[uint64]*call

	// tombstones marks request ids abandoned by their callers, so
	// a late reply is discarded rather than treated as a protocol
	// violation.
	tombstones map[uint64]struct{}

	// table holds the locally owned objects exposed to the peer.
	table *objectTable

	// queuedDecrefs accumulates reference drops (mostly from proxy
	// finalizers) until the send path can flush them.
	queuedDecrefs map[uint64]int

	// peerRoot holds the capability descriptor of the peer's root
	// service, announced in its handshake.
	peerRoot []string

	// active is closed when the peer's handshake arrives.
	active chan struct{}

	// dead is closed when the input loop terminates.
	dead chan struct{}

	// inputLoopError holds the error that caused the input loop to
	// terminate prematurely. It is set before dead is closed.
	inputLoopError error
}

// An Option configures a Conn.
type Option func(*Conn)

// WithPolicy sets the exposure policy for objects sent by reference
// over the connection, including the root service.
func WithPolicy(p Policy) Option {
	return func(c *Conn) {
		c.policy = p
	}
}

// WithBuiltins enables or disables the builtin capability operations.
// They are enabled by default; disabling them restricts peers to the
// names admitted by the exposure policy, with no to-string, length or
// indexing access at all.
func WithBuiltins(enabled bool) Option {
	return func(c *Conn) {
		c.allowBuiltins = enabled
	}
}

// NewConn creates a new connection that serves root to the peer over
// the given codec, but does not start it. Conn.Start must be called
// before any requests are sent or received. A nil root serves no
// methods; the connection can still issue calls against the peer.
func NewConn(codec Codec, root interface{}, opts ...Option) *Conn {
	c := &Conn{
		codec:         codec,
		root:          root,
		policy:        PrefixedExposure(DefaultExposurePrefix),
		allowBuiltins: true,
		clientPending: make(map[uint64]*call),
		tombstones:    make(map[uint64]struct{}),
		queuedDecrefs: make(map[uint64]int),
		table:         newObjectTable(),
		active:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if root != nil {
		c.rootNames = c.policy(root)
	} else {
		c.rootNames = set.NewStrings()
	}
	return c
}

// Start sends the handshake and starts the input loop. It must be
// called exactly once for the connection to become usable; further
// calls have no effect. Outbound calls issued before the peer's
// handshake arrives block until it does.
func (c *Conn) Start() {
	c.mutex.Lock()
	if c.dead != nil {
		c.mutex.Unlock()
		return
	}
	c.dead = make(chan struct{})
	c.state = stateHandshaking
	c.mutex.Unlock()

	// The input loop must be running before the handshake goes out,
	// and the handshake write must not block Start: over a synchronous
	// transport a write only completes once the peer reads it, and the
	// peer may be busy writing its own handshake. Holding the sending
	// mutex across the goroutine keeps the handshake first on the wire.
	go c.input()

	hs := handshakeBody{
		Version: protocolVersion,
		Root:    c.rootNames.SortedValues(),
	}
	c.sending.Lock()
	go func() {
		defer c.sending.Unlock()
		if err := c.codec.WriteMessage(&Header{Kind: kindHandshake}, hs); err != nil {
			// The input loop will observe the broken codec and
			// wind the connection down.
			logger.Errorf("sending handshake: %v", err)
		}
	}()
}

// Dead returns a channel that is closed when the connection has been
// closed or the underlying stream has failed. There may still be
// outstanding requests.
func (c *Conn) Dead() <-chan struct{} {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.dead
}

// Close closes the connection and its underlying codec. Queued decrefs
// are flushed, in-flight inbound dispatches are waited for, and every
// still-pending outbound call fails with ErrConnectionClosed. Closing
// an already-closed connection is a no-op.
func (c *Conn) Close() error {
	c.mutex.Lock()
	switch c.state {
	case stateClosed:
		c.mutex.Unlock()
		return nil
	case stateClosing:
		dead := c.dead
		c.mutex.Unlock()
		if dead != nil {
			<-dead
		}
		return nil
	}
	c.state = stateClosing
	started := c.dead != nil
	c.mutex.Unlock()

	if started {
		// Let the peer collect what it can before the stream goes.
		c.flushDecrefs()
	}

	// Wait for outstanding dispatches to complete and write their
	// replies before closing the codec.
	c.srvPending.Wait()

	// Closing the codec causes the input loop to terminate.
	if err := c.codec.Close(); err != nil {
		logger.Infof("error closing codec: %v", err)
	}
	if started {
		<-c.dead
	}

	c.mutex.Lock()
	c.state = stateClosed
	err := c.inputLoopError
	c.mutex.Unlock()

	// The peer is gone; every exposed entry is released wholesale.
	c.table.releaseAll()
	return err
}

// Root returns a proxy for the peer's root service. Its capability
// descriptor is pre-seeded from the peer's handshake once it arrives.
func (c *Conn) Root() *Proxy {
	c.mutex.Lock()
	names := c.peerRoot
	c.mutex.Unlock()
	return c.newProxy(0, names)
}

// input reads messages from the connection and handles them
// appropriately.
func (c *Conn) input() {
	err := c.loop()
	c.sending.Lock()
	defer c.sending.Unlock()
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state >= stateClosing || errors.Is(err, io.EOF) || errors.Is(err, ErrConnectionClosed) {
		err = ErrConnectionClosed
	} else {
		// Make the error available for Conn.Close to see.
		c.inputLoopError = err
		logger.Errorf("connection failed: %v", err)
	}
	// Terminate all pending outbound calls, uniformly.
	for _, call := range c.clientPending {
		call.err = ErrConnectionClosed
		call.finish()
	}
	// Close owns the transition to stateClosed and the reporting of
	// inputLoopError; a nil clientPending refuses new calls meanwhile.
	c.clientPending = nil
	c.table.releaseAll()
	close(c.dead)
}

// loop implements the looping part of Conn.input. Frames are processed
// strictly in arrival order: inbound requests are dispatched and
// replies resolved as they arrive, so the loop is never parked waiting
// for one specific reply. That is what permits reentrant calls.
func (c *Conn) loop() error {
	var hdr Header
	for {
		hdr = Header{}
		if err := c.codec.ReadHeader(&hdr); err != nil {
			return err
		}
		var err error
		if hdr.IsRequest() {
			err = c.handleRequest(&hdr)
		} else {
			err = c.handleResponse(&hdr)
		}
		if err != nil {
			return errors.Trace(err)
		}
	}
}

func (c *Conn) readBody(body interface{}, isRequest bool) error {
	return c.codec.ReadBody(body, isRequest)
}

// queueDecref records n dropped references to the peer's entry behind
// handle. The message itself is written by whichever send-path visit
// comes next, so finalizer goroutines never block on the network.
func (c *Conn) queueDecref(handle uint64, n int) {
	c.mutex.Lock()
	if c.state == stateClosed || c.clientPending == nil {
		// Peer is gone; teardown reclaims everything wholesale.
		c.mutex.Unlock()
		return
	}
	c.queuedDecrefs[handle] += n
	c.mutex.Unlock()

	if c.sending.TryLock() {
		c.flushDecrefsLocked()
		c.sending.Unlock()
	}
}

func (c *Conn) flushDecrefs() {
	c.sending.Lock()
	defer c.sending.Unlock()
	c.flushDecrefsLocked()
}

// flushDecrefsLocked writes queued decref messages. The caller must
// hold the sending mutex.
func (c *Conn) flushDecrefsLocked() {
	c.mutex.Lock()
	if len(c.queuedDecrefs) == 0 {
		c.mutex.Unlock()
		return
	}
	queued := c.queuedDecrefs
	c.queuedDecrefs = make(map[uint64]int)
	c.mutex.Unlock()

	for handle, count := range queued {
		hdr := &Header{Kind: kindDecRef, Target: handle}
		if err := c.codec.WriteMessage(hdr, decrefBody{Count: count}); err != nil {
			logger.Debugf("writing decref for handle %d: %v", handle, err)
			return
		}
	}
}

// handleHandshake completes the connection's handshake with the peer's
// announcement.
func (c *Conn) handleHandshake(hdr *Header) error {
	var body handshakeBody
	if err := c.readBody(&body, true); err != nil {
		return errors.Trace(err)
	}
	if body.Version != protocolVersion {
		return fmt.Errorf("peer speaks protocol version %d, want %d: %w",
			body.Version, protocolVersion, ErrProtocolViolation)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	switch c.state {
	case stateHandshaking:
		c.peerRoot = body.Root
		c.state = stateActive
		close(c.active)
		return nil
	case stateClosing, stateClosed:
		return nil
	}
	return fmt.Errorf("unexpected handshake on active connection: %w", ErrProtocolViolation)
}
