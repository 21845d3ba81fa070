// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

import (
	"context"
	"fmt"

	"github.com/juju/errors"
)

// call represents one active outbound request.
type call struct {
	hdr    Header
	params interface{}
	result replyBody
	err    error
	done   chan *call
}

func (cl *call) finish() {
	select {
	case cl.done <- cl:
	default:
		// The channel is allocated with capacity 1 by invoke, so
		// this cannot happen for calls it created.
		logger.Errorf("discarding reply due to insufficient done chan capacity")
	}
}

// send registers the call, assigns it a fresh request id and writes it
// out. It returns zero if the connection cannot take new calls.
func (c *Conn) send(cl *call) uint64 {
	c.sending.Lock()
	defer c.sending.Unlock()

	c.mutex.Lock()
	if c.dead == nil {
		cl.err = errors.New("call made when connection not started")
		c.mutex.Unlock()
		cl.finish()
		return 0
	}
	if c.state >= stateClosing {
		cl.err = fmt.Errorf("connection is shutting down: %w", ErrConnectionClosed)
		c.mutex.Unlock()
		cl.finish()
		return 0
	}
	if c.clientPending == nil {
		cl.err = ErrConnectionClosed
		c.mutex.Unlock()
		cl.finish()
		return 0
	}
	c.reqId++
	reqId := c.reqId
	cl.hdr.RequestId = reqId
	c.clientPending[reqId] = cl
	c.mutex.Unlock()

	params := cl.params
	if params == nil {
		params = struct{}{}
	}
	if err := c.codec.WriteMessage(&cl.hdr, params); err != nil {
		c.mutex.Lock()
		cl = c.clientPending[reqId]
		delete(c.clientPending, reqId)
		c.mutex.Unlock()
		if cl != nil {
			cl.err = err
			cl.finish()
		}
		return reqId
	}
	// Ride the write path for any decrefs queued meanwhile.
	c.flushDecrefsLocked()
	return reqId
}

// cancel abandons the pending call with the given id. The id is
// tombstoned so its reply, should one still arrive, is discarded
// without error.
func (c *Conn) cancel(reqId uint64) {
	c.mutex.Lock()
	if c.clientPending != nil {
		if _, ok := c.clientPending[reqId]; ok {
			c.tombstones[reqId] = struct{}{}
			delete(c.clientPending, reqId)
		}
	}
	c.mutex.Unlock()
}

// handleResponse resolves the pending call matching an incoming reply.
// A reply for an id that is neither pending nor tombstoned is a
// protocol violation and fails the connection.
func (c *Conn) handleResponse(hdr *Header) error {
	reqId := hdr.RequestId
	c.mutex.Lock()
	cl := c.clientPending[reqId]
	delete(c.clientPending, reqId)
	c.mutex.Unlock()

	if cl == nil {
		// Read and discard the body either way, to keep the
		// stream in sync.
		if err := c.readBody(nil, false); err != nil {
			return errors.Trace(err)
		}
		c.mutex.Lock()
		_, abandoned := c.tombstones[reqId]
		delete(c.tombstones, reqId)
		c.mutex.Unlock()
		if abandoned {
			logger.Tracef("discarding late reply for abandoned request %d", reqId)
			return nil
		}
		return fmt.Errorf("reply for unknown request %d: %w", reqId, ErrProtocolViolation)
	}
	if hdr.Error != "" {
		cl.err = translateError(hdr)
		if err := c.readBody(nil, false); err != nil {
			return errors.Trace(err)
		}
		cl.finish()
		return nil
	}
	if err := c.readBody(&cl.result, false); err != nil {
		return errors.Trace(err)
	}
	cl.finish()
	return nil
}

// invoke issues one request and blocks until its reply arrives, the
// context is cancelled or the connection dies. It is the single choke
// point all proxy operations go through.
func (c *Conn) invoke(ctx context.Context, hdr Header, params interface{}) (boxedValue, error) {
	if err := ctx.Err(); err != nil {
		return boxedValue{}, errors.Trace(err)
	}
	c.mutex.Lock()
	started := c.dead != nil
	dead := c.dead
	c.mutex.Unlock()
	if !started {
		return boxedValue{}, errors.New("call made when connection not started")
	}

	// New calls may only be issued once the handshake completes.
	select {
	case <-c.active:
	case <-dead:
		return boxedValue{}, ErrConnectionClosed
	case <-ctx.Done():
		return boxedValue{}, errors.Trace(context.Cause(ctx))
	}

	cl := &call{
		hdr:    hdr,
		params: params,
		done:   make(chan *call, 1),
	}
	reqId := c.send(cl)
	if reqId == 0 {
		if cl.err != nil {
			return boxedValue{}, errors.Trace(cl.err)
		}
		return boxedValue{}, ErrConnectionClosed
	}

	select {
	case <-ctx.Done():
		c.cancel(reqId)
		return boxedValue{}, errors.Trace(context.Cause(ctx))
	case result := <-cl.done:
		if result.err != nil {
			return boxedValue{}, errors.Trace(result.err)
		}
		return result.result.Result, nil
	}
}

// Ping performs one round trip to the peer, verifying the connection
// is alive and the peer's input loop is being serviced.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.invoke(ctx, Header{Kind: kindPing}, nil)
	return errors.Trace(err)
}
