// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

// Package jsoncodec implements the refconn Codec as JSON messages,
// one per frame, over a framed byte stream or a websocket connection.
package jsoncodec

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/refconn/refconn"
	"github.com/refconn/refconn/framing"
)

var logger = loggo.GetLogger("refconn.jsoncodec")

// FrameConn carries one message per Receive/Send call. Both
// *framing.Stream and the websocket shim satisfy it.
type FrameConn interface {
	Receive() ([]byte, error)
	Send([]byte) error
	Close() error
}

// inMsg holds an incoming message, header fields inline and the body
// deferred as raw JSON until ReadBody knows its shape.
type inMsg struct {
	RequestId   uint64          `json:"request-id"`
	Kind        string          `json:"kind,omitempty"`
	Target      uint64          `json:"target,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   string          `json:"error-code,omitempty"`
	ErrorRemote string          `json:"error-remote,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
}

// outMsg is the outgoing counterpart of inMsg.
type outMsg struct {
	RequestId   uint64      `json:"request-id"`
	Kind        string      `json:"kind,omitempty"`
	Target      uint64      `json:"target,omitempty"`
	Operation   string      `json:"operation,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorCode   string      `json:"error-code,omitempty"`
	ErrorRemote string      `json:"error-remote,omitempty"`
	Params      interface{} `json:"params,omitempty"`
	Response    interface{} `json:"response,omitempty"`
}

// Codec implements refconn.Codec over a FrameConn.
type Codec struct {
	conn FrameConn
	msg  inMsg
}

var _ refconn.Codec = (*Codec)(nil)

// New returns a codec over an arbitrary frame connection.
func New(conn FrameConn) *Codec {
	return &Codec{conn: conn}
}

// NewFramed returns a codec over a length-prefixed frame stream.
func NewFramed(stream *framing.Stream) *Codec {
	return New(stream)
}

// NewNet returns a codec over a network connection (or anything
// net.Conn shaped, such as net.Pipe ends), framing it first.
func NewNet(conn net.Conn) *Codec {
	return New(framing.New(conn))
}

// ReadHeader reads the next message and fills hdr from it. The body is
// kept aside for the following ReadBody call.
func (c *Codec) ReadHeader(hdr *refconn.Header) error {
	data, err := c.conn.Receive()
	if err != nil {
		return errors.Trace(err)
	}
	if logger.IsTraceEnabled() {
		logger.Tracef("<- %s", data)
	}
	c.msg = inMsg{}
	if err := json.Unmarshal(data, &c.msg); err != nil {
		return fmt.Errorf("malformed message %q: %v: %w",
			data, err, refconn.ErrProtocolViolation)
	}
	hdr.RequestId = c.msg.RequestId
	hdr.Kind = c.msg.Kind
	hdr.Target = c.msg.Target
	hdr.Operation = c.msg.Operation
	hdr.Error = c.msg.Error
	hdr.ErrorCode = c.msg.ErrorCode
	hdr.ErrorRemote = c.msg.ErrorRemote
	return nil
}

// ReadBody decodes the body stashed by the last ReadHeader into body,
// or discards it when body is nil.
func (c *Codec) ReadBody(body interface{}, isRequest bool) error {
	if body == nil {
		return nil
	}
	raw := c.msg.Response
	if isRequest {
		raw = c.msg.Params
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, body); err != nil {
		return fmt.Errorf("malformed message body %q: %v: %w",
			raw, err, refconn.ErrProtocolViolation)
	}
	return nil
}

// WriteMessage writes one message with the given header and body.
func (c *Codec) WriteMessage(hdr *refconn.Header, body interface{}) error {
	msg := outMsg{
		RequestId:   hdr.RequestId,
		Kind:        hdr.Kind,
		Target:      hdr.Target,
		Operation:   hdr.Operation,
		Error:       hdr.Error,
		ErrorCode:   hdr.ErrorCode,
		ErrorRemote: hdr.ErrorRemote,
	}
	if hdr.IsRequest() {
		msg.Params = body
	} else {
		msg.Response = body
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Annotate(err, "marshalling message")
	}
	if logger.IsTraceEnabled() {
		logger.Tracef("-> %s", data)
	}
	return errors.Trace(c.conn.Send(data))
}

// Close closes the underlying frame connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
