// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package jsoncodec_test

import (
	"encoding/json"
	"net"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/refconn/refconn"
	"github.com/refconn/refconn/jsoncodec"
)

type codecSuite struct{}

var _ = gc.Suite(&codecSuite{})

// fakeConn records sent frames and replays canned received ones.
type fakeConn struct {
	received [][]byte
	sent     [][]byte
	closed   bool
}

func (f *fakeConn) Receive() ([]byte, error) {
	if len(f.received) == 0 {
		return nil, refconn.ErrConnectionClosed
	}
	data := f.received[0]
	f.received = f.received[1:]
	return data, nil
}

func (f *fakeConn) Send(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type testBody struct {
	Msg string `json:"msg"`
}

func (s *codecSuite) TestWriteRequest(c *gc.C) {
	conn := &fakeConn{}
	codec := jsoncodec.New(conn)
	err := codec.WriteMessage(&refconn.Header{
		RequestId: 3,
		Kind:      "call",
		Target:    7,
		Operation: "ExposedAdd",
	}, testBody{Msg: "hi"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(conn.sent, gc.HasLen, 1)

	var msg map[string]interface{}
	c.Assert(json.Unmarshal(conn.sent[0], &msg), jc.ErrorIsNil)
	c.Assert(msg, gc.DeepEquals, map[string]interface{}{
		"request-id": 3.0,
		"kind":       "call",
		"target":     7.0,
		"operation":  "ExposedAdd",
		"params":     map[string]interface{}{"msg": "hi"},
	})
}

func (s *codecSuite) TestWriteReply(c *gc.C) {
	conn := &fakeConn{}
	codec := jsoncodec.New(conn)
	err := codec.WriteMessage(&refconn.Header{RequestId: 3}, testBody{Msg: "done"})
	c.Assert(err, jc.ErrorIsNil)

	var msg map[string]interface{}
	c.Assert(json.Unmarshal(conn.sent[0], &msg), jc.ErrorIsNil)
	// A reply has no kind; the body rides in response, not params.
	c.Assert(msg, gc.DeepEquals, map[string]interface{}{
		"request-id": 3.0,
		"response":   map[string]interface{}{"msg": "done"},
	})
}

func (s *codecSuite) TestWriteErrorReply(c *gc.C) {
	conn := &fakeConn{}
	codec := jsoncodec.New(conn)
	err := codec.WriteMessage(&refconn.Header{
		RequestId: 4,
		Error:     "boom",
		ErrorCode: "remote execution error",
	}, nil)
	c.Assert(err, jc.ErrorIsNil)

	var msg map[string]interface{}
	c.Assert(json.Unmarshal(conn.sent[0], &msg), jc.ErrorIsNil)
	c.Assert(msg["error"], gc.Equals, "boom")
	c.Assert(msg["error-code"], gc.Equals, "remote execution error")
}

func (s *codecSuite) TestReadRequest(c *gc.C) {
	conn := &fakeConn{received: [][]byte{
		[]byte(`{"request-id": 9, "kind": "call", "target": 2, "operation": "ExposedAdd", "params": {"msg": "hi"}}`),
	}}
	codec := jsoncodec.New(conn)

	var hdr refconn.Header
	c.Assert(codec.ReadHeader(&hdr), jc.ErrorIsNil)
	c.Assert(hdr, gc.DeepEquals, refconn.Header{
		RequestId: 9,
		Kind:      "call",
		Target:    2,
		Operation: "ExposedAdd",
	})
	c.Assert(hdr.IsRequest(), jc.IsTrue)

	var body testBody
	c.Assert(codec.ReadBody(&body, true), jc.ErrorIsNil)
	c.Assert(body.Msg, gc.Equals, "hi")
}

func (s *codecSuite) TestReadReply(c *gc.C) {
	conn := &fakeConn{received: [][]byte{
		[]byte(`{"request-id": 9, "response": {"msg": "done"}}`),
	}}
	codec := jsoncodec.New(conn)

	var hdr refconn.Header
	c.Assert(codec.ReadHeader(&hdr), jc.ErrorIsNil)
	c.Assert(hdr.IsRequest(), jc.IsFalse)

	var body testBody
	c.Assert(codec.ReadBody(&body, false), jc.ErrorIsNil)
	c.Assert(body.Msg, gc.Equals, "done")
}

func (s *codecSuite) TestReadBodyDiscards(c *gc.C) {
	conn := &fakeConn{received: [][]byte{
		[]byte(`{"request-id": 9, "response": {"msg": "ignored"}}`),
	}}
	codec := jsoncodec.New(conn)

	var hdr refconn.Header
	c.Assert(codec.ReadHeader(&hdr), jc.ErrorIsNil)
	c.Assert(codec.ReadBody(nil, false), jc.ErrorIsNil)
}

func (s *codecSuite) TestMalformedMessage(c *gc.C) {
	conn := &fakeConn{received: [][]byte{[]byte(`{"request-id": `)}}
	codec := jsoncodec.New(conn)

	var hdr refconn.Header
	err := codec.ReadHeader(&hdr)
	c.Assert(errors.Is(err, refconn.ErrProtocolViolation), jc.IsTrue, gc.Commentf("%v", err))
}

func (s *codecSuite) TestMalformedBody(c *gc.C) {
	conn := &fakeConn{received: [][]byte{
		[]byte(`{"request-id": 9, "kind": "call", "params": {"msg": 42}}`),
	}}
	codec := jsoncodec.New(conn)

	var hdr refconn.Header
	c.Assert(codec.ReadHeader(&hdr), jc.ErrorIsNil)
	var body testBody
	err := codec.ReadBody(&body, true)
	c.Assert(errors.Is(err, refconn.ErrProtocolViolation), jc.IsTrue, gc.Commentf("%v", err))
}

func (s *codecSuite) TestReceiveErrorPassedThrough(c *gc.C) {
	codec := jsoncodec.New(&fakeConn{})
	var hdr refconn.Header
	err := codec.ReadHeader(&hdr)
	c.Assert(errors.Is(err, refconn.ErrConnectionClosed), jc.IsTrue, gc.Commentf("%v", err))
}

func (s *codecSuite) TestClose(c *gc.C) {
	conn := &fakeConn{}
	codec := jsoncodec.New(conn)
	c.Assert(codec.Close(), jc.ErrorIsNil)
	c.Assert(conn.closed, jc.IsTrue)
}

func (s *codecSuite) TestNewNetRoundTrip(c *gc.C) {
	clientEnd, serverEnd := net.Pipe()
	client := jsoncodec.NewNet(clientEnd)
	server := jsoncodec.NewNet(serverEnd)
	defer client.Close()
	defer server.Close()

	written := make(chan error, 1)
	go func() {
		written <- client.WriteMessage(&refconn.Header{
			RequestId: 1,
			Kind:      "call",
			Operation: "ExposedAdd",
		}, testBody{Msg: "over the wire"})
	}()

	var hdr refconn.Header
	c.Assert(server.ReadHeader(&hdr), jc.ErrorIsNil)
	c.Assert(hdr.Operation, gc.Equals, "ExposedAdd")
	var body testBody
	c.Assert(server.ReadBody(&body, true), jc.ErrorIsNil)
	c.Assert(body.Msg, gc.Equals, "over the wire")
	c.Assert(<-written, jc.ErrorIsNil)
}
