// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package framing_test

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/refconn/refconn"
	"github.com/refconn/refconn/framing"
)

type framingSuite struct{}

var _ = gc.Suite(&framingSuite{})

// bufferStream adapts a bytes.Buffer for reading canned wire data.
type bufferStream struct {
	bytes.Buffer
	closed int
}

func (b *bufferStream) Close() error {
	b.closed++
	return nil
}

// chunkedStream delivers at most one byte per Read, forcing frame
// reassembly from partial deliveries.
type chunkedStream struct {
	bufferStream
}

func (cs *chunkedStream) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return cs.bufferStream.Read(p)
}

func encodeFrame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func (s *framingSuite) TestRoundTrip(c *gc.C) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	in := framing.New(client)
	out := framing.New(server)

	sent := make(chan error, 1)
	go func() {
		sent <- out.Send([]byte("hello"))
	}()
	payload, err := in.Receive()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(payload), gc.Equals, "hello")
	c.Assert(<-sent, jc.ErrorIsNil)
}

func (s *framingSuite) TestFramesArriveInOrder(c *gc.C) {
	var buf bufferStream
	w := framing.New(&buf)
	c.Assert(w.Send([]byte("one")), jc.ErrorIsNil)
	c.Assert(w.Send([]byte("two")), jc.ErrorIsNil)
	c.Assert(w.Send(nil), jc.ErrorIsNil)

	r := framing.New(&buf)
	for _, want := range []string{"one", "two", ""} {
		payload, err := r.Receive()
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(string(payload), gc.Equals, want)
	}
	_, err := r.Receive()
	c.Assert(errors.Is(err, refconn.ErrConnectionClosed), jc.IsTrue, gc.Commentf("%v", err))
}

func (s *framingSuite) TestReassemblesPartialDeliveries(c *gc.C) {
	var cs chunkedStream
	cs.Write(encodeFrame([]byte("fragmented payload")))

	payload, err := framing.New(&cs).Receive()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(payload), gc.Equals, "fragmented payload")
}

func (s *framingSuite) TestStreamEndMidFrame(c *gc.C) {
	var buf bufferStream
	frame := encodeFrame([]byte("truncated"))
	buf.Write(frame[:len(frame)-3])

	_, err := framing.New(&buf).Receive()
	c.Assert(errors.Is(err, refconn.ErrConnectionClosed), jc.IsTrue, gc.Commentf("%v", err))
	c.Assert(err, gc.ErrorMatches, ".*mid-frame.*")
}

func (s *framingSuite) TestStreamEndMidPrefix(c *gc.C) {
	var buf bufferStream
	buf.Write([]byte{0, 0})

	_, err := framing.New(&buf).Receive()
	c.Assert(errors.Is(err, refconn.ErrConnectionClosed), jc.IsTrue, gc.Commentf("%v", err))
}

func (s *framingSuite) TestOversizeAnnouncement(c *gc.C) {
	var buf bufferStream
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 1024)
	buf.Write(prefix[:])

	_, err := framing.New(&buf, framing.WithMaxFrameSize(16)).Receive()
	c.Assert(errors.Is(err, refconn.ErrProtocolViolation), jc.IsTrue, gc.Commentf("%v", err))
}

func (s *framingSuite) TestOversizeSend(c *gc.C) {
	var buf bufferStream
	w := framing.New(&buf, framing.WithMaxFrameSize(4))
	err := w.Send([]byte("too big"))
	c.Assert(err, gc.ErrorMatches, "frame of 7 bytes exceeds limit 4")
	c.Assert(buf.Len(), gc.Equals, 0)
}

func (s *framingSuite) TestCloseIdempotent(c *gc.C) {
	var buf bufferStream
	st := framing.New(&buf)
	c.Assert(st.Close(), jc.ErrorIsNil)
	c.Assert(st.Close(), jc.ErrorIsNil)
	c.Assert(buf.closed, gc.Equals, 1)
}
