// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

// Package framing turns a reliable ordered byte stream into a stream
// of discrete length-delimited frames. It assumes in-order delivery
// from the transport; no reordering is tolerated or corrected.
package framing

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/juju/errors"

	"github.com/refconn/refconn"
)

// DefaultMaxFrameSize bounds both announced and outgoing frame sizes.
// A peer announcing a larger frame is violating the protocol.
const DefaultMaxFrameSize = 16 << 20

// lenSize is the width of the big-endian length prefix.
const lenSize = 4

// An Option configures a Stream.
type Option func(*Stream)

// WithMaxFrameSize overrides DefaultMaxFrameSize.
func WithMaxFrameSize(n uint32) Option {
	return func(s *Stream) {
		s.maxFrame = n
	}
}

// Stream reads and writes length-prefixed frames over an underlying
// reliable ordered stream such as a TCP connection or a pipe. Partial
// reads are buffered and reassembled so Receive returns exactly one
// logical message.
//
// One reader and one writer may use a Stream concurrently; Close may
// be called from any goroutine and unblocks the reader.
type Stream struct {
	rwc      io.ReadWriteCloser
	r        *bufio.Reader
	w        *bufio.Writer
	maxFrame uint32

	closeOnce sync.Once
	closeErr  error
}

// New wraps rwc in a frame stream.
func New(rwc io.ReadWriteCloser, opts ...Option) *Stream {
	s := &Stream{
		rwc:      rwc,
		r:        bufio.NewReader(rwc),
		w:        bufio.NewWriter(rwc),
		maxFrame: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send writes one frame. The frame is flushed to the transport before
// Send returns.
func (s *Stream) Send(payload []byte) error {
	if uint32(len(payload)) > s.maxFrame {
		return errors.Errorf("frame of %d bytes exceeds limit %d", len(payload), s.maxFrame)
	}
	var prefix [lenSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := s.w.Write(prefix[:]); err != nil {
		return streamError(err)
	}
	if _, err := s.w.Write(payload); err != nil {
		return streamError(err)
	}
	if err := s.w.Flush(); err != nil {
		return streamError(err)
	}
	return nil
}

// Receive reads exactly one frame. It returns ErrConnectionClosed when
// the underlying stream ends, whether at a frame boundary or mid
// frame, and ErrProtocolViolation when the peer announces a frame over
// the size limit.
func (s *Stream) Receive() ([]byte, error) {
	var prefix [lenSize]byte
	if _, err := io.ReadFull(s.r, prefix[:]); err != nil {
		return nil, streamError(err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > s.maxFrame {
		return nil, fmt.Errorf("peer announced frame of %d bytes, limit %d: %w",
			size, s.maxFrame, refconn.ErrProtocolViolation)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("stream ended mid-frame: %w", refconn.ErrConnectionClosed)
		}
		return nil, streamError(err)
	}
	return payload, nil
}

// Close closes the underlying stream. It is idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rwc.Close()
	})
	return s.closeErr
}

// streamError maps transport end-of-stream conditions onto
// ErrConnectionClosed and passes everything else through.
func streamError(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF || err == io.ErrClosedPipe {
		return refconn.ErrConnectionClosed
	}
	return errors.Trace(err)
}
