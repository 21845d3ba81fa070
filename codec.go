// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

// A Codec implements reading and writing of messages in a refconn
// session. The connection calls WriteMessage to write a message to the
// stream and calls ReadHeader and ReadBody in pairs to read messages.
type Codec interface {
	// ReadHeader reads a message header into hdr.
	ReadHeader(hdr *Header) error

	// ReadBody reads a message body into the given body value. The
	// isRequest parameter specifies whether the message being read
	// is a request; if not, it's a reply. The body value will be a
	// non-nil struct pointer, or nil to signify that the body
	// should be read and discarded.
	ReadBody(body interface{}, isRequest bool) error

	// WriteMessage writes a message with the given header and body.
	// The body will always be a struct.
	WriteMessage(hdr *Header, body interface{}) error

	// Close closes the codec. It may be called concurrently
	// and should cause the Read methods to unblock.
	Close() error
}

// Message kinds carried in Header.Kind. A reply has an empty kind; its
// meaning is determined by the request id it answers.
const (
	kindHandshake = "handshake"
	kindPing      = "ping"
	kindCall      = "call"
	kindGet       = "get"
	kindSet       = "set"
	kindDecRef    = "decref"
)

// Header is a header written before every message. Since requests can
// be initiated from either side, the header may represent a request
// from the other side or a reply to an outstanding request.
type Header struct {
	// RequestId holds the sequence number of the request. It is
	// zero for decref and handshake messages, which expect no
	// reply.
	RequestId uint64

	// Kind holds the message kind for requests. It is empty for
	// replies.
	Kind string

	// Target holds the handle of the object to act on. Zero
	// addresses the peer's root service.
	Target uint64

	// Operation holds the method or attribute name to act on, for
	// call, get and set requests.
	Operation string

	// Error holds the error, if any.
	Error string

	// ErrorCode holds the code of the error, if any.
	ErrorCode string

	// ErrorRemote optionally holds a traceback-like rendition of
	// where the error happened in the peer process.
	ErrorRemote string
}

// IsRequest returns whether the header represents a request. If it is
// not a request, it is a reply.
func (hdr *Header) IsRequest() bool {
	return hdr.Kind != ""
}
