// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

// protocolVersion is announced in the handshake. Peers with different
// versions refuse the connection.
const protocolVersion = 1

// handshakeBody is the body of the handshake message each side sends
// on start. Root pre-announces the capability descriptor of the root
// service so the peer's root proxy needs no descriptor round trip.
type handshakeBody struct {
	Version int      `json:"version"`
	Root    []string `json:"root,omitempty"`
}

// callBody carries the boxed arguments of a call request.
type callBody struct {
	Args []boxedValue `json:"args,omitempty"`
}

// setBody carries the boxed value of an attribute-set request.
type setBody struct {
	Value boxedValue `json:"value"`
}

// decrefBody drops Count references from the entry behind the handle
// in the header. Decref messages are fire and forget; they carry no
// request id and produce no reply.
type decrefBody struct {
	Count int `json:"count"`
}

// replyBody carries the boxed result of a successful call, get or set.
type replyBody struct {
	Result boxedValue `json:"result"`
}
