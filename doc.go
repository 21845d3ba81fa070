// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

// Package refconn implements a symmetric transparent-proxy RPC engine.
//
// Two processes share live object references over a single duplex
// connection. Each side can invoke methods, read and write attributes,
// index and iterate objects that actually live in the other process,
// without a predefined interface contract: values that cannot travel
// by copy travel as proxies, and any operation on a proxy is one
// protocol round trip.
//
// Either peer may act as caller or callee at any time over the same
// connection, including nested callbacks: while one side waits for a
// reply, it keeps servicing requests the peer issues from inside the
// handler, so reentrant call chains complete instead of deadlocking.
//
// Objects exposed by reference are tracked in a per-connection object
// table with distributed reference counting: each proxy minted for an
// entry is one reference, releasing the proxy sends a fire-and-forget
// decref, and the entry is dropped when the count reaches zero. If a
// peer disappears without releasing, teardown of the connection
// reclaims its table wholesale; there is no finer-grained recovery
// across peer crashes.
//
// What an object exposes is decided by the application through an
// exposure Policy; the engine only enforces it. The default policy
// admits only methods and fields following the "Exposed" naming
// convention.
//
// The engine is transport agnostic: it speaks through a Codec, and the
// jsoncodec package provides codecs over length-prefixed framed
// streams (see the framing package) and websocket connections.
package refconn
