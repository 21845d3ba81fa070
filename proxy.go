// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// Proxy is a local stand-in for an object living in the peer process.
// Rather than mirroring every Go operation, it offers a small closed
// capability set - call, attribute get/set, index, iterate, to-string -
// each of which issues one protocol request and blocks until the
// paired reply arrives.
//
// A Proxy holds one remote reference. Release it when done; a runtime
// finalizer queues the release as a safety net if the holder forgets.
// After its connection closes every operation fails with
// ErrConnectionClosed - never silently succeeds.
type Proxy struct {
	conn   *Conn
	handle uint64

	mu       sync.Mutex
	names    set.Strings
	released bool
}

// newProxy wraps a handle received from the peer. Each minted proxy
// accounts for exactly one reference in the peer's object table.
func (c *Conn) newProxy(handle uint64, names []string) *Proxy {
	p := &Proxy{conn: c, handle: handle}
	if names != nil {
		p.names = set.NewStrings(names...)
	}
	if handle != 0 {
		runtime.SetFinalizer(p, (*Proxy).Release)
	}
	return p
}

// Handle returns the remote handle this proxy wraps. Handles are only
// meaningful on the connection that issued them.
func (p *Proxy) Handle() uint64 {
	return p.handle
}

// Conn returns the connection that owns this proxy.
func (p *Proxy) Conn() *Conn {
	return p.conn
}

// Equal reports whether other refers to the same remote object over
// the same connection. Remote value equality is deliberately not
// consulted: that would itself be a remote call, with surprising side
// effects for what looks like a pure comparison.
func (p *Proxy) Equal(other *Proxy) bool {
	return other != nil && p.conn == other.conn && p.handle == other.handle
}

// Release drops this proxy's reference in the peer's object table.
// It is idempotent. The decref is fire-and-forget: it is queued and
// flushed by the connection's send path, so Release never blocks on
// the network.
func (p *Proxy) Release() {
	p.mu.Lock()
	if p.released || p.handle == 0 {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.mu.Unlock()
	runtime.SetFinalizer(p, nil)
	p.conn.queueDecref(p.handle, 1)
}

func (p *Proxy) check() error {
	p.mu.Lock()
	released := p.released
	p.mu.Unlock()
	if released {
		return errors.Errorf("proxy for handle %d has been released", p.handle)
	}
	return nil
}

// Call invokes the named operation on the remote object. The result is
// a by-value copy for primitives or another Proxy for anything else.
func (p *Proxy) Call(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	if err := p.check(); err != nil {
		return nil, errors.Trace(err)
	}
	boxed, err := p.conn.boxAll(args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	hdr := Header{Kind: kindCall, Target: p.handle, Operation: name}
	result, err := p.conn.invoke(ctx, hdr, callBody{Args: boxed})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p.conn.unbox(result)
}

// Invoke calls the remote object itself, for proxies wrapping remote
// callables (functions sent by reference).
func (p *Proxy) Invoke(ctx context.Context, args ...interface{}) (interface{}, error) {
	return p.Call(ctx, opCall, args...)
}

// Attr reads the named attribute of the remote object. Reading a
// method name yields a proxy for the bound method.
func (p *Proxy) Attr(ctx context.Context, name string) (interface{}, error) {
	if err := p.check(); err != nil {
		return nil, errors.Trace(err)
	}
	hdr := Header{Kind: kindGet, Target: p.handle, Operation: name}
	result, err := p.conn.invoke(ctx, hdr, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p.conn.unbox(result)
}

// SetAttr writes the named attribute of the remote object.
func (p *Proxy) SetAttr(ctx context.Context, name string, value interface{}) error {
	if err := p.check(); err != nil {
		return errors.Trace(err)
	}
	boxed, err := p.conn.box(value)
	if err != nil {
		return errors.Trace(err)
	}
	hdr := Header{Kind: kindSet, Target: p.handle, Operation: name}
	_, err = p.conn.invoke(ctx, hdr, setBody{Value: boxed})
	return errors.Trace(err)
}

// Index reads an element of the remote sequence or map.
func (p *Proxy) Index(ctx context.Context, key interface{}) (interface{}, error) {
	return p.Call(ctx, opGetItem, key)
}

// SetIndex assigns an element of the remote sequence or map.
func (p *Proxy) SetIndex(ctx context.Context, key, value interface{}) error {
	_, err := p.Call(ctx, opSetItem, key, value)
	return errors.Trace(err)
}

// Len returns the length of the remote sequence, map or string.
func (p *Proxy) Len(ctx context.Context) (int, error) {
	v, err := p.Call(ctx, opLen)
	if err != nil {
		return 0, errors.Trace(err)
	}
	n, ok := v.(float64)
	if !ok {
		return 0, errors.Errorf("remote length is %T, not a number", v)
	}
	return int(n), nil
}

// Dir returns the capability descriptor of the remote object: the
// operation names its exposure policy admits. The descriptor is
// fetched once and cached; proxies received by reference and the root
// proxy are usually pre-seeded without a round trip.
func (p *Proxy) Dir(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	names := p.names
	p.mu.Unlock()
	if names != nil {
		return names.SortedValues(), nil
	}
	v, err := p.Call(ctx, opDir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	list, ok := v.([]interface{})
	if !ok && v != nil {
		return nil, errors.Errorf("remote descriptor is %T, not a list", v)
	}
	fetched := set.NewStrings()
	for _, item := range list {
		if s, ok := item.(string); ok {
			fetched.Add(s)
		}
	}
	p.mu.Lock()
	p.names = fetched
	p.mu.Unlock()
	return fetched.SortedValues(), nil
}

// String returns the remote to-string rendition of the object. If the
// connection is closed or the peer refuses, a local placeholder naming
// the handle is returned instead; String never fails loudly because it
// is routinely called by formatting code.
func (p *Proxy) String() string {
	v, err := p.Call(context.Background(), opString)
	if err != nil {
		return fmt.Sprintf("<remote object #%d (%v)>", p.handle, err)
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Iter returns an iterator over the remote sequence. The iterator
// walks the sequence by index, one round trip per element.
func (p *Proxy) Iter(ctx context.Context) (*Iterator, error) {
	length, err := p.Len(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Iterator{proxy: p, length: length}, nil
}

// Iterator walks a remote sequence element by element.
type Iterator struct {
	proxy  *Proxy
	length int
	next   int
}

// Next returns the next element. The second result is false when the
// sequence is exhausted.
func (it *Iterator) Next(ctx context.Context) (interface{}, bool, error) {
	if it.next >= it.length {
		return nil, false, nil
	}
	v, err := it.proxy.Index(ctx, it.next)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	it.next++
	return v, true, nil
}
