// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/juju/errors"
)

// Boxed value kinds. A value either travels by value (an immutable
// primitive, copied), by reference (a fresh handle the receiver wraps
// as a proxy), or as a back reference (a handle the receiver itself
// issued, unboxed to the original object).
const (
	boxValue = "v"
	boxRef   = "r"
	boxLocal = "l"
)

// boxedValue is the wire form of one value crossing the connection.
type boxedValue struct {
	Kind   string          `json:"k"`
	Value  json.RawMessage `json:"v,omitempty"`
	Handle uint64          `json:"h,omitempty"`

	// Names carries the capability descriptor of a by-reference
	// value, so the receiving proxy needs no descriptor round trip.
	Names []string `json:"d,omitempty"`
}

// box decides how v crosses the wire. Primitives and flat primitive
// sequences are copied; a proxy owned by this connection's peer turns
// back into the handle it came from; everything else is exposed in the
// object table and sent as a new reference.
func (c *Conn) box(v interface{}) (boxedValue, error) {
	if v == nil {
		return boxedValue{Kind: boxValue, Value: json.RawMessage("null")}, nil
	}
	if p, ok := v.(*Proxy); ok {
		if p.conn != c {
			return boxedValue{}, errors.Errorf("cannot send proxy owned by another connection")
		}
		return boxedValue{Kind: boxLocal, Handle: p.handle}, nil
	}
	if isByValue(reflect.ValueOf(v)) {
		data, err := json.Marshal(v)
		if err != nil {
			return boxedValue{}, errors.Annotate(err, "marshalling value")
		}
		return boxedValue{Kind: boxValue, Value: data}, nil
	}
	names := c.policy(v)
	handle := c.table.expose(v, names)
	return boxedValue{
		Kind:   boxRef,
		Handle: handle,
		Names:  names.SortedValues(),
	}, nil
}

// unbox is the inverse of the peer's box. Note that by-value numbers
// unbox as float64, the JSON number type.
func (c *Conn) unbox(b boxedValue) (interface{}, error) {
	switch b.Kind {
	case boxValue:
		if len(b.Value) == 0 {
			return nil, nil
		}
		var v interface{}
		if err := json.Unmarshal(b.Value, &v); err != nil {
			return nil, fmt.Errorf("unmarshalling value: %v: %w", err, ErrProtocolViolation)
		}
		return v, nil
	case boxRef:
		return c.newProxy(b.Handle, b.Names), nil
	case boxLocal:
		e, err := c.table.lookup(b.Handle)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return e.value, nil
	}
	return nil, fmt.Errorf("unknown boxed value kind %q: %w", b.Kind, ErrProtocolViolation)
}

// boxAll boxes a slice of call arguments.
func (c *Conn) boxAll(vs []interface{}) ([]boxedValue, error) {
	if len(vs) == 0 {
		return nil, nil
	}
	boxed := make([]boxedValue, len(vs))
	for i, v := range vs {
		b, err := c.box(v)
		if err != nil {
			return nil, errors.Trace(err)
		}
		boxed[i] = b
	}
	return boxed, nil
}

// unboxAll unboxes the arguments of an incoming call.
func (c *Conn) unboxAll(bs []boxedValue) ([]interface{}, error) {
	if len(bs) == 0 {
		return nil, nil
	}
	vs := make([]interface{}, len(bs))
	for i, b := range bs {
		v, err := c.unbox(b)
		if err != nil {
			return nil, errors.Trace(err)
		}
		vs[i] = v
	}
	return vs, nil
}

// isByValue reports whether v is an immutable primitive, or a flat
// sequence of them, and therefore travels by copy. Nested sequences
// and anything mutable go by reference.
func isByValue(v reflect.Value) bool {
	if isPrimitive(v) {
		return true
	}
	for v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if !isPrimitive(v.Index(i)) {
				return false
			}
		}
		return true
	}
	return false
}

func isPrimitive(v reflect.Value) bool {
	for v.Kind() == reflect.Interface {
		if v.IsNil() {
			return true
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
