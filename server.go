// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"unicode/utf8"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// Builtin capability operations. They are not Go identifiers on
// purpose, so they can never collide with an application method name.
const (
	opString  = "__str__"
	opLen     = "__len__"
	opGetItem = "__getitem__"
	opSetItem = "__setitem__"
	opCall    = "__call__"
	opDir     = "__dir__"
)

var builtinOps = set.NewStrings(opString, opLen, opGetItem, opSetItem, opCall, opDir)

// inboundRequest carries one decoded request into its dispatch
// goroutine.
type inboundRequest struct {
	reqId  uint64
	kind   string
	op     string
	target interface{}
	names  set.Strings
	args   []boxedValue
	set    *boxedValue
}

// handleRequest interprets one inbound request frame. Errors returned
// from here are fatal to the connection; anything recoverable is
// written back as an error reply instead.
func (c *Conn) handleRequest(hdr *Header) error {
	switch hdr.Kind {
	case kindHandshake:
		return c.handleHandshake(hdr)
	case kindDecRef:
		var body decrefBody
		if err := c.readBody(&body, true); err != nil {
			return errors.Trace(err)
		}
		// A decref for an unknown handle means the peer's and our
		// idea of the table have diverged; nothing sensible can
		// follow.
		return errors.Trace(c.table.decref(hdr.Target, body.Count))
	case kindPing:
		if err := c.readBody(nil, true); err != nil {
			return errors.Trace(err)
		}
		// Replied from a goroutine like any other request, so the
		// input loop never parks on a write.
		reqId := hdr.RequestId
		c.mutex.Lock()
		closing := c.state >= stateClosing
		if !closing {
			c.srvPending.Add(1)
			go func() {
				defer c.srvPending.Done()
				if err := c.writeReply(reqId, boxedValue{}); err != nil {
					logger.Debugf("error writing ping reply: %v", err)
				}
			}()
		}
		c.mutex.Unlock()
		return nil
	case kindCall, kindGet, kindSet:
		return c.handleOperation(hdr)
	}
	return fmt.Errorf("unknown message kind %q: %w", hdr.Kind, ErrProtocolViolation)
}

func (c *Conn) handleOperation(hdr *Header) error {
	req := inboundRequest{
		reqId: hdr.RequestId,
		kind:  hdr.Kind,
		op:    hdr.Operation,
	}
	switch hdr.Kind {
	case kindCall:
		var body callBody
		if err := c.readBody(&body, true); err != nil {
			return errors.Trace(err)
		}
		req.args = body.Args
	case kindSet:
		var body setBody
		if err := c.readBody(&body, true); err != nil {
			return errors.Trace(err)
		}
		req.set = &body.Value
	default:
		if err := c.readBody(nil, true); err != nil {
			return errors.Trace(err)
		}
	}

	if hdr.Target == 0 {
		if c.root == nil {
			return c.writeErrorResponse(hdr.RequestId, errors.New("no root service"), "")
		}
		req.target = c.root
		req.names = c.rootNames
	} else {
		// An invalid handle is a protocol violation, not an
		// application failure: a correct peer never references a
		// collected entry.
		entry, err := c.table.lookup(hdr.Target)
		if err != nil {
			return fmt.Errorf("%v: %w", err, ErrProtocolViolation)
		}
		req.target = entry.value
		req.names = entry.names
	}

	c.mutex.Lock()
	closing := c.state >= stateClosing
	if !closing {
		c.srvPending.Add(1)
		go c.runRequest(req)
	}
	c.mutex.Unlock()
	if closing {
		return c.writeErrorResponse(hdr.RequestId, ErrConnectionClosed, "")
	}
	return nil
}

// runRequest runs the given request and sends the reply.
func (c *Conn) runRequest(req inboundRequest) {
	defer c.srvPending.Done()
	result, err := c.execute(req)
	if err != nil {
		var remote string
		if failure, ok := err.(*dispatchFailure); ok {
			remote = failure.stack
			err = failure.err
		}
		if werr := c.writeErrorResponse(req.reqId, err, remote); werr != nil {
			logger.Errorf("error writing error response: %v", werr)
		}
		return
	}
	if err := c.writeReply(req.reqId, result); err != nil {
		logger.Errorf("error writing response: %v", err)
	}
}

func (c *Conn) writeReply(reqId uint64, result boxedValue) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	hdr := &Header{RequestId: reqId}
	if err := c.codec.WriteMessage(hdr, replyBody{Result: result}); err != nil {
		return errors.Trace(err)
	}
	c.flushDecrefsLocked()
	return nil
}

func (c *Conn) writeErrorResponse(reqId uint64, err error, remote string) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	hdr := &Header{
		RequestId:   reqId,
		Error:       err.Error(),
		ErrorCode:   errorCode(err),
		ErrorRemote: remote,
	}
	if werr := c.codec.WriteMessage(hdr, struct{}{}); werr != nil {
		return errors.Trace(werr)
	}
	return nil
}

// dispatchFailure wraps an execution failure together with the stack
// of where it happened, for the traceback field of the error reply.
type dispatchFailure struct {
	err   error
	stack string
}

func (f *dispatchFailure) Error() string {
	return f.err.Error()
}

// execute performs the requested operation against its target. Any
// failure, including a panic in application code, is returned as an
// error for a call-exception reply; nothing here may kill the input
// loop.
func (c *Conn) execute(req inboundRequest) (result boxedValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &dispatchFailure{
				err:   errors.Errorf("panic: %v", r),
				stack: string(debug.Stack()),
			}
		}
	}()
	switch req.kind {
	case kindGet:
		return c.executeGet(req)
	case kindSet:
		return c.executeSet(req)
	}
	if builtinOps.Contains(req.op) {
		return c.executeBuiltin(req)
	}
	if !req.names.Contains(req.op) {
		return boxedValue{}, fmt.Errorf("operation %q: %w", req.op, ErrAccessDenied)
	}
	method := reflect.ValueOf(req.target).MethodByName(req.op)
	if !method.IsValid() {
		return boxedValue{}, errors.NotImplementedf("operation %q", req.op)
	}
	args, err := c.unboxAll(req.args)
	if err != nil {
		return boxedValue{}, errors.Trace(err)
	}
	return c.callFunc(method, args)
}

func (c *Conn) executeGet(req inboundRequest) (boxedValue, error) {
	if !req.names.Contains(req.op) {
		return boxedValue{}, fmt.Errorf("attribute %q: %w", req.op, ErrAccessDenied)
	}
	v := reflect.ValueOf(req.target)
	if m := v.MethodByName(req.op); m.IsValid() {
		// Reading a method yields the bound method, which travels
		// by reference as a callable.
		return c.box(m.Interface())
	}
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() == reflect.Struct {
		if f := v.FieldByName(req.op); f.IsValid() {
			return c.box(f.Interface())
		}
	}
	return boxedValue{}, errors.NotImplementedf("attribute %q", req.op)
}

func (c *Conn) executeSet(req inboundRequest) (boxedValue, error) {
	if !req.names.Contains(req.op) {
		return boxedValue{}, fmt.Errorf("attribute %q: %w", req.op, ErrAccessDenied)
	}
	value, err := c.unbox(*req.set)
	if err != nil {
		return boxedValue{}, errors.Trace(err)
	}
	v := reflect.ValueOf(req.target)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return boxedValue{}, errors.Errorf("cannot set attribute on %T", req.target)
	}
	f := v.FieldByName(req.op)
	if !f.IsValid() {
		return boxedValue{}, errors.NotImplementedf("attribute %q", req.op)
	}
	if !f.CanSet() {
		return boxedValue{}, errors.Errorf("attribute %q is not settable", req.op)
	}
	converted, err := convertValue(value, f.Type())
	if err != nil {
		return boxedValue{}, errors.Annotatef(err, "setting attribute %q", req.op)
	}
	f.Set(converted)
	return c.box(nil)
}

// executeBuiltin serves the closed capability set every exposed object
// supports: to-string, length, indexing and calling callables. These
// touch only the value's public surface but can still reveal state, so
// they are gated by the connection's builtins switch.
func (c *Conn) executeBuiltin(req inboundRequest) (boxedValue, error) {
	if !c.allowBuiltins {
		return boxedValue{}, fmt.Errorf("builtin operation %q: %w", req.op, ErrAccessDenied)
	}
	args, err := c.unboxAll(req.args)
	if err != nil {
		return boxedValue{}, errors.Trace(err)
	}
	v := reflect.ValueOf(req.target)
	switch req.op {
	case opDir:
		return c.box(req.names.SortedValues())
	case opString:
		if s, ok := req.target.(fmt.Stringer); ok {
			return c.box(s.String())
		}
		return c.box(fmt.Sprintf("%v", req.target))
	case opLen:
		for v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		switch v.Kind() {
		case reflect.Slice, reflect.Array, reflect.Map, reflect.Chan:
			return c.box(v.Len())
		case reflect.String:
			// Rune count, matching rune indexing.
			return c.box(utf8.RuneCountInString(v.String()))
		}
		return boxedValue{}, errors.Errorf("%T has no length", req.target)
	case opGetItem:
		if len(args) != 1 {
			return boxedValue{}, errors.Errorf("index takes one argument, got %d", len(args))
		}
		elem, err := itemOf(v, args[0])
		if err != nil {
			return boxedValue{}, errors.Trace(err)
		}
		return c.box(elem)
	case opSetItem:
		if len(args) != 2 {
			return boxedValue{}, errors.Errorf("set-index takes two arguments, got %d", len(args))
		}
		if err := setItemOf(v, args[0], args[1]); err != nil {
			return boxedValue{}, errors.Trace(err)
		}
		return c.box(nil)
	case opCall:
		for v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		if v.Kind() != reflect.Func {
			return boxedValue{}, errors.Errorf("%T is not callable", req.target)
		}
		return c.callFunc(v, args)
	}
	return boxedValue{}, errors.NotImplementedf("builtin operation %q", req.op)
}

// callFunc invokes fn with converted arguments and boxes its result.
// Supported shapes are any inputs with outputs (), (R), (error) or
// (R, error).
func (c *Conn) callFunc(fn reflect.Value, args []interface{}) (boxedValue, error) {
	t := fn.Type()
	if t.IsVariadic() {
		if len(args) < t.NumIn()-1 {
			return boxedValue{}, errors.Errorf("operation takes at least %d arguments, got %d",
				t.NumIn()-1, len(args))
		}
	} else if len(args) != t.NumIn() {
		return boxedValue{}, errors.Errorf("operation takes %d arguments, got %d",
			t.NumIn(), len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		var want reflect.Type
		if t.IsVariadic() && i >= t.NumIn()-1 {
			want = t.In(t.NumIn() - 1).Elem()
		} else {
			want = t.In(i)
		}
		v, err := convertValue(arg, want)
		if err != nil {
			return boxedValue{}, errors.Annotatef(err, "argument %d", i)
		}
		in[i] = v
	}
	out := fn.Call(in)

	// Split off a trailing error result, if any.
	errType := reflect.TypeOf((*error)(nil)).Elem()
	if n := len(out); n > 0 && t.Out(n-1).Implements(errType) {
		if !out[n-1].IsNil() {
			return boxedValue{}, out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return c.box(nil)
	case 1:
		return c.box(out[0].Interface())
	}
	return boxedValue{}, errors.Errorf("operation returns %d values; at most one result and an error are supported", len(out))
}

// itemOf indexes into a slice, array, map or string.
func itemOf(v reflect.Value, key interface{}) (interface{}, error) {
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.String:
		i, err := intKey(key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		// Strings index by rune, not byte, so multi-byte characters
		// survive the trip intact.
		runes := []rune(v.String())
		if i < 0 || i >= len(runes) {
			return nil, errors.Errorf("index %d out of range [0, %d)", i, len(runes))
		}
		return string(runes[i]), nil
	case reflect.Slice, reflect.Array:
		i, err := intKey(key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if i < 0 || i >= v.Len() {
			return nil, errors.Errorf("index %d out of range [0, %d)", i, v.Len())
		}
		return v.Index(i).Interface(), nil
	case reflect.Map:
		k, err := convertValue(key, v.Type().Key())
		if err != nil {
			return nil, errors.Trace(err)
		}
		elem := v.MapIndex(k)
		if !elem.IsValid() {
			return nil, errors.Errorf("no such key %v", key)
		}
		return elem.Interface(), nil
	}
	return nil, errors.Errorf("%s is not indexable", v.Kind())
}

// setItemOf assigns into a slice or map element.
func setItemOf(v reflect.Value, key, value interface{}) error {
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Slice:
		i, err := intKey(key)
		if err != nil {
			return errors.Trace(err)
		}
		if i < 0 || i >= v.Len() {
			return errors.Errorf("index %d out of range [0, %d)", i, v.Len())
		}
		converted, err := convertValue(value, v.Type().Elem())
		if err != nil {
			return errors.Trace(err)
		}
		v.Index(i).Set(converted)
		return nil
	case reflect.Map:
		k, err := convertValue(key, v.Type().Key())
		if err != nil {
			return errors.Trace(err)
		}
		converted, err := convertValue(value, v.Type().Elem())
		if err != nil {
			return errors.Trace(err)
		}
		v.SetMapIndex(k, converted)
		return nil
	}
	return errors.Errorf("%s does not support item assignment", v.Kind())
}

func intKey(key interface{}) (int, error) {
	switch k := key.(type) {
	case float64:
		return int(k), nil
	case int:
		return k, nil
	}
	return 0, errors.Errorf("index must be a number, got %T", key)
}

// convertValue adapts an unboxed wire value (float64 numbers, string,
// bool, nil, []interface{}, *Proxy) to the type a Go parameter or
// field wants.
func convertValue(v interface{}, want reflect.Type) (reflect.Value, error) {
	if v == nil {
		switch want.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
			return reflect.Zero(want), nil
		}
		return reflect.Value{}, errors.Errorf("cannot use nil as %s", want)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(want) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(want) {
		switch want.Kind() {
		case reflect.Bool, reflect.String,
			reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return rv.Convert(want), nil
		}
	}
	// JSON arrays arrive as []interface{}; adapt them elementwise.
	if rv.Kind() == reflect.Slice && want.Kind() == reflect.Slice {
		out := reflect.MakeSlice(want, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, err := convertValue(rv.Index(i).Interface(), want.Elem())
			if err != nil {
				return reflect.Value{}, errors.Annotatef(err, "element %d", i)
			}
			out.Index(i).Set(elem)
		}
		return out, nil
	}
	return reflect.Value{}, errors.Errorf("cannot use %T as %s", v, want)
}
