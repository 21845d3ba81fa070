// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrConnectionClosed is returned for any operation attempted
	// on a connection after the underlying stream has ended or the
	// connection has been closed. Every call still pending at that
	// point fails with it too.
	ErrConnectionClosed = errors.ConstError("connection is closed")

	// ErrProtocolViolation indicates a malformed frame, an unknown
	// request id or a reference to a handle this connection never
	// issued. It is fatal: the connection is torn down.
	ErrProtocolViolation = errors.ConstError("protocol violation")

	// ErrAccessDenied is returned when the peer's exposure policy
	// rejects an operation. It is recoverable; the connection stays
	// up.
	ErrAccessDenied = errors.ConstError("access denied")

	// ErrInvalidHandle is returned when a request names a handle
	// with no object table entry behind it.
	ErrInvalidHandle = errors.ConstError("invalid handle")
)

// Wire error codes. Codes travel in reply headers and are translated
// back into the sentinel errors above on receipt.
const (
	codeAccessDenied   = "access denied"
	codeInvalidHandle  = "invalid handle"
	codeRemoteError    = "remote execution error"
	codeNotImplemented = "not implemented"
)

// ErrorCoder represents an error that has an associated error code; a
// code is a short string naming the kind of the error.
type ErrorCoder interface {
	ErrorCode() string
}

// RemoteError holds an application-level failure caught by the peer's
// dispatcher. It is recoverable: the connection that carried it remains
// usable.
type RemoteError struct {
	// Kind names the remote failure class, as reported by the peer.
	Kind string

	// Message holds the remote error text.
	Message string

	// Remote optionally holds a traceback-like rendition of where
	// the failure happened in the peer process.
	Remote string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return e.Message + " (" + e.Kind + ")"
	}
	return e.Message
}

// ErrorCode implements ErrorCoder.
func (e *RemoteError) ErrorCode() string {
	return codeRemoteError
}

// errorCode returns the wire code for an error produced during
// dispatch.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return codeAccessDenied
	case errors.Is(err, ErrInvalidHandle):
		return codeInvalidHandle
	case errors.Is(err, errors.NotImplemented):
		return codeNotImplemented
	}
	var coder ErrorCoder
	if errors.As(err, &coder) {
		return coder.ErrorCode()
	}
	return codeRemoteError
}

// translateError turns an error reply header back into the error the
// caller sees. Access and handle failures map onto their sentinels;
// anything else surfaces as a RemoteError.
func translateError(hdr *Header) error {
	switch hdr.ErrorCode {
	case codeAccessDenied:
		return fmt.Errorf("%s: %w", hdr.Error, ErrAccessDenied)
	case codeInvalidHandle:
		return fmt.Errorf("%s: %w", hdr.Error, ErrInvalidHandle)
	case codeNotImplemented:
		return errors.NotImplementedf("%s", hdr.Error)
	}
	return &RemoteError{
		Kind:    hdr.ErrorCode,
		Message: hdr.Error,
		Remote:  hdr.ErrorRemote,
	}
}
