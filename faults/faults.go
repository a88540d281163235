// Package faults defines the error taxonomy shared by the register
// communication layer.
//
// Errors are classified by Kind so callers can decide whether an operation
// should be retried, surfaced as a per-parameter failure or reported as a
// device health problem without string-matching transport errors.
package faults

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a failure.
type Kind string

const (
	// KindValidation marks bad address/range/type combinations. Validation
	// failures never touch the transport and are never retried.
	KindValidation Kind = "validation"
	// KindConnection marks transport-level connect failures.
	KindConnection Kind = "connection"
	// KindTimeout marks operations that exceeded their deadline.
	KindTimeout Kind = "timeout"
	// KindProtocol marks invalid or error responses from the device.
	KindProtocol Kind = "protocol"
	// KindDecode marks per-parameter decode failures inside an otherwise
	// successful batch read.
	KindDecode Kind = "decode"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error from a message.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the classification of err, or an empty Kind for
// unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsTimeout reports whether err is a deadline failure, either classified
// explicitly or detected on the underlying network error.
func IsTimeout(err error) bool {
	if KindOf(err) == KindTimeout {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Retryable reports whether a connect attempt that produced err is worth
// repeating. Timeouts, connection resets and busy serial ports are
// transient; everything else (bad configuration, protocol errors) is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindProtocol:
		return false
	case KindTimeout:
		return true
	}
	if IsTimeout(err) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EBUSY) {
		return true
	}
	// Serial drivers report a claimed port as plain text.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "resource busy") || strings.Contains(msg, "device busy") || strings.Contains(msg, "port busy")
}
