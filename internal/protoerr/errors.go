// Package protoerr defines the stable error-kind vocabulary the protocol
// carries on the wire (in AUTH_FAIL, ERROR and CLOSE_STREAM messages) and in
// Go error values returned by the core packages.
package protoerr

import (
	"errors"
	"fmt"
)

// Kind is a closed enum of wire-stable error identifiers. Values are never
// renumbered; new kinds are appended.
type Kind int

const (
	Unknown Kind = iota
	VersionUnsupported
	AuthFailed
	NotAllowed
	InviteRequired
	InvalidToken
	AttestationInvalid
	AttestationExpired
	HandshakeFailed
	StreamIDInUse
	StreamNotFound
	StreamClosed
	StreamRefused
	ResourceExhausted
	ConnectionClosed
	Timeout
	MessageTooLarge
	InvalidMessage
	Internal
)

var names = map[Kind]string{
	Unknown:             "UNKNOWN",
	VersionUnsupported:  "VERSION_UNSUPPORTED",
	AuthFailed:          "AUTH_FAILED",
	NotAllowed:          "NOT_ALLOWED",
	InviteRequired:      "INVITE_REQUIRED",
	InvalidToken:        "INVALID_TOKEN",
	AttestationInvalid:  "ATTESTATION_INVALID",
	AttestationExpired:  "ATTESTATION_EXPIRED",
	HandshakeFailed:     "HANDSHAKE_FAILED",
	StreamIDInUse:       "STREAM_ID_IN_USE",
	StreamNotFound:      "STREAM_NOT_FOUND",
	StreamClosed:        "STREAM_CLOSED",
	StreamRefused:       "STREAM_REFUSED",
	ResourceExhausted:   "RESOURCE_EXHAUSTED",
	ConnectionClosed:    "CONNECTION_CLOSED",
	Timeout:             "TIMEOUT",
	MessageTooLarge:     "MESSAGE_TOO_LARGE",
	InvalidMessage:      "INVALID_MESSAGE",
	Internal:            "INTERNAL",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// codes is the wire integer for each kind, used in the ec/error_code field of
// AUTH_FAIL, ERROR and CLOSE_STREAM messages. Stable across releases.
var codes = map[Kind]int64{
	Unknown:             0,
	VersionUnsupported:  1,
	AuthFailed:          2,
	NotAllowed:          3,
	InviteRequired:      4,
	InvalidToken:        5,
	AttestationInvalid:  6,
	AttestationExpired:  7,
	HandshakeFailed:     8,
	StreamIDInUse:       9,
	StreamNotFound:      10,
	StreamClosed:        11,
	StreamRefused:       12,
	ResourceExhausted:   13,
	ConnectionClosed:    14,
	Timeout:             15,
	MessageTooLarge:     16,
	InvalidMessage:      17,
	Internal:            18,
}

var fromCode = func() map[int64]Kind {
	m := make(map[int64]Kind, len(codes))
	for k, c := range codes {
		m[c] = k
	}
	return m
}()

// Code returns the wire integer for k.
func (k Kind) Code() int64 { return codes[k] }

// FromCode maps a wire integer back to a Kind, Unknown if unrecognized.
func FromCode(c int64) Kind {
	if k, ok := fromCode[c]; ok {
		return k
	}
	return Unknown
}

// Error is the typed error the core returns; it carries a stable Kind plus a
// human reason and, optionally, a wrapped cause.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func New(k Kind, reason string) *Error {
	return &Error{Kind: k, Reason: reason}
}

func Wrap(k Kind, reason string, err error) *Error {
	return &Error{Kind: k, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// As reports whether err (or something it wraps) is a *Error, returning it.
func As(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, else
// Internal for a non-nil err, Unknown for nil.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	return Internal
}
