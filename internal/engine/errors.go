package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/apsync/internal/record"
)

// Error describes a slot that was committed without a clean dispatch.
//
// None of these stop the sequencer: the slot still commits so that later
// slots keep flowing. They are reported to dispatch observers and logged.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Slot and Kind identify the affected delta.
	Slot uint64
	Kind record.Kind

	// Handle is the node involved, if any.
	Handle record.Handle

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes sequencer errors.
type ErrorCode string

const (
	// ErrCodeHandlerFailed indicates the handler returned an error or panicked.
	ErrCodeHandlerFailed ErrorCode = "HANDLER_FAILED"

	// ErrCodeSuperseded indicates a local delta lost to a server-triggered one.
	ErrCodeSuperseded ErrorCode = "SUPERSEDED"

	// ErrCodeKeyMissing indicates node records were quarantined for lack of a key.
	ErrCodeKeyMissing ErrorCode = "DECRYPT_KEY_MISSING"

	// ErrCodePrefetchFailed indicates a dependency could not be made resident.
	ErrCodePrefetchFailed ErrorCode = "PREFETCH_FAILED"

	// ErrCodePacketCorrupt indicates a sealed packet could not be opened.
	ErrCodePacketCorrupt ErrorCode = "PACKET_CORRUPT"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Handle != "" {
		return fmt.Sprintf("%s: %s (slot=%d, kind=%s, node=%s)", e.Code, msg, e.Slot, e.Kind, e.Handle)
	}
	return fmt.Sprintf("%s: %s (slot=%d, kind=%s)", e.Code, msg, e.Slot, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// HasCode reports whether err is an *Error with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsSuperseded returns true if the error is a supersede.
func IsSuperseded(err error) bool { return HasCode(err, ErrCodeSuperseded) }

// IsHandlerFailed returns true if the error is a handler failure.
func IsHandlerFailed(err error) bool { return HasCode(err, ErrCodeHandlerFailed) }

func newError(code ErrorCode, d record.Delta, h record.Handle, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Slot: d.Slot, Kind: d.Kind, Handle: h, Err: cause}
}
