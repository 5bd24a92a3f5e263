// Package errs defines the discriminated error type shared by all lift
// packages.
//
// Every error carries a [Kind] that callers branch on, a human readable
// message and optional context values:
//
//	_, err := md.Address("orders", 3)
//	switch {
//	case errors.Is(err, errs.ErrNoKnownLeader):
//	    // leader election in progress, retry later
//	case errors.Is(err, errs.ErrNoSuchPartition):
//	    // stream does not exist
//	}
//
// Sentinels are never mutated; [Error.With] and [Error.Wrap] return copies.
package errs

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Kind identifies an error condition.
type Kind string

const (
	// Connection
	KindNoAddresses      Kind = "ERR_NO_ADDRESSES"
	KindCouldNotConnect  Kind = "ERR_COULD_NOT_CONNECT"
	KindDeadlineExceeded Kind = "ERR_DEADLINE_EXCEEDED"
	KindNotConnected     Kind = "ERR_NOT_CONNECTED"

	// Stream creation
	KindPartitionAlreadyExists Kind = "ERR_PARTITION_ALREADY_EXISTS"
	KindInvalidPartitions      Kind = "ERR_INVALID_PARTITIONS"

	// Subscription
	KindNoSuchPartition       Kind = "ERR_PARTITION_DOES_NOT_EXIST"
	KindOffsetNotSpecified    Kind = "ERR_OFFSET_NOT_SPECIFIED"
	KindTimestampNotSpecified Kind = "ERR_TIMESTAMP_NOT_SPECIFIED"

	// Metadata
	KindStreamNotFound   Kind = "ERR_STREAM_NOT_FOUND_IN_METADATA"
	KindSubjectNotFound  Kind = "ERR_SUBJECT_NOT_FOUND_IN_METADATA"
	KindNoKnownPartition Kind = "ERR_NO_KNOWN_PARTITION"
	KindNoKnownLeader    Kind = "ERR_NO_KNOWN_LEADER_FOR_PARTITION"
	KindMetadataFetch    Kind = "ERR_METADATA_FETCH"

	// Message envelope
	KindMissingEnvelopeHeader   Kind = "ERR_MESSAGE_MISSING_ENVELOPE_HEADER"
	KindUnexpectedMagicNumber   Kind = "ERR_MESSAGE_UNEXPECTED_ENVELOPE_MAGIC_NUMBER"
	KindUnknownEnvelopeProtocol Kind = "ERR_MESSAGE_UNKNOWN_ENVELOPE_PROTOCOL"
	KindEnvelopeChecksum        Kind = "ERR_MESSAGE_ENVELOPE_CHECKSUM"
)

// Category groups kinds by the operation that produces them.
type Category string

const (
	CategoryConnection   Category = "connection"
	CategoryCreateStream Category = "create_stream"
	CategorySubscribe    Category = "subscribe"
	CategoryMetadata     Category = "metadata"
	CategoryMessage      Category = "message"
)

// Category returns the category of k.
func (k Kind) Category() Category {
	switch k {
	case KindNoAddresses, KindCouldNotConnect, KindDeadlineExceeded, KindNotConnected:
		return CategoryConnection
	case KindPartitionAlreadyExists, KindInvalidPartitions:
		return CategoryCreateStream
	case KindNoSuchPartition, KindOffsetNotSpecified, KindTimestampNotSpecified:
		return CategorySubscribe
	case KindStreamNotFound, KindSubjectNotFound, KindNoKnownPartition, KindNoKnownLeader, KindMetadataFetch:
		return CategoryMetadata
	default:
		return CategoryMessage
	}
}

// Error is the error type returned by lift packages.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Err     error
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	if len(e.Context) > 0 {
		sb.WriteString(" (")
		for i, k := range slices.Sorted(maps.Keys(e.Context)) {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// With returns a copy of e with key=value added to its context.
func (e *Error) With(key string, value any) *Error {
	c := *e
	c.Context = make(map[string]any, len(e.Context)+1)
	maps.Copy(c.Context, e.Context)
	c.Context[key] = value
	return &c
}

// Wrap returns a copy of e caused by err.
func (e *Error) Wrap(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

var (
	// Connection errors
	ErrNoAddresses      = New(KindNoAddresses, "no cluster addresses to connect to")
	ErrCouldNotConnect  = New(KindCouldNotConnect, "could not connect to any of the given addresses")
	ErrDeadlineExceeded = New(KindDeadlineExceeded, "could not get back a response within the deadline")
	ErrNotConnected     = New(KindNotConnected, "client is not connected")

	// Stream creation errors
	ErrPartitionAlreadyExists = New(KindPartitionAlreadyExists, "partition already exists")
	ErrInvalidPartitions      = New(KindInvalidPartitions, "invalid number of stream partitions, must be >= 0")

	// Subscription errors
	ErrNoSuchPartition       = New(KindNoSuchPartition, "no such partition exists")
	ErrOffsetNotSpecified    = New(KindOffsetNotSpecified, "offset must be specified when start position is OFFSET")
	ErrTimestampNotSpecified = New(KindTimestampNotSpecified, "start timestamp must be specified when start position is TIMESTAMP")

	// Metadata errors
	ErrStreamNotFound   = New(KindStreamNotFound, "no matching stream found in metadata")
	ErrSubjectNotFound  = New(KindSubjectNotFound, "no matching subject found in metadata")
	ErrNoKnownPartition = New(KindNoKnownPartition, "no known partition in metadata")
	ErrNoKnownLeader    = New(KindNoKnownLeader, "no known leader for partition")
	ErrMetadataFetch    = New(KindMetadataFetch, "failed to fetch metadata")

	// Envelope errors
	ErrMissingEnvelopeHeader   = New(KindMissingEnvelopeHeader, "data missing envelope header")
	ErrUnexpectedMagicNumber   = New(KindUnexpectedMagicNumber, "unexpected envelope magic number")
	ErrUnknownEnvelopeProtocol = New(KindUnknownEnvelopeProtocol, "unknown envelope protocol")
	ErrEnvelopeChecksum        = New(KindEnvelopeChecksum, "envelope checksum mismatch")
)
