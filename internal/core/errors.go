// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"
)

// Error is our own defined error type for sending errors over an RPC layer.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Schema level errors ------//

	// ErrSchema is returned when a schema can't be resolved: unknown property
	// type, missing reference target, duplicate name or prefix collision.
	ErrSchema

	// ErrNoSuchType is returned when a type name or prefix is not in the schema.
	ErrNoSuchType

	// ErrStaleSchema is returned when a record or program was produced against
	// a schema that is no longer current.
	ErrStaleSchema

	//------ Mutation level errors ------//

	// ErrRange is returned when a write exceeds the declared capacity of a
	// modify buffer or a property.
	ErrRange

	// ErrInvalidValue is returned when a payload value doesn't fit the
	// property it is written to.
	ErrInvalidValue

	// ErrNoSuchRecord is returned when an operation requires a record to exist
	// but it does not.
	ErrNoSuchRecord

	// ErrCorruptData is returned when an encoded record or frame can't be
	// decoded, or its checksum doesn't match.
	ErrCorruptData

	//------ Query level errors ------//

	// ErrQuery is returned when a query can't be compiled: unknown field,
	// operator that doesn't apply to the field type, bad literal.
	ErrQuery

	// ErrEvaluation is returned to subscribers when the function backing an
	// observable fails.
	ErrEvaluation

	//------ Errors from any level ------//

	// ErrInvalidArgument is returned if an argument is bad or confusing.
	ErrInvalidArgument

	// ErrTooBusy means the server is too busy to do whatever it was asked to do.
	ErrTooBusy

	// ErrTooBig is returned if the client is asking for too much data.
	ErrTooBig

	// ErrRPC is returned when the RPC layer errors during sending/receiving.
	ErrRPC

	// ErrNetworkConn is returned if we fail to connect to a host.
	ErrNetworkConn

	// ErrIO is returned if the record store fails underneath.
	ErrIO

	// ErrClosed is returned for calls on a component after it has been closed.
	ErrClosed

	// ErrMigrating is returned when a request can't be served while a schema
	// migration holds the workers asleep.
	ErrMigrating

	//------ Meta-error ------//

	// ErrCanceled is returned when a request is canceled.
	ErrCanceled

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrSchema:      "schema error",
	ErrNoSuchType:  "type does not exist in schema",
	ErrStaleSchema: "schema checksum mismatch, reload the schema",

	ErrRange:        "write exceeds declared capacity",
	ErrInvalidValue: "value does not match property",
	ErrNoSuchRecord: "record does not exist",
	ErrCorruptData:  "encoded data is corrupt",

	ErrQuery:      "query error",
	ErrEvaluation: "observable evaluation failed",

	ErrInvalidArgument: "invalid argument",
	ErrTooBusy:         "too busy",
	ErrTooBig:          "request is too large",
	ErrRPC:             "RPC-level error",
	ErrNetworkConn:     "network connection error",
	ErrIO:              "I/O level error",
	ErrClosed:          "closed",
	ErrMigrating:       "schema migration in progress",

	ErrCanceled: "request canceled",
	ErrUnknown:  "unknown error!!!! contact a programming professional to diagnose",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Errorf returns a Go error that carries the code e and a detail message.
// The code can be recovered with FromError or checked with Is.
func (e Error) Errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", goError(e), fmt.Sprintf(format, args...))
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath, looking through wrapping.
func (e Error) Is(g error) bool {
	c, ok := FromError(g)
	return ok && c == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// FromError gets the underlying core.Error from an error, unwrapping it as
// needed.
func FromError(err error) (Error, bool) {
	var g goError
	if errors.As(err, &g) {
		return Error(g), true
	}
	return NoError, false
}

// ToError is FromError for RPC replies: nil maps to NoError and errors
// without a code map to ErrUnknown.
func ToError(err error) Error {
	if err == nil {
		return NoError
	}
	if e, ok := FromError(err); ok {
		return e
	}
	return ErrUnknown
}

// IsRetriableError checks if we should retry on a given returned error.
// We consider errors that might be transient to be retriable errors.
func IsRetriableError(err Error) bool {
	switch err {
	case ErrRPC, // Failed to connect to a host, retry connecting it.
		// Reconnect?
		ErrNetworkConn,
		// Make sense to backoff a little bit and retry.
		ErrTooBusy,
		// Workers resume once the migration is done.
		ErrMigrating:
		return true
	}
	return false
}

// IsRetriable checks if err carries a retriable code.
func IsRetriable(err error) bool {
	e, ok := FromError(err)
	return ok && IsRetriableError(e)
}
