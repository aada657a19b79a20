// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package bridge lets a callback-driven adapter backend be consumed
// through a blocking, one-query-at-a-time statement API.
//
// A Backend receives a Request and reports its outcome asynchronously
// through a Receiver: result cursors, update counts, output parameters,
// errors and a final completion signal, from whatever goroutines it
// likes. A Container correlates those callbacks to the request that is
// currently active on a statement slot using the request's trace id,
// buffers them in arrival order and wakes the caller blocked in a
// Statement. Timeouts and explicit cancellation are cooperative: the
// backend is asked to stop and an error response is injected into the
// same queue the backend writes to.
//
// A Statement may be used from a single goroutine at a time, with the
// exception of Cancel, which may be called concurrently with a blocked
// Execute.
//
// EXPERIMENTAL. Interface subject to change.
package bridge

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

//go:generate go run golang.org/x/tools/cmd/stringer -type Status -linecomment
//go:generate go run golang.org/x/tools/cmd/stringer -type State,Phase,ResponseKind,ArgMode -linecomment -output enums_string.go

// ErrorDetail is additional backend-specific error metadata.
type ErrorDetail interface {
	// Key identifies the detail, for example a header or field name.
	Key() string
	// Serialize the detail value to a byte array.
	Serialize() ([]byte, error)
}

// ProtobufErrorDetail is an ErrorDetail backed by a Protobuf message.
type ProtobufErrorDetail struct {
	Name    string
	Message proto.Message
}

func (d *ProtobufErrorDetail) Key() string {
	return d.Name
}

// Serialize serializes the Protobuf message (wrapped in Any).
func (d *ProtobufErrorDetail) Serialize() ([]byte, error) {
	any, err := anypb.New(d.Message)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(any)
}

// TextErrorDetail is an ErrorDetail backed by a human-readable string.
type TextErrorDetail struct {
	Name   string
	Detail string
}

func (d *TextErrorDetail) Key() string {
	return d.Name
}

func (d *TextErrorDetail) Serialize() ([]byte, error) {
	return []byte(d.Detail), nil
}

// Error is the detailed error for an operation
type Error struct {
	// Msg is a string representing a human readable error message
	Msg string
	// Code is the status representing this error
	Code Status
	// VendorCode is a vendor-specific error code, if applicable
	VendorCode int32
	// SqlState is a SQLSTATE error code, if provided, as defined
	// by the SQL:2003 standard. If not set, it will be "\0\0\0\0\0"
	SqlState [5]byte
	// Details is an array of additional backend-specific error details.
	Details []ErrorDetail
}

func (e Error) Error() string {
	if e.SqlState[0] != 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Msg, string(e.SqlState[:]))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is reports whether target is an Error with the same Code and SqlState.
// Messages are not compared, so the package level sentinels match errors
// whose message was decorated by a backend.
func (e Error) Is(target error) bool {
	switch t := target.(type) {
	case Error:
		return t.Code == e.Code && t.SqlState == e.SqlState
	case *Error:
		return t != nil && t.Code == e.Code && t.SqlState == e.SqlState
	}
	return false
}

// Status represents an error code for operations that may fail
type Status uint8

const (
	// No Error
	StatusOK Status = iota // OK
	// An unknown error occurred.
	StatusUnknown // Unknown
	// The operation is not implemented or supported.
	StatusNotImplemented // Not Implemented
	// A requested resource was not found.
	StatusNotFound // Not Found
	// A requested resource already exists
	StatusAlreadyExists // Already Exists
	// The arguments are invalid, likely a programming error.
	StatusInvalidArgument // Invalid Argument
	// The preconditions for the operation are not met, likely a
	// programming error.
	//
	// For instance, a query is already pending on the statement, or a
	// cursor was used after it was closed.
	StatusInvalidState // Invalid State
	// Invalid data was processed (not a programming error)
	StatusInvalidData // Invalid Data
	// The database's integrity was affected.
	StatusIntegrity // Integrity Issue
	// An error internal to the backend or database occurred.
	StatusInternal // Internal
	// An I/O error occurred.
	StatusIO // I/O
	// The operation was cancelled, not due to a timeout.
	StatusCancelled // Cancelled
	// The operation was cancelled due to a timeout.
	StatusTimeout // Timeout
	// Authentication failed.
	StatusUnauthenticated // Unauthenticated
	// The client is not authorized to perform the given operation.
	StatusUnauthorized // Unauthorized
)

// Canonical option values
const (
	OptionValueEnabled  = "true"
	OptionValueDisabled = "false"
	OptionKeyAutoCommit = "bridge.connection.autocommit"
	// Maximum number of rows a backend should produce per result, 0 for
	// no limit.
	OptionKeyMaxRows = "bridge.statement.max_rows"
	// Hint for the number of rows fetched per round trip or batch.
	OptionKeyFetchSize = "bridge.statement.fetch_size"
	// Query timeout in (possibly fractional) seconds, 0 to wait forever.
	OptionKeyQueryTimeout = "bridge.statement.query_timeout"
	// Close the statement once its last result has been consumed.
	OptionKeyCloseOnCompletion = "bridge.statement.close_on_completion"
	OptionKeyURI               = "uri"
	OptionKeyUsername          = "username"
	OptionKeyPassword          = "password"
)

// Receiver is the callback target a Backend reports to. Every method
// except OnFinishUntraced carries the request the callback belongs to so
// that late deliveries for an earlier request can be told apart from the
// active one.
//
// The returned error only reports a misuse of the callback itself (for
// instance a nil request); a callback for a request that is no longer
// active is silently dropped and returns nil.
type Receiver interface {
	OnError(req *Request, err error) error
	OnResult(req *Request, cursor Cursor) error
	OnUpdateCount(req *Request, count int64) error
	OnOutParameter(req *Request, name, typeName string, value any) error
	OnFinish(req *Request) error
	// OnFinishUntraced marks the active request finished without
	// correlation, for backends that cannot supply the request on their
	// final signal.
	OnFinishUntraced()
}

// Backend is the contract concrete adapters implement.
//
// DoRequest must not block on the completion of the query: it hands the
// request off and reports through the Receiver. A returned error means the
// request was never started. CancelQuery asks the backend to stop working
// on a request; it is cooperative and may race with genuine completion.
type Backend interface {
	DoRequest(ctx context.Context, req *Request, recv Receiver) error
	CancelQuery(ctx context.Context, req *Request) error
	Close() error
}

// RequestBuilder is an interface that backends may implement to validate
// or decorate a request before it is submitted, for instance by attaching
// a pre-parsed command as the request payload.
type RequestBuilder interface {
	NewRequest(query string, cfg RequestConfig) (*Request, error)
}

// Transactor is an interface that backends may implement to expose
// transaction hooks. The bridge only forwards these calls; it does not
// track transaction state beyond the autocommit flag.
type Transactor interface {
	SetAutocommit(ctx context.Context, enabled bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Scheduler runs one-shot actions after a delay.
type Scheduler interface {
	Schedule(delay time.Duration, action func()) (TimerHandle, error)
}

// TimerHandle is a cancellable scheduled action.
type TimerHandle interface {
	// Cancel prevents the action from running. It reports false if the
	// action already started or was already cancelled.
	Cancel() bool
}
