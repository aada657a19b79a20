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

package bridge

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func sqlState(s string) (out [5]byte) {
	copy(out[:], s)
	return
}

// Sentinel errors. Use errors.Is to test for them; the comparison only
// looks at the status code and SQLSTATE.
var (
	ErrQueryPending = Error{
		Msg:      "there is already query in the processing.",
		Code:     StatusInvalidState,
		SqlState: sqlState("HY010"),
	}
	ErrNothingToCancel = Error{
		Msg:      "no pending queries found.",
		Code:     StatusInvalidState,
		SqlState: sqlState("55000"),
	}
	ErrTimeout = Error{
		Msg:      "query timeout.",
		Code:     StatusTimeout,
		SqlState: sqlState("HYT00"),
	}
	ErrCancelled = Error{
		Msg:      "query cancel.",
		Code:     StatusCancelled,
		SqlState: sqlState("HY008"),
	}
	ErrCursorClosed = Error{
		Msg:      "cursor is closed.",
		Code:     StatusInvalidState,
		SqlState: sqlState("24000"),
	}
	ErrCursorFinished = Error{
		Msg:      "cursor is finished.",
		Code:     StatusInvalidState,
		SqlState: sqlState("02000"),
	}
	ErrNoResults = Error{
		Msg:      "no search any results found.",
		Code:     StatusNotFound,
		SqlState: sqlState("02000"),
	}
)

func invalidArgument(format string, args ...any) error {
	return Error{Msg: fmt.Sprintf(format, args...), Code: StatusInvalidArgument}
}

func invalidState(format string, args ...any) error {
	return Error{Msg: fmt.Sprintf(format, args...), Code: StatusInvalidState}
}

// WrapBackendError converts an error reported by a backend into an Error
// so that callers can inspect its Status. The original error remains
// reachable through errors.Is and errors.As.
//
// Errors that already are an Error are returned unchanged. Context
// cancellation and deadline errors map to StatusCancelled and
// StatusTimeout, and gRPC status errors map their code.
func WrapBackendError(err error) error {
	if err == nil {
		return nil
	}

	var bridgeErr Error
	if errors.As(err, &bridgeErr) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	if grpcStatus, ok := status.FromError(err); ok && grpcStatus.Code() != codes.Unknown {
		wrapped := Error{
			Msg:  grpcStatus.Message(),
			Code: statusFromGrpcCode(grpcStatus.Code()),
		}
		for _, detail := range grpcStatus.Proto().GetDetails() {
			wrapped.Details = append(wrapped.Details, &ProtobufErrorDetail{
				Name:    detail.GetTypeUrl(),
				Message: detail,
			})
		}
		return fmt.Errorf("%w: %w", wrapped, err)
	}

	return fmt.Errorf("%w: %w", Error{Msg: "backend request failed", Code: StatusUnknown}, err)
}

func statusFromGrpcCode(code codes.Code) Status {
	switch code {
	case codes.OK:
		return StatusOK
	case codes.Canceled:
		return StatusCancelled
	case codes.InvalidArgument, codes.OutOfRange:
		return StatusInvalidArgument
	case codes.DeadlineExceeded:
		return StatusTimeout
	case codes.NotFound:
		return StatusNotFound
	case codes.AlreadyExists:
		return StatusAlreadyExists
	case codes.PermissionDenied:
		return StatusUnauthorized
	case codes.Unauthenticated:
		return StatusUnauthenticated
	case codes.FailedPrecondition, codes.Aborted:
		return StatusInvalidState
	case codes.Unimplemented:
		return StatusNotImplemented
	case codes.Internal, codes.DataLoss:
		return StatusInternal
	case codes.Unavailable, codes.ResourceExhausted:
		return StatusIO
	}
	return StatusUnknown
}
