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

package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	bridge "github.com/zycgit/dbvisitor-sub003"
)

// wrap converts err into a bridge.Error. Server errors keep their
// SQLSTATE; context errors are returned unchanged when ctx is done.
func (b *Backend) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var bridgeErr bridge.Error
	if errors.As(err, &bridgeErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
			return b.ErrorHelper.Errorf(bridge.StatusIO, "%s", err)
		}
		return b.ErrorHelper.Errorf(bridge.StatusInternal, "%s", err)
	}

	wrapped := b.ErrorHelper.Errorf(statusFromSQLState(pgErr.Code), "%s", pgErr.Message).(bridge.Error)
	copy(wrapped.SqlState[:], pgErr.Code)
	if pgErr.Detail != "" {
		wrapped.Details = append(wrapped.Details, &bridge.TextErrorDetail{Name: "detail", Detail: pgErr.Detail})
	}
	if pgErr.Hint != "" {
		wrapped.Details = append(wrapped.Details, &bridge.TextErrorDetail{Name: "hint", Detail: pgErr.Hint})
	}
	return wrapped
}

func statusFromSQLState(state string) bridge.Status {
	switch state {
	case "42501":
		return bridge.StatusUnauthorized
	case "57014":
		return bridge.StatusCancelled
	case "42P01", "42703", "42883":
		return bridge.StatusNotFound
	case "42P07", "42710":
		return bridge.StatusAlreadyExists
	}
	if len(state) < 2 {
		return bridge.StatusUnknown
	}
	switch state[:2] {
	case "0A":
		return bridge.StatusNotImplemented
	case "22":
		return bridge.StatusInvalidData
	case "23":
		return bridge.StatusIntegrity
	case "25", "40", "55":
		return bridge.StatusInvalidState
	case "28":
		return bridge.StatusUnauthenticated
	case "42":
		return bridge.StatusInvalidArgument
	case "08", "53", "57", "58":
		return bridge.StatusIO
	case "XX":
		return bridge.StatusInternal
	}
	return bridge.StatusUnknown
}
