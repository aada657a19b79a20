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

// Package adapterbase provides the pieces shared by the concrete
// backends: prefixed errors, a runner executing requests on their own
// goroutines with per request cancellation, and small SQL helpers.
//
// A backend embeds BackendBase and implements DoRequest by handing a
// RequestFunc to its Runner; CancelQuery and Close are provided.
package adapterbase

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	bridge "github.com/zycgit/dbvisitor-sub003"
)

// ErrorHelper builds errors whose message is prefixed with the adapter
// name.
type ErrorHelper struct {
	AdapterName string
}

func (helper *ErrorHelper) Errorf(code bridge.Status, message string, format ...interface{}) error {
	msg := fmt.Sprintf(message, format...)
	return bridge.Error{
		Code: code,
		Msg:  fmt.Sprintf("[%s] %s", helper.AdapterName, msg),
	}
}

// BackendBase implements the bookkeeping part of bridge.Backend.
type BackendBase struct {
	ErrorHelper ErrorHelper
	Logger      *slog.Logger
	Runner      *Runner
}

// NewBackendBase returns a base for the adapter called name. A nil logger
// discards output.
func NewBackendBase(name string, logger *slog.Logger) BackendBase {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return BackendBase{
		ErrorHelper: ErrorHelper{AdapterName: name},
		Logger:      logger,
		Runner:      NewRunner(logger),
	}
}

// Base returns the embedded base.
func (base *BackendBase) Base() *BackendBase { return base }

// CancelQuery stops the RequestFunc running for req. Cancelling a request
// that is not running is not an error.
func (base *BackendBase) CancelQuery(_ context.Context, req *bridge.Request) error {
	if !base.Runner.Cancel(req.TraceID()) {
		base.Logger.Debug("no running request to cancel", "trace_id", req.TraceID())
	}
	return nil
}

// Close cancels the running requests and waits for them.
func (base *BackendBase) Close() error {
	return base.Runner.Close()
}
