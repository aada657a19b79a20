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
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

// ArgMode is the direction of a bound argument.
type ArgMode uint8

const (
	ArgModeIn    ArgMode = iota // In
	ArgModeOut                  // Out
	ArgModeInOut                // InOut
)

// Arg is a named or positional argument of a request. Positional
// arguments use their 1-based ordinal as the name.
type Arg struct {
	Name     string
	Mode     ArgMode
	TypeName string
	Value    any
}

// IsOutput reports whether the backend is expected to report a value for
// the argument through OnOutParameter.
func (a Arg) IsOutput() bool {
	return a.Mode == ArgModeOut || a.Mode == ArgModeInOut
}

// RequestConfig holds the statement settings copied into a Request.
type RequestConfig struct {
	MaxRows   int64
	FetchSize int
	// Timeout in seconds, 0 for no timeout.
	Timeout int
	Args    map[string]Arg
	// Payload is opaque backend data carried with the request.
	Payload any
}

// Request describes one submission. It is created once per execution and
// never modified afterwards; the getters return copies where needed.
type Request struct {
	traceID   string
	query     string
	maxRows   int64
	fetchSize int
	timeout   int
	args      map[string]Arg
	payload   any
}

// NewRequest builds a request with a fresh trace id.
func NewRequest(query string, cfg RequestConfig) (*Request, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalidArgument("query must not be empty")
	}
	if cfg.MaxRows < 0 {
		return nil, invalidArgument("max rows must be non-negative, got %d", cfg.MaxRows)
	}
	if cfg.FetchSize < 0 {
		return nil, invalidArgument("fetch size must be non-negative, got %d", cfg.FetchSize)
	}
	if cfg.Timeout < 0 {
		return nil, invalidArgument("timeout must be non-negative, got %d", cfg.Timeout)
	}

	return &Request{
		traceID:   uuid.NewString(),
		query:     query,
		maxRows:   cfg.MaxRows,
		fetchSize: cfg.FetchSize,
		timeout:   cfg.Timeout,
		args:      maps.Clone(cfg.Args),
		payload:   cfg.Payload,
	}, nil
}

func (r *Request) TraceID() string { return r.traceID }
func (r *Request) SQL() string     { return r.query }
func (r *Request) MaxRows() int64  { return r.maxRows }
func (r *Request) FetchSize() int  { return r.fetchSize }

// Timeout is the query timeout in seconds, 0 meaning no timeout.
func (r *Request) Timeout() int { return r.timeout }

// Payload returns the backend data attached by a RequestBuilder.
func (r *Request) Payload() any { return r.payload }

// Args returns a copy of the argument map.
func (r *Request) Args() map[string]Arg { return maps.Clone(r.args) }

// Arg looks up a single argument.
func (r *Request) Arg(name string) (Arg, bool) {
	a, ok := r.args[name]
	return a, ok
}

// OrderedArgs returns the arguments with positional ones first in ordinal
// order, followed by named ones sorted by name.
func (r *Request) OrderedArgs() []Arg {
	out := make([]Arg, 0, len(r.args))
	for _, a := range r.args {
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi, iPositional := ordinal(out[i].Name)
		oj, jPositional := ordinal(out[j].Name)
		switch {
		case iPositional && jPositional:
			return oi < oj
		case iPositional != jPositional:
			return iPositional
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// OutputArgs returns the output arguments in the order of OrderedArgs.
func (r *Request) OutputArgs() []Arg {
	var out []Arg
	for _, a := range r.OrderedArgs() {
		if a.IsOutput() {
			out = append(out, a)
		}
	}
	return out
}

// PositionalName is the argument name used for the 1-based ordinal idx.
func PositionalName(idx int) string {
	return strconv.Itoa(idx)
}

func ordinal(name string) (int, bool) {
	n, err := strconv.Atoi(name)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
