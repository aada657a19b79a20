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

package adapterbase

import (
	"strings"
	"unicode"
)

var queryKeywords = map[string]struct{}{
	"SELECT":  {},
	"WITH":    {},
	"VALUES":  {},
	"PRAGMA":  {},
	"EXPLAIN": {},
	"SHOW":    {},
	"TABLE":   {},
}

// IsQuery reports whether stmt produces rows: it starts with a row
// producing keyword or carries a RETURNING clause.
func IsQuery(stmt string) bool {
	body := strings.ToUpper(stripLeadingComments(stmt))
	end := strings.IndexFunc(body, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(body)
	}
	if _, ok := queryKeywords[body[:end]]; ok {
		return true
	}
	return strings.Contains(strings.Join(strings.Fields(body), " "), " RETURNING ")
}

func stripLeadingComments(stmt string) string {
	for {
		stmt = strings.TrimLeftFunc(stmt, unicode.IsSpace)
		switch {
		case strings.HasPrefix(stmt, "--"):
			idx := strings.IndexByte(stmt, '\n')
			if idx < 0 {
				return ""
			}
			stmt = stmt[idx+1:]
		case strings.HasPrefix(stmt, "/*"):
			idx := strings.Index(stmt, "*/")
			if idx < 0 {
				return ""
			}
			stmt = stmt[idx+2:]
		default:
			return stmt
		}
	}
}

// SplitStatements splits a script on the semicolons that are outside of
// quotes and comments. Empty statements are dropped.
func SplitStatements(script string) []string {
	var (
		out   []string
		start int
		quote byte
	)
	emit := func(end int) {
		if s := strings.TrimSpace(script[start:end]); s != "" && stripLeadingComments(s) != "" {
			out = append(out, s)
		}
	}

	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case quote != 0:
			if c == quote {
				// doubled quotes escape themselves
				if i+1 < len(script) && script[i+1] == quote {
					i++
				} else {
					quote = 0
				}
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			if idx := strings.IndexByte(script[i:], '\n'); idx >= 0 {
				i += idx
			} else {
				i = len(script)
			}
		case c == '/' && i+1 < len(script) && script[i+1] == '*':
			if idx := strings.Index(script[i+2:], "*/"); idx >= 0 {
				i += idx + 3
			} else {
				i = len(script)
			}
		case c == ';':
			emit(i)
			start = i + 1
		}
	}
	if start < len(script) {
		emit(len(script))
	}
	return out
}
