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

// ResponseKind tags the variant held by a Response.
type ResponseKind uint8

const (
	ResponseError        ResponseKind = iota // Error
	ResponseResult                           // Result
	ResponseUpdateCount                      // UpdateCount
	ResponseOutParameter                     // OutParameter
)

// Response is one asynchronous delivery from a backend. Only the fields
// belonging to Kind are set.
type Response struct {
	Kind ResponseKind

	// ResponseError
	Err error

	// ResponseResult
	Cursor  Cursor
	Columns []Column

	// ResponseUpdateCount
	UpdateCount int64

	// ResponseOutParameter
	ParamName  string
	ParamType  string
	ParamValue any
}

func (r Response) IsError() bool       { return r.Kind == ResponseError }
func (r Response) IsResult() bool      { return r.Kind == ResponseResult }
func (r Response) IsUpdateCount() bool { return r.Kind == ResponseUpdateCount }

// release closes the cursor held by a result response.
func (r Response) release() error {
	if r.Kind == ResponseResult && r.Cursor != nil {
		return r.Cursor.Close()
	}
	return nil
}
