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

// Package sqldriver is a wrapper around bridge connections to support the
// standard golang database/sql package, described here:
// https://go.dev/src/database/sql/doc.txt
//
// Every database/sql connection opens its own backend through a
// BackendFactory and wraps it in a bridge.Connection. Statements map onto
// bridge statements, so query timeouts, cancellation through the context
// and the max rows limit behave the same way they do when the bridge is
// used directly.
//
// Registering the driver can be done by importing this and then running
//
//	sql.Register("drivername", sqldriver.Driver{Factory: factory, Scheduler: sched})
//
// Additionally, the sqldriver/sqlite and sqldriver/postgres packages
// register drivers for the bundled adapters, so that only a single import
// statement is needed. See the example in the sqlite package.
//
// EXPERIMENTAL. The bridge interfaces are subject to change and as such
// this wrapper is also subject to change based on that.
package sqldriver
