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

// Package sqlite registers the "bridge-sqlite" database/sql driver backed
// by the SQLite adapter.
//
//	import _ "github.com/zycgit/dbvisitor-sub003/sqldriver/sqlite"
//
//	db, err := sql.Open("bridge-sqlite", "uri=file:app.db;bridge.statement.query_timeout=5")
package sqlite

import (
	"database/sql"

	adapter "github.com/zycgit/dbvisitor-sub003/adapter/sqlite"
	"github.com/zycgit/dbvisitor-sub003/scheduler"
	"github.com/zycgit/dbvisitor-sub003/sqldriver"
)

const DriverName = "bridge-sqlite"

func init() {
	sched := scheduler.New()
	// a fresh scheduler always starts
	_ = sched.Start()
	sql.Register(DriverName, sqldriver.Driver{Factory: adapter.Factory, Scheduler: sched})
}
