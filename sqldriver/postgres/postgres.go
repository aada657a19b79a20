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

// Package postgres registers the "bridge-postgres" database/sql driver
// backed by the PostgreSQL adapter.
//
//	import _ "github.com/zycgit/dbvisitor-sub003/sqldriver/postgres"
//
//	db, err := sql.Open("bridge-postgres", "uri=postgres://localhost/app;username=app;password=secret")
package postgres

import (
	"database/sql"

	adapter "github.com/zycgit/dbvisitor-sub003/adapter/postgres"
	"github.com/zycgit/dbvisitor-sub003/scheduler"
	"github.com/zycgit/dbvisitor-sub003/sqldriver"
)

const DriverName = "bridge-postgres"

func init() {
	sched := scheduler.New()
	_ = sched.Start()
	sql.Register(DriverName, sqldriver.Driver{Factory: adapter.Factory, Scheduler: sched})
}
