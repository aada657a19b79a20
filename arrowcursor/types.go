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

// Package arrowcursor converts between bridge cursors and Arrow record
// readers so that results can be handed to Arrow based consumers, and
// Arrow streams can be fed back into a bridge Receiver.
package arrowcursor

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	bridge "github.com/zycgit/dbvisitor-sub003"
)

// Field metadata keys carrying the Column attributes that have no Arrow
// equivalent.
const (
	MetadataKeyTypeName = "bridge.type_name"
	MetadataKeyTable    = "bridge.table"
	MetadataKeyCatalog  = "bridge.catalog"
	MetadataKeySchema   = "bridge.schema"
)

// DataTypeOf maps a database type name to the Arrow type used to carry its
// values. Length and precision suffixes are ignored and unknown names map
// to strings.
func DataTypeOf(typeName string) arrow.DataType {
	name := strings.ToUpper(strings.TrimSpace(typeName))
	if idx := strings.IndexByte(name, '('); idx >= 0 {
		name = strings.TrimSpace(name[:idx])
	}

	switch name {
	case "INTEGER", "INT", "BIGINT", "SMALLINT", "TINYINT", "MEDIUMINT",
		"INT2", "INT4", "INT8", "SERIAL", "BIGSERIAL":
		return arrow.PrimitiveTypes.Int64
	case "REAL", "FLOAT", "DOUBLE", "DOUBLE PRECISION", "FLOAT4", "FLOAT8":
		return arrow.PrimitiveTypes.Float64
	case "BOOL", "BOOLEAN":
		return arrow.FixedWidthTypes.Boolean
	case "BLOB", "BYTEA", "BINARY", "VARBINARY":
		return arrow.BinaryTypes.Binary
	case "DATE":
		return arrow.FixedWidthTypes.Date32
	case "TIMESTAMP", "DATETIME", "TIMESTAMP WITHOUT TIME ZONE":
		return arrow.FixedWidthTypes.Timestamp_us
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	}
	return arrow.BinaryTypes.String
}

// FieldOf converts a column into a nullable Arrow field.
func FieldOf(col bridge.Column) arrow.Field {
	var keys, values []string
	add := func(k, v string) {
		if v != "" {
			keys = append(keys, k)
			values = append(values, v)
		}
	}
	add(MetadataKeyTypeName, col.TypeName)
	add(MetadataKeyTable, col.Table)
	add(MetadataKeyCatalog, col.Catalog)
	add(MetadataKeySchema, col.Schema)

	return arrow.Field{
		Name:     col.Name,
		Type:     DataTypeOf(col.TypeName),
		Nullable: true,
		Metadata: arrow.NewMetadata(keys, values),
	}
}

// SchemaOf converts a list of columns into an Arrow schema.
func SchemaOf(cols []bridge.Column) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = FieldOf(c)
	}
	return arrow.NewSchema(fields, nil)
}

// ColumnOf is the inverse of FieldOf. Fields that were not produced by
// FieldOf use the Arrow type name as TypeName.
func ColumnOf(f arrow.Field) bridge.Column {
	col := bridge.Column{Name: f.Name, TypeName: f.Type.String()}
	md := f.Metadata
	if v, ok := md.GetValue(MetadataKeyTypeName); ok {
		col.TypeName = v
	}
	col.Table, _ = md.GetValue(MetadataKeyTable)
	col.Catalog, _ = md.GetValue(MetadataKeyCatalog)
	col.Schema, _ = md.GetValue(MetadataKeySchema)
	return col
}

// ColumnsOf converts every field of schema with ColumnOf.
func ColumnsOf(schema *arrow.Schema) []bridge.Column {
	out := make([]bridge.Column, schema.NumFields())
	for i, f := range schema.Fields() {
		out[i] = ColumnOf(f)
	}
	return out
}
