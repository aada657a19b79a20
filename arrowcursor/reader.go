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

package arrowcursor

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	bridge "github.com/zycgit/dbvisitor-sub003"
)

// DefaultBatchSize is the number of rows per record when the requested
// batch size is not positive.
const DefaultBatchSize = 1024

type reader struct {
	refCount  int64
	cursor    bridge.Cursor
	schema    *arrow.Schema
	bldr      *array.RecordBuilder
	batchSize int

	rec  arrow.Record
	err  error
	done bool
}

// NewRecordReader reads cursor into records of at most batchSize rows,
// typically the request's fetch size. The reader owns the cursor and
// closes it on its final Release.
func NewRecordReader(alloc memory.Allocator, cursor bridge.Cursor, batchSize int) (array.RecordReader, error) {
	if cursor == nil {
		return nil, bridge.Error{Msg: "cursor must not be nil", Code: bridge.StatusInvalidArgument}
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	schema := SchemaOf(cursor.Columns())
	return &reader{
		refCount:  1,
		cursor:    cursor,
		schema:    schema,
		bldr:      array.NewRecordBuilder(alloc, schema),
		batchSize: batchSize,
	}, nil
}

func (r *reader) Retain() {
	atomic.AddInt64(&r.refCount, 1)
}

func (r *reader) Release() {
	if atomic.AddInt64(&r.refCount, -1) == 0 {
		if r.rec != nil {
			r.rec.Release()
			r.rec = nil
		}
		r.bldr.Release()
		if err := r.cursor.Close(); err != nil && r.err == nil {
			r.err = err
		}
	}
}

func (r *reader) Schema() *arrow.Schema { return r.schema }

func (r *reader) Err() error { return r.err }

// \pre: Next() returned true
func (r *reader) Record() arrow.Record { return r.rec }

func (r *reader) Next() bool {
	if r.rec != nil {
		r.rec.Release()
		r.rec = nil
	}
	if r.done || r.err != nil {
		return false
	}

	rows := 0
	for rows < r.batchSize {
		if !r.cursor.Next() {
			r.done = true
			r.err = r.cursor.Err()
			break
		}
		for i := range r.schema.Fields() {
			v, err := r.cursor.Value(i)
			if err == nil {
				err = appendValue(r.bldr.Field(i), v)
			}
			if err != nil {
				r.err = fmt.Errorf("column %q: %w", r.schema.Field(i).Name, err)
				return false
			}
		}
		rows++
	}

	if rows == 0 || r.err != nil {
		// a partial batch ahead of an error is dropped with the builder
		return false
	}
	r.rec = r.bldr.NewRecord()
	return true
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}

	switch b := b.(type) {
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Float64Builder:
		switch v := v.(type) {
		case float64:
			b.Append(v)
		case float32:
			b.Append(float64(v))
		default:
			n, err := toInt64(v)
			if err != nil {
				return err
			}
			b.Append(float64(n))
		}
	case *array.BooleanBuilder:
		switch v := v.(type) {
		case bool:
			b.Append(v)
		default:
			n, err := toInt64(v)
			if err != nil {
				return err
			}
			b.Append(n != 0)
		}
	case *array.BinaryBuilder:
		switch v := v.(type) {
		case []byte:
			b.Append(v)
		case string:
			b.AppendString(v)
		default:
			return unsupported(v, b.Type())
		}
	case *array.Date32Builder:
		t, ok := v.(time.Time)
		if !ok {
			return unsupported(v, b.Type())
		}
		b.Append(arrow.Date32FromTime(t))
	case *array.TimestampBuilder:
		t, ok := v.(time.Time)
		if !ok {
			return unsupported(v, b.Type())
		}
		ts, err := arrow.TimestampFromTime(t, b.Type().(*arrow.TimestampType).Unit)
		if err != nil {
			return err
		}
		b.Append(ts)
	case *array.StringBuilder:
		switch v := v.(type) {
		case string:
			b.Append(v)
		case []byte:
			b.Append(string(v))
		case time.Time:
			b.Append(v.Format(time.RFC3339Nano))
		default:
			b.Append(fmt.Sprint(v))
		}
	default:
		return unsupported(v, b.Type())
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch v := v.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, bridge.Error{Msg: fmt.Sprintf("value %d overflows int64", v), Code: bridge.StatusInvalidData}
		}
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, bridge.Error{Msg: fmt.Sprintf("cannot convert %T to int64", v), Code: bridge.StatusInvalidData}
}

func unsupported(v any, dt arrow.DataType) error {
	return bridge.Error{
		Msg:  fmt.Sprintf("cannot store %T in a column of type %s", v, dt),
		Code: bridge.StatusInvalidData,
	}
}
