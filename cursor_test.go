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

package bridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bridge "github.com/zycgit/dbvisitor-sub003"
)

var testColumns = []bridge.Column{
	{Name: "id", TypeName: "INTEGER"},
	{Name: "name", TypeName: "TEXT"},
}

func TestMemoryCursor(t *testing.T) {
	_, err := bridge.NewMemoryCursor(testColumns, [][]any{{1}})
	require.Error(t, err)

	cursor, err := bridge.NewMemoryCursor(testColumns, [][]any{{1, "a"}, {2, "b"}})
	require.NoError(t, err)
	assert.Equal(t, testColumns, cursor.Columns())
	assert.EqualValues(t, 2, cursor.RowCountHint())

	_, err = cursor.Value(0)
	assert.Error(t, err, "not positioned yet")

	var ids []any
	for cursor.Next() {
		v, err := cursor.Value(0)
		require.NoError(t, err)
		ids = append(ids, v)
	}
	assert.NoError(t, cursor.Err())
	assert.Equal(t, []any{1, 2}, ids)
	assert.False(t, cursor.Next())

	cursor.AddWarning("truncated")
	assert.Equal(t, []string{"truncated"}, cursor.Warnings())
	cursor.ClearWarnings()
	assert.Empty(t, cursor.Warnings())

	require.NoError(t, cursor.Close())
	_, err = cursor.Value(0)
	assert.ErrorIs(t, err, bridge.ErrCursorClosed)
}

func TestEmptyCursor(t *testing.T) {
	cursor := bridge.EmptyCursor(testColumns...)
	assert.Len(t, cursor.Columns(), 2)
	assert.False(t, cursor.Next())
	assert.EqualValues(t, 0, cursor.RowCountHint())
}

func TestStreamCursorRoundTrip(t *testing.T) {
	cursor := bridge.NewStreamCursor(testColumns)
	assert.EqualValues(t, -1, cursor.RowCountHint())

	go func() {
		for i := 0; i < 3; i++ {
			_ = cursor.PushRow([]any{i, "row"})
		}
		_ = cursor.PushFinish()
	}()

	var ids []any
	for cursor.Next() {
		v, err := cursor.Value(0)
		require.NoError(t, err)
		ids = append(ids, v)
	}
	require.NoError(t, cursor.Err())
	assert.Equal(t, []any{0, 1, 2}, ids)
	assert.EqualValues(t, 3, cursor.RowCountHint())

	assert.ErrorIs(t, cursor.PushRow([]any{4, "late"}), bridge.ErrCursorFinished)
	require.NoError(t, cursor.Close())
}

func TestStreamCursorWidth(t *testing.T) {
	cursor := bridge.NewStreamCursor(testColumns)
	defer cursor.Close()
	var bridgeErr bridge.Error
	require.ErrorAs(t, cursor.PushRow([]any{1}), &bridgeErr)
	assert.Equal(t, bridge.StatusInvalidArgument, bridgeErr.Code)
}

func TestStreamCursorError(t *testing.T) {
	cursor := bridge.NewStreamCursor(testColumns)
	defer cursor.Close()

	boom := errors.New("boom")
	require.NoError(t, cursor.PushRow([]any{1, "a"}))
	require.NoError(t, cursor.PushError(boom))

	// rows buffered before the error are still delivered
	assert.NoError(t, cursor.Err())
	require.True(t, cursor.Next())
	assert.False(t, cursor.Next())
	assert.ErrorIs(t, cursor.Err(), boom)
}

func TestStreamCursorCloseThenPush(t *testing.T) {
	cursor := bridge.NewStreamCursor(testColumns)
	require.NoError(t, cursor.PushRow([]any{1, "a"}))
	require.NoError(t, cursor.Close())
	require.NoError(t, cursor.Close())

	assert.True(t, cursor.Closed())
	assert.False(t, cursor.Next(), "buffered rows are dropped on close")
	assert.ErrorIs(t, cursor.PushRow([]any{2, "b"}), bridge.ErrCursorClosed)
	assert.ErrorIs(t, cursor.PushFinish(), bridge.ErrCursorClosed)
	_, err := cursor.Value(0)
	assert.ErrorIs(t, err, bridge.ErrCursorClosed)
}

func TestStreamCursorCloseWakesConsumer(t *testing.T) {
	cursor := bridge.NewStreamCursor(testColumns)
	done := make(chan bool)
	go func() { done <- cursor.Next() }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, cursor.Close())
	select {
	case more := <-done:
		assert.False(t, more)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestStreamCursorNextContext(t *testing.T) {
	cursor := bridge.NewStreamCursor(testColumns)
	defer cursor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	more, err := cursor.NextContext(ctx)
	assert.False(t, more)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
