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
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	bridge "github.com/zycgit/dbvisitor-sub003"
)

// txBackend adds transaction support to mockBackend.
type txBackend struct {
	mockBackend
}

func (m *txBackend) SetAutocommit(ctx context.Context, enabled bool) error {
	return m.Called(ctx, enabled).Error(0)
}

func (m *txBackend) Commit(ctx context.Context) error   { return m.Called(ctx).Error(0) }
func (m *txBackend) Rollback(ctx context.Context) error { return m.Called(ctx).Error(0) }

func TestNewConnectionRequiresBackend(t *testing.T) {
	_, err := bridge.NewConnection(nil, nil)
	require.Error(t, err)
}

func TestConnectionTimers(t *testing.T) {
	var sched manualScheduler
	backend := new(mockBackend)
	cnxn, err := bridge.NewConnection(backend, &sched)
	require.NoError(t, err)

	var fired []string
	action := func(id string) { fired = append(fired, id) }

	require.NoError(t, cnxn.StartTimer("b", time.Second, action))
	require.NoError(t, cnxn.StartTimer("a", time.Second, action))
	assert.Equal(t, []string{"a", "b"}, cnxn.PendingTimers())

	var bridgeErr bridge.Error
	require.ErrorAs(t, cnxn.StartTimer("a", time.Second, action), &bridgeErr)
	assert.Equal(t, bridge.StatusAlreadyExists, bridgeErr.Code)
	assert.Error(t, cnxn.StartTimer("", time.Second, action))
	assert.Error(t, cnxn.StartTimer("c", 0, action))
	assert.Error(t, cnxn.StartTimer("c", time.Second, nil))

	// a fired timer unregisters itself before running
	timerB := sched.timers[0]
	assert.Equal(t, time.Second, timerB.delay)
	timerB.Fire()
	assert.Equal(t, []string{"b"}, fired)
	assert.Equal(t, []string{"a"}, cnxn.PendingTimers())
	assert.False(t, cnxn.StopTimer("b"))

	assert.True(t, cnxn.StopTimer("a"))
	assert.False(t, cnxn.StopTimer("a"))
	assert.Empty(t, cnxn.PendingTimers())
	sched.timers[1].Fire()
	assert.Equal(t, []string{"b"}, fired)

	// the id can be reused once the previous timer is gone
	require.NoError(t, cnxn.StartTimer("a", time.Second, action))

	backend.On("Close").Return(nil).Once()
	require.NoError(t, cnxn.Close())
	assert.True(t, sched.last().Cancelled(), "close cancels registered timers")
	assert.Empty(t, cnxn.PendingTimers())
	assert.Error(t, cnxn.StartTimer("d", time.Second, action))
	backend.AssertExpectations(t)
}

func TestConnectionWithoutScheduler(t *testing.T) {
	cnxn, err := bridge.NewConnection(new(mockBackend), nil)
	require.NoError(t, err)
	var bridgeErr bridge.Error
	require.ErrorAs(t, cnxn.StartTimer("a", time.Second, func(string) {}), &bridgeErr)
	assert.Equal(t, bridge.StatusInvalidState, bridgeErr.Code)
}

func TestConnectionClose(t *testing.T) {
	backend := new(mockBackend)
	backend.On("Close").Return(nil).Once()
	cnxn, err := bridge.NewConnection(backend, nil)
	require.NoError(t, err)

	require.NoError(t, cnxn.Close())
	err = cnxn.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Trying to close already closed connection")

	_, err = cnxn.NewStatement()
	assert.Error(t, err)
	req := newTestRequest(t)
	assert.Error(t, cnxn.DoRequest(context.Background(), req, bridge.NewContainer(nil)))
	backend.AssertExpectations(t)
}

func TestConnectionDoRequestWrapsErrors(t *testing.T) {
	backend := new(mockBackend)
	cause := errors.New("socket closed")
	backend.On("DoRequest", mock.Anything, mock.Anything).Return(cause)
	backend.On("CancelQuery", mock.Anything, mock.Anything).Return(context.DeadlineExceeded)
	cnxn, err := bridge.NewConnection(backend, nil)
	require.NoError(t, err)

	req := newTestRequest(t)
	err = cnxn.DoRequest(context.Background(), req, bridge.NewContainer(nil))
	assert.ErrorIs(t, err, cause)
	var bridgeErr bridge.Error
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, bridge.StatusUnknown, bridgeErr.Code)

	assert.ErrorIs(t, cnxn.CancelQuery(context.Background(), req), bridge.ErrTimeout)
	assert.Error(t, cnxn.DoRequest(context.Background(), nil, bridge.NewContainer(nil)))
	assert.Error(t, cnxn.CancelQuery(context.Background(), nil))
}

func TestConnectionAutocommit(t *testing.T) {
	plain, err := bridge.NewConnection(new(mockBackend), nil)
	require.NoError(t, err)
	assert.True(t, plain.Autocommit())

	var bridgeErr bridge.Error
	require.ErrorAs(t, plain.Commit(context.Background()), &bridgeErr)
	assert.Equal(t, bridge.ConnectionMessageCannotCommit, bridgeErr.Msg)
	require.ErrorAs(t, plain.SetAutocommit(context.Background(), false), &bridgeErr)
	assert.Equal(t, bridge.StatusNotImplemented, bridgeErr.Code)

	manual, err := bridge.NewConnection(new(mockBackend), nil, bridge.WithAutocommit(false))
	require.NoError(t, err)
	require.ErrorAs(t, manual.Rollback(context.Background()), &bridgeErr)
	assert.Equal(t, bridge.StatusNotImplemented, bridgeErr.Code)

	backend := new(txBackend)
	backend.On("SetAutocommit", mock.Anything, false).Return(nil).Once()
	backend.On("Commit", mock.Anything).Return(nil).Once()
	backend.On("Rollback", mock.Anything).Return(nil).Once()
	cnxn, err := bridge.NewConnection(backend, nil)
	require.NoError(t, err)

	require.ErrorAs(t, cnxn.Rollback(context.Background()), &bridgeErr)
	assert.Equal(t, bridge.ConnectionMessageCannotRollback, bridgeErr.Msg)
	require.NoError(t, cnxn.SetAutocommit(context.Background(), false))
	assert.False(t, cnxn.Autocommit())
	require.NoError(t, cnxn.Commit(context.Background()))
	require.NoError(t, cnxn.Rollback(context.Background()))
	backend.AssertExpectations(t)
}

// builderBackend attaches a payload to every request it builds.
type builderBackend struct {
	mockBackend
}

func (b *builderBackend) NewRequest(query string, cfg bridge.RequestConfig) (*bridge.Request, error) {
	cfg.Payload = "prepared:" + query
	return bridge.NewRequest(query, cfg)
}

func TestConnectionRequestBuilder(t *testing.T) {
	cnxn, err := bridge.NewConnection(new(builderBackend), nil)
	require.NoError(t, err)
	req, err := cnxn.NewRequest("select 1", bridge.RequestConfig{})
	require.NoError(t, err)
	assert.Equal(t, "prepared:select 1", req.Payload())
}
