// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEAndIs(t *testing.T) {
	err := E(Op("rdb.AddJob"), AlreadyExists, "job id conflict")
	require.Error(t, err)
	assert.True(t, Is(err, AlreadyExists))
	assert.False(t, Is(err, NotFound))
	assert.Equal(t, AlreadyExists, CanonicalCode(err))
}

func TestErrorMessageFormat(t *testing.T) {
	err := E(Op("rdb.CompleteJob"), Internal, errors.New("connection refused"))
	assert.Equal(t, "rdb.CompleteJob: internal: connection refused", err.Error())

	noWrap := E(Op("rdb.CompleteJob"), NotFound)
	assert.Equal(t, "rdb.CompleteJob: not_found", noWrap.Error())
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := E(Op("rdb.FailJob"), Internal, inner)
	assert.ErrorIs(t, err, inner)
}

func TestCanonicalCodeOnPlainError(t *testing.T) {
	assert.Equal(t, Unspecified, CanonicalCode(errors.New("plain")))
	assert.False(t, Is(errors.New("plain"), Internal))
}

func TestRedisCommandError(t *testing.T) {
	err := RedisCommandError(Op("rdb.Ping"), errors.New("EOF"))
	assert.True(t, Is(err, Internal))
}

func TestEPanicsOnUnsupportedArgument(t *testing.T) {
	assert.Panics(t, func() {
		E(Op("x"), 3.14)
	})
}
