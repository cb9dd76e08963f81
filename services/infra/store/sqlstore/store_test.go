// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlstore

import (
	"context"
	"testing"

	"github.com/railinfra/infracache/services/infra/store"
	"github.com/railinfra/infracache/services/infra/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) store.Store {
	s, err := OpenSQLiteMemory(storetest.LayerTable)
	require.NoError(t, err)
	return s
}

func TestStore_Behaviour(t *testing.T) {
	storetest.Run(t, openTestStore)
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"})
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestOpen_RejectsInvalidLayerTable(t *testing.T) {
	_, err := OpenSQLiteMemory("infra_layer; DROP TABLE infra")
	assert.ErrorContains(t, err, "invalid layer table name")
}

func TestStore_UnregisteredLayerTable(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	_, err := s.ListLayer(context.Background(), 1, "infra_layer_unknown")
	assert.ErrorContains(t, err, "not registered")
}

func TestGormLogLevel(t *testing.T) {
	assert.Equal(t, gormLogLevel("silent"), gormLogLevel(""))
	assert.NotEqual(t, gormLogLevel("info"), gormLogLevel("error"))
}
