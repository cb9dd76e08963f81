// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
	"github.com/railinfra/infracache/services/infra/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) store.Store {
	s, err := OpenInMemory()
	require.NoError(t, err)
	return s
}

func TestStore_Behaviour(t *testing.T) {
	storetest.Run(t, openTestStore)
}

// TestStore_BehaviourSmallTransactions runs the suite with a memtable small
// enough that the bulk cases overflow a single badger transaction.
func TestStore_BehaviourSmallTransactions(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		cfg := InMemoryConfig()
		cfg.MemTableSize = 1 << 20
		s, err := Open(cfg)
		require.NoError(t, err)
		return s
	})
}

func TestStore_BulkInsertSplitsTransaction(t *testing.T) {
	cfg := InMemoryConfig()
	cfg.MemTableSize = 1 << 20
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	objs := make([]schema.Object, 0, storetest.BulkSize)
	for i := range storetest.BulkSize {
		objs = append(objs, storetest.Signal(fmt.Sprintf("s%d", i), "T1", float64(i)))
	}

	var splits int
	err = s.WithTx(ctx, func(st store.Tx) error {
		infra := &store.Infra{Name: "big"}
		if err := st.CreateInfra(ctx, infra); err != nil {
			return err
		}
		if err := st.InsertObjects(ctx, infra.ID, objs); err != nil {
			return err
		}
		splits = st.(*tx).splits
		return nil
	})
	require.NoError(t, err)
	assert.Positive(t, splits)
}

func TestStore_FailedSplitMarksInfraStale(t *testing.T) {
	cfg := InMemoryConfig()
	cfg.MemTableSize = 1 << 20
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	infra := storetest.CreateInfra(t, s, "fresh")
	require.NoError(t, s.WithTx(ctx, func(st store.Tx) error {
		got, err := st.LockInfra(ctx, infra.ID)
		if err != nil {
			return err
		}
		got.MarkGenerated()
		return st.SaveInfra(ctx, got)
	}))
	require.False(t, storeInfra(t, s, infra.ID).IsStale())

	rows := make([]store.LayerRow, 0, storetest.BulkSize)
	for i := range storetest.BulkSize {
		rows = append(rows, store.LayerRow{ObjID: fmt.Sprintf("s%d", i), Data: []byte(`{}`)})
	}
	boom := errors.New("boom")
	err = s.WithTx(ctx, func(st store.Tx) error {
		if _, err := st.LockInfra(ctx, infra.ID); err != nil {
			return err
		}
		if err := st.InsertLayerRows(ctx, infra.ID, storetest.LayerTable, rows); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, storeInfra(t, s, infra.ID).IsStale())
}

func storeInfra(t *testing.T, s store.Store, id int64) *store.Infra {
	t.Helper()
	infra, err := s.GetInfra(context.Background(), id)
	require.NoError(t, err)
	return infra
}

// TestStore_Persistent verifies data survives a reopen.
func TestStore_Persistent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = time.Hour

	s, err := Open(cfg)
	require.NoError(t, err)
	infra := storetest.CreateInfra(t, s, "persisted", &schema.Signal{ID: "s1", Track: "T1"})
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetInfra(context.Background(), infra.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)

	next := storetest.CreateInfra(t, s, "second")
	assert.Equal(t, infra.ID+1, next.ID, "id sequence survives reopen")
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorContains(t, err, "path is required")
}

func TestStore_LockInfraSerializesTransactions(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()
	infra := storetest.CreateInfra(t, s, "locked")
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx store.Tx) error {
				got, err := tx.LockInfra(ctx, infra.ID)
				if err != nil {
					return err
				}
				got.Version++
				return tx.SaveInfra(ctx, got)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetInfra(ctx, infra.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.Version)
}
