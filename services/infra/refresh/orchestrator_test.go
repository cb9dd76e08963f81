// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refresh

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/railinfra/infracache/pkg/logging"
	"github.com/railinfra/infracache/services/infra/cache"
	"github.com/railinfra/infracache/services/infra/layers"
	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
	badgerstore "github.com/railinfra/infracache/services/infra/store/badger"
	"github.com/railinfra/infracache/services/infra/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts write transactions.
type countingStore struct {
	store.Store
	txs atomic.Int64
}

func (s *countingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.txs.Add(1)
	return s.Store.WithTx(ctx, fn)
}

// brokenLayer fails every call.
type brokenLayer struct{}

var errBroken = errors.New("disk on fire")

func (brokenLayer) TableName() string { return "infra_layer_broken" }

func (brokenLayer) Generate(context.Context, store.Tx, int64) error { return errBroken }

func (brokenLayer) Update(context.Context, store.Tx, int64, []schema.Operation, layers.DependencyIndex) error {
	return errBroken
}

func (brokenLayer) Clear(context.Context, store.Tx, int64) error { return errBroken }

type fixture struct {
	store    *countingStore
	registry *cache.Registry
	infra    *store.Infra
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	infra := storetest.CreateInfra(t, s, "small",
		storetest.Track("T1", 100, orb.Point{0, 0}, orb.Point{100, 0}),
		storetest.Signal("SIG", "T1", 40),
		storetest.SpeedSection("S1", 60, "T1"),
	)
	return &fixture{
		store:    &countingStore{Store: s},
		registry: cache.NewRegistry(cache.StoreLoader(s), cache.WithLogger(logging.Discard())),
		infra:    infra,
	}
}

func (f *fixture) orchestrator(ls ...layers.Layer) *Orchestrator {
	if len(ls) == 0 {
		ls = layers.All()
	}
	return NewOrchestrator(f.store, f.registry, ls, WithLogger(logging.Discard()))
}

func (f *fixture) reload(t *testing.T) *store.Infra {
	t.Helper()
	infra, err := f.store.GetInfra(context.Background(), f.infra.ID)
	require.NoError(t, err)
	return infra
}

func TestRefresh_StaleInfraIsRegenerated(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	require.True(t, f.infra.IsStale())

	refreshed, err := f.orchestrator().Refresh(ctx, f.infra.ID, false)
	require.NoError(t, err)
	assert.True(t, refreshed)

	infra := f.reload(t)
	assert.False(t, infra.IsStale())
	require.NotNil(t, infra.GeneratedVersion)
	assert.Equal(t, infra.Version, *infra.GeneratedVersion)

	rows, err := f.store.ListLayer(ctx, f.infra.ID, layers.TableSignal)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "SIG", rows[0].ObjID)
}

func TestRefresh_FreshInfraWithoutForceWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	o := f.orchestrator()
	_, err := o.Refresh(ctx, f.infra.ID, false)
	require.NoError(t, err)

	f.store.txs.Store(0)
	refreshed, err := o.Refresh(ctx, f.infra.ID, false)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Zero(t, f.store.txs.Load())
}

func TestRefresh_ForceAlwaysRegenerates(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	o := f.orchestrator()
	_, err := o.Refresh(ctx, f.infra.ID, false)
	require.NoError(t, err)

	f.store.txs.Store(0)
	refreshed, err := o.Refresh(ctx, f.infra.ID, true)
	require.NoError(t, err)
	assert.True(t, refreshed)
	// One transaction per layer, plus the version update.
	assert.Equal(t, int64(len(layers.All())+1), f.store.txs.Load())
}

func TestRefresh_FailureKeepsInfraStale(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	ls := append(layers.All(), brokenLayer{})

	refreshed, err := f.orchestrator(ls...).Refresh(ctx, f.infra.ID, false)
	require.Error(t, err)
	assert.False(t, refreshed)
	assert.ErrorIs(t, err, ErrDependencyGeneration)
	assert.ErrorIs(t, err, errBroken)

	var genErr *DependencyGenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, []string{"infra_layer_broken"}, genErr.Layers)
	assert.Equal(t, f.infra.ID, genErr.InfraID)

	assert.True(t, f.reload(t).IsStale())

	// A later refresh retries the whole set.
	refreshed, err = f.orchestrator().Refresh(ctx, f.infra.ID, false)
	require.NoError(t, err)
	assert.True(t, refreshed)
}

func TestRefresh_UnknownInfra(t *testing.T) {
	f := setup(t)
	_, err := f.orchestrator().Refresh(context.Background(), 9999, true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	o := f.orchestrator()
	_, err := o.Refresh(ctx, f.infra.ID, false)
	require.NoError(t, err)
	_, err = f.registry.Get(ctx, f.infra.ID)
	require.NoError(t, err)
	require.True(t, f.registry.Loaded(f.infra.ID))

	require.NoError(t, o.Clear(ctx, f.infra.ID))

	infra := f.reload(t)
	assert.Nil(t, infra.GeneratedVersion)
	assert.True(t, infra.IsStale())
	assert.False(t, f.registry.Loaded(f.infra.ID))
	for _, table := range layers.Tables() {
		rows, err := f.store.ListLayer(ctx, f.infra.ID, table)
		require.NoError(t, err)
		assert.Empty(t, rows, table)
	}
}

func TestRefreshAll(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	other := storetest.CreateInfra(t, f.store, "other", storetest.Track("T1", 10))
	o := NewOrchestrator(f.store, f.registry, layers.All(), WithLogger(logging.Discard()), WithParallelism(1))

	_, err := o.Refresh(ctx, other.ID, false)
	require.NoError(t, err)

	outcomes, err := o.RefreshAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, map[int64]Outcome{
		f.infra.ID: {Refreshed: true},
		other.ID:   {Refreshed: false},
	}, outcomes)
}

func TestRunner(t *testing.T) {
	f := setup(t)
	_, err := NewRunner(f.orchestrator(), 0, nil)
	require.Error(t, err)

	r, err := NewRunner(f.orchestrator(), 10*time.Millisecond, logging.Discard())
	require.NoError(t, err)
	r.Start(context.Background())
	r.Start(context.Background())
	defer r.Stop()

	assert.Eventually(t, func() bool {
		infra, err := f.store.GetInfra(context.Background(), f.infra.ID)
		return err == nil && !infra.IsStale()
	}, 5*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()
}
