// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edit

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/railinfra/infracache/pkg/logging"
	"github.com/railinfra/infracache/services/infra/autofix"
	"github.com/railinfra/infracache/services/infra/cache"
	"github.com/railinfra/infracache/services/infra/layers"
	"github.com/railinfra/infracache/services/infra/refresh"
	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
	badgerstore "github.com/railinfra/infracache/services/infra/store/badger"
	"github.com/railinfra/infracache/services/infra/store/sqlstore"
	"github.com/railinfra/infracache/services/infra/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backends = []struct {
	name string
	open func(t *testing.T) store.Store
}{
	{"badger", func(t *testing.T) store.Store {
		s, err := badgerstore.OpenInMemory()
		require.NoError(t, err)
		return s
	}},
	{"sqlite", func(t *testing.T) store.Store {
		s, err := sqlstore.OpenSQLiteMemory(layers.Tables()...)
		require.NoError(t, err)
		return s
	}},
}

type env struct {
	store    store.Store
	registry *cache.Registry
	service  *Service
	refresh  *refresh.Orchestrator
}

func newEnv(t *testing.T, s store.Store) *env {
	t.Helper()
	t.Cleanup(func() { _ = s.Close() })
	registry := cache.NewRegistry(cache.StoreLoader(s), cache.WithLogger(logging.Discard()))
	all := layers.All()
	return &env{
		store:    s,
		registry: registry,
		service:  NewService(s, registry, all, WithLogger(logging.Discard())),
		refresh:  refresh.NewOrchestrator(s, registry, all, refresh.WithLogger(logging.Discard())),
	}
}

// forEachBackend runs fn against a fresh env of every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, e *env)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, newEnv(t, b.open(t)))
		})
	}
}

func sampleDoc() *schema.RailJSON {
	doc := schema.NewRailJSON()
	doc.Add(storetest.Track("T1", 100, orb.Point{0, 0}, orb.Point{100, 0}))
	doc.Add(storetest.Track("T2", 50, orb.Point{100, 0}, orb.Point{100, 50}))
	doc.Add(storetest.Signal("SIG", "T1", 50))
	return doc
}

// importFresh imports the sample document and refreshes it.
func (e *env) importFresh(t *testing.T) *store.Infra {
	t.Helper()
	infra, err := e.service.Import(context.Background(), "sample", sampleDoc())
	require.NoError(t, err)
	refreshed, err := e.refresh.Refresh(context.Background(), infra.ID, false)
	require.NoError(t, err)
	require.True(t, refreshed)
	return infra
}

func (e *env) infra(t *testing.T, id int64) *store.Infra {
	t.Helper()
	infra, err := e.store.GetInfra(context.Background(), id)
	require.NoError(t, err)
	return infra
}

func (e *env) layerIDs(t *testing.T, id int64, table string) []string {
	t.Helper()
	rows, err := e.store.ListLayer(context.Background(), id, table)
	require.NoError(t, err)
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ObjID)
	}
	return ids
}

func TestApply_CreateMaintainsCacheAndLayers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		infra := e.importFresh(t)

		s1 := storetest.SpeedSection("S1", 60, "T1")
		result, err := e.service.Apply(ctx, infra.ID, []schema.Operation{schema.NewCreate(s1)})
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Version)
		assert.True(t, result.Fresh)
		assert.NotEqual(t, uuid.Nil, result.BatchID)

		c, err := e.registry.Get(ctx, infra.ID)
		require.NoError(t, err)
		assert.Equal(t, []schema.ObjectRef{schema.RefOf(s1)}, c.TrackRefs("T1", schema.ObjectTypeSpeedSection))

		assert.Equal(t, []string{"S1"}, e.layerIDs(t, infra.ID, layers.TableSpeedSection))
		assert.False(t, e.infra(t, infra.ID).IsStale())
	})
}

func TestApply_StaleInfraStaysStale(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		infra, err := e.service.Import(ctx, "stale", sampleDoc())
		require.NoError(t, err)

		result, err := e.service.Apply(ctx, infra.ID, []schema.Operation{
			schema.NewCreate(storetest.Detector("D1", "T2", 10)),
		})
		require.NoError(t, err)
		assert.False(t, result.Fresh)

		got := e.infra(t, infra.ID)
		assert.Equal(t, int64(1), got.Version)
		assert.Nil(t, got.GeneratedVersion)
	})
}

func TestApply_FailureRollsBackStoreCacheAndLayers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		infra := e.importFresh(t)

		c, err := e.registry.Get(ctx, infra.ID)
		require.NoError(t, err)
		before := c.Clone()

		_, err = e.service.Apply(ctx, infra.ID, []schema.Operation{
			schema.NewCreate(storetest.SpeedSection("S2", 60, "T1")),
			schema.NewUpdate(storetest.Track("T1", 120, orb.Point{0, 0}, orb.Point{0, 120})),
			schema.NewDelete(schema.NewObjectRef(schema.ObjectTypeSignal, "NOPE")),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, cache.ErrInvariantViolation)

		objs, err := e.store.GetObjects(ctx, infra.ID, schema.ObjectTypeSpeedSection, []string{"S2"})
		require.NoError(t, err)
		assert.Empty(t, objs, "store write rolled back")
		assert.Empty(t, e.layerIDs(t, infra.ID, layers.TableSpeedSection), "layer write rolled back")

		got := e.infra(t, infra.ID)
		assert.Equal(t, int64(0), got.Version)
		assert.False(t, got.IsStale())

		// The violation dropped the cache; the reload matches the store.
		assert.False(t, e.registry.Loaded(infra.ID))
		reloaded, err := e.registry.Get(ctx, infra.ID)
		require.NoError(t, err)
		assert.True(t, before.Equal(reloaded))
	})
}

func TestApply_StoreRejectionRollsBackCache(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		infra := e.importFresh(t)

		c, err := e.registry.Get(ctx, infra.ID)
		require.NoError(t, err)
		before := c.Clone()

		// Routes are not indexed, so only the store sees the duplicate.
		route := &schema.Route{ID: "R1"}
		_, err = e.service.Apply(ctx, infra.ID, []schema.Operation{schema.NewCreate(route)})
		require.NoError(t, err)

		_, err = e.service.Apply(ctx, infra.ID, []schema.Operation{
			schema.NewCreate(storetest.SpeedSection("S3", 60, "T2")),
			schema.NewCreate(&schema.Route{ID: "R1"}),
		})
		require.ErrorIs(t, err, store.ErrAlreadyExists)

		assert.True(t, e.registry.Loaded(infra.ID))
		current, err := e.registry.Get(ctx, infra.ID)
		require.NoError(t, err)
		assert.True(t, before.Equal(current), "cache journal rolled back")
		assert.Empty(t, current.TrackRefs("T2", schema.ObjectTypeSpeedSection))
		assert.Equal(t, int64(1), e.infra(t, infra.ID).Version)
	})
}

func TestApply_RejectsInvalidBatches(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		infra := e.importFresh(t)

		_, err := e.service.Apply(ctx, infra.ID, nil)
		assert.ErrorIs(t, err, ErrEmptyBatch)

		bad := &schema.UpdateOperation{
			ObjType: schema.ObjectTypeSignal,
			ObjID:   "SIG",
			Object:  storetest.Signal("OTHER", "T1", 1),
		}
		_, err = e.service.Apply(ctx, infra.ID, []schema.Operation{bad})
		assert.ErrorIs(t, err, schema.ErrInvalidOperation)

		_, err = e.service.Apply(ctx, infra.ID, []schema.Operation{
			schema.NewUpdate(storetest.Detector("MISSING", "T1", 1)),
		})
		assert.ErrorIs(t, err, cache.ErrInvariantViolation)

		_, err = e.service.Apply(ctx, 4242, []schema.Operation{schema.NewCreate(storetest.Track("T", 1))})
		assert.Error(t, err)

		assert.Equal(t, int64(0), e.infra(t, infra.ID).Version)
	})
}

func TestApply_LockedInfra(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		infra := e.importFresh(t)
		require.NoError(t, e.service.SetLocked(ctx, infra.ID, true))

		_, err := e.service.Apply(ctx, infra.ID, []schema.Operation{schema.NewCreate(storetest.Track("T3", 1))})
		assert.ErrorIs(t, err, ErrInfraLocked)

		require.NoError(t, e.service.SetLocked(ctx, infra.ID, false))
		_, err = e.service.Apply(ctx, infra.ID, []schema.Operation{schema.NewCreate(storetest.Track("T3", 1))})
		assert.NoError(t, err)
	})
}

func TestImport_VersionConflictWritesNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		doc := sampleDoc()
		doc.Version = "2.2.0"

		_, err := e.service.Import(ctx, "old", doc)
		require.ErrorIs(t, err, schema.ErrVersionConflict)
		var conflict *schema.VersionConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "2.2.0", conflict.Got)

		infras, err := e.store.ListInfras(ctx)
		require.NoError(t, err)
		assert.Empty(t, infras)
	})
}

func TestImport_RejectsMalformedObjects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"null entry", `{"version":"3.4.11","signals":[null]}`, "signals[0] is null"},
		{"empty id", `{"version":"3.4.11","track_sections":[{"id":"","length":1}]}`, "track_sections[0] has an empty id"},
		{"duplicate id", `{"version":"3.4.11","detectors":[{"id":"D","track":"T","position":1},{"id":"D","track":"T","position":2}]}`, "duplicate Detector:D"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, e *env) {
				ctx := context.Background()
				doc, err := schema.ReadRailJSON(strings.NewReader(tt.doc))
				require.NoError(t, err)

				_, err = e.service.Import(ctx, "bad", doc)
				require.ErrorIs(t, err, schema.ErrInvalidOperation)
				assert.ErrorContains(t, err, tt.want)

				infras, err := e.store.ListInfras(ctx)
				require.NoError(t, err)
				assert.Empty(t, infras)
			})
		})
	}
}

func TestImport_LeavesInfraStale(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		owner := uuid.New()
		clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		svc := NewService(e.store, e.registry, layers.All(),
			WithLogger(logging.Discard()), WithOwner(owner), WithClock(func() time.Time { return clock }))

		infra, err := svc.Import(ctx, "new", sampleDoc())
		require.NoError(t, err)

		got := e.infra(t, infra.ID)
		assert.True(t, got.IsStale())
		assert.Equal(t, owner, got.Owner)
		assert.Equal(t, "new", got.Name)
		assert.True(t, clock.Equal(got.Created))
		assert.Empty(t, e.layerIDs(t, infra.ID, layers.TableSignal))
	})
}

// TestApplyFixes_DanglingSpeedSection walks the whole dangling reference
// scenario: the track goes, the validation report flags the section, the
// fix deletes it.
func TestApplyFixes_DanglingSpeedSection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		infra := e.importFresh(t)

		s1 := storetest.SpeedSection("S1", 60, "T1")
		_, err := e.service.Apply(ctx, infra.ID, []schema.Operation{schema.NewCreate(s1)})
		require.NoError(t, err)

		t1 := schema.NewObjectRef(schema.ObjectTypeTrackSection, "T1")
		_, err = e.service.Apply(ctx, infra.ID, []schema.Operation{schema.NewDelete(t1)})
		require.NoError(t, err)

		report := []autofix.InfraError{
			{ObjRef: schema.RefOf(s1), ErrorType: autofix.ErrorInvalidReference, Field: "track_ranges.0.track", Reference: &t1},
			{ObjRef: schema.NewObjectRef(schema.ObjectTypeSignal, "SIG"), ErrorType: autofix.ErrorInvalidReference, Field: "track", Reference: &t1},
			{ObjRef: schema.NewObjectRef(schema.ObjectTypeSignal, "SIG"), ErrorType: autofix.ErrorOutOfRange, Field: "position"},
		}
		result, proposal, err := e.service.ApplyFixes(ctx, infra.ID, report)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, int64(3), result.Version)
		assert.Equal(t, []schema.Operation{
			schema.NewDelete(schema.NewObjectRef(schema.ObjectTypeSignal, "SIG")),
			schema.NewDelete(schema.RefOf(s1)),
		}, proposal.Operations)
		require.Len(t, proposal.Unfixable, 1)
		assert.Equal(t, autofix.ErrorOutOfRange, proposal.Unfixable[0].Err.ErrorType)

		c, err := e.registry.Get(ctx, infra.ID)
		require.NoError(t, err)
		assert.Empty(t, c.TrackRefs("T1", schema.ObjectTypeSpeedSection))
		assert.Empty(t, e.layerIDs(t, infra.ID, layers.TableSpeedSection))
		assert.Empty(t, e.layerIDs(t, infra.ID, layers.TableSignal))

		// Nothing left to fix.
		result, proposal, err = e.service.ApplyFixes(ctx, infra.ID, report[2:])
		require.NoError(t, err)
		assert.Nil(t, result)
		assert.Len(t, proposal.Unfixable, 1)
	})
}

func TestCloneExportDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		infra := e.importFresh(t)
		_, err := e.service.Apply(ctx, infra.ID, []schema.Operation{
			schema.NewCreate(storetest.SpeedSection("S1", 60, "T1", "T2")),
		})
		require.NoError(t, err)

		clone, err := e.service.Clone(ctx, infra.ID, "copy")
		require.NoError(t, err)
		assert.NotEqual(t, infra.ID, clone.ID)
		got := e.infra(t, clone.ID)
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, got.IsStale())

		original, err := e.service.Export(ctx, infra.ID)
		require.NoError(t, err)
		copied, err := e.service.Export(ctx, clone.ID)
		require.NoError(t, err)
		assert.Equal(t, original, copied)
		assert.Len(t, copied.TrackSections, 2)
		assert.Len(t, copied.SpeedSections, 1)

		require.NoError(t, e.service.Delete(ctx, clone.ID))
		_, err = e.store.GetInfra(ctx, clone.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = e.service.Export(ctx, clone.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestClone_KeepsLockAndDefaultsName(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		infra := e.importFresh(t)
		require.NoError(t, e.service.SetLocked(ctx, infra.ID, true))

		clone, err := e.service.Clone(ctx, infra.ID, "")
		require.NoError(t, err)
		got := e.infra(t, clone.ID)
		assert.True(t, got.Locked)
		assert.Equal(t, "sample (copy)", got.Name)

		_, err = e.service.Apply(ctx, clone.ID, []schema.Operation{schema.NewCreate(storetest.Track("T3", 1))})
		assert.ErrorIs(t, err, ErrInfraLocked)
	})
}

// TestApply_LayersMatchRefresh drives random batches through the service
// and checks the maintained layers against a forced regeneration.
func TestApply_LayersMatchRefresh(t *testing.T) {
	for seed := uint64(1); seed <= 4; seed++ {
		forEachBackend(t, func(t *testing.T, e *env) {
			ctx := context.Background()
			infra, err := e.service.Import(ctx, fmt.Sprintf("prop-%d", seed), schema.NewRailJSON())
			require.NoError(t, err)
			_, err = e.refresh.Refresh(ctx, infra.ID, false)
			require.NoError(t, err)

			gen := storetest.NewBatchGenerator(seed)
			for i := range 20 {
				_, err := e.service.Apply(ctx, infra.ID, gen.Batch(1+i%3))
				require.NoError(t, err)
			}
			assert.False(t, e.infra(t, infra.ID).IsStale())

			maintained := make(map[string][]store.LayerRow)
			for _, table := range layers.Tables() {
				rows, err := e.store.ListLayer(ctx, infra.ID, table)
				require.NoError(t, err)
				maintained[table] = rows
			}

			_, err = e.refresh.Refresh(ctx, infra.ID, true)
			require.NoError(t, err)
			for _, table := range layers.Tables() {
				rows, err := e.store.ListLayer(ctx, infra.ID, table)
				require.NoError(t, err)
				assert.Equal(t, rows, maintained[table], table)
			}

			c, err := e.registry.Get(ctx, infra.ID)
			require.NoError(t, err)
			fresh, err := cache.Load(ctx, e.store, infra.ID)
			require.NoError(t, err)
			assert.True(t, c.Equal(fresh), "maintained cache matches a rebuild")
		})
	}
}
