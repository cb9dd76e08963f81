// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layers

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/paulmach/orb"
	"github.com/railinfra/infracache/services/infra/cache"
	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
	badgerstore "github.com/railinfra/infracache/services/infra/store/badger"
	"github.com/railinfra/infracache/services/infra/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, objs ...schema.Object) *cache.InfraCache {
	t.Helper()
	c := cache.New(1)
	for _, obj := range objs {
		require.NoError(t, c.Apply(schema.NewCreate(obj)))
	}
	return c
}

func openStore(t *testing.T) *badgerstore.Store {
	t.Helper()
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func layerByTable(t *testing.T, table string) Layer {
	t.Helper()
	for _, l := range All() {
		if l.TableName() == table {
			return l
		}
	}
	t.Fatalf("no layer %s", table)
	return nil
}

func TestAffectedIDs(t *testing.T) {
	t1 := storetest.Track("T1", 100)
	s1 := storetest.SpeedSection("S1", 60, "T1")
	s2 := storetest.SpeedSection("S2", 80, "T1")
	s3 := storetest.SpeedSection("S3", 80, "T2")
	sig := storetest.Signal("SIG", "T1", 10)
	c := newCache(t, t1, s1, s2, s3, sig)

	t.Run("track update reaches dependents of the kind only", func(t *testing.T) {
		ops := []schema.Operation{schema.NewUpdate(storetest.Track("T1", 120))}
		assert.Equal(t, []string{"S1", "S2"}, AffectedIDs(ops, c, schema.ObjectTypeSpeedSection))
		assert.Equal(t, []string{"SIG"}, AffectedIDs(ops, c, schema.ObjectTypeSignal))
		assert.Equal(t, []string{"T1"}, AffectedIDs(ops, c, schema.ObjectTypeTrackSection))
	})

	t.Run("direct and transitive hits are deduplicated", func(t *testing.T) {
		ops := []schema.Operation{
			schema.NewUpdate(storetest.SpeedSection("S1", 70, "T1")),
			schema.NewUpdate(storetest.Track("T1", 120)),
			schema.NewDelete(schema.RefOf(s3)),
		}
		assert.Equal(t, []string{"S1", "S2", "S3"}, AffectedIDs(ops, c, schema.ObjectTypeSpeedSection))
	})

	t.Run("track delete reaches dependents", func(t *testing.T) {
		ops := []schema.Operation{schema.NewDelete(schema.RefOf(t1))}
		assert.Equal(t, []string{"S1", "S2"}, AffectedIDs(ops, c, schema.ObjectTypeSpeedSection))
	})

	t.Run("unrelated kinds are ignored", func(t *testing.T) {
		ops := []schema.Operation{
			schema.NewCreate(storetest.Detector("D1", "T1", 5)),
			schema.NewDelete(schema.NewObjectRef(schema.ObjectTypeRoute, "R1")),
		}
		assert.Empty(t, AffectedIDs(ops, c, schema.ObjectTypeSpeedSection))
	})

	t.Run("unknown track yields nothing", func(t *testing.T) {
		ops := []schema.Operation{schema.NewCreate(storetest.Track("T9", 10))}
		assert.Empty(t, AffectedIDs(ops, c, schema.ObjectTypeSignal))
	})
}

func TestTablesAreUnique(t *testing.T) {
	tables := Tables()
	assert.Len(t, tables, 10)
	seen := make(map[string]bool)
	for _, table := range tables {
		assert.False(t, seen[table], table)
		seen[table] = true
	}
	assert.Contains(t, tables, TablePslSign)
}

func TestGenerate_ProjectsGeometry(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	infra := storetest.CreateInfra(t, s, "geo",
		storetest.Track("T1", 100, orb.Point{0, 0}, orb.Point{10, 0}),
		storetest.Signal("SIG", "T1", 50),
		storetest.Signal("LOST", "T404", 50),
		storetest.SpeedSection("S1", 60, "T1", "T404"),
	)

	for _, table := range []string{TableSignal, TableSpeedSection} {
		err := s.WithTx(ctx, func(tx store.Tx) error {
			return layerByTable(t, table).Generate(ctx, tx, infra.ID)
		})
		require.NoError(t, err)
	}

	signals, err := s.ListLayer(ctx, infra.ID, TableSignal)
	require.NoError(t, err)
	require.Len(t, signals, 2)

	assert.Equal(t, "LOST", signals[0].ObjID)
	assert.Nil(t, signals[0].Geometry, "a missing track leaves the row without geometry")

	assert.Equal(t, "SIG", signals[1].ObjID)
	assert.JSONEq(t, `{"type":"Point","coordinates":[5,0]}`, string(signals[1].Geometry))
	var data signalData
	require.NoError(t, json.Unmarshal(signals[1].Data, &data))
	assert.Equal(t, "T1", data.Track)
	assert.InDelta(t, 0, data.Angle, 1e-9)

	sections, err := s.ListLayer(ctx, infra.ID, TableSpeedSection)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.JSONEq(t, `{"type":"MultiLineString","coordinates":[[[0,0],[10,0]]]}`, string(sections[0].Geometry))
}

func TestPslLayer_OnlyCarriesSectionsWithExtension(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	psl := storetest.SpeedSection("PSL", 60, "T1")
	psl.Extensions.PslSncf = &schema.SpeedSectionPslSncfExtension{
		Z: schema.Sign{Track: "T1", Position: 25, Type: "Z", Value: "60"},
	}
	infra := storetest.CreateInfra(t, s, "psl",
		storetest.Track("T1", 100, orb.Point{0, 0}, orb.Point{0, 100}),
		psl,
		storetest.SpeedSection("PLAIN", 80, "T1"),
	)

	l := layerByTable(t, TablePslSign)
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error { return l.Generate(ctx, tx, infra.ID) }))

	rows, err := s.ListLayer(ctx, infra.ID, TablePslSign)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "PSL", rows[0].ObjID)
	assert.JSONEq(t, `{"type":"MultiPoint","coordinates":[[0,25]]}`, string(rows[0].Geometry))

	// Dropping the extension removes the row on update.
	plain := storetest.SpeedSection("PSL", 60, "T1")
	ops := []schema.Operation{schema.NewUpdate(plain)}
	c := newCache(t, plain)
	err = s.WithTx(ctx, func(tx store.Tx) error {
		if err := storetest.ApplyToStore(ctx, tx, infra.ID, ops); err != nil {
			return err
		}
		return l.Update(ctx, tx, infra.ID, ops, c)
	})
	require.NoError(t, err)

	rows, err = s.ListLayer(ctx, infra.ID, TablePslSign)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUpdate_TrackChangeMovesDependents(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	track := storetest.Track("T1", 100, orb.Point{0, 0}, orb.Point{10, 0})
	sig := storetest.Signal("SIG", "T1", 100)
	infra := storetest.CreateInfra(t, s, "move", track, sig)
	c := newCache(t, track, sig)

	l := layerByTable(t, TableSignal)
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error { return l.Generate(ctx, tx, infra.ID) }))

	ops := []schema.Operation{schema.NewUpdate(storetest.Track("T1", 100, orb.Point{0, 0}, orb.Point{0, 20}))}
	require.NoError(t, c.Apply(ops[0]))
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := storetest.ApplyToStore(ctx, tx, infra.ID, ops); err != nil {
			return err
		}
		return l.Update(ctx, tx, infra.ID, ops, c)
	})
	require.NoError(t, err)

	rows, err := s.ListLayer(ctx, infra.ID, TableSignal)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"type":"Point","coordinates":[0,20]}`, string(rows[0].Geometry))
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	infra := storetest.CreateInfra(t, s, "clear", storetest.Track("T1", 10, orb.Point{0, 0}, orb.Point{1, 0}))

	l := layerByTable(t, TableTrackSection)
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error { return l.Generate(ctx, tx, infra.ID) }))
	rows, err := s.ListLayer(ctx, infra.ID, TableTrackSection)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error { return l.Clear(ctx, tx, infra.ID) }))
	rows, err = s.ListLayer(ctx, infra.ID, TableTrackSection)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// snapshot reads every layer table of an infra.
func snapshot(t *testing.T, s store.Store, infraID int64) map[string][]store.LayerRow {
	t.Helper()
	out := make(map[string][]store.LayerRow)
	for _, table := range Tables() {
		rows, err := s.ListLayer(context.Background(), infraID, table)
		require.NoError(t, err)
		out[table] = rows
	}
	return out
}

// TestUpdate_EquivalentToGenerate checks that maintaining the layers batch
// by batch ends in the same tables as one full generation.
func TestUpdate_EquivalentToGenerate(t *testing.T) {
	for seed := uint64(1); seed <= 8; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			ctx := context.Background()
			s := openStore(t)
			infra := storetest.CreateInfra(t, s, "prop")
			c := cache.New(infra.ID)
			gen := storetest.NewBatchGenerator(seed)
			all := All()

			for range 25 {
				ops := gen.Batch(1 + int(seed%4))
				for _, op := range ops {
					require.NoError(t, c.Apply(op))
				}
				err := s.WithTx(ctx, func(tx store.Tx) error {
					if err := storetest.ApplyToStore(ctx, tx, infra.ID, ops); err != nil {
						return err
					}
					for _, l := range all {
						if err := l.Update(ctx, tx, infra.ID, ops, c); err != nil {
							return err
						}
					}
					return nil
				})
				require.NoError(t, err)
			}
			incremental := snapshot(t, s, infra.ID)

			err := s.WithTx(ctx, func(tx store.Tx) error {
				for _, l := range all {
					if err := l.Generate(ctx, tx, infra.ID); err != nil {
						return err
					}
				}
				return nil
			})
			require.NoError(t, err)
			full := snapshot(t, s, infra.ID)

			for _, table := range Tables() {
				assert.Equal(t, full[table], incremental[table], table)
			}
		})
	}
}
