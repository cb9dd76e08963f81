// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storetest holds the behavioural tests every store backend must
// pass, and small fixtures shared by the tests of other packages.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LayerTable is the layer table the suite writes to. Backends that need
// layer tables declared up front must accept it.
const LayerTable = "infra_layer_signal"

// BulkSize is the number of objects and layer rows written by the bulk
// cases. Backends with a per-transaction write limit should be opened small
// enough for it to be crossed.
const BulkSize = 5000

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) store.Store

// CreateInfra creates an infra with objs inside one transaction.
func CreateInfra(t *testing.T, s store.Store, name string, objs ...schema.Object) *store.Infra {
	t.Helper()
	infra := &store.Infra{Name: name, RailjsonVersion: schema.RAILJSONVersion, Owner: uuid.New()}
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		if err := tx.CreateInfra(context.Background(), infra); err != nil {
			return err
		}
		return tx.InsertObjects(context.Background(), infra.ID, objs)
	})
	require.NoError(t, err)
	return infra
}

// Run runs the behavioural suite against the backend opened by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InfraLifecycle", testInfraLifecycle},
		{"Objects", testObjects},
		{"TrackLinks", testTrackLinks},
		{"LayerRows", testLayerRows},
		{"RollbackOnError", testRollbackOnError},
		{"DeleteInfraCascades", testDeleteInfraCascades},
		{"BulkWrites", testBulkWrites},
		{"FailedBulkCreateLeavesNothing", testFailedBulkCreate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testInfraLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := CreateInfra(t, s, "a")
	b := CreateInfra(t, s, "b")
	assert.NotEqual(t, a.ID, b.ID)

	got, err := s.GetInfra(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)
	assert.Equal(t, a.Owner, got.Owner)
	assert.True(t, got.IsStale())

	err = s.WithTx(ctx, func(tx store.Tx) error {
		infra, err := tx.LockInfra(ctx, a.ID)
		if err != nil {
			return err
		}
		infra.Version = 3
		infra.MarkGenerated()
		return tx.SaveInfra(ctx, infra)
	})
	require.NoError(t, err)

	got, err = s.GetInfra(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	require.NotNil(t, got.GeneratedVersion)
	assert.False(t, got.IsStale())

	infras, err := s.ListInfras(ctx)
	require.NoError(t, err)
	require.Len(t, infras, 2)
	assert.Equal(t, a.ID, infras[0].ID)

	_, err = s.GetInfra(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.SaveInfra(ctx, &store.Infra{ID: 999, Owner: uuid.New()})
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testObjects(t *testing.T, s store.Store) {
	ctx := context.Background()
	infra := CreateInfra(t, s, "objects",
		&schema.TrackSection{ID: "T1", Length: 100},
		&schema.Signal{ID: "s2", Track: "T1", Position: 5},
		&schema.Signal{ID: "s1", Track: "T1", Position: 1},
	)

	signals, err := s.ListObjects(ctx, infra.ID, schema.ObjectTypeSignal)
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, "s1", signals[0].GetID(), "ordered by id")
	assert.Equal(t, &schema.Signal{ID: "s1", Track: "T1", Position: 1}, signals[0])

	got, err := s.GetObjects(ctx, infra.ID, schema.ObjectTypeSignal, []string{"s2", "missing", "s2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].GetID())

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertObjects(ctx, infra.ID, []schema.Object{&schema.Signal{ID: "s1", Track: "T2"}})
	})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateObject(ctx, infra.ID, &schema.Signal{ID: "s1", Track: "T9", Position: 2}); err != nil {
			return err
		}
		return tx.DeleteObject(ctx, infra.ID, schema.NewObjectRef(schema.ObjectTypeSignal, "s2"))
	})
	require.NoError(t, err)

	signals, err = s.ListObjects(ctx, infra.ID, schema.ObjectTypeSignal)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "T9", signals[0].(*schema.Signal).Track)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpdateObject(ctx, infra.ID, &schema.Signal{ID: "nope"})
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteObject(ctx, infra.ID, schema.NewObjectRef(schema.ObjectTypeSignal, "nope"))
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	other := CreateInfra(t, s, "other")
	empty, err := s.ListObjects(ctx, other.ID, schema.ObjectTypeSignal)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testTrackLinks(t *testing.T, s store.Store) {
	ctx := context.Background()
	objs := []schema.Object{
		&schema.SpeedSection{ID: "b", TrackRanges: []schema.ApplicableDirectionsTrackRange{
			{Track: "T2", End: 1}, {Track: "T1", End: 1},
		}},
		&schema.SpeedSection{ID: "a", TrackRanges: []schema.ApplicableDirectionsTrackRange{{Track: "T3", End: 1}}},
		&schema.SpeedSection{ID: "c"},
	}
	infra := CreateInfra(t, s, "links", objs...)

	links, err := s.TrackLinks(ctx, infra.ID, schema.ObjectTypeSpeedSection)
	require.NoError(t, err)
	assert.Equal(t, []store.TrackLink{
		{ObjID: "a", TrackID: "T3"},
		{ObjID: "b", TrackID: "T2"},
		{ObjID: "b", TrackID: "T1"},
		{ObjID: "c"},
	}, links)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateObject(ctx, infra.ID, &schema.SpeedSection{ID: "a", TrackRanges: []schema.ApplicableDirectionsTrackRange{{Track: "T4", End: 1}}}); err != nil {
			return err
		}
		return tx.DeleteObject(ctx, infra.ID, schema.NewObjectRef(schema.ObjectTypeSpeedSection, "b"))
	})
	require.NoError(t, err)

	links, err = s.TrackLinks(ctx, infra.ID, schema.ObjectTypeSpeedSection)
	require.NoError(t, err)
	assert.Equal(t, []store.TrackLink{{ObjID: "a", TrackID: "T4"}, {ObjID: "c"}}, links)
}

func testLayerRows(t *testing.T, s store.Store) {
	ctx := context.Background()
	infra := CreateInfra(t, s, "layers")

	rows := []store.LayerRow{
		{ObjID: "b", Geometry: []byte(`{"type":"Point","coordinates":[1,2]}`), Data: []byte(`{"id":"b"}`)},
		{ObjID: "a", Data: []byte(`{"id":"a"}`)},
		{ObjID: "c", Data: []byte(`{"id":"c"}`)},
	}
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertLayerRows(ctx, infra.ID, LayerTable, rows)
	}))

	got, err := s.ListLayer(ctx, infra.ID, LayerTable)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ObjID)
	assert.Empty(t, got[0].Geometry)
	assert.JSONEq(t, `{"type":"Point","coordinates":[1,2]}`, string(got[1].Geometry))
	assert.JSONEq(t, `{"id":"b"}`, string(got[1].Data))

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteLayerRows(ctx, infra.ID, LayerTable, []string{"a", "zz"})
	}))
	got, err = s.ListLayer(ctx, infra.ID, LayerTable)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.ClearLayer(ctx, infra.ID, LayerTable)
	}))
	got, err = s.ListLayer(ctx, infra.ID, LayerTable)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testRollbackOnError(t *testing.T, s store.Store) {
	ctx := context.Background()
	infra := CreateInfra(t, s, "rollback", &schema.Detector{ID: "d1", Track: "T1"})

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertObjects(ctx, infra.ID, []schema.Object{&schema.Detector{ID: "d2", Track: "T1"}}); err != nil {
			return err
		}
		if err := tx.DeleteObject(ctx, infra.ID, schema.NewObjectRef(schema.ObjectTypeDetector, "d1")); err != nil {
			return err
		}
		if err := tx.InsertLayerRows(ctx, infra.ID, LayerTable, []store.LayerRow{{ObjID: "d2", Data: []byte(`{}`)}}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	objs, err := s.ListObjects(ctx, infra.ID, schema.ObjectTypeDetector)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "d1", objs[0].GetID())

	links, err := s.TrackLinks(ctx, infra.ID, schema.ObjectTypeDetector)
	require.NoError(t, err)
	assert.Equal(t, []store.TrackLink{{ObjID: "d1", TrackID: "T1"}}, links)

	rows, err := s.ListLayer(ctx, infra.ID, LayerTable)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testDeleteInfraCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	infra := CreateInfra(t, s, "doomed", &schema.Signal{ID: "s1", Track: "T1"})
	keep := CreateInfra(t, s, "kept", &schema.Signal{ID: "s1", Track: "T1"})

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertLayerRows(ctx, infra.ID, LayerTable, []store.LayerRow{{ObjID: "s1", Data: []byte(`{}`)}})
	}))
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteInfra(ctx, infra.ID)
	}))

	_, err := s.GetInfra(ctx, infra.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	objs, err := s.ListObjects(ctx, infra.ID, schema.ObjectTypeSignal)
	require.NoError(t, err)
	assert.Empty(t, objs)
	rows, err := s.ListLayer(ctx, infra.ID, LayerTable)
	require.NoError(t, err)
	assert.Empty(t, rows)

	objs, err = s.ListObjects(ctx, keep.ID, schema.ObjectTypeSignal)
	require.NoError(t, err)
	assert.Len(t, objs, 1)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteInfra(ctx, infra.ID)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func bulkSignals(n int) []schema.Object {
	objs := make([]schema.Object, 0, n)
	for i := range n {
		objs = append(objs, &schema.Signal{ID: fmt.Sprintf("sig.%05d", i), Track: fmt.Sprintf("T%d", i%50)})
	}
	return objs
}

func testBulkWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	infra := CreateInfra(t, s, "bulk", bulkSignals(BulkSize)...)

	objs, err := s.ListObjects(ctx, infra.ID, schema.ObjectTypeSignal)
	require.NoError(t, err)
	require.Len(t, objs, BulkSize)
	assert.Equal(t, "sig.00000", objs[0].GetID())

	rows := make([]store.LayerRow, 0, BulkSize)
	for _, obj := range objs {
		rows = append(rows, store.LayerRow{ObjID: obj.GetID(), Data: []byte(`{"id":"` + obj.GetID() + `"}`)})
	}
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.ClearLayer(ctx, infra.ID, LayerTable); err != nil {
			return err
		}
		return tx.InsertLayerRows(ctx, infra.ID, LayerTable, rows)
	}))
	got, err := s.ListLayer(ctx, infra.ID, LayerTable)
	require.NoError(t, err)
	assert.Len(t, got, BulkSize)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteInfra(ctx, infra.ID)
	}))
	objs, err = s.ListObjects(ctx, infra.ID, schema.ObjectTypeSignal)
	require.NoError(t, err)
	assert.Empty(t, objs)
	got, err = s.ListLayer(ctx, infra.ID, LayerTable)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testFailedBulkCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	keep := CreateInfra(t, s, "kept", &schema.Signal{ID: "s1", Track: "T1"})

	var created int64
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		infra := &store.Infra{Name: "partial", RailjsonVersion: schema.RAILJSONVersion, Owner: uuid.New()}
		if err := tx.CreateInfra(ctx, infra); err != nil {
			return err
		}
		created = infra.ID
		if err := tx.InsertObjects(ctx, infra.ID, bulkSignals(BulkSize)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	infras, err := s.ListInfras(ctx)
	require.NoError(t, err)
	require.Len(t, infras, 1)
	assert.Equal(t, keep.ID, infras[0].ID)

	objs, err := s.ListObjects(ctx, created, schema.ObjectTypeSignal)
	require.NoError(t, err)
	assert.Empty(t, objs)
}
