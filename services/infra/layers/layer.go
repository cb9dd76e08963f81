// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package layers maintains the generated layer tables of an infrastructure.
//
// A layer is a denormalized per-kind projection (geometry plus rendered
// attributes) stored in its own table, keyed by (infra id, object id). Each
// layer can be rebuilt from scratch with Generate or brought up to date after
// an edit batch with Update. Both must leave the table in the same state.
package layers

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/paulmach/orb"
	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DependencyIndex answers which objects of a kind reference a track.
// *cache.InfraCache implements it.
type DependencyIndex interface {
	TrackRefs(trackID string, kind schema.ObjectType) []schema.ObjectRef
}

// Layer maintains one generated table.
//
// Implementations must be safe for concurrent use by different
// transactions. A Layer never writes outside its own table.
type Layer interface {
	// TableName returns the destination table, e.g. "infra_layer_signal".
	TableName() string

	// Generate replaces every row of the infra from the canonical store.
	Generate(ctx context.Context, tx store.Tx, infraID int64) error

	// Update brings the rows touched by ops up to date. idx must already
	// reflect the state after ops were applied.
	Update(ctx context.Context, tx store.Tx, infraID int64, ops []schema.Operation, idx DependencyIndex) error

	// Clear removes every row of the infra.
	Clear(ctx context.Context, tx store.Tx, infraID int64) error
}

// AffectedIDs returns the ids of kind whose rows a batch may have changed,
// sorted and without duplicates.
//
// Description:
//
//	Walks the whole batch once. An operation on an object of kind adds that
//	object's id. An operation on a track section adds every object of kind
//	referencing the track according to idx, since its derived geometry may
//	have changed even though the object itself did not. Deleting a track
//	counts too: the dependents lose their geometry.
//
// Inputs:
//
//	ops - The batch, in application order.
//	idx - Dependency index reflecting the state after ops.
//	kind - The kind of the layer being updated.
//
// Outputs:
//
//	[]string - Affected object ids. Empty when the batch does not touch kind.
func AffectedIDs(ops []schema.Operation, idx DependencyIndex, kind schema.ObjectType) []string {
	set := make(map[string]struct{})
	for _, op := range ops {
		ref := op.Ref()
		if ref.Type == kind {
			set[ref.ID] = struct{}{}
			continue
		}
		if ref.Type != schema.ObjectTypeTrackSection {
			continue
		}
		for _, dep := range idx.TrackRefs(ref.ID, kind) {
			set[dep.ID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// projectFunc renders one object. A nil geometry stores a row without
// geometry.
type projectFunc func(obj schema.Object, tracks trackSet) (orb.Geometry, any, error)

// ObjectLayer is a Layer with one row per object of a kind.
type ObjectLayer struct {
	table   string
	kind    schema.ObjectType
	include func(schema.Object) bool
	project projectFunc
}

var _ Layer = (*ObjectLayer)(nil)

// newObjectLayer builds a layer whose projection receives the concrete
// payload type T.
func newObjectLayer[T schema.Object](kind schema.ObjectType, table string, project func(obj T, tracks trackSet) (orb.Geometry, any)) *ObjectLayer {
	return &ObjectLayer{
		table: table,
		kind:  kind,
		project: func(obj schema.Object, tracks trackSet) (orb.Geometry, any, error) {
			typed, ok := obj.(T)
			if !ok {
				return nil, nil, fmt.Errorf("layer %s: unexpected payload %T for %s", table, obj, schema.RefOf(obj))
			}
			g, data := project(typed, tracks)
			return g, data, nil
		},
	}
}

// withFilter restricts the rows to objects matching include.
func (l *ObjectLayer) withFilter(include func(schema.Object) bool) *ObjectLayer {
	l.include = include
	return l
}

func (l *ObjectLayer) TableName() string { return l.table }

// Kind returns the object kind the layer projects.
func (l *ObjectLayer) Kind() schema.ObjectType { return l.kind }

// Generate implements Layer.
func (l *ObjectLayer) Generate(ctx context.Context, tx store.Tx, infraID int64) (err error) {
	ctx, span := l.startSpan(ctx, "layers.Generate", infraID)
	defer func() { endSpan(span, err) }()

	objs, err := tx.ListObjects(ctx, infraID, l.kind)
	if err != nil {
		return fmt.Errorf("generate %s: %w", l.table, err)
	}
	rows, err := l.rows(ctx, tx, infraID, objs)
	if err != nil {
		return fmt.Errorf("generate %s: %w", l.table, err)
	}
	if err := tx.ClearLayer(ctx, infraID, l.table); err != nil {
		return fmt.Errorf("generate %s: %w", l.table, err)
	}
	if err := tx.InsertLayerRows(ctx, infraID, l.table, rows); err != nil {
		return fmt.Errorf("generate %s: %w", l.table, err)
	}
	span.SetAttributes(attribute.Int("layer.rows", len(rows)))
	recordRows(l.table, modeGenerate, len(rows))
	return nil
}

// Update implements Layer.
//
// Description:
//
//	Deletes the rows of every affected id, then regenerates those ids from
//	the canonical store. Ids that no longer exist in the store get no row.
func (l *ObjectLayer) Update(ctx context.Context, tx store.Tx, infraID int64, ops []schema.Operation, idx DependencyIndex) (err error) {
	ids := AffectedIDs(ops, idx, l.kind)
	if len(ids) == 0 {
		return nil
	}

	ctx, span := l.startSpan(ctx, "layers.Update", infraID)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("layer.affected", len(ids)))

	if err := tx.DeleteLayerRows(ctx, infraID, l.table, ids); err != nil {
		return fmt.Errorf("update %s: %w", l.table, err)
	}
	objs, err := tx.GetObjects(ctx, infraID, l.kind, ids)
	if err != nil {
		return fmt.Errorf("update %s: %w", l.table, err)
	}
	rows, err := l.rows(ctx, tx, infraID, objs)
	if err != nil {
		return fmt.Errorf("update %s: %w", l.table, err)
	}
	if err := tx.InsertLayerRows(ctx, infraID, l.table, rows); err != nil {
		return fmt.Errorf("update %s: %w", l.table, err)
	}
	recordRows(l.table, modeUpdate, len(rows))
	return nil
}

// Clear implements Layer.
func (l *ObjectLayer) Clear(ctx context.Context, tx store.Tx, infraID int64) error {
	if err := tx.ClearLayer(ctx, infraID, l.table); err != nil {
		return fmt.Errorf("clear %s: %w", l.table, err)
	}
	return nil
}

// rows projects objs, loading the track sections they reference.
func (l *ObjectLayer) rows(ctx context.Context, r store.Reader, infraID int64, objs []schema.Object) ([]store.LayerRow, error) {
	kept := objs
	if l.include != nil {
		kept = slices.DeleteFunc(slices.Clone(objs), func(obj schema.Object) bool { return !l.include(obj) })
	}

	tracks, err := loadTracks(ctx, r, infraID, kept)
	if err != nil {
		return nil, err
	}

	rows := make([]store.LayerRow, 0, len(kept))
	for _, obj := range kept {
		g, data, err := l.project(obj, tracks)
		if err != nil {
			return nil, err
		}
		geom, err := encodeGeometry(g)
		if err != nil {
			return nil, fmt.Errorf("encode geometry of %s: %w", schema.RefOf(obj), err)
		}
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode data of %s: %w", schema.RefOf(obj), err)
		}
		rows = append(rows, store.LayerRow{ObjID: obj.GetID(), Geometry: geom, Data: payload})
	}
	return rows, nil
}

func (l *ObjectLayer) startSpan(ctx context.Context, name string, infraID int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("layer.table", l.table),
		attribute.Int64("infra.id", infraID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// loadTracks fetches the track sections referenced by objs. Track sections
// themselves are their own geometry source and trigger no lookup.
func loadTracks(ctx context.Context, r store.Reader, infraID int64, objs []schema.Object) (trackSet, error) {
	var ids []string
	for _, obj := range objs {
		ids = append(ids, obj.TrackRefs()...)
	}
	if len(ids) == 0 {
		return trackSet{}, nil
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	found, err := r.GetObjects(ctx, infraID, schema.ObjectTypeTrackSection, ids)
	if err != nil {
		return nil, fmt.Errorf("load tracks: %w", err)
	}
	tracks := make(trackSet, len(found))
	for _, obj := range found {
		if track, ok := obj.(*schema.TrackSection); ok {
			tracks[track.ID] = track
		}
	}
	return tracks, nil
}
