// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storetest

import (
	"context"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
)

// Track builds a track section following coords.
func Track(id string, length float64, coords ...orb.Point) *schema.TrackSection {
	t := &schema.TrackSection{ID: id, Length: length}
	if len(coords) > 0 {
		t.Geo = geojson.NewGeometry(orb.LineString(coords))
	}
	return t
}

// Signal builds a signal at position on track.
func Signal(id, track string, position float64) *schema.Signal {
	return &schema.Signal{ID: id, Track: track, Position: position, Direction: schema.DirectionStartToStop}
}

// SpeedSection builds a speed section covering the whole of each track.
func SpeedSection(id string, limit float64, tracks ...string) *schema.SpeedSection {
	s := &schema.SpeedSection{ID: id, SpeedLimit: &limit}
	for _, track := range tracks {
		s.TrackRanges = append(s.TrackRanges, schema.ApplicableDirectionsTrackRange{
			Track: track, Begin: 0, End: 1e9, ApplicableDirections: schema.ApplicableBoth,
		})
	}
	return s
}

// Detector builds a detector at position on track.
func Detector(id, track string, position float64) *schema.Detector {
	return &schema.Detector{ID: id, Track: track, Position: position}
}

// Switch builds a point switch with ports A, B1 and B2.
func Switch(id, a, b1, b2 string) *schema.Switch {
	return &schema.Switch{
		ID:         id,
		SwitchType: "point_switch",
		Ports: map[string]schema.TrackEndpoint{
			"A":  {Endpoint: schema.EndpointEnd, Track: a},
			"B1": {Endpoint: schema.EndpointBegin, Track: b1},
			"B2": {Endpoint: schema.EndpointBegin, Track: b2},
		},
	}
}

// ApplyToStore writes a batch to the canonical store without any
// validation beyond what the backend enforces.
func ApplyToStore(ctx context.Context, tx store.Tx, infraID int64, ops []schema.Operation) error {
	for i, op := range ops {
		var err error
		switch op := op.(type) {
		case *schema.CreateOperation:
			err = tx.InsertObjects(ctx, infraID, []schema.Object{op.Object})
		case *schema.UpdateOperation:
			err = tx.UpdateObject(ctx, infraID, op.Object)
		case *schema.DeleteOperation:
			err = tx.DeleteObject(ctx, infraID, op.ObjectRef)
		default:
			err = fmt.Errorf("unexpected operation %T", op)
		}
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// BatchGenerator produces random but valid edit batches over a synthetic
// infrastructure: creates never reuse a live id, updates and deletes only
// target live objects. References may dangle, as they can in real data.
type BatchGenerator struct {
	rng  *rand.Rand
	live map[schema.ObjectRef]schema.Object
	seq  int
}

// NewBatchGenerator returns a deterministic generator for seed.
func NewBatchGenerator(seed uint64) *BatchGenerator {
	return &BatchGenerator{
		rng:  rand.New(rand.NewPCG(seed, seed^0x5eed)),
		live: make(map[schema.ObjectRef]schema.Object),
	}
}

var generatedKinds = []schema.ObjectType{
	schema.ObjectTypeTrackSection,
	schema.ObjectTypeTrackSection,
	schema.ObjectTypeSignal,
	schema.ObjectTypeSpeedSection,
	schema.ObjectTypeSwitch,
	schema.ObjectTypeBufferStop,
	schema.ObjectTypeDetector,
	schema.ObjectTypeOperationalPoint,
	schema.ObjectTypeElectrification,
	schema.ObjectTypeNeutralSection,
	schema.ObjectTypeRoute,
}

// Live returns the objects alive after every batch produced so far.
func (g *BatchGenerator) Live() []schema.Object {
	refs := g.refs()
	objs := make([]schema.Object, 0, len(refs))
	for _, ref := range refs {
		objs = append(objs, g.live[ref])
	}
	return objs
}

// Batch returns the next batch of size operations.
func (g *BatchGenerator) Batch(size int) []schema.Operation {
	ops := make([]schema.Operation, 0, size)
	for range size {
		refs := g.refs()
		roll := g.rng.Float64()
		switch {
		case len(refs) == 0 || roll < 0.45:
			obj := g.object(g.pick(generatedKinds), g.newID())
			g.live[schema.RefOf(obj)] = obj
			ops = append(ops, schema.NewCreate(obj))
		case roll < 0.8:
			ref := refs[g.rng.IntN(len(refs))]
			obj := g.object(ref.Type, ref.ID)
			g.live[ref] = obj
			ops = append(ops, schema.NewUpdate(obj))
		default:
			ref := refs[g.rng.IntN(len(refs))]
			delete(g.live, ref)
			ops = append(ops, schema.NewDelete(ref))
		}
	}
	return ops
}

func (g *BatchGenerator) refs() []schema.ObjectRef {
	refs := slices.Collect(maps.Keys(g.live))
	schema.SortRefs(refs)
	return refs
}

func (g *BatchGenerator) newID() string {
	g.seq++
	return fmt.Sprintf("o%d", g.seq)
}

func (g *BatchGenerator) pick(kinds []schema.ObjectType) schema.ObjectType {
	return kinds[g.rng.IntN(len(kinds))]
}

// track returns a live track id, or a dangling one now and then.
func (g *BatchGenerator) track() string {
	var tracks []string
	for _, ref := range g.refs() {
		if ref.Type == schema.ObjectTypeTrackSection {
			tracks = append(tracks, ref.ID)
		}
	}
	if len(tracks) == 0 || g.rng.Float64() < 0.1 {
		return fmt.Sprintf("gone%d", g.rng.IntN(3))
	}
	return tracks[g.rng.IntN(len(tracks))]
}

func (g *BatchGenerator) position() float64 {
	return float64(g.rng.IntN(1200))
}

func (g *BatchGenerator) ranges() []schema.ApplicableDirectionsTrackRange {
	n := 1 + g.rng.IntN(3)
	out := make([]schema.ApplicableDirectionsTrackRange, 0, n)
	for range n {
		out = append(out, schema.ApplicableDirectionsTrackRange{
			Track: g.track(), Begin: g.position(), End: g.position(), ApplicableDirections: schema.ApplicableBoth,
		})
	}
	return out
}

func (g *BatchGenerator) object(kind schema.ObjectType, id string) schema.Object {
	switch kind {
	case schema.ObjectTypeTrackSection:
		coords := make([]orb.Point, 0, 4)
		for range 2 + g.rng.IntN(3) {
			coords = append(coords, orb.Point{float64(g.rng.IntN(1000)), float64(g.rng.IntN(1000))})
		}
		return Track(id, float64(100+g.rng.IntN(1000)), coords...)
	case schema.ObjectTypeSignal:
		s := Signal(id, g.track(), g.position())
		if g.rng.IntN(2) == 0 {
			s.Direction = schema.DirectionStopToStart
		}
		return s
	case schema.ObjectTypeSpeedSection:
		limit := float64(30 + g.rng.IntN(200))
		s := &schema.SpeedSection{ID: id, SpeedLimit: &limit, TrackRanges: g.ranges()}
		if g.rng.IntN(3) == 0 {
			sign := schema.Sign{Track: g.track(), Position: g.position(), Side: schema.SideLeft, Type: "Z", Value: "60"}
			s.Extensions.PslSncf = &schema.SpeedSectionPslSncfExtension{
				Announcement: []schema.Sign{{Track: g.track(), Position: g.position(), Type: "A", Value: "60"}},
				Z:            sign,
			}
		}
		return s
	case schema.ObjectTypeSwitch:
		return Switch(id, g.track(), g.track(), g.track())
	case schema.ObjectTypeBufferStop:
		return &schema.BufferStop{ID: id, Track: g.track(), Position: g.position()}
	case schema.ObjectTypeDetector:
		return Detector(id, g.track(), g.position())
	case schema.ObjectTypeOperationalPoint:
		return &schema.OperationalPoint{ID: id, Parts: []schema.OperationalPointPart{
			{Track: g.track(), Position: g.position()},
			{Track: g.track(), Position: g.position()},
		}}
	case schema.ObjectTypeElectrification:
		return &schema.Electrification{ID: id, Voltage: "25000V", TrackRanges: g.ranges()}
	case schema.ObjectTypeNeutralSection:
		return &schema.NeutralSection{
			ID: id,
			TrackRanges: []schema.DirectionalTrackRange{
				{Track: g.track(), Begin: g.position(), End: g.position(), Direction: schema.DirectionStartToStop},
			},
			AnnouncementTrackRanges: []schema.DirectionalTrackRange{
				{Track: g.track(), Begin: g.position(), End: g.position(), Direction: schema.DirectionStartToStop},
			},
			LowerPantograph: g.rng.IntN(2) == 0,
		}
	default:
		return &schema.Route{ID: id, EntryPointDirection: schema.DirectionStartToStop}
	}
}
