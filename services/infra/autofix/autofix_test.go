// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package autofix

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/railinfra/infracache/pkg/logging"
	"github.com/railinfra/infracache/services/infra/cache"
	"github.com/railinfra/infracache/services/infra/schema"
	badgerstore "github.com/railinfra/infracache/services/infra/store/badger"
	"github.com/railinfra/infracache/services/infra/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackRef(id string) *schema.ObjectRef {
	ref := schema.NewObjectRef(schema.ObjectTypeTrackSection, id)
	return &ref
}

func danglingTrack(obj schema.Object, track string) InfraError {
	return InfraError{
		ObjRef:    schema.RefOf(obj),
		ErrorType: ErrorInvalidReference,
		Field:     "track_ranges.0.track",
		Reference: trackRef(track),
	}
}

func TestFix_DanglingTrackDeletesObject(t *testing.T) {
	s1 := storetest.SpeedSection("S1", 60, "T1")

	fixes, unfixable := Fix(s1, slices.Values([]InfraError{danglingTrack(s1, "T1")}))

	ref := schema.RefOf(s1)
	assert.Equal(t, map[schema.ObjectRef]schema.Operation{ref: schema.NewDelete(ref)}, fixes)
	assert.Empty(t, unfixable)
}

func TestFix_InvalidSwitchPorts(t *testing.T) {
	sw := storetest.Switch("SW", "T1", "T2", "T3")
	errs := []InfraError{{ObjRef: schema.RefOf(sw), ErrorType: ErrorInvalidSwitchPorts, Field: "ports"}}

	fixes, unfixable := Fix(sw, slices.Values(errs))
	require.Len(t, fixes, 1)
	assert.Equal(t, schema.NewDelete(schema.RefOf(sw)), fixes[schema.RefOf(sw)])
	assert.Empty(t, unfixable)

	// The port rule only applies to switches.
	sig := storetest.Signal("SIG", "T1", 1)
	errs = []InfraError{{ObjRef: schema.RefOf(sig), ErrorType: ErrorInvalidSwitchPorts}}
	fixes, unfixable = Fix(sig, slices.Values(errs))
	assert.Empty(t, fixes)
	assert.Len(t, unfixable, 1)
}

func TestFix_UnrecognizedErrorsYieldNothing(t *testing.T) {
	s1 := storetest.SpeedSection("S1", 60, "T1")
	errs := []InfraError{
		{ObjRef: schema.RefOf(s1), ErrorType: ErrorOverlappingSpeedSections, Reference: &schema.ObjectRef{Type: schema.ObjectTypeSpeedSection, ID: "S2"}},
		{ObjRef: schema.RefOf(s1), ErrorType: ErrorType("made_up")},
		// Reference to something else than a track.
		{ObjRef: schema.RefOf(s1), ErrorType: ErrorInvalidReference, Reference: &schema.ObjectRef{Type: schema.ObjectTypeRoute, ID: "R"}},
	}

	fixes, unfixable := Fix(s1, slices.Values(errs))
	assert.NotNil(t, fixes)
	assert.Empty(t, fixes)
	require.Len(t, unfixable, 3)
	for i, u := range unfixable {
		assert.ErrorIs(t, u, ErrUnfixable)
		assert.Equal(t, errs[i], u.Err)
	}
}

func TestFix_OneOperationPerObject(t *testing.T) {
	sw := storetest.Switch("SW", "T1", "T2", "T3")
	errs := []InfraError{
		danglingTrack(sw, "T1"),
		danglingTrack(sw, "T2"),
		{ObjRef: schema.RefOf(sw), ErrorType: ErrorInvalidSwitchPorts},
	}
	fixes, unfixable := Fix(sw, slices.Values(errs))
	assert.Len(t, fixes, 1)
	assert.Empty(t, unfixable)
}

func TestFix_ErrorAboutAnotherObject(t *testing.T) {
	s1 := storetest.SpeedSection("S1", 60, "T1")
	s2 := storetest.SpeedSection("S2", 60, "T1")
	fixes, unfixable := Fix(s1, slices.Values([]InfraError{danglingTrack(s2, "T1")}))
	assert.Empty(t, fixes)
	require.Len(t, unfixable, 1)
	assert.Contains(t, unfixable[0].Error(), "SpeedSection:S2")
}

func TestEngine_StaleReferenceIsUnfixable(t *testing.T) {
	s1 := storetest.SpeedSection("S1", 60, "T2")
	c := cache.New(1)
	require.NoError(t, c.Apply(schema.NewCreate(s1)))
	engine := NewEngine(WithDependencies(c), WithLogger(logging.Discard()))

	// The report predates an edit that moved S1 from T1 to T2.
	fixes, unfixable := engine.Fix(s1, slices.Values([]InfraError{danglingTrack(s1, "T1")}))
	assert.Empty(t, fixes)
	require.Len(t, unfixable, 1)
	assert.Contains(t, unfixable[0].Reason, "no longer references T1")

	fixes, unfixable = engine.Fix(s1, slices.Values([]InfraError{danglingTrack(s1, "T2")}))
	assert.Len(t, fixes, 1)
	assert.Empty(t, unfixable)
}

func TestFixInfra(t *testing.T) {
	ctx := context.Background()
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	s1 := storetest.SpeedSection("S1", 60, "T1")
	sw := storetest.Switch("SW", "T1", "T2", "T3")
	det := storetest.Detector("D1", "T2", 3)
	infra := storetest.CreateInfra(t, s, "fix", storetest.Track("T2", 10), s1, sw, det)

	gone := storetest.Signal("GONE", "T1", 0)
	errs := []InfraError{
		{ObjRef: schema.RefOf(sw), ErrorType: ErrorInvalidSwitchPorts},
		danglingTrack(s1, "T1"),
		{ObjRef: schema.RefOf(det), ErrorType: ErrorOutOfRange, Field: "position"},
		danglingTrack(sw, "T1"),
		danglingTrack(gone, "T1"),
	}

	proposal, err := NewEngine(WithLogger(logging.Discard())).FixInfra(ctx, s, infra.ID, errs)
	require.NoError(t, err)

	assert.Equal(t, []schema.Operation{
		schema.NewDelete(schema.RefOf(s1)),
		schema.NewDelete(schema.RefOf(sw)),
	}, proposal.Operations)

	require.Len(t, proposal.Unfixable, 2)
	reasons := make([]string, 0, 2)
	for _, u := range proposal.Unfixable {
		reasons = append(reasons, u.Err.ObjRef.String()+": "+u.Reason)
	}
	slices.Sort(reasons)
	assert.Equal(t, []string{
		"Detector:D1: no rule for out_of_range",
		"Signal:GONE: object does not exist",
	}, reasons)
}

func TestDecodeErrors(t *testing.T) {
	input := `[{"obj_ref":{"type":"Signal","id":"S"},"error_type":"invalid_reference","field":"track","is_warning":false,"reference":{"type":"TrackSection","id":"T"}}]`
	errs, err := DecodeErrors(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, schema.NewObjectRef(schema.ObjectTypeSignal, "S"), errs[0].ObjRef)
	assert.Equal(t, trackRef("T"), errs[0].Reference)
	assert.True(t, errs[0].ErrorType.Known())

	_, err = DecodeErrors(strings.NewReader("{"))
	assert.Error(t, err)
}
