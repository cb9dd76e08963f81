// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema defines the railway infrastructure object model.
//
// Every infrastructure is a set of typed objects (track sections, signals,
// speed sections, switches, ...). Objects other than track sections usually
// point at one or more track sections; those references are what the
// dependency cache indexes.
//
// # Sum Types
//
// Object payloads implement the Object interface and operations implement the
// sealed Operation interface. Code that needs per-kind behaviour dispatches
// with a type switch over the concrete pointer types.
package schema

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// ObjectType is the closed enumeration of railway object kinds.
type ObjectType string

const (
	ObjectTypeTrackSection     ObjectType = "TrackSection"
	ObjectTypeSignal           ObjectType = "Signal"
	ObjectTypeSpeedSection     ObjectType = "SpeedSection"
	ObjectTypeSwitch           ObjectType = "Switch"
	ObjectTypeSwitchType       ObjectType = "SwitchType"
	ObjectTypeRoute            ObjectType = "Route"
	ObjectTypeBufferStop       ObjectType = "BufferStop"
	ObjectTypeDetector         ObjectType = "Detector"
	ObjectTypeOperationalPoint ObjectType = "OperationalPoint"
	ObjectTypeNeutralSection   ObjectType = "NeutralSection"
	ObjectTypeElectrification  ObjectType = "Electrification"
)

var allObjectTypes = []ObjectType{
	ObjectTypeTrackSection,
	ObjectTypeSignal,
	ObjectTypeSpeedSection,
	ObjectTypeSwitch,
	ObjectTypeSwitchType,
	ObjectTypeRoute,
	ObjectTypeBufferStop,
	ObjectTypeDetector,
	ObjectTypeOperationalPoint,
	ObjectTypeNeutralSection,
	ObjectTypeElectrification,
}

// trackReferencing lists the kinds whose payload references track sections.
var trackReferencing = map[ObjectType]bool{
	ObjectTypeSignal:           true,
	ObjectTypeSpeedSection:     true,
	ObjectTypeSwitch:           true,
	ObjectTypeBufferStop:       true,
	ObjectTypeDetector:         true,
	ObjectTypeOperationalPoint: true,
	ObjectTypeNeutralSection:   true,
	ObjectTypeElectrification:  true,
}

// AllObjectTypes returns every object kind, track sections first.
func AllObjectTypes() []ObjectType {
	return slices.Clone(allObjectTypes)
}

// TrackReferencingTypes returns the kinds that take part in the dependency
// cache, in AllObjectTypes order.
func TrackReferencingTypes() []ObjectType {
	out := make([]ObjectType, 0, len(trackReferencing))
	for _, t := range allObjectTypes {
		if trackReferencing[t] {
			out = append(out, t)
		}
	}
	return out
}

// ParseObjectType validates a kind name.
func ParseObjectType(s string) (ObjectType, error) {
	t := ObjectType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownObjectType, s)
	}
	return t, nil
}

// Valid reports whether t belongs to the closed set.
func (t ObjectType) Valid() bool {
	return slices.Contains(allObjectTypes, t)
}

// HasTrackRefs reports whether objects of this kind reference track sections.
func (t ObjectType) HasTrackRefs() bool {
	return trackReferencing[t]
}

// Table returns the canonical store table of the kind, e.g.
// "infra_object_speed_section".
func (t ObjectType) Table() string {
	return "infra_object_" + snakeCase(string(t))
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ObjectRef identifies one object of an infrastructure.
//
// ObjectRef is comparable and is used directly as a map key.
type ObjectRef struct {
	Type ObjectType `json:"type"`
	ID   string     `json:"id"`
}

// NewObjectRef builds an ObjectRef.
func NewObjectRef(t ObjectType, id string) ObjectRef {
	return ObjectRef{Type: t, ID: id}
}

// String returns "Type:id".
func (r ObjectRef) String() string {
	return string(r.Type) + ":" + r.ID
}

// CompareRefs orders refs by type then id.
func CompareRefs(a, b ObjectRef) int {
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortRefs sorts refs in place with CompareRefs.
func SortRefs(refs []ObjectRef) {
	slices.SortFunc(refs, CompareRefs)
}
