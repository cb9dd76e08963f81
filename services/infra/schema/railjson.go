// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// RAILJSONVersion is the canonical format version accepted by imports.
const RAILJSONVersion = "3.4.11"

// RailJSON is a whole infrastructure in import/export form.
type RailJSON struct {
	Version             string              `json:"version"`
	OperationalPoints   []*OperationalPoint `json:"operational_points"`
	Routes              []*Route            `json:"routes"`
	ExtendedSwitchTypes []*SwitchType       `json:"extended_switch_types"`
	Switches            []*Switch           `json:"switches"`
	TrackSections       []*TrackSection     `json:"track_sections"`
	SpeedSections       []*SpeedSection     `json:"speed_sections"`
	NeutralSections     []*NeutralSection   `json:"neutral_sections"`
	Electrifications    []*Electrification  `json:"electrifications"`
	Signals             []*Signal           `json:"signals"`
	BufferStops         []*BufferStop       `json:"buffer_stops"`
	Detectors           []*Detector         `json:"detectors"`
}

// NewRailJSON returns an empty document at the current version.
func NewRailJSON() *RailJSON {
	return &RailJSON{Version: RAILJSONVersion}
}

// ReadRailJSON decodes a document. The version is not checked here; see
// CheckVersion.
func ReadRailJSON(r io.Reader) (*RailJSON, error) {
	var doc RailJSON
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode railjson: %w", err)
	}
	return &doc, nil
}

// CheckVersion returns a *VersionConflictError when the declared version is
// not RAILJSONVersion.
func (r *RailJSON) CheckVersion() error {
	if r.Version != RAILJSONVersion {
		return &VersionConflictError{Expected: RAILJSONVersion, Got: r.Version}
	}
	return nil
}

// Add appends obj to the list of its kind.
func (r *RailJSON) Add(obj Object) {
	switch o := obj.(type) {
	case *TrackSection:
		r.TrackSections = append(r.TrackSections, o)
	case *Signal:
		r.Signals = append(r.Signals, o)
	case *SpeedSection:
		r.SpeedSections = append(r.SpeedSections, o)
	case *Switch:
		r.Switches = append(r.Switches, o)
	case *SwitchType:
		r.ExtendedSwitchTypes = append(r.ExtendedSwitchTypes, o)
	case *Route:
		r.Routes = append(r.Routes, o)
	case *BufferStop:
		r.BufferStops = append(r.BufferStops, o)
	case *Detector:
		r.Detectors = append(r.Detectors, o)
	case *OperationalPoint:
		r.OperationalPoints = append(r.OperationalPoints, o)
	case *NeutralSection:
		r.NeutralSections = append(r.NeutralSections, o)
	case *Electrification:
		r.Electrifications = append(r.Electrifications, o)
	}
}

// Objects flattens the document, track sections first.
func (r *RailJSON) Objects() []Object {
	var out []Object
	out = appendObjects(out, r.TrackSections)
	out = appendObjects(out, r.Signals)
	out = appendObjects(out, r.SpeedSections)
	out = appendObjects(out, r.Switches)
	out = appendObjects(out, r.ExtendedSwitchTypes)
	out = appendObjects(out, r.Routes)
	out = appendObjects(out, r.BufferStops)
	out = appendObjects(out, r.Detectors)
	out = appendObjects(out, r.OperationalPoints)
	out = appendObjects(out, r.NeutralSections)
	return appendObjects(out, r.Electrifications)
}

// appendObjects skips null entries so the result never holds a nil payload.
func appendObjects[E any, T interface {
	*E
	Object
}](out []Object, objs []T) []Object {
	for _, o := range objs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

// Validate rejects null entries, empty ids and an id used twice within a
// kind. The error wraps ErrInvalidOperation.
func (r *RailJSON) Validate() error {
	c := objectChecker{seen: make(map[ObjectRef]struct{})}
	checkObjects(&c, "track_sections", r.TrackSections)
	checkObjects(&c, "signals", r.Signals)
	checkObjects(&c, "speed_sections", r.SpeedSections)
	checkObjects(&c, "switches", r.Switches)
	checkObjects(&c, "extended_switch_types", r.ExtendedSwitchTypes)
	checkObjects(&c, "routes", r.Routes)
	checkObjects(&c, "buffer_stops", r.BufferStops)
	checkObjects(&c, "detectors", r.Detectors)
	checkObjects(&c, "operational_points", r.OperationalPoints)
	checkObjects(&c, "neutral_sections", r.NeutralSections)
	checkObjects(&c, "electrifications", r.Electrifications)
	if len(c.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidOperation, errors.Join(c.errs...))
}

type objectChecker struct {
	seen map[ObjectRef]struct{}
	errs []error
}

func checkObjects[E any, T interface {
	*E
	Object
}](c *objectChecker, field string, objs []T) {
	for i, o := range objs {
		if o == nil {
			c.errs = append(c.errs, fmt.Errorf("%s[%d] is null", field, i))
			continue
		}
		if o.GetID() == "" {
			c.errs = append(c.errs, fmt.Errorf("%s[%d] has an empty id", field, i))
			continue
		}
		ref := RefOf(o)
		if _, dup := c.seen[ref]; dup {
			c.errs = append(c.errs, fmt.Errorf("%s[%d]: duplicate %s", field, i, ref))
			continue
		}
		c.seen[ref] = struct{}{}
	}
}
