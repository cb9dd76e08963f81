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
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Object is the payload of one railway object.
//
// Implementations are the pointer types of this package (*TrackSection,
// *Signal, ...). TrackRefs returns the referenced track section ids in a
// stable order, possibly with duplicates; kinds that reference no track
// return nil.
type Object interface {
	GetID() string
	GetType() ObjectType
	TrackRefs() []string
}

// RefOf returns the ObjectRef of an object.
func RefOf(obj Object) ObjectRef {
	return ObjectRef{Type: obj.GetType(), ID: obj.GetID()}
}

// Direction is the direction of travel along a track section.
type Direction string

const (
	DirectionStartToStop Direction = "START_TO_STOP"
	DirectionStopToStart Direction = "STOP_TO_START"
)

// ApplicableDirections restricts a range to one or both directions.
type ApplicableDirections string

const (
	ApplicableStartToStop ApplicableDirections = "START_TO_STOP"
	ApplicableStopToStart ApplicableDirections = "STOP_TO_START"
	ApplicableBoth        ApplicableDirections = "BOTH"
)

// Side is the side of the track a sign stands on.
type Side string

const (
	SideLeft   Side = "LEFT"
	SideRight  Side = "RIGHT"
	SideCenter Side = "CENTER"
)

// Endpoint names one end of a track section.
type Endpoint string

const (
	EndpointBegin Endpoint = "BEGIN"
	EndpointEnd   Endpoint = "END"
)

// ApplicableDirectionsTrackRange is a [Begin, End] interval on a track.
type ApplicableDirectionsTrackRange struct {
	Track                string               `json:"track"`
	Begin                float64              `json:"begin"`
	End                  float64              `json:"end"`
	ApplicableDirections ApplicableDirections `json:"applicable_directions"`
}

// DirectionalTrackRange is a [Begin, End] interval with a travel direction.
type DirectionalTrackRange struct {
	Track     string    `json:"track"`
	Begin     float64   `json:"begin"`
	End       float64   `json:"end"`
	Direction Direction `json:"direction"`
}

// TrackEndpoint is one end of a track section, used by switch ports.
type TrackEndpoint struct {
	Endpoint Endpoint `json:"endpoint"`
	Track    string   `json:"track"`
}

// TrackSection is the base object every other kind is positioned on.
type TrackSection struct {
	ID         string                 `json:"id"`
	Length     float64                `json:"length"`
	Geo        *geojson.Geometry      `json:"geo,omitempty"`
	Extensions TrackSectionExtensions `json:"extensions"`
}

type TrackSectionExtensions struct {
	SNCF *TrackSectionSncfExtension `json:"sncf,omitempty"`
}

type TrackSectionSncfExtension struct {
	LineCode    int64  `json:"line_code"`
	LineName    string `json:"line_name"`
	TrackNumber int64  `json:"track_number"`
	TrackName   string `json:"track_name"`
}

func (t *TrackSection) GetID() string       { return t.ID }
func (t *TrackSection) GetType() ObjectType { return ObjectTypeTrackSection }
func (t *TrackSection) TrackRefs() []string { return nil }

// LineString returns the track geometry, or nil when it is missing or not a
// line string.
func (t *TrackSection) LineString() orb.LineString {
	if t.Geo == nil {
		return nil
	}
	ls, _ := t.Geo.Coordinates.(orb.LineString)
	return ls
}

// Signal is positioned at one point of a track.
type Signal struct {
	ID            string           `json:"id"`
	Track         string           `json:"track"`
	Position      float64          `json:"position"`
	Direction     Direction        `json:"direction"`
	SightDistance float64          `json:"sight_distance"`
	Extensions    SignalExtensions `json:"extensions"`
}

type SignalExtensions struct {
	SNCF *SignalSncfExtension `json:"sncf,omitempty"`
}

type SignalSncfExtension struct {
	Label string `json:"label"`
	Side  Side   `json:"side"`
	Kp    string `json:"kp"`
}

func (s *Signal) GetID() string       { return s.ID }
func (s *Signal) GetType() ObjectType { return ObjectTypeSignal }
func (s *Signal) TrackRefs() []string { return []string{s.Track} }

// Sign is a trackside sign attached to a speed section extension.
type Sign struct {
	Track     string    `json:"track"`
	Position  float64   `json:"position"`
	Side      Side      `json:"side"`
	Direction Direction `json:"direction"`
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	Kp        string    `json:"kp"`
}

// SpeedSection limits speed over a set of track ranges.
type SpeedSection struct {
	ID              string                           `json:"id"`
	SpeedLimit      *float64                         `json:"speed_limit"`
	SpeedLimitByTag map[string]float64               `json:"speed_limit_by_tag"`
	TrackRanges     []ApplicableDirectionsTrackRange `json:"track_ranges"`
	OnRoutes        []string                         `json:"on_routes,omitempty"`
	Extensions      SpeedSectionExtensions           `json:"extensions"`
}

type SpeedSectionExtensions struct {
	PslSncf *SpeedSectionPslSncfExtension `json:"psl_sncf,omitempty"`
}

// SpeedSectionPslSncfExtension holds the permanent speed limit signs.
type SpeedSectionPslSncfExtension struct {
	Announcement []Sign `json:"announcement"`
	Z            Sign   `json:"z"`
	R            []Sign `json:"r"`
}

// Signs returns announcement, R then Z signs.
func (e *SpeedSectionPslSncfExtension) Signs() []Sign {
	signs := make([]Sign, 0, len(e.Announcement)+len(e.R)+1)
	signs = append(signs, e.Announcement...)
	signs = append(signs, e.R...)
	return append(signs, e.Z)
}

func (s *SpeedSection) GetID() string       { return s.ID }
func (s *SpeedSection) GetType() ObjectType { return ObjectTypeSpeedSection }

// TrackRefs includes the tracks of the PSL signs, which are rendered from
// the same track geometry as the ranges.
func (s *SpeedSection) TrackRefs() []string {
	refs := make([]string, 0, len(s.TrackRanges))
	for _, tr := range s.TrackRanges {
		refs = append(refs, tr.Track)
	}
	if psl := s.Extensions.PslSncf; psl != nil {
		for _, sign := range psl.Signs() {
			refs = append(refs, sign.Track)
		}
	}
	return refs
}

// Switch connects track endpoints through named ports.
type Switch struct {
	ID               string                   `json:"id"`
	SwitchType       string                   `json:"switch_type"`
	GroupChangeDelay float64                  `json:"group_change_delay"`
	Ports            map[string]TrackEndpoint `json:"ports"`
	Extensions       SwitchExtensions         `json:"extensions"`
}

type SwitchExtensions struct {
	SNCF *SwitchSncfExtension `json:"sncf,omitempty"`
}

type SwitchSncfExtension struct {
	Label string `json:"label"`
}

func (s *Switch) GetID() string       { return s.ID }
func (s *Switch) GetType() ObjectType { return ObjectTypeSwitch }

// TrackRefs returns the port tracks ordered by port name.
func (s *Switch) TrackRefs() []string {
	names := s.PortNames()
	refs := make([]string, 0, len(names))
	for _, name := range names {
		refs = append(refs, s.Ports[name].Track)
	}
	return refs
}

// PortNames returns the port names in sorted order.
func (s *Switch) PortNames() []string {
	names := make([]string, 0, len(s.Ports))
	for name := range s.Ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SwitchPortConnection links two ports of a switch type group.
type SwitchPortConnection struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// SwitchType describes the ports and groups a switch may use.
type SwitchType struct {
	ID     string                            `json:"id"`
	Ports  []string                          `json:"ports"`
	Groups map[string][]SwitchPortConnection `json:"groups"`
}

func (s *SwitchType) GetID() string       { return s.ID }
func (s *SwitchType) GetType() ObjectType { return ObjectTypeSwitchType }
func (s *SwitchType) TrackRefs() []string { return nil }

// Waypoint is a detector or buffer stop delimiting a route.
type Waypoint struct {
	Type ObjectType `json:"type"`
	ID   string     `json:"id"`
}

// Route goes from an entry waypoint to an exit waypoint. It references
// detectors and switches, never track sections directly.
type Route struct {
	ID                  string            `json:"id"`
	EntryPoint          Waypoint          `json:"entry_point"`
	EntryPointDirection Direction         `json:"entry_point_direction"`
	ExitPoint           Waypoint          `json:"exit_point"`
	ReleaseDetectors    []string          `json:"release_detectors"`
	SwitchesDirections  map[string]string `json:"switches_directions"`
}

func (r *Route) GetID() string       { return r.ID }
func (r *Route) GetType() ObjectType { return ObjectTypeRoute }
func (r *Route) TrackRefs() []string { return nil }

// BufferStop ends a track.
type BufferStop struct {
	ID       string  `json:"id"`
	Track    string  `json:"track"`
	Position float64 `json:"position"`
}

func (b *BufferStop) GetID() string       { return b.ID }
func (b *BufferStop) GetType() ObjectType { return ObjectTypeBufferStop }
func (b *BufferStop) TrackRefs() []string { return []string{b.Track} }

// Detector delimits track vacancy detection sections.
type Detector struct {
	ID       string  `json:"id"`
	Track    string  `json:"track"`
	Position float64 `json:"position"`
}

func (d *Detector) GetID() string       { return d.ID }
func (d *Detector) GetType() ObjectType { return ObjectTypeDetector }
func (d *Detector) TrackRefs() []string { return []string{d.Track} }

// OperationalPointPart is one location of an operational point.
type OperationalPointPart struct {
	Track    string  `json:"track"`
	Position float64 `json:"position"`
}

// OperationalPoint is a station or junction spread over several tracks.
type OperationalPoint struct {
	ID         string                     `json:"id"`
	Parts      []OperationalPointPart     `json:"parts"`
	Extensions OperationalPointExtensions `json:"extensions"`
}

type OperationalPointExtensions struct {
	Identifier *OperationalPointIdentifier `json:"identifier,omitempty"`
}

type OperationalPointIdentifier struct {
	Name string `json:"name"`
	UIC  int64  `json:"uic"`
}

func (o *OperationalPoint) GetID() string       { return o.ID }
func (o *OperationalPoint) GetType() ObjectType { return ObjectTypeOperationalPoint }

func (o *OperationalPoint) TrackRefs() []string {
	refs := make([]string, 0, len(o.Parts))
	for _, p := range o.Parts {
		refs = append(refs, p.Track)
	}
	return refs
}

// NeutralSection is a section where traction power must be cut.
type NeutralSection struct {
	ID                      string                  `json:"id"`
	TrackRanges             []DirectionalTrackRange `json:"track_ranges"`
	AnnouncementTrackRanges []DirectionalTrackRange `json:"announcement_track_ranges"`
	LowerPantograph         bool                    `json:"lower_pantograph"`
}

func (n *NeutralSection) GetID() string       { return n.ID }
func (n *NeutralSection) GetType() ObjectType { return ObjectTypeNeutralSection }

func (n *NeutralSection) TrackRefs() []string {
	refs := make([]string, 0, len(n.TrackRanges)+len(n.AnnouncementTrackRanges))
	for _, tr := range n.TrackRanges {
		refs = append(refs, tr.Track)
	}
	for _, tr := range n.AnnouncementTrackRanges {
		refs = append(refs, tr.Track)
	}
	return refs
}

// Electrification gives the catenary voltage over a set of track ranges.
type Electrification struct {
	ID          string                           `json:"id"`
	Voltage     string                           `json:"voltage"`
	TrackRanges []ApplicableDirectionsTrackRange `json:"track_ranges"`
}

func (e *Electrification) GetID() string       { return e.ID }
func (e *Electrification) GetType() ObjectType { return ObjectTypeElectrification }

func (e *Electrification) TrackRefs() []string {
	refs := make([]string, 0, len(e.TrackRanges))
	for _, tr := range e.TrackRanges {
		refs = append(refs, tr.Track)
	}
	return refs
}
