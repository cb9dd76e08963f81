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
	"math"

	"github.com/paulmach/orb"
	"github.com/railinfra/infracache/services/infra/schema"
)

// Layer tables.
const (
	TableTrackSection     = "infra_layer_track_section"
	TableSignal           = "infra_layer_signal"
	TableSpeedSection     = "infra_layer_speed_section"
	TablePslSign          = "infra_layer_psl_sign"
	TableSwitch           = "infra_layer_switch"
	TableBufferStop       = "infra_layer_buffer_stop"
	TableDetector         = "infra_layer_detector"
	TableOperationalPoint = "infra_layer_operational_point"
	TableElectrification  = "infra_layer_electrification"
	TableNeutralSection   = "infra_layer_neutral_section"
)

// All returns a fresh instance of every layer.
func All() []Layer {
	return []Layer{
		newObjectLayer(schema.ObjectTypeTrackSection, TableTrackSection, projectTrackSection),
		newObjectLayer(schema.ObjectTypeSignal, TableSignal, projectSignal),
		newObjectLayer(schema.ObjectTypeSpeedSection, TableSpeedSection, projectSpeedSection),
		newObjectLayer(schema.ObjectTypeSpeedSection, TablePslSign, projectPslSigns).withFilter(hasPsl),
		newObjectLayer(schema.ObjectTypeSwitch, TableSwitch, projectSwitch),
		newObjectLayer(schema.ObjectTypeBufferStop, TableBufferStop, projectBufferStop),
		newObjectLayer(schema.ObjectTypeDetector, TableDetector, projectDetector),
		newObjectLayer(schema.ObjectTypeOperationalPoint, TableOperationalPoint, projectOperationalPoint),
		newObjectLayer(schema.ObjectTypeElectrification, TableElectrification, projectElectrification),
		newObjectLayer(schema.ObjectTypeNeutralSection, TableNeutralSection, projectNeutralSection),
	}
}

// Tables returns the table of every layer, in All order.
func Tables() []string {
	all := All()
	tables := make([]string, 0, len(all))
	for _, l := range all {
		tables = append(tables, l.TableName())
	}
	return tables
}

func hasPsl(obj schema.Object) bool {
	s, ok := obj.(*schema.SpeedSection)
	return ok && s.Extensions.PslSncf != nil
}

type trackSectionData struct {
	ID     string                            `json:"id"`
	Length float64                           `json:"length"`
	SNCF   *schema.TrackSectionSncfExtension `json:"sncf,omitempty"`
}

func projectTrackSection(t *schema.TrackSection, _ trackSet) (orb.Geometry, any) {
	data := trackSectionData{ID: t.ID, Length: t.Length, SNCF: t.Extensions.SNCF}
	if ls := t.LineString(); len(ls) > 0 {
		return ls, data
	}
	return nil, data
}

type signalData struct {
	ID            string                      `json:"id"`
	Track         string                      `json:"track"`
	Position      float64                     `json:"position"`
	Direction     schema.Direction            `json:"direction"`
	SightDistance float64                     `json:"sight_distance"`
	Angle         float64                     `json:"angle"`
	SNCF          *schema.SignalSncfExtension `json:"sncf,omitempty"`
}

func projectSignal(s *schema.Signal, tracks trackSet) (orb.Geometry, any) {
	data := signalData{
		ID:            s.ID,
		Track:         s.Track,
		Position:      s.Position,
		Direction:     s.Direction,
		SightDistance: s.SightDistance,
		SNCF:          s.Extensions.SNCF,
	}
	p, angle, ok := tracks.pointOn(s.Track, s.Position)
	if !ok {
		return nil, data
	}
	if s.Direction == schema.DirectionStopToStart {
		angle = math.Mod(angle+180, 360)
	}
	data.Angle = angle
	return p, data
}

type speedSectionData struct {
	ID              string             `json:"id"`
	SpeedLimit      *float64           `json:"speed_limit"`
	SpeedLimitByTag map[string]float64 `json:"speed_limit_by_tag,omitempty"`
}

func projectSpeedSection(s *schema.SpeedSection, tracks trackSet) (orb.Geometry, any) {
	data := speedSectionData{ID: s.ID, SpeedLimit: s.SpeedLimit, SpeedLimitByTag: s.SpeedLimitByTag}
	var mls orb.MultiLineString
	for _, r := range s.TrackRanges {
		if cut, ok := tracks.rangeOn(r.Track, r.Begin, r.End); ok {
			mls = append(mls, cut)
		}
	}
	return mls, data
}

type pslSignData struct {
	schema.Sign
	Angle float64 `json:"angle"`
}

type pslData struct {
	ID    string        `json:"id"`
	Signs []pslSignData `json:"signs"`
}

// projectPslSigns places every sign of the psl_sncf extension. Signs on
// unknown tracks keep their entry in the data but have no point.
func projectPslSigns(s *schema.SpeedSection, tracks trackSet) (orb.Geometry, any) {
	signs := s.Extensions.PslSncf.Signs()
	data := pslData{ID: s.ID, Signs: make([]pslSignData, 0, len(signs))}
	var points orb.MultiPoint
	for _, sign := range signs {
		entry := pslSignData{Sign: sign}
		if p, angle, ok := tracks.pointOn(sign.Track, sign.Position); ok {
			entry.Angle = angle
			points = append(points, p)
		}
		data.Signs = append(data.Signs, entry)
	}
	return points, data
}

type switchData struct {
	ID         string `json:"id"`
	SwitchType string `json:"switch_type"`
	Label      string `json:"label,omitempty"`
}

// projectSwitch places the switch at the endpoint of its first port, by
// port name, whose track is known.
func projectSwitch(s *schema.Switch, tracks trackSet) (orb.Geometry, any) {
	data := switchData{ID: s.ID, SwitchType: s.SwitchType}
	if s.Extensions.SNCF != nil {
		data.Label = s.Extensions.SNCF.Label
	}
	for _, name := range s.PortNames() {
		port := s.Ports[name]
		ls, _, ok := tracks.line(port.Track)
		if !ok {
			continue
		}
		if port.Endpoint == schema.EndpointEnd {
			return ls[len(ls)-1], data
		}
		return ls[0], data
	}
	return nil, data
}

type pointObjectData struct {
	ID       string  `json:"id"`
	Track    string  `json:"track"`
	Position float64 `json:"position"`
}

func projectBufferStop(b *schema.BufferStop, tracks trackSet) (orb.Geometry, any) {
	return projectPointObject(b.ID, b.Track, b.Position, tracks)
}

func projectDetector(d *schema.Detector, tracks trackSet) (orb.Geometry, any) {
	return projectPointObject(d.ID, d.Track, d.Position, tracks)
}

func projectPointObject(id, track string, position float64, tracks trackSet) (orb.Geometry, any) {
	data := pointObjectData{ID: id, Track: track, Position: position}
	if p, _, ok := tracks.pointOn(track, position); ok {
		return p, data
	}
	return nil, data
}

type operationalPointData struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	UIC  int64  `json:"uic,omitempty"`
}

func projectOperationalPoint(o *schema.OperationalPoint, tracks trackSet) (orb.Geometry, any) {
	data := operationalPointData{ID: o.ID}
	if ident := o.Extensions.Identifier; ident != nil {
		data.Name = ident.Name
		data.UIC = ident.UIC
	}
	var points orb.MultiPoint
	for _, part := range o.Parts {
		if p, _, ok := tracks.pointOn(part.Track, part.Position); ok {
			points = append(points, p)
		}
	}
	return points, data
}

type electrificationData struct {
	ID      string `json:"id"`
	Voltage string `json:"voltage"`
}

func projectElectrification(e *schema.Electrification, tracks trackSet) (orb.Geometry, any) {
	var mls orb.MultiLineString
	for _, r := range e.TrackRanges {
		if cut, ok := tracks.rangeOn(r.Track, r.Begin, r.End); ok {
			mls = append(mls, cut)
		}
	}
	return mls, electrificationData{ID: e.ID, Voltage: e.Voltage}
}

type neutralSectionData struct {
	ID              string `json:"id"`
	LowerPantograph bool   `json:"lower_pantograph"`
}

// projectNeutralSection draws the section itself; announcement ranges are
// not part of the geometry.
func projectNeutralSection(n *schema.NeutralSection, tracks trackSet) (orb.Geometry, any) {
	var mls orb.MultiLineString
	for _, r := range n.TrackRanges {
		if cut, ok := tracks.rangeOn(r.Track, r.Begin, r.End); ok {
			mls = append(mls, cut)
		}
	}
	return mls, neutralSectionData{ID: n.ID, LowerPantograph: n.LowerPantograph}
}
