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
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/railinfra/infracache/services/infra/schema"
)

// trackSet holds the track sections referenced by a group of objects.
type trackSet map[string]*schema.TrackSection

// line returns the geometry of a track and its declared length. ok is false
// when the track is unknown or has no usable geometry.
func (s trackSet) line(id string) (orb.LineString, float64, bool) {
	track, found := s[id]
	if !found {
		return nil, 0, false
	}
	ls := track.LineString()
	if len(ls) == 0 {
		return nil, 0, false
	}
	return ls, track.Length, true
}

// pointOn locates a position of a track. The position is normalized by the
// declared track length, not the geometric one.
func (s trackSet) pointOn(id string, position float64) (orb.Point, float64, bool) {
	ls, length, ok := s.line(id)
	if !ok {
		return orb.Point{}, 0, false
	}
	p, angle := pointAlong(ls, fraction(position, length))
	return p, angle, true
}

// rangeOn cuts the [begin, end] interval of a track.
func (s trackSet) rangeOn(id string, begin, end float64) (orb.LineString, bool) {
	ls, length, ok := s.line(id)
	if !ok || len(ls) < 2 {
		return nil, false
	}
	cut := sliceAlong(ls, fraction(begin, length), fraction(end, length))
	return cut, len(cut) >= 2
}

// fraction returns position/length clamped to [0, 1].
func fraction(position, length float64) float64 {
	if length <= 0 {
		return 0
	}
	return clamp(position/length, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func lerp(a, b orb.Point, t float64) orb.Point {
	return orb.Point{a[0] + (b[0]-a[0])*t, a[1] + (b[1]-a[1])*t}
}

func ratio(d, seg float64) float64 {
	if seg <= 0 {
		return 0
	}
	return clamp(d/seg, 0, 1)
}

// heading is the angle of segment a->b in degrees, counterclockwise from
// the x axis, in [0, 360).
func heading(a, b orb.Point) float64 {
	deg := math.Atan2(b[1]-a[1], b[0]-a[0]) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg
}

// pointAlong returns the point at fraction f of the planar length of ls and
// the heading of the segment it falls on.
func pointAlong(ls orb.LineString, f float64) (orb.Point, float64) {
	if len(ls) == 1 {
		return ls[0], 0
	}
	target := f * planar.Length(ls)
	walked := 0.0
	for i := 1; i < len(ls); i++ {
		a, b := ls[i-1], ls[i]
		seg := planar.Distance(a, b)
		if walked+seg >= target || i == len(ls)-1 {
			return lerp(a, b, ratio(target-walked, seg)), heading(a, b)
		}
		walked += seg
	}
	return ls[len(ls)-1], 0
}

// sliceAlong returns the part of ls between fractions from and to of its
// planar length. The bounds may be given in either order.
func sliceAlong(ls orb.LineString, from, to float64) orb.LineString {
	if from > to {
		from, to = to, from
	}
	total := planar.Length(ls)
	start, end := from*total, to*total

	var out orb.LineString
	walked := 0.0
	for i := 1; i < len(ls); i++ {
		a, b := ls[i-1], ls[i]
		seg := planar.Distance(a, b)
		next := walked + seg
		last := i == len(ls)-1
		if next < start && !last {
			walked = next
			continue
		}
		if len(out) == 0 {
			out = append(out, lerp(a, b, ratio(start-walked, seg)))
		}
		if next >= end || last {
			out = append(out, lerp(a, b, ratio(end-walked, seg)))
			break
		}
		out = append(out, b)
		walked = next
	}
	return out
}

// encodeGeometry renders g as GeoJSON. Empty geometries encode to nil.
func encodeGeometry(g orb.Geometry) ([]byte, error) {
	switch v := g.(type) {
	case nil:
		return nil, nil
	case orb.LineString:
		if len(v) == 0 {
			return nil, nil
		}
	case orb.MultiLineString:
		if len(v) == 0 {
			return nil, nil
		}
	case orb.MultiPoint:
		if len(v) == 0 {
			return nil, nil
		}
	}
	return geojson.NewGeometry(g).MarshalJSON()
}
