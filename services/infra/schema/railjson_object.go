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
)

// NewObject returns an empty payload of the given kind.
func NewObject(t ObjectType) (Object, error) {
	switch t {
	case ObjectTypeTrackSection:
		return &TrackSection{}, nil
	case ObjectTypeSignal:
		return &Signal{}, nil
	case ObjectTypeSpeedSection:
		return &SpeedSection{}, nil
	case ObjectTypeSwitch:
		return &Switch{}, nil
	case ObjectTypeSwitchType:
		return &SwitchType{}, nil
	case ObjectTypeRoute:
		return &Route{}, nil
	case ObjectTypeBufferStop:
		return &BufferStop{}, nil
	case ObjectTypeDetector:
		return &Detector{}, nil
	case ObjectTypeOperationalPoint:
		return &OperationalPoint{}, nil
	case ObjectTypeNeutralSection:
		return &NeutralSection{}, nil
	case ObjectTypeElectrification:
		return &Electrification{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownObjectType, string(t))
	}
}

// DecodeObject decodes a payload of a known kind.
func DecodeObject(t ObjectType, data []byte) (Object, error) {
	obj, err := NewObject(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return obj, nil
}

// EncodeObject encodes a payload. It is the inverse of DecodeObject.
func EncodeObject(obj Object) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", obj.GetType(), err)
	}
	return data, nil
}

// RailjsonObject is the tagged envelope of an Object:
//
//	{"obj_type": "Signal", "railjson": {"id": "sig.1", ...}}
type RailjsonObject struct {
	Object Object
}

type railjsonEnvelope struct {
	ObjType  ObjectType      `json:"obj_type"`
	Railjson json.RawMessage `json:"railjson"`
}

func (r RailjsonObject) MarshalJSON() ([]byte, error) {
	if r.Object == nil {
		return nil, errors.New("railjson object is empty")
	}
	payload, err := EncodeObject(r.Object)
	if err != nil {
		return nil, err
	}
	return json.Marshal(railjsonEnvelope{ObjType: r.Object.GetType(), Railjson: payload})
}

func (r *RailjsonObject) UnmarshalJSON(data []byte) error {
	var env railjsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	obj, err := DecodeObject(env.ObjType, env.Railjson)
	if err != nil {
		return err
	}
	r.Object = obj
	return nil
}
