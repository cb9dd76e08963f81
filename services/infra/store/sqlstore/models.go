// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlstore

import (
	"time"

	"gorm.io/datatypes"
)

// infraModel is the infra metadata table.
type infraModel struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	Name             string `gorm:"size:255;not null"`
	RailjsonVersion  string `gorm:"size:16;not null"`
	Owner            string `gorm:"size:36;not null"`
	Version          int64  `gorm:"not null;default:0"`
	GeneratedVersion *int64
	Locked           bool `gorm:"not null;default:false"`
	Created          time.Time
	Modified         time.Time
}

func (infraModel) TableName() string { return "infra" }

// objectModel is the row of one object table (infra_object_<kind>).
type objectModel struct {
	InfraID int64          `gorm:"primaryKey;autoIncrement:false"`
	ObjID   string         `gorm:"primaryKey;size:255"`
	Data    datatypes.JSON `gorm:"not null"`
}

// trackRefModel is the bulk projection of track references, maintained
// alongside the object tables. Objects referencing no track keep one row
// with an empty TrackID.
type trackRefModel struct {
	InfraID int64  `gorm:"primaryKey;autoIncrement:false;index:idx_track_ref_track,priority:1"`
	ObjType string `gorm:"primaryKey;size:32"`
	ObjID   string `gorm:"primaryKey;size:255"`
	Idx     int    `gorm:"primaryKey;autoIncrement:false"`
	TrackID string `gorm:"size:255;index:idx_track_ref_track,priority:2"`
}

func (trackRefModel) TableName() string { return "infra_object_track_ref" }

// layerModel is the row of one layer table (infra_layer_<kind>).
type layerModel struct {
	InfraID  int64  `gorm:"primaryKey;autoIncrement:false"`
	ObjID    string `gorm:"primaryKey;size:255"`
	Geometry datatypes.JSON
	Data     datatypes.JSON
}
