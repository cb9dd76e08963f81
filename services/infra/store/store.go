// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the canonical storage contracts.
//
// The canonical store is the source of truth for infrastructures, their
// objects and the generated layer rows. The dependency cache and the layers
// are derived from it. Two backends implement these contracts:
//
//   - sqlstore: relational tables through gorm (postgres, sqlite)
//   - badger: embedded key-value store for local use and tests
//
// # Transactions
//
// Every mutation happens inside Store.WithTx. A Tx is bound to one goroutine;
// concurrent work uses separate transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/railinfra/infracache/services/infra/schema"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when an infra or object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when inserting an object whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Infra is the metadata row of one infrastructure.
type Infra struct {
	ID              int64
	Name            string
	RailjsonVersion string
	Owner           uuid.UUID
	// Version increases on every applied edit batch.
	Version int64
	// GeneratedVersion is the Version the layers were last generated from.
	// nil means the layers cannot be trusted.
	GeneratedVersion *int64
	Locked           bool
	Created          time.Time
	Modified         time.Time
}

// IsStale reports whether the generated layers lag behind the content.
func (i *Infra) IsStale() bool {
	return i.GeneratedVersion == nil || *i.GeneratedVersion != i.Version
}

// MarkGenerated records that the layers match the current Version.
func (i *Infra) MarkGenerated() {
	v := i.Version
	i.GeneratedVersion = &v
}

// LayerRow is one persisted row of a generated layer.
type LayerRow struct {
	ObjID string
	// Geometry is GeoJSON, empty when the geometry cannot be derived.
	Geometry []byte
	// Data is the JSON document of rendered attributes.
	Data []byte
}

// TrackLink is one (object id, referenced track id) pair of the bulk
// projection used to build the dependency cache. An object that references
// no track yields a single link with an empty TrackID.
type TrackLink struct {
	ObjID   string
	TrackID string
}

// Reader gives read access to the canonical data.
type Reader interface {
	GetInfra(ctx context.Context, id int64) (*Infra, error)
	ListInfras(ctx context.Context) ([]*Infra, error)

	// ListObjects returns every object of a kind, ordered by id.
	ListObjects(ctx context.Context, infraID int64, t schema.ObjectType) ([]schema.Object, error)

	// GetObjects returns the objects of ids that exist, ordered by id.
	GetObjects(ctx context.Context, infraID int64, t schema.ObjectType, ids []string) ([]schema.Object, error)

	// TrackLinks returns the track references of a kind, grouped by object
	// and in the object's TrackRefs order.
	TrackLinks(ctx context.Context, infraID int64, t schema.ObjectType) ([]TrackLink, error)

	// ListLayer returns the rows of a layer table, ordered by object id.
	ListLayer(ctx context.Context, infraID int64, table string) ([]LayerRow, error)
}

// Tx is a read-write transaction.
type Tx interface {
	Reader

	// CreateInfra inserts infra and assigns its ID.
	CreateInfra(ctx context.Context, infra *Infra) error

	// LockInfra reads the infra row and holds it exclusively until the
	// transaction ends.
	LockInfra(ctx context.Context, id int64) (*Infra, error)

	// SaveInfra writes every mutable field of infra.
	SaveInfra(ctx context.Context, infra *Infra) error

	// DeleteInfra removes the infra with its objects and layer rows.
	DeleteInfra(ctx context.Context, id int64) error

	InsertObjects(ctx context.Context, infraID int64, objs []schema.Object) error
	UpdateObject(ctx context.Context, infraID int64, obj schema.Object) error
	DeleteObject(ctx context.Context, infraID int64, ref schema.ObjectRef) error

	InsertLayerRows(ctx context.Context, infraID int64, table string, rows []LayerRow) error
	DeleteLayerRows(ctx context.Context, infraID int64, table string, ids []string) error
	ClearLayer(ctx context.Context, infraID int64, table string) error
}

// Store is a canonical store backend.
type Store interface {
	Reader

	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// LinksFor builds the bulk track projection of objects, in order.
func LinksFor(objs []schema.Object) []TrackLink {
	var links []TrackLink
	for _, obj := range objs {
		tracks := obj.TrackRefs()
		if len(tracks) == 0 {
			links = append(links, TrackLink{ObjID: obj.GetID()})
			continue
		}
		for _, track := range tracks {
			links = append(links, TrackLink{ObjID: obj.GetID(), TrackID: track})
		}
	}
	return links
}
