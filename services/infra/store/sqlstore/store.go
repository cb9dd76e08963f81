// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlstore implements the canonical store on a relational database
// through gorm.
//
// Tables:
//
//	infra                    infra metadata and versions
//	infra_object_<kind>      one per object kind, keyed by (infra_id, obj_id)
//	infra_object_track_ref   bulk (object, track) projection for the cache
//	infra_layer_<kind>       one per generated layer, keyed by (infra_id, obj_id)
//
// Postgres is the production driver. SQLite serves local runs and tests.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const batchSize = 500

// Config selects and tunes the database connection.
type Config struct {
	// Driver is DriverPostgres or DriverSQLite.
	Driver string

	// DSN is the driver connection string. For SQLite, ":memory:" opens a
	// private in-memory database.
	DSN string

	// MaxOpenConns bounds the connection pool. SQLite is always limited to
	// one connection.
	MaxOpenConns int

	// LogLevel is one of silent, error, warn, info.
	LogLevel string

	// LayerTables are the layer tables to create and accept.
	LayerTables []string
}

// Store is the gorm implementation of store.Store.
//
// Thread Safety:
//
//	Safe for concurrent use. With SQLite, callers must not use the Store
//	directly while a transaction from the same goroutine is open: the
//	single connection is held by that transaction.
type Store struct {
	db     *gorm.DB
	layers map[string]bool
}

var _ store.Store = (*Store)(nil)

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Silent
	}
}

// Open connects to the database and migrates every table.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("connection pool: %w", err)
	}
	switch {
	case cfg.Driver == DriverSQLite:
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := &Store{db: db, layers: make(map[string]bool)}
	if err := s.migrate(cfg.LayerTables); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLiteMemory opens a private in-memory SQLite store.
func OpenSQLiteMemory(layerTables ...string) (*Store, error) {
	return Open(Config{Driver: DriverSQLite, DSN: ":memory:", LayerTables: layerTables})
}

func (s *Store) migrate(layerTables []string) error {
	if err := s.db.AutoMigrate(&infraModel{}, &trackRefModel{}); err != nil {
		return fmt.Errorf("migrate infra tables: %w", err)
	}
	for _, kind := range schema.AllObjectTypes() {
		if err := s.db.Table(kind.Table()).AutoMigrate(&objectModel{}); err != nil {
			return fmt.Errorf("migrate %s: %w", kind.Table(), err)
		}
	}
	for _, table := range layerTables {
		if !validTableName(table) {
			return fmt.Errorf("invalid layer table name %q", table)
		}
		if err := s.db.Table(table).AutoMigrate(&layerModel{}); err != nil {
			return fmt.Errorf("migrate %s: %w", table, err)
		}
		s.layers[table] = true
	}
	return nil
}

func validTableName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn in a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&tx{db: gtx, layers: s.layers})
	})
}

func (s *Store) reader(ctx context.Context) *tx {
	return &tx{db: s.db.WithContext(ctx), layers: s.layers}
}

func (s *Store) GetInfra(ctx context.Context, id int64) (*store.Infra, error) {
	return s.reader(ctx).GetInfra(ctx, id)
}

func (s *Store) ListInfras(ctx context.Context) ([]*store.Infra, error) {
	return s.reader(ctx).ListInfras(ctx)
}

func (s *Store) ListObjects(ctx context.Context, infraID int64, kind schema.ObjectType) ([]schema.Object, error) {
	return s.reader(ctx).ListObjects(ctx, infraID, kind)
}

func (s *Store) GetObjects(ctx context.Context, infraID int64, kind schema.ObjectType, ids []string) ([]schema.Object, error) {
	return s.reader(ctx).GetObjects(ctx, infraID, kind, ids)
}

func (s *Store) TrackLinks(ctx context.Context, infraID int64, kind schema.ObjectType) ([]store.TrackLink, error) {
	return s.reader(ctx).TrackLinks(ctx, infraID, kind)
}

func (s *Store) ListLayer(ctx context.Context, infraID int64, table string) ([]store.LayerRow, error) {
	return s.reader(ctx).ListLayer(ctx, infraID, table)
}

// tx implements store.Tx on a gorm handle, transactional or not.
type tx struct {
	db     *gorm.DB
	layers map[string]bool
}

func (t *tx) layerTable(table string) (*gorm.DB, error) {
	if !t.layers[table] {
		return nil, fmt.Errorf("layer table %q is not registered", table)
	}
	return t.db.Table(table), nil
}

func (t *tx) GetInfra(_ context.Context, id int64) (*store.Infra, error) {
	var m infraModel
	if err := t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, infraErr(id, err)
	}
	return toInfra(m)
}

func (t *tx) ListInfras(context.Context) ([]*store.Infra, error) {
	var models []infraModel
	if err := t.db.Order("id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list infras: %w", err)
	}
	infras := make([]*store.Infra, 0, len(models))
	for _, m := range models {
		infra, err := toInfra(m)
		if err != nil {
			return nil, err
		}
		infras = append(infras, infra)
	}
	return infras, nil
}

func (t *tx) ListObjects(_ context.Context, infraID int64, kind schema.ObjectType) ([]schema.Object, error) {
	var rows []objectModel
	err := t.db.Table(kind.Table()).
		Where("infra_id = ?", infraID).
		Order("obj_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list %s objects of infra %d: %w", kind, infraID, err)
	}
	return decodeRows(kind, rows)
}

func (t *tx) GetObjects(_ context.Context, infraID int64, kind schema.ObjectType, ids []string) ([]schema.Object, error) {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var rows []objectModel
	for chunk := range slices.Chunk(ids, batchSize) {
		var part []objectModel
		err := t.db.Table(kind.Table()).
			Where("infra_id = ? AND obj_id IN ?", infraID, chunk).
			Order("obj_id").
			Find(&part).Error
		if err != nil {
			return nil, fmt.Errorf("get %s objects of infra %d: %w", kind, infraID, err)
		}
		rows = append(rows, part...)
	}
	return decodeRows(kind, rows)
}

func decodeRows(kind schema.ObjectType, rows []objectModel) ([]schema.Object, error) {
	objs := make([]schema.Object, 0, len(rows))
	for _, row := range rows {
		obj, err := schema.DecodeObject(kind, row.Data)
		if err != nil {
			return nil, fmt.Errorf("%s:%s: %w", kind, row.ObjID, err)
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func (t *tx) TrackLinks(_ context.Context, infraID int64, kind schema.ObjectType) ([]store.TrackLink, error) {
	var rows []trackRefModel
	err := t.db.Where("infra_id = ? AND obj_type = ?", infraID, string(kind)).
		Order("obj_id").Order("idx").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("track links of %s in infra %d: %w", kind, infraID, err)
	}
	links := make([]store.TrackLink, 0, len(rows))
	for _, row := range rows {
		links = append(links, store.TrackLink{ObjID: row.ObjID, TrackID: row.TrackID})
	}
	return links, nil
}

func (t *tx) ListLayer(_ context.Context, infraID int64, table string) ([]store.LayerRow, error) {
	q, err := t.layerTable(table)
	if err != nil {
		return nil, err
	}
	var rows []layerModel
	if err := q.Where("infra_id = ?", infraID).Order("obj_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list layer %s of infra %d: %w", table, infraID, err)
	}
	out := make([]store.LayerRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, store.LayerRow{ObjID: row.ObjID, Geometry: nullable(row.Geometry), Data: nullable(row.Data)})
	}
	return out, nil
}

// nullable maps a NULL column, scanned as the JSON literal null, to nil.
func nullable(j datatypes.JSON) []byte {
	if len(j) == 0 || string(j) == "null" {
		return nil
	}
	return j
}

func (t *tx) CreateInfra(_ context.Context, infra *store.Infra) error {
	now := time.Now().UTC()
	if infra.Created.IsZero() {
		infra.Created = now
	}
	if infra.Modified.IsZero() {
		infra.Modified = now
	}
	m := toModel(infra)
	m.ID = 0
	if err := t.db.Create(&m).Error; err != nil {
		return fmt.Errorf("create infra: %w", err)
	}
	infra.ID = m.ID
	return nil
}

func (t *tx) LockInfra(_ context.Context, id int64) (*store.Infra, error) {
	var m infraModel
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error
	if err != nil {
		return nil, infraErr(id, err)
	}
	return toInfra(m)
}

func (t *tx) SaveInfra(_ context.Context, infra *store.Infra) error {
	m := toModel(infra)
	res := t.db.Model(&infraModel{ID: infra.ID}).
		Select("name", "railjson_version", "owner", "version", "generated_version", "locked", "modified").
		Updates(&m)
	if res.Error != nil {
		return fmt.Errorf("save infra %d: %w", infra.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("infra %d: %w", infra.ID, store.ErrNotFound)
	}
	return nil
}

func (t *tx) DeleteInfra(_ context.Context, id int64) error {
	for _, kind := range schema.AllObjectTypes() {
		if err := t.db.Table(kind.Table()).Where("infra_id = ?", id).Delete(&objectModel{}).Error; err != nil {
			return fmt.Errorf("delete %s of infra %d: %w", kind, id, err)
		}
	}
	if err := t.db.Where("infra_id = ?", id).Delete(&trackRefModel{}).Error; err != nil {
		return fmt.Errorf("delete track refs of infra %d: %w", id, err)
	}
	for table := range t.layers {
		if err := t.db.Table(table).Where("infra_id = ?", id).Delete(&layerModel{}).Error; err != nil {
			return fmt.Errorf("delete %s of infra %d: %w", table, id, err)
		}
	}
	res := t.db.Delete(&infraModel{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete infra %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("infra %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *tx) InsertObjects(_ context.Context, infraID int64, objs []schema.Object) error {
	byKind := make(map[schema.ObjectType][]schema.Object)
	for _, obj := range objs {
		byKind[obj.GetType()] = append(byKind[obj.GetType()], obj)
	}

	for _, kind := range schema.AllObjectTypes() {
		group := byKind[kind]
		if len(group) == 0 {
			continue
		}
		if err := t.checkAbsent(infraID, kind, group); err != nil {
			return err
		}

		rows := make([]objectModel, 0, len(group))
		for _, obj := range group {
			data, err := schema.EncodeObject(obj)
			if err != nil {
				return err
			}
			rows = append(rows, objectModel{InfraID: infraID, ObjID: obj.GetID(), Data: datatypes.JSON(data)})
		}
		if err := t.db.Table(kind.Table()).CreateInBatches(rows, batchSize).Error; err != nil {
			return fmt.Errorf("insert %s objects: %w", kind, err)
		}
		if err := t.insertRefs(infraID, group); err != nil {
			return err
		}
	}
	return nil
}

// checkAbsent fails with store.ErrAlreadyExists if an id of objs is taken or
// repeated.
func (t *tx) checkAbsent(infraID int64, kind schema.ObjectType, objs []schema.Object) error {
	ids := make([]string, 0, len(objs))
	seen := make(map[string]bool, len(objs))
	for _, obj := range objs {
		if seen[obj.GetID()] {
			return fmt.Errorf("%s: %w", schema.RefOf(obj), store.ErrAlreadyExists)
		}
		seen[obj.GetID()] = true
		ids = append(ids, obj.GetID())
	}

	for chunk := range slices.Chunk(ids, batchSize) {
		var taken []string
		err := t.db.Table(kind.Table()).
			Where("infra_id = ? AND obj_id IN ?", infraID, chunk).
			Pluck("obj_id", &taken).Error
		if err != nil {
			return fmt.Errorf("check %s ids: %w", kind, err)
		}
		if len(taken) > 0 {
			return fmt.Errorf("%s: %w", schema.NewObjectRef(kind, taken[0]), store.ErrAlreadyExists)
		}
	}
	return nil
}

func (t *tx) insertRefs(infraID int64, objs []schema.Object) error {
	var rows []trackRefModel
	for _, obj := range objs {
		if !obj.GetType().HasTrackRefs() {
			continue
		}
		tracks := obj.TrackRefs()
		if len(tracks) == 0 {
			tracks = []string{""}
		}
		for i, track := range tracks {
			rows = append(rows, trackRefModel{
				InfraID: infraID,
				ObjType: string(obj.GetType()),
				ObjID:   obj.GetID(),
				Idx:     i,
				TrackID: track,
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	if err := t.db.CreateInBatches(rows, batchSize).Error; err != nil {
		return fmt.Errorf("insert track refs: %w", err)
	}
	return nil
}

func (t *tx) deleteRefs(infraID int64, ref schema.ObjectRef) error {
	err := t.db.Where("infra_id = ? AND obj_type = ? AND obj_id = ?", infraID, string(ref.Type), ref.ID).
		Delete(&trackRefModel{}).Error
	if err != nil {
		return fmt.Errorf("delete track refs of %s: %w", ref, err)
	}
	return nil
}

func (t *tx) UpdateObject(_ context.Context, infraID int64, obj schema.Object) error {
	ref := schema.RefOf(obj)
	data, err := schema.EncodeObject(obj)
	if err != nil {
		return err
	}
	res := t.db.Table(ref.Type.Table()).
		Where("infra_id = ? AND obj_id = ?", infraID, ref.ID).
		Update("data", datatypes.JSON(data))
	if res.Error != nil {
		return fmt.Errorf("update %s: %w", ref, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", ref, store.ErrNotFound)
	}
	if err := t.deleteRefs(infraID, ref); err != nil {
		return err
	}
	return t.insertRefs(infraID, []schema.Object{obj})
}

func (t *tx) DeleteObject(_ context.Context, infraID int64, ref schema.ObjectRef) error {
	res := t.db.Table(ref.Type.Table()).
		Where("infra_id = ? AND obj_id = ?", infraID, ref.ID).
		Delete(&objectModel{})
	if res.Error != nil {
		return fmt.Errorf("delete %s: %w", ref, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", ref, store.ErrNotFound)
	}
	return t.deleteRefs(infraID, ref)
}

func (t *tx) InsertLayerRows(_ context.Context, infraID int64, table string, rows []store.LayerRow) error {
	q, err := t.layerTable(table)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	models := make([]layerModel, 0, len(rows))
	for _, row := range rows {
		models = append(models, layerModel{
			InfraID:  infraID,
			ObjID:    row.ObjID,
			Geometry: datatypes.JSON(row.Geometry),
			Data:     datatypes.JSON(row.Data),
		})
	}
	if err := q.CreateInBatches(models, batchSize).Error; err != nil {
		return fmt.Errorf("insert %s rows: %w", table, err)
	}
	return nil
}

func (t *tx) DeleteLayerRows(_ context.Context, infraID int64, table string, ids []string) error {
	if _, err := t.layerTable(table); err != nil {
		return err
	}
	for chunk := range slices.Chunk(ids, batchSize) {
		err := t.db.Table(table).
			Where("infra_id = ? AND obj_id IN ?", infraID, chunk).
			Delete(&layerModel{}).Error
		if err != nil {
			return fmt.Errorf("delete %s rows: %w", table, err)
		}
	}
	return nil
}

func (t *tx) ClearLayer(_ context.Context, infraID int64, table string) error {
	q, err := t.layerTable(table)
	if err != nil {
		return err
	}
	if err := q.Where("infra_id = ?", infraID).Delete(&layerModel{}).Error; err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	return nil
}

func infraErr(id int64, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("infra %d: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("read infra %d: %w", id, err)
}

func toInfra(m infraModel) (*store.Infra, error) {
	owner, err := uuid.Parse(m.Owner)
	if err != nil {
		return nil, fmt.Errorf("infra %d owner: %w", m.ID, err)
	}
	return &store.Infra{
		ID:               m.ID,
		Name:             m.Name,
		RailjsonVersion:  m.RailjsonVersion,
		Owner:            owner,
		Version:          m.Version,
		GeneratedVersion: m.GeneratedVersion,
		Locked:           m.Locked,
		Created:          m.Created,
		Modified:         m.Modified,
	}, nil
}

func toModel(infra *store.Infra) infraModel {
	return infraModel{
		ID:               infra.ID,
		Name:             infra.Name,
		RailjsonVersion:  infra.RailjsonVersion,
		Owner:            infra.Owner.String(),
		Version:          infra.Version,
		GeneratedVersion: infra.GeneratedVersion,
		Locked:           infra.Locked,
		Created:          infra.Created,
		Modified:         infra.Modified,
	}
}
