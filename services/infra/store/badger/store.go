// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
)

const seqKey = "seq:infra"

func infraKey(id int64) []byte {
	return []byte(fmt.Sprintf("infra:%016d", id))
}

func objectPrefix(infraID int64, t schema.ObjectType) []byte {
	return []byte(fmt.Sprintf("obj:%016d:%s:", infraID, t))
}

func objectKey(infraID int64, t schema.ObjectType, id string) []byte {
	return append(objectPrefix(infraID, t), id...)
}

func layerPrefix(infraID int64, table string) []byte {
	return []byte(fmt.Sprintf("layer:%016d:%s:", infraID, table))
}

func layerKey(infraID int64, table, id string) []byte {
	return append(layerPrefix(infraID, table), id...)
}

// infraRecord is the stored form of store.Infra.
type infraRecord struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	RailjsonVersion  string    `json:"railjson_version"`
	Owner            uuid.UUID `json:"owner"`
	Version          int64     `json:"version"`
	GeneratedVersion *int64    `json:"generated_version"`
	Locked           bool      `json:"locked"`
	Created          time.Time `json:"created"`
	Modified         time.Time `json:"modified"`
}

type layerRecord struct {
	Geometry json.RawMessage `json:"geometry,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Store is the BadgerDB implementation of store.Store.
//
// Thread Safety:
//
//	Safe for concurrent use. Transactions are optimistic; LockInfra also
//	takes an in-process lock on the infra held until the transaction ends,
//	so two edits of one infra never race to a commit conflict.
type Store struct {
	db    *badger.DB
	gc    *gcRunner
	locks sync.Map // int64 -> *sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open opens a store with cfg, starting value log GC when configured.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = runner
		runner.start()
	}
	return s, nil
}

// OpenInMemory opens an in-memory store. Data is lost when closed.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
		s.gc = nil
	}
	return s.db.Close()
}

// WithTx runs fn in a read-write transaction and commits if fn returns nil.
//
// Description:
//
//	A transaction that outgrows badger's batch limit (badger.ErrTxnTooBig)
//	is committed and continued in a fresh one, so bulk writes such as an
//	import or a layer generation are atomic only up to that limit. When fn
//	fails after such a split, the infras it created are deleted again and
//	the infras it locked are marked stale, so the next refresh rebuilds
//	their partially written layers.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	t := &tx{store: s, txn: s.db.NewTransaction(true), fresh: true}
	defer func() {
		t.txn.Discard()
		t.unlockAll()
	}()

	if err := fn(t); err != nil {
		if t.splits > 0 {
			t.txn.Discard()
			t.txn = s.db.NewTransaction(true)
			if cerr := t.recoverPartial(); cerr != nil {
				return errors.Join(err, fmt.Errorf("clean up partial transaction: %w", cerr))
			}
		}
		return err
	}
	return t.txn.Commit()
}

func (s *Store) view(ctx context.Context, fn func(t *tx) error) error {
	return withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		return fn(&tx{store: s, txn: txn})
	})
}

func (s *Store) GetInfra(ctx context.Context, id int64) (infra *store.Infra, err error) {
	err = s.view(ctx, func(t *tx) error {
		infra, err = t.GetInfra(ctx, id)
		return err
	})
	return infra, err
}

func (s *Store) ListInfras(ctx context.Context) (infras []*store.Infra, err error) {
	err = s.view(ctx, func(t *tx) error {
		infras, err = t.ListInfras(ctx)
		return err
	})
	return infras, err
}

func (s *Store) ListObjects(ctx context.Context, infraID int64, kind schema.ObjectType) (objs []schema.Object, err error) {
	err = s.view(ctx, func(t *tx) error {
		objs, err = t.ListObjects(ctx, infraID, kind)
		return err
	})
	return objs, err
}

func (s *Store) GetObjects(ctx context.Context, infraID int64, kind schema.ObjectType, ids []string) (objs []schema.Object, err error) {
	err = s.view(ctx, func(t *tx) error {
		objs, err = t.GetObjects(ctx, infraID, kind, ids)
		return err
	})
	return objs, err
}

func (s *Store) TrackLinks(ctx context.Context, infraID int64, kind schema.ObjectType) (links []store.TrackLink, err error) {
	err = s.view(ctx, func(t *tx) error {
		links, err = t.TrackLinks(ctx, infraID, kind)
		return err
	})
	return links, err
}

func (s *Store) ListLayer(ctx context.Context, infraID int64, table string) (rows []store.LayerRow, err error) {
	err = s.view(ctx, func(t *tx) error {
		rows, err = t.ListLayer(ctx, infraID, table)
		return err
	})
	return rows, err
}

func (s *Store) infraLock(id int64) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// tx implements store.Tx over one badger transaction.
type tx struct {
	store *Store
	txn   *badger.Txn
	held  []int64
	// fresh is true until the transaction first reads or writes.
	fresh bool
	// splits counts the intermediate commits of an oversized transaction.
	splits  int
	created []int64
}

func (t *tx) use() *badger.Txn {
	t.fresh = false
	return t.txn
}

// set writes key, splitting the transaction when it is full.
func (t *tx) set(key, val []byte) error {
	err := t.use().Set(key, val)
	if errors.Is(err, badger.ErrTxnTooBig) {
		if err := t.split(); err != nil {
			return err
		}
		err = t.txn.Set(key, val)
	}
	return err
}

// del deletes key, splitting the transaction when it is full.
func (t *tx) del(key []byte) error {
	err := t.use().Delete(key)
	if errors.Is(err, badger.ErrTxnTooBig) {
		if err := t.split(); err != nil {
			return err
		}
		err = t.txn.Delete(key)
	}
	return err
}

// split commits the pending writes and continues in a new transaction.
// The infra locks stay held.
func (t *tx) split() error {
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("commit partial transaction: %w", err)
	}
	t.txn = t.store.db.NewTransaction(true)
	t.splits++
	return nil
}

// recoverPartial undoes what it can of a split transaction: created infras
// are deleted and locked infras marked stale.
func (t *tx) recoverPartial() error {
	for _, id := range t.held {
		if slices.Contains(t.created, id) {
			continue
		}
		var rec infraRecord
		err := t.getJSON(infraKey(id), &rec)
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		rec.GeneratedVersion = nil
		if err := t.setJSON(infraKey(id), rec); err != nil {
			return err
		}
	}
	for _, id := range t.created {
		if err := t.deletePrefix([]byte(fmt.Sprintf("obj:%016d:", id))); err != nil {
			return err
		}
		if err := t.deletePrefix([]byte(fmt.Sprintf("layer:%016d:", id))); err != nil {
			return err
		}
		if err := t.del(infraKey(id)); err != nil {
			return err
		}
	}
	return t.txn.Commit()
}

func (t *tx) unlockAll() {
	for _, id := range t.held {
		t.store.infraLock(id).Unlock()
	}
	t.held = nil
}

func (t *tx) getJSON(key []byte, v any) error {
	item, err := t.use().Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (t *tx) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.set(key, data)
}

func (t *tx) exists(key []byte) (bool, error) {
	_, err := t.use().Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scan calls fn for every key with prefix, in key order.
func (t *tx) scan(prefix []byte, fn func(key, val []byte) error) error {
	it := t.use().NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// deletePrefix deletes every key with prefix.
func (t *tx) deletePrefix(prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false

	var keys [][]byte
	it := t.use().NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := t.del(key); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) GetInfra(_ context.Context, id int64) (*store.Infra, error) {
	var rec infraRecord
	if err := t.getJSON(infraKey(id), &rec); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("infra %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("read infra %d: %w", id, err)
	}
	return toInfra(rec), nil
}

func (t *tx) ListInfras(context.Context) ([]*store.Infra, error) {
	var infras []*store.Infra
	err := t.scan([]byte("infra:"), func(_, val []byte) error {
		var rec infraRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		infras = append(infras, toInfra(rec))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list infras: %w", err)
	}
	return infras, nil
}

func (t *tx) ListObjects(_ context.Context, infraID int64, kind schema.ObjectType) ([]schema.Object, error) {
	var objs []schema.Object
	err := t.scan(objectPrefix(infraID, kind), func(_, val []byte) error {
		obj, err := schema.DecodeObject(kind, val)
		if err != nil {
			return err
		}
		objs = append(objs, obj)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s objects of infra %d: %w", kind, infraID, err)
	}
	return objs, nil
}

func (t *tx) GetObjects(_ context.Context, infraID int64, kind schema.ObjectType, ids []string) ([]schema.Object, error) {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	objs := make([]schema.Object, 0, len(ids))
	for _, id := range ids {
		item, err := t.use().Get(objectKey(infraID, kind, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s:%s: %w", kind, id, err)
		}
		var obj schema.Object
		if err := item.Value(func(val []byte) error {
			obj, err = schema.DecodeObject(kind, val)
			return err
		}); err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func (t *tx) TrackLinks(ctx context.Context, infraID int64, kind schema.ObjectType) ([]store.TrackLink, error) {
	objs, err := t.ListObjects(ctx, infraID, kind)
	if err != nil {
		return nil, err
	}
	return store.LinksFor(objs), nil
}

func (t *tx) ListLayer(_ context.Context, infraID int64, table string) ([]store.LayerRow, error) {
	prefix := layerPrefix(infraID, table)
	var rows []store.LayerRow
	err := t.scan(prefix, func(key, val []byte) error {
		var rec layerRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		rows = append(rows, store.LayerRow{
			ObjID:    string(key[len(prefix):]),
			Geometry: rec.Geometry,
			Data:     rec.Data,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list layer %s of infra %d: %w", table, infraID, err)
	}
	return rows, nil
}

func (t *tx) CreateInfra(_ context.Context, infra *store.Infra) error {
	var last int64
	item, err := t.use().Get([]byte(seqKey))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return fmt.Errorf("read infra sequence: %w", err)
	default:
		if err := item.Value(func(val []byte) error {
			last, err = strconv.ParseInt(string(val), 10, 64)
			return err
		}); err != nil {
			return fmt.Errorf("read infra sequence: %w", err)
		}
	}

	infra.ID = last + 1
	now := time.Now().UTC()
	if infra.Created.IsZero() {
		infra.Created = now
	}
	if infra.Modified.IsZero() {
		infra.Modified = now
	}
	if err := t.set([]byte(seqKey), []byte(strconv.FormatInt(infra.ID, 10))); err != nil {
		return err
	}
	if err := t.setJSON(infraKey(infra.ID), toRecord(infra)); err != nil {
		return err
	}
	t.created = append(t.created, infra.ID)
	return nil
}

func (t *tx) LockInfra(ctx context.Context, id int64) (*store.Infra, error) {
	if !slices.Contains(t.held, id) {
		t.store.infraLock(id).Lock()
		t.held = append(t.held, id)
		// Restart an untouched transaction so its snapshot includes the
		// commit of the previous lock holder.
		if t.fresh {
			t.txn.Discard()
			t.txn = t.store.db.NewTransaction(true)
		}
	}
	return t.GetInfra(ctx, id)
}

func (t *tx) SaveInfra(_ context.Context, infra *store.Infra) error {
	ok, err := t.exists(infraKey(infra.ID))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("infra %d: %w", infra.ID, store.ErrNotFound)
	}
	return t.setJSON(infraKey(infra.ID), toRecord(infra))
}

func (t *tx) DeleteInfra(_ context.Context, id int64) error {
	ok, err := t.exists(infraKey(id))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("infra %d: %w", id, store.ErrNotFound)
	}
	if err := t.deletePrefix([]byte(fmt.Sprintf("obj:%016d:", id))); err != nil {
		return err
	}
	if err := t.deletePrefix([]byte(fmt.Sprintf("layer:%016d:", id))); err != nil {
		return err
	}
	return t.del(infraKey(id))
}

func (t *tx) InsertObjects(_ context.Context, infraID int64, objs []schema.Object) error {
	for _, obj := range objs {
		key := objectKey(infraID, obj.GetType(), obj.GetID())
		ok, err := t.exists(key)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%s: %w", schema.RefOf(obj), store.ErrAlreadyExists)
		}
		if err := t.putObject(key, obj); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) UpdateObject(_ context.Context, infraID int64, obj schema.Object) error {
	key := objectKey(infraID, obj.GetType(), obj.GetID())
	ok, err := t.exists(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", schema.RefOf(obj), store.ErrNotFound)
	}
	return t.putObject(key, obj)
}

func (t *tx) putObject(key []byte, obj schema.Object) error {
	data, err := schema.EncodeObject(obj)
	if err != nil {
		return err
	}
	return t.set(key, data)
}

func (t *tx) DeleteObject(_ context.Context, infraID int64, ref schema.ObjectRef) error {
	key := objectKey(infraID, ref.Type, ref.ID)
	ok, err := t.exists(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", ref, store.ErrNotFound)
	}
	return t.del(key)
}

func (t *tx) InsertLayerRows(_ context.Context, infraID int64, table string, rows []store.LayerRow) error {
	for _, row := range rows {
		rec := layerRecord{Geometry: row.Geometry, Data: row.Data}
		if err := t.setJSON(layerKey(infraID, table, row.ObjID), rec); err != nil {
			return fmt.Errorf("write %s row %s: %w", table, row.ObjID, err)
		}
	}
	return nil
}

func (t *tx) DeleteLayerRows(_ context.Context, infraID int64, table string, ids []string) error {
	for _, id := range ids {
		if err := t.del(layerKey(infraID, table, id)); err != nil {
			return fmt.Errorf("delete %s row %s: %w", table, id, err)
		}
	}
	return nil
}

func (t *tx) ClearLayer(_ context.Context, infraID int64, table string) error {
	return t.deletePrefix(layerPrefix(infraID, table))
}

func toInfra(rec infraRecord) *store.Infra {
	return &store.Infra{
		ID:               rec.ID,
		Name:             rec.Name,
		RailjsonVersion:  rec.RailjsonVersion,
		Owner:            rec.Owner,
		Version:          rec.Version,
		GeneratedVersion: rec.GeneratedVersion,
		Locked:           rec.Locked,
		Created:          rec.Created,
		Modified:         rec.Modified,
	}
}

func toRecord(infra *store.Infra) infraRecord {
	return infraRecord{
		ID:               infra.ID,
		Name:             infra.Name,
		RailjsonVersion:  infra.RailjsonVersion,
		Owner:            infra.Owner,
		Version:          infra.Version,
		GeneratedVersion: infra.GeneratedVersion,
		Locked:           infra.Locked,
		Created:          infra.Created,
		Modified:         infra.Modified,
	}
}
