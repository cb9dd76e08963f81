// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"container/list"
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Invalidation reasons, used as metric labels.
const (
	ReasonExplicit           = "explicit"
	ReasonCleared            = "cleared"
	ReasonInvariantViolation = "invariant_violation"
	ReasonImported           = "imported"
)

// Loader builds the cache of one infrastructure.
type Loader func(ctx context.Context, infraID int64) (*InfraCache, error)

// StoreLoader returns a Loader reading the bulk projection from r.
func StoreLoader(r LinkReader) Loader {
	return func(ctx context.Context, infraID int64) (*InfraCache, error) {
		return Load(ctx, r, infraID)
	}
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	maxEntries int
	logger     *slog.Logger
}

// WithMaxEntries bounds the number of loaded caches. The least recently used
// cache whose writer lock is free is evicted first. Zero means unbounded.
func WithMaxEntries(n int) RegistryOption {
	return func(o *registryOptions) {
		o.maxEntries = n
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// RegistryStats is a snapshot of the registry counters.
type RegistryStats struct {
	Entries       int
	Hits          int64
	Misses        int64
	Loads         int64
	LoadErrors    int64
	Invalidations int64
	Evictions     int64
}

type registryEntry struct {
	cache    *InfraCache
	elem     *list.Element
	loadedAt time.Time
}

// Registry holds the dependency caches of the loaded infrastructures.
//
// Description:
//
//	Get loads a cache lazily on first use. Concurrent Gets for the same
//	infra share one load. Invalidate drops a cache so the next Get rebuilds
//	it from the canonical store; a load that was running when Invalidate
//	was called is returned to its callers but not kept.
//
//	Lock returns the single-writer lock of an infra. Edits and refresh
//	cycles hold it while they mutate the cache or the generated data.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Registry struct {
	mu          sync.Mutex
	loader      Loader
	entries     map[int64]*registryEntry
	lru         *list.List
	generations map[int64]uint64
	locks       map[int64]*sync.Mutex
	flight      singleflight.Group
	options     registryOptions

	hits          int64
	misses        int64
	loads         int64
	loadErrors    int64
	invalidations int64
	evictions     int64
}

// NewRegistry creates a registry loading caches with loader.
func NewRegistry(loader Loader, opts ...RegistryOption) *Registry {
	options := registryOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	return &Registry{
		loader:      loader,
		entries:     make(map[int64]*registryEntry),
		lru:         list.New(),
		generations: make(map[int64]uint64),
		locks:       make(map[int64]*sync.Mutex),
		options:     options,
	}
}

// Get returns the cache of infraID, loading it if needed.
//
// Outputs:
//
//	*InfraCache - The loaded cache. Callers mutating it must hold Lock.
//	error - *LoadError when the loader fails.
func (r *Registry) Get(ctx context.Context, infraID int64) (*InfraCache, error) {
	r.mu.Lock()
	if e, ok := r.entries[infraID]; ok {
		r.lru.MoveToFront(e.elem)
		r.mu.Unlock()
		atomic.AddInt64(&r.hits, 1)
		recordHit(ctx, infraID)
		return e.cache, nil
	}
	r.mu.Unlock()

	atomic.AddInt64(&r.misses, 1)
	recordMiss(ctx, infraID)

	result, err, _ := r.flight.Do(strconv.FormatInt(infraID, 10), func() (interface{}, error) {
		return r.load(ctx, infraID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*InfraCache), nil
}

func (r *Registry) load(ctx context.Context, infraID int64) (*InfraCache, error) {
	r.mu.Lock()
	if e, ok := r.entries[infraID]; ok {
		r.mu.Unlock()
		return e.cache, nil
	}
	gen := r.generations[infraID]
	r.mu.Unlock()

	ctx, span := startLoadSpan(ctx, infraID)
	defer span.End()

	start := time.Now()
	c, err := r.loader(ctx, infraID)
	recordLoad(ctx, time.Since(start), err)
	if err != nil {
		atomic.AddInt64(&r.loadErrors, 1)
		span.RecordError(err)
		r.options.logger.Error("dependency cache load failed",
			slog.Int64("infra_id", infraID),
			slog.String("error", err.Error()),
		)
		return nil, &LoadError{InfraID: infraID, FailedAt: time.Now(), Err: err}
	}
	atomic.AddInt64(&r.loads, 1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generations[infraID] != gen {
		r.options.logger.Debug("discarding dependency cache loaded before invalidation",
			slog.Int64("infra_id", infraID),
		)
		return c, nil
	}
	r.storeLocked(infraID, c)
	r.options.logger.Debug("dependency cache loaded",
		slog.Int64("infra_id", infraID),
		slog.Int("objects", c.Len()),
		slog.Duration("duration", time.Since(start)),
	)
	return c, nil
}

// Put installs c as the cache of its infra, replacing any loaded one.
func (r *Registry) Put(c *InfraCache) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[c.InfraID()]; ok {
		r.lru.Remove(e.elem)
		delete(r.entries, c.InfraID())
	}
	r.generations[c.InfraID()]++
	r.storeLocked(c.InfraID(), c)
}

// storeLocked adds an entry and enforces the entry limit. Caller holds mu.
func (r *Registry) storeLocked(infraID int64, c *InfraCache) {
	elem := r.lru.PushFront(infraID)
	r.entries[infraID] = &registryEntry{cache: c, elem: elem, loadedAt: time.Now()}

	if r.options.maxEntries <= 0 {
		return
	}
	for e := r.lru.Back(); e != nil && len(r.entries) > r.options.maxEntries; {
		prev := e.Prev()
		id := e.Value.(int64)
		if id != infraID && r.tryEvictLocked(id) {
			atomic.AddInt64(&r.evictions, 1)
			recordEviction()
		}
		e = prev
	}
}

// tryEvictLocked drops the entry of id unless a writer holds its lock.
func (r *Registry) tryEvictLocked(id int64) bool {
	if lock, ok := r.locks[id]; ok {
		if !lock.TryLock() {
			return false
		}
		defer lock.Unlock()
	}
	e := r.entries[id]
	r.lru.Remove(e.elem)
	delete(r.entries, id)
	r.generations[id]++
	return true
}

// Invalidate drops the cache of infraID. The next Get reloads it.
// Returns false when no cache was loaded.
func (r *Registry) Invalidate(infraID int64, reason string) bool {
	r.mu.Lock()
	r.generations[infraID]++
	e, ok := r.entries[infraID]
	if ok {
		r.lru.Remove(e.elem)
		delete(r.entries, infraID)
	}
	r.mu.Unlock()

	r.flight.Forget(strconv.FormatInt(infraID, 10))
	atomic.AddInt64(&r.invalidations, 1)
	recordInvalidation(reason)
	r.options.logger.Info("dependency cache invalidated",
		slog.Int64("infra_id", infraID),
		slog.String("reason", reason),
		slog.Bool("was_loaded", ok),
	)
	return ok
}

// InvalidateAll drops every loaded cache.
func (r *Registry) InvalidateAll(reason string) int {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Invalidate(id, reason)
	}
	return len(ids)
}

// Loaded reports whether a cache of infraID is in memory.
func (r *Registry) Loaded(infraID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[infraID]
	return ok
}

// Lock acquires the writer lock of infraID and returns its release func.
func (r *Registry) Lock(infraID int64) func() {
	r.mu.Lock()
	lock, ok := r.locks[infraID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[infraID] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	entries := len(r.entries)
	r.mu.Unlock()

	return RegistryStats{
		Entries:       entries,
		Hits:          atomic.LoadInt64(&r.hits),
		Misses:        atomic.LoadInt64(&r.misses),
		Loads:         atomic.LoadInt64(&r.loads),
		LoadErrors:    atomic.LoadInt64(&r.loadErrors),
		Invalidations: atomic.LoadInt64(&r.invalidations),
		Evictions:     atomic.LoadInt64(&r.evictions),
	}
}
