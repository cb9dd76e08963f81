// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the per-infrastructure dependency cache.
//
// An InfraCache indexes which track sections each object references
// (forward map) and which objects reference each track section (reverse
// map). Both maps are mutated together by Apply; neither is derived from the
// other. The cache is rebuilt from the canonical store on load and never
// persisted.
//
// Registry holds one InfraCache per loaded infrastructure and controls its
// lifecycle: lazy load, invalidation and the per-infra writer lock.
package cache

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
)

// LinkReader is the bulk projection the cache is loaded from.
// store.Reader implements it.
type LinkReader interface {
	TrackLinks(ctx context.Context, infraID int64, t schema.ObjectType) ([]store.TrackLink, error)
}

// InfraCache is the dependency cache of one infrastructure.
//
// Thread Safety:
//
//	Safe for concurrent use. Readers may run alongside each other; Apply is
//	serialized internally. Batch atomicity across several Apply calls is the
//	caller's job: hold the Registry writer lock and use a Txn.
type InfraCache struct {
	mu      sync.RWMutex
	infraID int64

	// forward: kind -> object id -> referenced track ids, in payload order.
	forward map[schema.ObjectType]map[string][]string

	// reverse: track id -> refs of the objects referencing it.
	reverse map[string]map[schema.ObjectRef]struct{}
}

// New returns an empty cache for infraID.
func New(infraID int64) *InfraCache {
	return &InfraCache{
		infraID: infraID,
		forward: make(map[schema.ObjectType]map[string][]string),
		reverse: make(map[string]map[schema.ObjectRef]struct{}),
	}
}

// Load builds the cache of infraID from the bulk projection of every kind
// that references track sections.
//
// Description:
//
//	For each kind of schema.TrackReferencingTypes, reads the (object id,
//	track id) pairs and indexes them. Links of one object must be
//	contiguous and in payload order. A link with an empty TrackID registers
//	an object that references no track.
//
// Outputs:
//
//	*InfraCache - The loaded cache.
//	error - Non-nil if a projection query fails or is inconsistent.
func Load(ctx context.Context, r LinkReader, infraID int64) (*InfraCache, error) {
	c := New(infraID)
	for _, kind := range schema.TrackReferencingTypes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		links, err := r.TrackLinks(ctx, infraID, kind)
		if err != nil {
			return nil, fmt.Errorf("loading %s track links: %w", kind, err)
		}
		if err := c.loadLinks(kind, links); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *InfraCache) loadLinks(kind schema.ObjectType, links []store.TrackLink) error {
	var (
		current string
		tracks  []string
		open    bool
	)
	flush := func() error {
		if !open {
			return nil
		}
		ref := schema.NewObjectRef(kind, current)
		if _, ok := c.lookup(ref); ok {
			return &InvariantViolationError{Op: schema.OperationCreate, Ref: ref, Reason: "track links of the object are not contiguous"}
		}
		c.insert(ref, tracks)
		return nil
	}

	for _, link := range links {
		if !open || link.ObjID != current {
			if err := flush(); err != nil {
				return err
			}
			current, tracks, open = link.ObjID, nil, true
		}
		if link.TrackID != "" {
			tracks = append(tracks, link.TrackID)
		}
	}
	return flush()
}

// InfraID returns the infrastructure the cache belongs to.
func (c *InfraCache) InfraID() int64 {
	return c.infraID
}

// TrackRefs returns the refs of kind that reference trackID, sorted by id.
// An unknown track yields an empty, non-nil slice.
func (c *InfraCache) TrackRefs(trackID string, kind schema.ObjectType) []schema.ObjectRef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	refs := make([]schema.ObjectRef, 0)
	for ref := range c.reverse[trackID] {
		if ref.Type == kind {
			refs = append(refs, ref)
		}
	}
	schema.SortRefs(refs)
	return refs
}

// TrackDependents returns every ref referencing trackID, sorted.
func (c *InfraCache) TrackDependents(trackID string) []schema.ObjectRef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	refs := slices.Collect(maps.Keys(c.reverse[trackID]))
	if refs == nil {
		refs = make([]schema.ObjectRef, 0)
	}
	schema.SortRefs(refs)
	return refs
}

// Dependencies returns the track ids ref references, in payload order.
func (c *InfraCache) Dependencies(ref schema.ObjectRef) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tracks, ok := c.lookup(ref)
	return slices.Clone(tracks), ok
}

// Contains reports whether ref has a forward entry.
func (c *InfraCache) Contains(ref schema.ObjectRef) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.lookup(ref)
	return ok
}

// Len returns the number of indexed objects.
func (c *InfraCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, ids := range c.forward {
		n += len(ids)
	}
	return n
}

// Apply applies one operation.
//
// Description:
//
//	Create inserts the forward entry and the reverse memberships. Delete
//	removes them. Update removes the entry found in the cache, then inserts
//	the references of the new payload. Operations on kinds that reference
//	no track are accepted and ignored.
//
// Outputs:
//
//	error - *InvariantViolationError when creating an indexed object, or
//	updating/deleting one that is not indexed. The cache is unchanged.
func (c *InfraCache) Apply(op schema.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.apply(op)
	return err
}

// undoRecord restores the entry of ref as it was before one operation.
type undoRecord struct {
	ref     schema.ObjectRef
	tracks  []string
	existed bool
}

func (c *InfraCache) apply(op schema.Operation) (*undoRecord, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: nil operation", schema.ErrInvalidOperation)
	}
	ref := op.Ref()
	if !ref.Type.HasTrackRefs() {
		return nil, nil
	}

	prev, existed := c.lookup(ref)
	undo := &undoRecord{ref: ref, tracks: prev, existed: existed}

	switch o := op.(type) {
	case *schema.CreateOperation:
		if existed {
			return nil, &InvariantViolationError{Op: schema.OperationCreate, Ref: ref, Reason: "object already indexed"}
		}
		c.insert(ref, o.Object.TrackRefs())
	case *schema.UpdateOperation:
		if !existed {
			return nil, &InvariantViolationError{Op: schema.OperationUpdate, Ref: ref, Reason: "object not indexed"}
		}
		if o.Object == nil {
			return nil, fmt.Errorf("%w: update %s without payload", schema.ErrInvalidOperation, ref)
		}
		c.remove(ref)
		c.insert(ref, o.Object.TrackRefs())
	case *schema.DeleteOperation:
		if !existed {
			return nil, &InvariantViolationError{Op: schema.OperationDelete, Ref: ref, Reason: "object not indexed"}
		}
		c.remove(ref)
	default:
		return nil, fmt.Errorf("%w: %T", schema.ErrUnknownOperationType, op)
	}
	return undo, nil
}

// restore puts back the entry recorded by undo. Caller holds mu.
func (c *InfraCache) restore(undo *undoRecord) {
	if _, ok := c.lookup(undo.ref); ok {
		c.remove(undo.ref)
	}
	if undo.existed {
		c.insert(undo.ref, undo.tracks)
	}
}

func (c *InfraCache) lookup(ref schema.ObjectRef) ([]string, bool) {
	tracks, ok := c.forward[ref.Type][ref.ID]
	return tracks, ok
}

// insert adds the forward entry and reverse memberships. Caller holds mu.
func (c *InfraCache) insert(ref schema.ObjectRef, tracks []string) {
	ids, ok := c.forward[ref.Type]
	if !ok {
		ids = make(map[string][]string)
		c.forward[ref.Type] = ids
	}
	if len(tracks) == 0 {
		tracks = nil
	}
	ids[ref.ID] = slices.Clone(tracks)

	for _, track := range tracks {
		set, ok := c.reverse[track]
		if !ok {
			set = make(map[schema.ObjectRef]struct{})
			c.reverse[track] = set
		}
		set[ref] = struct{}{}
	}
}

// remove drops the forward entry and reverse memberships. Empty sets and
// kind maps are deleted so that the previous state is restored exactly.
func (c *InfraCache) remove(ref schema.ObjectRef) {
	ids := c.forward[ref.Type]
	tracks := ids[ref.ID]
	delete(ids, ref.ID)
	if len(ids) == 0 {
		delete(c.forward, ref.Type)
	}

	for _, track := range tracks {
		set := c.reverse[track]
		delete(set, ref)
		if len(set) == 0 {
			delete(c.reverse, track)
		}
	}
}

// Clone returns a deep copy.
func (c *InfraCache) Clone() *InfraCache {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := New(c.infraID)
	for kind, ids := range c.forward {
		m := make(map[string][]string, len(ids))
		for id, tracks := range ids {
			m[id] = slices.Clone(tracks)
		}
		out.forward[kind] = m
	}
	for track, set := range c.reverse {
		out.reverse[track] = maps.Clone(set)
	}
	return out
}

// Equal reports whether both caches hold the same forward and reverse maps.
func (c *InfraCache) Equal(other *InfraCache) bool {
	if c == other {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	sameForward := maps.EqualFunc(c.forward, other.forward, func(a, b map[string][]string) bool {
		return maps.EqualFunc(a, b, func(x, y []string) bool { return slices.Equal(x, y) })
	})
	if !sameForward {
		return false
	}
	return maps.EqualFunc(c.reverse, other.reverse, func(a, b map[schema.ObjectRef]struct{}) bool {
		return maps.Equal(a, b)
	})
}

// CheckConsistency verifies that every forward entry is mirrored in the
// reverse map and that the reverse map holds nothing else.
func (c *InfraCache) CheckConsistency() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	expected := make(map[string]map[schema.ObjectRef]struct{})
	for kind, ids := range c.forward {
		if !kind.HasTrackRefs() {
			return fmt.Errorf("forward map holds kind %s without track references", kind)
		}
		for id, tracks := range ids {
			ref := schema.NewObjectRef(kind, id)
			for _, track := range tracks {
				if _, ok := c.reverse[track][ref]; !ok {
					return fmt.Errorf("%s references %s but is missing from its reverse set", ref, track)
				}
				set, ok := expected[track]
				if !ok {
					set = make(map[schema.ObjectRef]struct{})
					expected[track] = set
				}
				set[ref] = struct{}{}
			}
		}
	}
	for track, set := range c.reverse {
		if len(set) == 0 {
			return fmt.Errorf("empty reverse set for track %s", track)
		}
		for ref := range set {
			if _, ok := expected[track][ref]; !ok {
				return fmt.Errorf("reverse set of %s holds %s which does not reference it", track, ref)
			}
		}
	}
	return nil
}
