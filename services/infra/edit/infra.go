// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/railinfra/infracache/services/infra/cache"
	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
)

// Import creates an infra from a railjson document.
//
// Description:
//
//	The document version and its objects are checked before anything is
//	written. All objects are inserted in one transaction. The new infra is stale: its layers are
//	built by the next refresh.
//
// Outputs:
//
//	*store.Infra - The created infra.
//	error - A *schema.VersionConflictError (schema.ErrVersionConflict) when
//	        the document is not at schema.RAILJSONVersion, or
//	        schema.ErrInvalidOperation for null, unnamed or duplicate objects.
func (s *Service) Import(ctx context.Context, name string, doc *schema.RailJSON) (*store.Infra, error) {
	if err := doc.CheckVersion(); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("import %q: %w", name, err)
	}
	objs := doc.Objects()
	infra, err := s.create(ctx, name, 0, false, objs)
	if err != nil {
		return nil, fmt.Errorf("import %q: %w", name, err)
	}
	s.logger.Info("infra imported",
		slog.Int64("infra_id", infra.ID),
		slog.String("name", name),
		slog.Int("objects", len(objs)),
	)
	return infra, nil
}

// Clone copies the objects of an infra into a new one. The copy keeps the
// version and the locked flag of the source and is stale. An empty name
// defaults to the source name with a " (copy)" suffix.
func (s *Service) Clone(ctx context.Context, infraID int64, name string) (*store.Infra, error) {
	src, err := s.store.GetInfra(ctx, infraID)
	if err != nil {
		return nil, fmt.Errorf("clone infra %d: %w", infraID, err)
	}
	objs, err := s.objects(ctx, infraID)
	if err != nil {
		return nil, fmt.Errorf("clone infra %d: %w", infraID, err)
	}
	if name == "" {
		name = src.Name + " (copy)"
	}
	infra, err := s.create(ctx, name, src.Version, src.Locked, objs)
	if err != nil {
		return nil, fmt.Errorf("clone infra %d: %w", infraID, err)
	}
	s.logger.Info("infra cloned",
		slog.Int64("source_id", infraID),
		slog.Int64("infra_id", infra.ID),
		slog.Int("objects", len(objs)),
	)
	return infra, nil
}

// Export returns the objects of an infra as a railjson document.
func (s *Service) Export(ctx context.Context, infraID int64) (*schema.RailJSON, error) {
	if _, err := s.store.GetInfra(ctx, infraID); err != nil {
		return nil, fmt.Errorf("export infra %d: %w", infraID, err)
	}
	objs, err := s.objects(ctx, infraID)
	if err != nil {
		return nil, fmt.Errorf("export infra %d: %w", infraID, err)
	}
	doc := schema.NewRailJSON()
	for _, obj := range objs {
		doc.Add(obj)
	}
	return doc, nil
}

// Delete removes an infra with its objects and layers and drops its
// dependency cache.
func (s *Service) Delete(ctx context.Context, infraID int64) error {
	unlock := s.registry.Lock(infraID)
	defer unlock()

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockInfra(ctx, infraID); err != nil {
			return err
		}
		return tx.DeleteInfra(ctx, infraID)
	})
	if err != nil {
		return fmt.Errorf("delete infra %d: %w", infraID, err)
	}
	s.registry.Invalidate(infraID, cache.ReasonExplicit)
	s.logger.Info("infra deleted", slog.Int64("infra_id", infraID))
	return nil
}

// SetLocked flags an infra read-only, or lifts the flag.
func (s *Service) SetLocked(ctx context.Context, infraID int64, locked bool) error {
	unlock := s.registry.Lock(infraID)
	defer unlock()

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		infra, err := tx.LockInfra(ctx, infraID)
		if err != nil {
			return err
		}
		infra.Locked = locked
		infra.Modified = s.now()
		return tx.SaveInfra(ctx, infra)
	})
	if err != nil {
		return fmt.Errorf("lock infra %d: %w", infraID, err)
	}
	return nil
}

func (s *Service) create(ctx context.Context, name string, version int64, locked bool, objs []schema.Object) (*store.Infra, error) {
	now := s.now()
	infra := &store.Infra{
		Name:            name,
		RailjsonVersion: schema.RAILJSONVersion,
		Owner:           s.owner,
		Version:         version,
		Locked:          locked,
		Created:         now,
		Modified:        now,
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateInfra(ctx, infra); err != nil {
			return err
		}
		return tx.InsertObjects(ctx, infra.ID, objs)
	})
	if err != nil {
		return nil, err
	}
	return infra, nil
}

// objects lists every object of an infra, track sections first.
func (s *Service) objects(ctx context.Context, infraID int64) ([]schema.Object, error) {
	var all []schema.Object
	for _, t := range schema.AllObjectTypes() {
		objs, err := s.store.ListObjects(ctx, infraID, t)
		if err != nil {
			return nil, err
		}
		all = append(all, objs...)
	}
	return all, nil
}
