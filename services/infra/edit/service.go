// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package edit applies edit batches to an infrastructure.
//
// An edit batch is one logical transaction: the canonical store, the
// dependency cache and the generated layers change together or not at all.
//
// # Ordering
//
// Apply takes the registry writer lock of the infra, then obtains its
// dependency cache, then opens the store transaction. The cache must be
// loaded before the transaction starts: a backend with a single connection
// (sqlite) cannot serve the load while the transaction holds it.
package edit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/railinfra/infracache/services/infra/autofix"
	"github.com/railinfra/infracache/services/infra/cache"
	"github.com/railinfra/infracache/services/infra/layers"
	"github.com/railinfra/infracache/services/infra/refresh"
	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("infracache.edit")

// Sentinel errors for edits.
var (
	// ErrInfraLocked is returned when editing an infra flagged read-only.
	ErrInfraLocked = errors.New("infra is locked")

	// ErrEmptyBatch is returned by Apply for a batch without operations.
	ErrEmptyBatch = errors.New("empty edit batch")
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithOwner sets the owner recorded on imported and cloned infras.
func WithOwner(owner uuid.UUID) Option {
	return func(s *Service) {
		s.owner = owner
	}
}

// WithClock overrides time.Now for the created/modified timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service is the operation applier.
//
// Thread Safety:
//
//	Safe for concurrent use. Batches on one infra are serialized by the
//	registry writer lock; batches on different infras run in parallel.
type Service struct {
	store    store.Store
	registry *cache.Registry
	layers   []layers.Layer
	logger   *slog.Logger
	owner    uuid.UUID
	now      func() time.Time
}

// NewService creates an edit service maintaining ls.
func NewService(s store.Store, registry *cache.Registry, ls []layers.Layer, opts ...Option) *Service {
	svc := &Service{
		store:    s,
		registry: registry,
		layers:   ls,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Result describes an applied batch.
type Result struct {
	BatchID    uuid.UUID
	InfraID    int64
	Version    int64
	Operations int
	// Fresh is true when the layers were kept up to date by the batch.
	Fresh bool
}

// Apply applies a batch to an infra.
//
// Description:
//
//	Validates every operation, then in one store transaction: locks the
//	infra row, applies the batch to the dependency cache through a cache
//	transaction, writes it to the store, updates every layer
//	incrementally and bumps the version. generated_version follows the new
//	version only if the infra was fresh before the batch.
//
//	Any failure rolls back the store transaction and the cache journal. A
//	dependency cache invariant violation also drops the cache so that it is
//	rebuilt from the store on next use.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	infraID - The infra to edit.
//	ops - The batch, applied in order.
//
// Outputs:
//
//	*Result - The new version on success.
//	error - schema.ErrInvalidOperation, store.ErrNotFound,
//	        store.ErrAlreadyExists, cache.ErrInvariantViolation,
//	        refresh.ErrDependencyGeneration, ErrInfraLocked or a store error.
func (s *Service) Apply(ctx context.Context, infraID int64, ops []schema.Operation) (result *Result, err error) {
	batchID := uuid.New()
	ctx, span := tracer.Start(ctx, "edit.Apply", trace.WithAttributes(
		attribute.Int64("infra.id", infraID),
		attribute.String("batch.id", batchID.String()),
		attribute.Int("batch.operations", len(ops)),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		recordBatch(len(ops), time.Since(start), err)
		span.End()
	}()

	if len(ops) == 0 {
		return nil, ErrEmptyBatch
	}
	if err := schema.ValidateOperations(ops); err != nil {
		return nil, err
	}

	unlock := s.registry.Lock(infraID)
	defer unlock()

	c, err := s.registry.Get(ctx, infraID)
	if err != nil {
		return nil, fmt.Errorf("edit infra %d: %w", infraID, err)
	}

	ctxn := c.Begin()
	committed := false
	defer func() {
		if !committed {
			_ = ctxn.Rollback()
		}
	}()

	result = &Result{BatchID: batchID, InfraID: infraID, Operations: len(ops)}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		infra, err := tx.LockInfra(ctx, infraID)
		if err != nil {
			return err
		}
		if infra.Locked {
			return fmt.Errorf("%w: %d", ErrInfraLocked, infraID)
		}
		wasFresh := !infra.IsStale()

		if err := ctxn.ApplyAll(ops); err != nil {
			return err
		}
		if err := applyToStore(ctx, tx, infraID, ops); err != nil {
			return err
		}
		for _, l := range s.layers {
			if err := l.Update(ctx, tx, infraID, ops, c); err != nil {
				return &refresh.DependencyGenerationError{InfraID: infraID, Layers: []string{l.TableName()}, Err: err}
			}
		}

		infra.Version++
		infra.Modified = s.now()
		if wasFresh {
			infra.MarkGenerated()
		}
		if err := tx.SaveInfra(ctx, infra); err != nil {
			return err
		}
		result.Version = infra.Version
		result.Fresh = wasFresh
		return nil
	})
	if err != nil {
		if errors.Is(err, cache.ErrInvariantViolation) {
			s.registry.Invalidate(infraID, cache.ReasonInvariantViolation)
		}
		s.logger.Warn("edit batch rejected",
			slog.Int64("infra_id", infraID),
			slog.String("batch_id", batchID.String()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("edit infra %d: %w", infraID, err)
	}

	if err := ctxn.Commit(); err != nil {
		return nil, err
	}
	committed = true

	s.logger.Info("edit batch applied",
		slog.Int64("infra_id", infraID),
		slog.String("batch_id", batchID.String()),
		slog.Int("operations", len(ops)),
		slog.Int64("version", result.Version),
		slog.Bool("fresh", result.Fresh),
	)
	return result, nil
}

// applyToStore writes a batch to the canonical store in order.
func applyToStore(ctx context.Context, tx store.Tx, infraID int64, ops []schema.Operation) error {
	for i, op := range ops {
		var err error
		switch op := op.(type) {
		case *schema.CreateOperation:
			err = tx.InsertObjects(ctx, infraID, []schema.Object{op.Object})
		case *schema.UpdateOperation:
			err = tx.UpdateObject(ctx, infraID, op.Object)
		case *schema.DeleteOperation:
			err = tx.DeleteObject(ctx, infraID, op.ObjectRef)
		}
		if err != nil {
			return fmt.Errorf("operation %d (%s %s): %w", i, op.OperationType(), op.Ref(), err)
		}
	}
	return nil
}

// ApplyFixes runs the auto-fix engine on an error report and applies the
// proposed operations as one batch.
//
// Outputs:
//
//	*Result - nil when nothing could be fixed.
//	*autofix.Proposal - What the engine proposed, including unfixable errors.
//	error - Non-nil if the report could not be processed or the batch failed.
func (s *Service) ApplyFixes(ctx context.Context, infraID int64, errs []autofix.InfraError) (*Result, *autofix.Proposal, error) {
	c, err := s.registry.Get(ctx, infraID)
	if err != nil {
		return nil, nil, fmt.Errorf("fix infra %d: %w", infraID, err)
	}
	engine := autofix.NewEngine(autofix.WithDependencies(c), autofix.WithLogger(s.logger))
	proposal, err := engine.FixInfra(ctx, s.store, infraID, errs)
	if err != nil {
		return nil, nil, err
	}
	if len(proposal.Operations) == 0 {
		return nil, proposal, nil
	}
	result, err := s.Apply(ctx, infraID, proposal.Operations)
	if err != nil {
		return nil, proposal, err
	}
	return result, proposal, nil
}
