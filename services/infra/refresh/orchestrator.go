// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package refresh regenerates the layers of stale infrastructures.
//
// An infra is fresh when its generated_version equals its version, stale
// otherwise. Refresh moves a stale infra to fresh by regenerating every
// layer; Clear forces it back to stale.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/railinfra/infracache/services/infra/cache"
	"github.com/railinfra/infracache/services/infra/layers"
	"github.com/railinfra/infracache/services/infra/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithParallelism bounds how many infras RefreshAll works on at once.
// Zero or less means no bound.
func WithParallelism(n int) Option {
	return func(o *Orchestrator) {
		o.parallelism = n
	}
}

// Orchestrator runs refresh and clear cycles.
//
// Thread Safety:
//
//	Safe for concurrent use. Cycles on one infra are serialized by the
//	registry writer lock, which edits hold too.
type Orchestrator struct {
	store       store.Store
	registry    *cache.Registry
	layers      []layers.Layer
	logger      *slog.Logger
	parallelism int
}

// NewOrchestrator creates an orchestrator maintaining ls.
func NewOrchestrator(s store.Store, registry *cache.Registry, ls []layers.Layer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		registry: registry,
		layers:   ls,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Refresh regenerates every layer of a stale infra.
//
// Description:
//
//	A fresh infra is left alone unless force is set. Otherwise every layer
//	is generated in parallel, each in its own store transaction. Only when
//	all of them succeed is generated_version advanced to the version the
//	layers were generated from.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	infraID - The infra to refresh.
//	force - Regenerate even if the infra is fresh.
//
// Outputs:
//
//	bool - True if the layers were regenerated.
//	error - store.ErrNotFound for an unknown infra, a
//	        *DependencyGenerationError when a layer failed.
func (o *Orchestrator) Refresh(ctx context.Context, infraID int64, force bool) (refreshed bool, err error) {
	ctx, span := tracer.Start(ctx, "refresh.Refresh", trace.WithAttributes(
		attribute.Int64("infra.id", infraID),
		attribute.Bool("force", force),
	))
	start := time.Now()
	defer func() {
		result := resultSkipped
		switch {
		case err != nil:
			result = resultFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case refreshed:
			result = resultRefreshed
		}
		recordRefresh(result, time.Since(start))
		span.End()
	}()

	unlock := o.registry.Lock(infraID)
	defer unlock()

	infra, err := o.store.GetInfra(ctx, infraID)
	if err != nil {
		return false, fmt.Errorf("refresh infra %d: %w", infraID, err)
	}
	if !force && !infra.IsStale() {
		o.logger.Debug("infra is fresh, skipping refresh",
			slog.Int64("infra_id", infraID),
			slog.Int64("version", infra.Version),
		)
		return false, nil
	}
	version := infra.Version

	if err := o.generate(ctx, infraID); err != nil {
		o.logger.Error("layer generation failed",
			slog.Int64("infra_id", infraID),
			slog.String("error", err.Error()),
		)
		return false, err
	}

	err = o.store.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockInfra(ctx, infraID)
		if err != nil {
			return err
		}
		// An edit from another process may have landed meanwhile; the
		// layers only match the version they were built from.
		locked.GeneratedVersion = &version
		return tx.SaveInfra(ctx, locked)
	})
	if err != nil {
		return false, fmt.Errorf("refresh infra %d: record generated version: %w", infraID, err)
	}

	o.logger.Info("infra refreshed",
		slog.Int64("infra_id", infraID),
		slog.Int64("version", version),
		slog.Int("layers", len(o.layers)),
		slog.Duration("duration", time.Since(start)),
	)
	return true, nil
}

// generate runs every layer's Generate in its own transaction.
func (o *Orchestrator) generate(ctx context.Context, infraID int64) error {
	var (
		mu     sync.Mutex
		failed []string
		errs   []error
	)

	var g errgroup.Group
	for _, l := range o.layers {
		g.Go(func() error {
			err := o.store.WithTx(ctx, func(tx store.Tx) error {
				return l.Generate(ctx, tx, infraID)
			})
			if err != nil {
				mu.Lock()
				failed = append(failed, l.TableName())
				errs = append(errs, err)
				mu.Unlock()
			}
			return err
		})
	}
	if g.Wait() == nil {
		return nil
	}
	return &DependencyGenerationError{InfraID: infraID, Layers: failed, Err: errors.Join(errs...)}
}

// Clear drops the generated data of an infra.
//
// Description:
//
//	Unsets generated_version and clears every layer in one transaction,
//	then drops the dependency cache so it is rebuilt from the store on
//	next use. Used when the canonical data was replaced in bulk.
func (o *Orchestrator) Clear(ctx context.Context, infraID int64) error {
	ctx, span := tracer.Start(ctx, "refresh.Clear", trace.WithAttributes(attribute.Int64("infra.id", infraID)))
	defer span.End()

	unlock := o.registry.Lock(infraID)
	defer unlock()

	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		infra, err := tx.LockInfra(ctx, infraID)
		if err != nil {
			return err
		}
		infra.GeneratedVersion = nil
		if err := tx.SaveInfra(ctx, infra); err != nil {
			return err
		}
		for _, l := range o.layers {
			if err := l.Clear(ctx, tx, infraID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("clear infra %d: %w", infraID, err)
	}

	o.registry.Invalidate(infraID, cache.ReasonCleared)
	clearTotal.Inc()
	o.logger.Info("infra generated data cleared", slog.Int64("infra_id", infraID))
	return nil
}

// Outcome is the result of refreshing one infra in RefreshAll.
type Outcome struct {
	Refreshed bool
	Err       error
}

// RefreshAll refreshes every infra independently.
//
// Outputs:
//
//	map[int64]Outcome - One entry per infra. A failure of one infra does
//	                    not stop the others.
//	error - Non-nil only if the infras could not be listed.
func (o *Orchestrator) RefreshAll(ctx context.Context, force bool) (map[int64]Outcome, error) {
	infras, err := o.store.ListInfras(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh all: %w", err)
	}

	var (
		mu       sync.Mutex
		outcomes = make(map[int64]Outcome, len(infras))
	)
	var g errgroup.Group
	if o.parallelism > 0 {
		g.SetLimit(o.parallelism)
	}
	for _, infra := range infras {
		g.Go(func() error {
			refreshed, err := o.Refresh(ctx, infra.ID, force)
			mu.Lock()
			outcomes[infra.ID] = Outcome{Refreshed: refreshed, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}
