// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package autofix proposes corrective operations for consistency errors.
//
// The engine never applies anything. It returns at most one operation per
// object; the caller feeds them to the edit service like any other batch.
package autofix

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"

	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
)

// Dependencies gives the tracks an object references according to the
// dependency cache. *cache.InfraCache implements it.
type Dependencies interface {
	Dependencies(ref schema.ObjectRef) ([]string, bool)
}

// rule proposes an operation for one error, or reports it does not apply.
type rule func(obj schema.Object, e InfraError) (schema.Operation, bool)

// deleteInvalidSwitch removes a switch whose ports do not match its type.
func deleteInvalidSwitch(obj schema.Object, e InfraError) (schema.Operation, bool) {
	if e.ErrorType != ErrorInvalidSwitchPorts || obj.GetType() != schema.ObjectTypeSwitch {
		return nil, false
	}
	return schema.NewDelete(schema.RefOf(obj)), true
}

// deleteDanglingTrackRef removes an object pointing at a missing track.
func deleteDanglingTrackRef(obj schema.Object, e InfraError) (schema.Operation, bool) {
	if e.ErrorType != ErrorInvalidReference || e.Reference == nil || e.Reference.Type != schema.ObjectTypeTrackSection {
		return nil, false
	}
	return schema.NewDelete(schema.RefOf(obj)), true
}

var rules = []rule{deleteInvalidSwitch, deleteDanglingTrackRef}

// Option configures an Engine.
type Option func(*Engine)

// WithDependencies lets the engine discard errors the dependency cache
// shows to be outdated.
func WithDependencies(deps Dependencies) Option {
	return func(e *Engine) {
		e.deps = deps
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine matches errors against the fix rules.
//
// Thread Safety:
//
//	Safe for concurrent use if its Dependencies are.
type Engine struct {
	deps   Dependencies
	logger *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fix runs an engine without dependency information. See Engine.Fix.
func Fix(obj schema.Object, errs iter.Seq[InfraError]) (map[schema.ObjectRef]schema.Operation, []*UnfixableError) {
	return NewEngine().Fix(obj, errs)
}

// Fix proposes operations for the errors reported about obj.
//
// Description:
//
//	Each error is matched against the rules in order. Errors no rule
//	matches are returned as unfixable and logged at debug level. So are
//	errors about another object, and dangling track references the
//	dependency cache says obj no longer has.
//
// Inputs:
//
//	obj - The current payload of the object the errors are about.
//	errs - The errors, consumed once.
//
// Outputs:
//
//	map[schema.ObjectRef]schema.Operation - At most one operation per
//	    object. Empty, never nil, when nothing can be fixed.
//	[]*UnfixableError - Errors left for manual handling, in input order.
func (e *Engine) Fix(obj schema.Object, errs iter.Seq[InfraError]) (map[schema.ObjectRef]schema.Operation, []*UnfixableError) {
	ref := schema.RefOf(obj)
	fixes := make(map[schema.ObjectRef]schema.Operation)
	var unfixable []*UnfixableError

	reject := func(ie InfraError, reason string) {
		e.logger.Debug("error not fixable",
			slog.String("object", ref.String()),
			slog.String("error_type", string(ie.ErrorType)),
			slog.String("reason", reason),
		)
		unfixable = append(unfixable, &UnfixableError{Err: ie, Reason: reason})
	}

	for ie := range errs {
		if ie.ObjRef != ref {
			reject(ie, fmt.Sprintf("error is about %s", ie.ObjRef))
			continue
		}
		if e.stale(ref, ie) {
			reject(ie, "object no longer references "+ie.Reference.ID)
			continue
		}
		op, ok := e.match(obj, ie)
		if !ok {
			reject(ie, "no rule for "+string(ie.ErrorType))
			continue
		}
		if _, dup := fixes[op.Ref()]; !dup {
			fixes[op.Ref()] = op
		}
	}
	return fixes, unfixable
}

func (e *Engine) match(obj schema.Object, ie InfraError) (schema.Operation, bool) {
	for _, r := range rules {
		if op, ok := r(obj, ie); ok {
			return op, true
		}
	}
	return nil, false
}

// stale reports a dangling track reference the cache no longer records.
func (e *Engine) stale(ref schema.ObjectRef, ie InfraError) bool {
	if e.deps == nil || ie.ErrorType != ErrorInvalidReference || ie.Reference == nil ||
		ie.Reference.Type != schema.ObjectTypeTrackSection {
		return false
	}
	tracks, ok := e.deps.Dependencies(ref)
	if !ok {
		// Kinds without track references have no cache entry to check.
		return ref.Type.HasTrackRefs()
	}
	return !slices.Contains(tracks, ie.Reference.ID)
}

// Proposal is the outcome of a fix pass over an infra.
type Proposal struct {
	// Operations are ordered by object ref.
	Operations []schema.Operation
	Unfixable  []*UnfixableError
}

// FixInfra runs the engine over an error report.
//
// Description:
//
//	Groups the errors by object, loads every object once from r and runs
//	Fix on each. Errors about objects that no longer exist are reported
//	unfixable. Proposals are merged keeping one operation per object.
//
// Outputs:
//
//	*Proposal - The merged proposal.
//	error - Non-nil if the store could not be read.
func (e *Engine) FixInfra(ctx context.Context, r store.Reader, infraID int64, errs []InfraError) (*Proposal, error) {
	byObject := make(map[schema.ObjectRef][]InfraError)
	for _, ie := range errs {
		byObject[ie.ObjRef] = append(byObject[ie.ObjRef], ie)
	}

	idsByType := make(map[schema.ObjectType][]string)
	for ref := range byObject {
		idsByType[ref.Type] = append(idsByType[ref.Type], ref.ID)
	}

	objects := make(map[schema.ObjectRef]schema.Object, len(byObject))
	for _, t := range slices.Sorted(maps.Keys(idsByType)) {
		if !t.Valid() {
			continue
		}
		ids := idsByType[t]
		slices.Sort(ids)
		found, err := r.GetObjects(ctx, infraID, t, ids)
		if err != nil {
			return nil, fmt.Errorf("fix infra %d: load %s: %w", infraID, t, err)
		}
		for _, obj := range found {
			objects[schema.RefOf(obj)] = obj
		}
	}

	fixes := make(map[schema.ObjectRef]schema.Operation)
	proposal := &Proposal{}
	refs := slices.SortedFunc(maps.Keys(byObject), schema.CompareRefs)
	for _, ref := range refs {
		obj, ok := objects[ref]
		if !ok {
			for _, ie := range byObject[ref] {
				proposal.Unfixable = append(proposal.Unfixable, &UnfixableError{Err: ie, Reason: "object does not exist"})
			}
			continue
		}
		found, unfixable := e.Fix(obj, slices.Values(byObject[ref]))
		for k, op := range found {
			if _, dup := fixes[k]; !dup {
				fixes[k] = op
			}
		}
		proposal.Unfixable = append(proposal.Unfixable, unfixable...)
	}

	for _, k := range slices.SortedFunc(maps.Keys(fixes), schema.CompareRefs) {
		proposal.Operations = append(proposal.Operations, fixes[k])
	}

	e.logger.Info("fix pass completed",
		slog.Int64("infra_id", infraID),
		slog.Int("errors", len(errs)),
		slog.Int("operations", len(proposal.Operations)),
		slog.Int("unfixable", len(proposal.Unfixable)),
	)
	return proposal, nil
}
