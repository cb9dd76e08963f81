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
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/railinfra/infracache/services/infra/cache"
	"github.com/railinfra/infracache/services/infra/refresh"
	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infra_edit_batches_total",
		Help: "Edit batches by result",
	}, []string{"result"})

	batchOperations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "infra_edit_batch_operations",
		Help:    "Operations per applied edit batch",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "infra_edit_batch_duration_seconds",
		Help:    "Duration of applied edit batches",
		Buckets: prometheus.DefBuckets,
	})
)

// batchResult classifies the outcome of a batch for the result label.
func batchResult(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, cache.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, refresh.ErrDependencyGeneration):
		return "layer_failure"
	case errors.Is(err, schema.ErrInvalidOperation), errors.Is(err, ErrEmptyBatch),
		errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrAlreadyExists):
		return "rejected"
	case errors.Is(err, ErrInfraLocked):
		return "locked"
	default:
		return "error"
	}
}

func recordBatch(ops int, d time.Duration, err error) {
	batchesTotal.WithLabelValues(batchResult(err)).Inc()
	if err == nil {
		batchOperations.Observe(float64(ops))
		batchDuration.Observe(d.Seconds())
	}
}
