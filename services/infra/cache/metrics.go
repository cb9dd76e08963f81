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
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for registry operations.
var (
	tracer = otel.Tracer("infracache.cache")
	meter  = otel.Meter("infracache.cache")
)

// OpenTelemetry instruments.
var (
	registryHits         metric.Int64Counter
	registryMisses       metric.Int64Counter
	registryLoadDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// Prometheus series scraped by infractl serve.
var (
	registryLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infra_cache_loads_total",
		Help: "Dependency cache loads by result",
	}, []string{"result"})

	registryInvalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infra_cache_invalidations_total",
		Help: "Dependency cache invalidations by reason",
	}, []string{"reason"})

	registryEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infra_cache_evictions_total",
		Help: "Dependency caches evicted to respect the entry limit",
	})
)

// initMetrics initializes the otel instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		registryHits, err = meter.Int64Counter(
			"infra_cache_hits_total",
			metric.WithDescription("Registry lookups served from a loaded cache"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		registryMisses, err = meter.Int64Counter(
			"infra_cache_misses_total",
			metric.WithDescription("Registry lookups that required a load"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		registryLoadDuration, err = meter.Float64Histogram(
			"infra_cache_load_duration_seconds",
			metric.WithDescription("Duration of dependency cache loads"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context, infraID int64) {
	if err := initMetrics(); err != nil {
		return
	}
	registryHits.Add(ctx, 1, metric.WithAttributes(attribute.Int64("infra.id", infraID)))
}

func recordMiss(ctx context.Context, infraID int64) {
	if err := initMetrics(); err != nil {
		return
	}
	registryMisses.Add(ctx, 1, metric.WithAttributes(attribute.Int64("infra.id", infraID)))
}

func recordLoad(ctx context.Context, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	registryLoadsTotal.WithLabelValues(result).Inc()

	if initMetrics() != nil {
		return
	}
	registryLoadDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("success", err == nil)),
	)
}

func recordInvalidation(reason string) {
	registryInvalidationsTotal.WithLabelValues(reason).Inc()
}

func recordEviction() {
	registryEvictionsTotal.Inc()
}

// startLoadSpan creates a span for a cache load.
func startLoadSpan(ctx context.Context, infraID int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Registry.load",
		trace.WithAttributes(attribute.Int64("infra.id", infraID)),
	)
}
