// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refresh

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("infracache.refresh")

const (
	resultRefreshed = "refreshed"
	resultSkipped   = "skipped"
	resultFailed    = "failed"
)

var (
	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infra_refresh_total",
		Help: "Refresh cycles by result",
	}, []string{"result"})

	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "infra_refresh_duration_seconds",
		Help:    "Duration of refresh cycles that regenerated the layers",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	clearTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infra_clear_total",
		Help: "Generated data clears",
	})
)

func recordRefresh(result string, d time.Duration) {
	refreshTotal.WithLabelValues(result).Inc()
	if result == resultRefreshed {
		refreshDuration.Observe(d.Seconds())
	}
}
