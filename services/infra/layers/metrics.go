// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("infracache.layers")

const (
	modeGenerate = "generate"
	modeUpdate   = "update"
)

var layerRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "infra_layer_rows_written_total",
	Help: "Layer rows written by table and mode (generate or update)",
}, []string{"table", "mode"})

func recordRows(table, mode string, n int) {
	layerRowsWritten.WithLabelValues(table, mode).Add(float64(n))
}
