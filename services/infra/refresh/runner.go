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
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Runner refreshes stale infras periodically.
//
// Thread Safety:
//
//	Start and Stop may be called from any goroutine. Stop waits for the
//	cycle in progress to finish.
type Runner struct {
	orchestrator *Orchestrator
	interval     time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewRunner creates a runner with the given interval.
func NewRunner(o *Orchestrator, interval time.Duration, logger *slog.Logger) (*Runner, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{orchestrator: o, interval: interval, logger: logger}, nil
}

// Start launches the background loop. Calling Start on a running runner
// does nothing.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.doneCh = make(chan struct{})
	go r.run(ctx, r.doneCh)
}

// Stop ends the loop and waits for it to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.doneCh
	r.cancel, r.doneCh = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

// cycle refreshes the stale infras once.
func (r *Runner) cycle(ctx context.Context) {
	outcomes, err := r.orchestrator.RefreshAll(ctx, false)
	if err != nil {
		r.logger.Warn("background refresh could not list infras", slog.String("error", err.Error()))
		return
	}
	refreshed := 0
	for id, out := range outcomes {
		if out.Err != nil {
			r.logger.Warn("background refresh failed",
				slog.Int64("infra_id", id),
				slog.String("error", out.Err.Error()),
			)
			continue
		}
		if out.Refreshed {
			refreshed++
		}
	}
	if refreshed > 0 {
		r.logger.Info("background refresh completed", slog.Int("refreshed", refreshed))
	}
}
