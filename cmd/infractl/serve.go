// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/railinfra/infracache/pkg/telemetry"
	"github.com/railinfra/infracache/services/infra/refresh"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Refresh stale infrastructures in the background and expose health and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return serve(ctx, a, debug)
			})
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "gin debug mode with request logging")
	return cmd
}

// serve runs until ctx is cancelled.
func serve(ctx context.Context, a *app, debug bool) error {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = "infractl"
	tcfg.TraceExporter = a.cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = a.cfg.Telemetry.MetricExporter
	tcfg.OTLPEndpoint = a.cfg.Telemetry.OTLPEndpoint
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			a.logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	if interval := a.cfg.Refresh.Interval; interval > 0 {
		runner, err := refresh.NewRunner(a.refresh, interval, a.logger)
		if err != nil {
			return err
		}
		runner.Start(ctx)
		defer runner.Stop()
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           newRouter(a, debug),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving", slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(a *app, debug bool) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}
	router.Use(otelgin.Middleware("infractl"))

	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metrics))
	router.GET("/health", a.health)
	return router
}

type healthResponse struct {
	Status string  `json:"status"`
	Infras int     `json:"infras"`
	Stale  []int64 `json:"stale"`
	Cached int     `json:"cached"`
	Error  string  `json:"error,omitempty"`
}

// health reports the store reachability and which infras need a refresh.
func (a *app) health(c *gin.Context) {
	infras, err := a.store.ListInfras(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	resp := healthResponse{
		Status: "ok",
		Infras: len(infras),
		Stale:  []int64{},
		Cached: a.registry.Stats().Entries,
	}
	for _, infra := range infras {
		if infra.IsStale() {
			resp.Stale = append(resp.Stale, infra.ID)
		}
	}
	c.JSON(http.StatusOK, resp)
}
