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
	"fmt"
	"log/slog"

	"github.com/railinfra/infracache/services/infra/cache"
	"github.com/railinfra/infracache/services/infra/config"
	"github.com/railinfra/infracache/services/infra/edit"
	"github.com/railinfra/infracache/services/infra/layers"
	"github.com/railinfra/infracache/services/infra/refresh"
	"github.com/railinfra/infracache/services/infra/store"
	badgerstore "github.com/railinfra/infracache/services/infra/store/badger"
	"github.com/railinfra/infracache/services/infra/store/sqlstore"
)

// app holds the services sharing one store and one cache registry.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    store.Store
	registry *cache.Registry
	edits    *edit.Service
	refresh  *refresh.Orchestrator
}

func openApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	s, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	registry := cache.NewRegistry(cache.StoreLoader(s),
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithLogger(logger),
	)
	ls := layers.All()

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		registry: registry,
		edits:    edit.NewService(s, registry, ls, edit.WithLogger(logger)),
		refresh: refresh.NewOrchestrator(s, registry, ls,
			refresh.WithLogger(logger),
			refresh.WithParallelism(cfg.Refresh.Parallelism),
		),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		bc := badgerstore.DefaultConfig()
		bc.Path = cfg.Path
		bc.InMemory = cfg.InMemory
		bc.GCInterval = cfg.GCInterval
		bc.Logger = logger.With(slog.String("component", "badger"))
		s, err := badgerstore.Open(bc)
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.BackendPostgres, config.BackendSQLite:
		s, err := sqlstore.Open(sqlstore.Config{
			Driver:       cfg.Backend,
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
			LogLevel:     cfg.SQLLogLevel,
			LayerTables:  layers.Tables(),
		})
		if err != nil {
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
