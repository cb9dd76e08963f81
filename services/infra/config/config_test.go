// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "infracache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func fieldErrors(t *testing.T, err error) []string {
	t.Helper()
	var verrs validator.ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected validation errors, got %v", err)
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return fields
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, BackendBadger, cfg.Store.Backend)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeFile(t, `
store:
  backend: sqlite
  dsn: "file:infra.db"
refresh:
  interval: 30s
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "file:infra.db", cfg.Store.DSN)
	assert.Equal(t, 30*time.Second, cfg.Refresh.Interval)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched keys keep their defaults.
	def := DefaultConfig()
	assert.Equal(t, def.Refresh.Parallelism, cfg.Refresh.Parallelism)
	assert.Equal(t, def.Server.Addr, cfg.Server.Addr)
	assert.Equal(t, def.Cache.MaxEntries, cfg.Cache.MaxEntries)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		fields []string
	}{
		{"unknown backend", "store: {backend: mongo}", []string{"Backend"}},
		{"postgres without dsn", "store: {backend: postgres}", []string{"DSN"}},
		{"badger without path", "store: {backend: badger, path: ''}", []string{"Path"}},
		{"negative parallelism", "refresh: {parallelism: -1}", []string{"Parallelism"}},
		{"bad log level", "logging: {level: loud}", []string{"Level"}},
		{"bad address", "server: {addr: nowhere}", []string{"Addr"}},
		{"bad exporter", "telemetry: {trace_exporter: zipkin}", []string{"TraceExporter"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.yaml))
			require.Error(t, err)
			assert.Equal(t, tt.fields, fieldErrors(t, err))
		})
	}
}

func TestLoad_BadgerInMemoryNeedsNoPath(t *testing.T) {
	cfg, err := Load(writeFile(t, "store: {backend: badger, path: '', in_memory: true}"))
	require.NoError(t, err)
	assert.True(t, cfg.Store.InMemory)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "store: [not, a, map]"))
	assert.Error(t, err)
}

func TestLoadOrCreate_WritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "infracache.yaml")

	cfg, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, DefaultConfig(), cfg)

	// A second call reads the file it wrote.
	again, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}
