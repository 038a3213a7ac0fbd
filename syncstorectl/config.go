package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type serveConfig struct {
	Listen      string
	StoreName   string
	AuthSecret  string
	SqlitePath  string
	FilePath    string
	Defaults    map[string]any
	ReadTimeout time.Duration
}

func defaultServeConfig() serveConfig {
	return serveConfig{
		Listen:    "127.0.0.1:8400",
		StoreName: "default",
		Defaults:  map[string]any{},
	}
}

type fileConfig struct {
	Listen      string         `toml:"listen"`
	Store       string         `toml:"store"`
	AuthSecret  string         `toml:"auth_secret"`
	SqlitePath  string         `toml:"sqlite_path"`
	FilePath    string         `toml:"file_path"`
	ReadTimeout string         `toml:"read_timeout"`
	Defaults    map[string]any `toml:"defaults"`
}

func loadServeConfig(path string) (serveConfig, error) {
	cfg := defaultServeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serveConfig{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("listen") {
		listen := strings.TrimSpace(raw.Listen)
		if listen != "" {
			cfg.Listen = listen
		}
	}

	if meta.IsDefined("store") {
		store := strings.TrimSpace(raw.Store)
		if store != "" {
			cfg.StoreName = store
		}
	}

	if meta.IsDefined("auth_secret") {
		cfg.AuthSecret = raw.AuthSecret
	}

	if meta.IsDefined("sqlite_path") {
		cfg.SqlitePath = raw.SqlitePath
	}

	if meta.IsDefined("file_path") {
		cfg.FilePath = raw.FilePath
	}

	if meta.IsDefined("read_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReadTimeout))
		if err != nil {
			return serveConfig{}, fmt.Errorf("parse read_timeout: %w", err)
		}
		cfg.ReadTimeout = d
	}

	if meta.IsDefined("defaults") {
		cfg.Defaults = normalizeTomlValue(raw.Defaults).(map[string]any)
	}

	return cfg, nil
}

// toml decodes nested tables as map[string]any already, but dates come
// out as toml locals and integers as int64. normalize onto the store's
// value model
func normalizeTomlValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeTomlValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeTomlValue(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeTomlValue(e)
		}
		return out
	default:
		return v
	}
}
