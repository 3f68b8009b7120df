// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package main

import (
	"os"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// config is kodiakd's process configuration, loadable from a yaml file and
// overridable by KODIAK_-prefixed environment variables (environment wins
// over the file). Grounded on rzbill-flo's cmd/flo/main.go (env-var-as-flag-default
// idiom), file format chosen from Sant0-9-RivetQ's go.mod (yaml.v3 is the
// pack's only config-file library).
type config struct {
	RedisAddr string   `yaml:"redis_addr"`
	RedisDB   int      `yaml:"redis_db"`
	Prefix    string   `yaml:"prefix"`
	Queues    []string `yaml:"queues"`
	LogLevel  string   `yaml:"log_level"`
}

func defaultConfig() *config {
	return &config{
		RedisAddr: "127.0.0.1:6379",
		Prefix:    "kodiak",
		Queues:    []string{"default"},
		LogLevel:  "info",
	}
}

// loadConfig reads path (if non-empty) over the defaults, then applies any
// KODIAK_REDIS_ADDR / KODIAK_REDIS_DB / KODIAK_PREFIX / KODIAK_QUEUES /
// KODIAK_LOG_LEVEL environment overrides.
func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("KODIAK_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("KODIAK_REDIS_DB"); v != "" {
		cfg.RedisDB = cast.ToInt(v)
	}
	if v := os.Getenv("KODIAK_PREFIX"); v != "" {
		cfg.Prefix = v
	}
	if v := os.Getenv("KODIAK_QUEUES"); v != "" {
		cfg.Queues = strings.Split(v, ",")
	}
	if v := os.Getenv("KODIAK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}
