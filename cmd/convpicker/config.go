// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the convpicker configuration file (by default ~/.config/convpicker/config.yaml).
// Its values are used as defaults for the flags not explicitly set.
// Fields are pointers so "not set" can be told apart from zero values.
type Config struct {
	Backend     string   `yaml:"backend"`
	CacheFile   string   `yaml:"cache_file"`
	Parallelism *int64   `yaml:"parallelism"`
	Repetitions *int64   `yaml:"repetitions"`
	Warmup      *bool    `yaml:"warmup"`
	CrossCheck  *float64 `yaml:"cross_check"`
	Disable     []string `yaml:"disable"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "convpicker", "config.yaml")
}

// expandHome replaces a leading "~" by the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// LoadConfig reads the configuration file. A missing file yields a zero Config, unless
// required is true.
func LoadConfig(path string, required bool) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	path = expandHome(path)
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "failed to read configuration %q", path)
	}
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse configuration %q", path)
	}
	return cfg, nil
}

// apply sets the tune options from the configuration, for the flags not explicitly set.
func (cfg Config) apply(cmd *cli.Command, opts *tuneOptions) {
	if cfg.Backend != "" && !cmd.IsSet("backend") {
		opts.backend = cfg.Backend
	}
	if cfg.CacheFile != "" && !cmd.IsSet("cache-file") {
		opts.cacheFile = cfg.CacheFile
	}
	if cfg.Parallelism != nil && !cmd.IsSet("parallelism") {
		opts.parallelism = *cfg.Parallelism
	}
	if cfg.Repetitions != nil && !cmd.IsSet("repetitions") {
		opts.repetitions = *cfg.Repetitions
	}
	if cfg.Warmup != nil && !cmd.IsSet("no-warmup") {
		opts.noWarmup = !*cfg.Warmup
	}
	if cfg.CrossCheck != nil && !cmd.IsSet("cross-check") {
		opts.crossCheck = *cfg.CrossCheck
	}
	if len(cfg.Disable) > 0 && !cmd.IsSet("disable") {
		opts.disable = cfg.Disable
	}
}
