// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/pkg/errors"
)

const (
	// DefaultPrefetchTileCount is the default capacity of the prefetch buffer of each unit.
	DefaultPrefetchTileCount = 8

	// DefaultThreadCount is the default number of lanes of each unit.
	DefaultThreadCount = 4

	// TILESCHED_CONFIG is the environment variable with the configuration used by ConfigFromEnv.
	// See ParseConfig for the format.
	TILESCHED_CONFIG = "TILESCHED_CONFIG"
)

// Prefetching is not optional: the default capacity must be > 0, or this fails to compile
// (negative array length).
var _ [DefaultPrefetchTileCount - 1]struct{}

// DefaultTileShape is the default output tile shape.
var DefaultTileShape = tiling.TileShape{M: 128, N: 128, K: 32}

// Config is the specialization of a Kernel: everything that is fixed for all the launches of a kernel.
type Config struct {
	// TileShape of the output tiles each unit computes per iteration.
	TileShape tiling.TileShape `yaml:"tile"`

	// PrefetchTileCount is the capacity of the prefetch buffer of each unit. Must be > 0.
	PrefetchTileCount int `yaml:"prefetch"`

	// ThreadCount is the number of lanes (goroutines) of each unit. Must be > 0.
	ThreadCount int `yaml:"lanes"`

	// MaxResidentUnits is the maximum number of units running at the same time.
	// 0 means runtime.NumCPU() and a negative value means all units of the grid are resident at once.
	MaxResidentUnits int `yaml:"units"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		TileShape:         DefaultTileShape,
		PrefetchTileCount: DefaultPrefetchTileCount,
		ThreadCount:       DefaultThreadCount,
	}
}

// Validate returns an error if the configuration can't be used to build a kernel.
func (c Config) Validate() error {
	if c.PrefetchTileCount <= 0 {
		return errors.Errorf("invalid configuration: prefetch tile count is %d, it must be > 0 since "+
			"the schedule is always read through the prefetch buffer", c.PrefetchTileCount)
	}
	if c.ThreadCount <= 0 {
		return errors.Errorf("invalid configuration: thread count (lanes per unit) is %d, it must be > 0", c.ThreadCount)
	}
	if !c.TileShape.Ok() {
		return errors.Errorf("invalid configuration: tile shape %s must have positive dimensions", c.TileShape)
	}
	return nil
}

// String implements fmt.Stringer, in the format accepted by ParseConfig.
func (c Config) String() string {
	return fmt.Sprintf("tile=%s,prefetch=%d,lanes=%d,units=%d", c.TileShape, c.PrefetchTileCount, c.ThreadCount, c.MaxResidentUnits)
}

// ParseConfig parses a comma-separated list of "key=value" settings on top of DefaultConfig.
// See ParseConfigOnto for the keys.
func ParseConfig(config string) (Config, error) {
	return ParseConfigOnto(DefaultConfig(), config)
}

// ParseConfigOnto parses a comma-separated list of "key=value" settings on top of base: keys not
// present in config keep their value from base.
//
// Keys:
//
//   - "tile": tile shape as "MxN" or "MxNxK", e.g. "128x128x32".
//   - "prefetch": prefetch buffer capacity.
//   - "lanes": number of lanes per unit.
//   - "units": maximum number of resident units.
//
// Example: "tile=64x64,prefetch=4,lanes=8".
func ParseConfigOnto(base Config, config string) (Config, error) {
	c := base
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return c, errors.Errorf("invalid configuration %q: setting %q is not in the form key=value", config, part)
		}
		var err error
		switch key {
		case "tile":
			c.TileShape, err = ParseTileShape(value)
		case "prefetch":
			c.PrefetchTileCount, err = strconv.Atoi(value)
		case "lanes":
			c.ThreadCount, err = strconv.Atoi(value)
		case "units":
			c.MaxResidentUnits, err = strconv.Atoi(value)
		default:
			err = errors.Errorf("unknown key %q", key)
		}
		if err != nil {
			return c, errors.WithMessagef(err, "invalid configuration %q", config)
		}
	}
	return c, c.Validate()
}

// ConfigFromEnv parses the configuration in the environment variable TILESCHED_CONFIG, or returns
// DefaultConfig if it is not set.
func ConfigFromEnv() (Config, error) {
	config, found := os.LookupEnv(TILESCHED_CONFIG)
	if !found {
		return DefaultConfig(), nil
	}
	c, err := ParseConfig(config)
	if err != nil {
		return c, errors.WithMessagef(err, "parsing $%s", TILESCHED_CONFIG)
	}
	return c, nil
}

// ParseTileShape parses a tile shape in the form "MxN" or "MxNxK".
func ParseTileShape(value string) (tiling.TileShape, error) {
	var tile tiling.TileShape
	parts := strings.Split(value, "x")
	if len(parts) != 2 && len(parts) != 3 {
		return tile, errors.Errorf("invalid tile shape %q: it must be in the form MxN or MxNxK", value)
	}
	dims := make([]int, len(parts))
	for ii, part := range parts {
		dim, err := strconv.Atoi(part)
		if err != nil {
			return tile, errors.Wrapf(err, "invalid tile shape %q", value)
		}
		dims[ii] = dim
	}
	tile.M, tile.N = dims[0], dims[1]
	if len(dims) == 3 {
		tile.K = dims[2]
	}
	if !tile.Ok() {
		return tile, errors.Errorf("invalid tile shape %q: dimensions must be positive", value)
	}
	return tile, nil
}
