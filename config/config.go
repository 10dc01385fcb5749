// Package config holds the settings a memory manager is built from.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Build-time defaults.
const (
	DefaultPageSize          = 4096
	DefaultNumPages          = 4096
	DefaultNumFrames         = 512
	DefaultMaxWriteBatch     = 16
	DefaultRegionSize        = 512
	DefaultLowWaterFraction  = 0.25
	DefaultSlotCacheSize     = 64
	DefaultSchedulerInterval = 10 * time.Millisecond
	DefaultWriterInterval    = 50 * time.Millisecond
)

// Frame providers.
const (
	ProviderSim   = "sim"
	ProviderMemfd = "memfd"
)

// Backing stores.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreMmap   = "mmap"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// A Duration is a time.Duration written as a string such as "10ms" in JSON.
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var ns int64
		if err := json.Unmarshal(b, &ns); err != nil {
			return fmt.Errorf("duration %s: %w", b, err)
		}

		*d = Duration(ns)

		return nil
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

// Config describes one memory manager and its collaborators.
type Config struct {
	PageSize          uint64   `json:"page_size"`
	NumPages          uint64   `json:"num_pages"`
	NumFrames         int      `json:"num_frames"`
	NumSlots          uint64   `json:"num_slots"`
	MaxWriteBatch     int      `json:"max_write_batch"`
	RegionSize        uint64   `json:"region_size"`
	LowWaterFraction  float64  `json:"low_water_fraction"`
	SlotCacheSize     int      `json:"slot_cache_size"`
	SchedulerInterval Duration `json:"scheduler_interval"`
	WriterInterval    Duration `json:"writer_interval"`
	Audit             bool     `json:"audit"`
	Provider          string   `json:"provider"`
	Store             string   `json:"store"`
	StorePath         string   `json:"store_path,omitempty"`
	LogLevel          string   `json:"log_level"`
}

// Default returns the build-time defaults. The backing store holds one slot
// per virtual page.
func Default() Config {
	return Config{
		PageSize:          DefaultPageSize,
		NumPages:          DefaultNumPages,
		NumFrames:         DefaultNumFrames,
		NumSlots:          DefaultNumPages,
		MaxWriteBatch:     DefaultMaxWriteBatch,
		RegionSize:        DefaultRegionSize,
		LowWaterFraction:  DefaultLowWaterFraction,
		SlotCacheSize:     DefaultSlotCacheSize,
		SchedulerInterval: Duration(DefaultSchedulerInterval),
		WriterInterval:    Duration(DefaultWriterInterval),
		Provider:          ProviderSim,
		Store:             StoreMemory,
		LogLevel:          "info",
	}
}

// Load decodes a JSON file over the defaults. Fields missing from the file
// keep their default values.
func Load(path string) (Config, error) {
	c := Default()

	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&c); err != nil {
		return c, fmt.Errorf("decoding %s: %w", path, err)
	}

	return c, nil
}

// Validate rejects settings no manager can be built from.
func (c Config) Validate() error {
	switch {
	case c.PageSize < 16 || c.PageSize&(c.PageSize-1) != 0:
		return fmt.Errorf("page size %d is not a power of two >= 16: %w",
			c.PageSize, ErrInvalid)
	case c.NumPages == 0:
		return fmt.Errorf("no virtual pages: %w", ErrInvalid)
	case c.NumFrames <= 0:
		return fmt.Errorf("%d frames: %w", c.NumFrames, ErrInvalid)
	case c.NumPages >= uint64(c.NumFrames) &&
		c.NumSlots < c.NumPages-uint64(c.NumFrames)+1:
		return fmt.Errorf("%d slots cannot hold %d pages over %d frames: %w",
			c.NumSlots, c.NumPages, c.NumFrames, ErrInvalid)
	case c.NumSlots == 0:
		return fmt.Errorf("no backing slots: %w", ErrInvalid)
	case c.MaxWriteBatch <= 0:
		return fmt.Errorf("write batch %d: %w", c.MaxWriteBatch, ErrInvalid)
	case c.RegionSize == 0:
		return fmt.Errorf("region size 0: %w", ErrInvalid)
	case c.LowWaterFraction <= 0 || c.LowWaterFraction > 1:
		return fmt.Errorf("low-water fraction %g outside (0, 1]: %w",
			c.LowWaterFraction, ErrInvalid)
	case c.SlotCacheSize < 0:
		return fmt.Errorf("slot cache size %d: %w", c.SlotCacheSize, ErrInvalid)
	case c.SchedulerInterval <= 0 || c.WriterInterval <= 0:
		return fmt.Errorf("worker intervals must be positive: %w", ErrInvalid)
	}

	switch c.Provider {
	case ProviderSim, ProviderMemfd:
	default:
		return fmt.Errorf("unknown provider %q: %w", c.Provider, ErrInvalid)
	}

	switch c.Store {
	case StoreMemory:
	case StoreFile, StoreMmap:
		if c.StorePath == "" {
			return fmt.Errorf("store %q needs a path: %w", c.Store, ErrInvalid)
		}
	default:
		return fmt.Errorf("unknown store %q: %w", c.Store, ErrInvalid)
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level

	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return l, fmt.Errorf("log level %q: %w", c.LogLevel, ErrInvalid)
	}

	return l, nil
}
