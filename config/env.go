package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix starts the name of every environment override.
const EnvPrefix = "UVMM_"

type envSetter func(c *Config, v string) error

func uintSetter(field func(c *Config) *uint64) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return err
		}

		*field(c) = n

		return nil
	}
}

func intSetter(field func(c *Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}

		*field(c) = n

		return nil
	}
}

func durationSetter(field func(c *Config) *Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}

		*field(c) = Duration(d)

		return nil
	}
}

func stringSetter(field func(c *Config) *string) envSetter {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

var envSetters = map[string]envSetter{
	"PAGE_SIZE":     uintSetter(func(c *Config) *uint64 { return &c.PageSize }),
	"NUM_PAGES":     uintSetter(func(c *Config) *uint64 { return &c.NumPages }),
	"NUM_SLOTS":     uintSetter(func(c *Config) *uint64 { return &c.NumSlots }),
	"REGION_SIZE":   uintSetter(func(c *Config) *uint64 { return &c.RegionSize }),
	"NUM_FRAMES":    intSetter(func(c *Config) *int { return &c.NumFrames }),
	"WRITE_BATCH":   intSetter(func(c *Config) *int { return &c.MaxWriteBatch }),
	"SLOT_CACHE":    intSetter(func(c *Config) *int { return &c.SlotCacheSize }),
	"SCHED_PERIOD":  durationSetter(func(c *Config) *Duration { return &c.SchedulerInterval }),
	"WRITER_PERIOD": durationSetter(func(c *Config) *Duration { return &c.WriterInterval }),
	"PROVIDER":      stringSetter(func(c *Config) *string { return &c.Provider }),
	"STORE":         stringSetter(func(c *Config) *string { return &c.Store }),
	"STORE_PATH":    stringSetter(func(c *Config) *string { return &c.StorePath }),
	"LOG_LEVEL":     stringSetter(func(c *Config) *string { return &c.LogLevel }),
	"LOW_WATER": func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}

		c.LowWaterFraction = f

		return nil
	},
	"AUDIT": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}

		c.Audit = b

		return nil
	},
}

// ApplyEnv overrides fields from UVMM_* variables. The files are read as
// .env files first; the process environment wins over them.
func (c *Config) ApplyEnv(files ...string) error {
	values := map[string]string{}

	if len(files) > 0 {
		read, err := godotenv.Read(files...)
		if err != nil {
			return fmt.Errorf("reading env files: %w", err)
		}

		values = read
	}

	for name := range envSetters {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			values[EnvPrefix+name] = v
		}
	}

	for name, set := range envSetters {
		v, ok := values[EnvPrefix+name]
		if !ok {
			continue
		}

		if err := set(c, v); err != nil {
			return fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, v, err)
		}
	}

	return nil
}
