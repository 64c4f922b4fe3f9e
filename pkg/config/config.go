// Package config holds the explicit configuration injected into the coordinator,
// the rewind sampler and the daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wilhg/savestate/pkg/retention"
)

// Retention overrides per-kind caps. Zero keeps the default.
type Retention struct {
	QuickMax  int
	AutoMax   int
	RewindMax int
}

// Caps converts the overrides for retention.New.
func (r Retention) Caps() retention.Caps {
	return retention.Caps{Quick: r.QuickMax, Auto: r.AutoMax, Rewind: r.RewindMax}
}

// Rewind controls periodic rewind capture.
type Rewind struct {
	Enabled  bool
	Interval time.Duration
	// DisabledEngines never sample; they are known to crash when snapshotted live.
	DisabledEngines []string
}

// Config is the full runtime configuration.
type Config struct {
	SaveDir     string
	DatabaseURL string
	Addr        string
	Retention   Retention
	Rewind      Rewind
	// FreezeEngines are paused around every snapshot taken while running.
	FreezeEngines []string
	TraceStdout   bool
}

const (
	DefaultRewindInterval = 3 * time.Second
	DefaultAddr           = ":8080"
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		SaveDir:     "savestates",
		DatabaseURL: "sqlite:file:savestates.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		Addr:        DefaultAddr,
		Rewind: Rewind{
			Enabled:  true,
			Interval: DefaultRewindInterval,
		},
	}
}

// FromEnv returns Default overridden by SAVESTATE_* environment variables.
func FromEnv() (Config, error) {
	c := Default()
	c.SaveDir = getEnv("SAVESTATE_DIR", c.SaveDir)
	c.DatabaseURL = getEnv("SAVESTATE_DATABASE_URL", getEnv("DATABASE_URL", c.DatabaseURL))
	c.Addr = getEnv("SAVESTATE_ADDR", c.Addr)

	var err error
	if c.Retention.QuickMax, err = intEnv("SAVESTATE_QUICK_MAX", 0); err != nil {
		return Config{}, err
	}
	if c.Retention.AutoMax, err = intEnv("SAVESTATE_AUTO_MAX", 0); err != nil {
		return Config{}, err
	}
	if c.Retention.RewindMax, err = intEnv("SAVESTATE_REWIND_MAX", 0); err != nil {
		return Config{}, err
	}
	if c.Rewind.Enabled, err = boolEnv("SAVESTATE_REWIND", c.Rewind.Enabled); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("SAVESTATE_REWIND_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("SAVESTATE_REWIND_INTERVAL: invalid duration %q", v)
		}
		c.Rewind.Interval = d
	}
	c.Rewind.DisabledEngines = SplitList(os.Getenv("SAVESTATE_REWIND_DISABLED_ENGINES"))
	c.FreezeEngines = SplitList(os.Getenv("SAVESTATE_FREEZE_ENGINES"))
	if c.TraceStdout, err = boolEnv("SAVESTATE_TRACE_STDOUT", false); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	if c.SaveDir == "" {
		return fmt.Errorf("save directory is required")
	}
	if c.Retention.QuickMax < 0 || c.Retention.AutoMax < 0 || c.Retention.RewindMax < 0 {
		return fmt.Errorf("retention caps must not be negative")
	}
	if c.Rewind.Enabled && c.Rewind.Interval <= 0 {
		return fmt.Errorf("rewind interval must be positive")
	}
	return nil
}

// RewindDisabledFor reports whether rewind sampling is off for engineID.
func (c Config) RewindDisabledFor(engineID string) bool {
	return !c.Rewind.Enabled || contains(c.Rewind.DisabledEngines, engineID)
}

// Freezes reports whether engineID must be paused around snapshots.
func (c Config) Freezes(engineID string) bool {
	return contains(c.FreezeEngines, engineID)
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
