/*
Package config loads the core's only externally tunable knobs: the three
settings spec.md §6 names (SLAC_INIT_TIMEOUT, ATTEN_RESULTS_TIMEOUT,
LOG_LEVEL), read from the process environment. It interprets no other
environment key; ambient settings outside the protocol's own scope (the
listen interface, the EVSE identifier, log destination) belong to a
separate config struct at the cmd/slacd level.
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// ErrFatalConfig signals a recognized environment variable held a value
// that could not be parsed (spec §7: FatalConfig is not recovered, the
// process exits).
var ErrFatalConfig = errors.New("config: invalid value")

// Config bundles the three settings spec.md §6 recognizes.
type Config struct {
	// SlacInitTimeout overrides TT_EVSE_SLAC_init; zero means the
	// session package's own default. Clamping to [20s, 50s] happens in
	// internal/session, not here.
	SlacInitTimeout time.Duration
	// AttenResultsTimeoutOverride replaces the sounds-loop deadline
	// carried by CM_START_ATTEN_CHAR.IND; zero means unset.
	AttenResultsTimeoutOverride time.Duration
	// LogLevel is the level passed to the slog handler cmd/slacd builds.
	LogLevel slog.Level
}

// Load reads SLAC_INIT_TIMEOUT, ATTEN_RESULTS_TIMEOUT, and LOG_LEVEL from
// the environment, each optional. Unset variables leave the corresponding
// field at its zero value (or slog.LevelInfo for LogLevel).
func Load() (Config, error) {
	cfg := Config{LogLevel: slog.LevelInfo}

	if v, ok := os.LookupEnv("SLAC_INIT_TIMEOUT"); ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%w: SLAC_INIT_TIMEOUT %q: %v", ErrFatalConfig, v, err)
		}
		cfg.SlacInitTimeout = time.Duration(secs * float64(time.Second))
	}

	if v, ok := os.LookupEnv("ATTEN_RESULTS_TIMEOUT"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: ATTEN_RESULTS_TIMEOUT %q: %v", ErrFatalConfig, v, err)
		}
		cfg.AttenResultsTimeoutOverride = time.Duration(ms) * time.Millisecond
	}

	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("%w: LOG_LEVEL %q: %v", ErrFatalConfig, v, err)
		}
		cfg.LogLevel = lvl
	}

	return cfg, nil
}
