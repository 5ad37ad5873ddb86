package csprof

import (
	"strconv"
	"strings"
)

// Config is the parsed form of the §6.2 environment variables. Every field
// has already been range-checked by LoadConfig; callers never re-validate.
type Config struct {
	OutPath      string
	MemSize      int
	SamplePeriod uint64 // microseconds
	MaxMetrics   int
	LushAgents   []string
	Wait         bool
	Verbosity    int
	Debug        uint64
}

// DefaultConfig matches the defaults named in §6.2.
func DefaultConfig() Config {
	return Config{
		OutPath:      ".",
		MemSize:      DefaultArenaSize,
		SamplePeriod: 5000,
		MaxMetrics:   DefaultMaxMetrics,
	}
}

// LoadConfig reads every recognized PROF_* variable through getenv (so tests
// can supply a map instead of the real process environment) and returns a
// Config, or a *Fault with KindConfigRange naming the first variable whose
// value fell outside its accepted range.
func LoadConfig(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()

	if v := getenv("PROF_OUT_PATH"); v != "" {
		cfg.OutPath = v
	}

	if v := getenv("PROF_MEM_SZ"); v != "" {
		n, err := parseByteSize(v)
		if err != nil {
			return Config{}, faultf(KindConfigRange, err, "PROF_MEM_SZ=%q", v)
		}
		cfg.MemSize = n
	}

	if v := getenv("PROF_SAMPLE_PERIOD"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			return Config{}, faultf(KindConfigRange, err, "PROF_SAMPLE_PERIOD=%q must be a positive decimal", v)
		}
		cfg.SamplePeriod = n
	}

	if v := getenv("PROF_MAX_METRICS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 10 {
			return Config{}, faultf(KindConfigRange, err, "PROF_MAX_METRICS=%q must be 0-10", v)
		}
		cfg.MaxMetrics = n
	}

	if v := getenv("PROF_LUSH_AGENTS"); v != "" {
		cfg.LushAgents = strings.Split(v, ":")
	}

	cfg.Wait = getenv("PROF_WAIT") != ""

	if v := getenv("PROF_VERBOSITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 65536 {
			return Config{}, faultf(KindConfigRange, err, "PROF_VERBOSITY=%q must be 0-65536", v)
		}
		cfg.Verbosity = n
	}

	if v := getenv("PROF_DEBUG"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, faultf(KindConfigRange, err, "PROF_DEBUG=%q must be an integer bitmask", v)
		}
		cfg.Debug = n
	}

	return cfg, nil
}

// parseByteSize parses a decimal integer with an optional K/k or M/m
// suffix, mirroring the original sources' mem.c size-string parsing (see
// SPEC_FULL.md §12).
func parseByteSize(s string) (int, error) {
	mult := 1
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, faultf(KindConfigRange, err, "invalid byte size")
	}
	return n * mult, nil
}
