// Package config resolves the scheduler's run-wide settings from flags,
// environment variables, an optional YAML config file, and defaults — in
// that order of precedence — via viper, the same way the teacher's own
// config layer binds environment overrides on top of a parsed file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SQL_SCHEDULER"

// Stage selects whether the run writes to declared schemas (prod) or a
// single rewritten overlay schema (dev).
type Stage string

const (
	StageProd Stage = "prod"
	StageDev  Stage = "dev"
)

var (
	ErrMissingDDLDirectory    = errors.New("config: ddl directory is required and must exist")
	ErrMissingInsertDirectory = errors.New("config: insert directory is required and must exist")
	ErrMissingDSN             = errors.New("config: dsn is required")
	ErrMissingDevSchema       = errors.New("config: dev-schema is required when stage is dev")
	ErrInvalidStage           = errors.New("config: stage must be \"prod\" or \"dev\"")
	ErrInvalidConcurrency     = errors.New("config: concurrency must be a positive integer")
	ErrInvalidCacheDuration   = errors.New("config: cache-duration must be a non-negative number of seconds")
	ErrInvalidInterval        = errors.New("config: incremental-interval must be a positive number of days")
)

// Config is the fully resolved, validated set of knobs a run needs.
type Config struct {
	DDLDirectory    string
	InsertDirectory string
	DSN             string
	Stage           Stage
	DevSchema       string

	Targets      []string
	Exclusions   []string
	Dependencies bool

	NoCache       bool
	Refill        bool
	CacheDuration time.Duration

	IncrementalIntervalDays int
	Start                   *time.Time
	End                     *time.Time

	Concurrency  int
	SimpleOutput bool
	Verbose      bool
}

// Defaults mirrors the original implementation's constants.
func defaults(v *viper.Viper) {
	v.SetDefault("stage", string(StageProd))
	v.SetDefault("cache-duration", 6*60*60)
	v.SetDefault("incremental-interval", 14)
	v.SetDefault("concurrency", 5)
	v.SetDefault("simple-output", false)
}

// Load builds a viper instance layered flags > env > file > defaults, reading
// an optional YAML file at configFile (skipped silently if empty or
// absent), and returns the resolved, validated Config. flagOverrides
// carries the subset of keys that were explicitly set on the command line;
// any key present there wins over environment and file values, matching
// viper's native BindPFlag behavior without requiring the caller to wire
// cobra flags directly into this package.
func Load(configFile string, flagOverrides map[string]any) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
			}
		}
	}

	for k, val := range flagOverrides {
		v.Set(k, val)
	}

	cfg := &Config{
		DDLDirectory:            v.GetString("ddl-directory"),
		InsertDirectory:         v.GetString("insert-directory"),
		DSN:                     v.GetString("dsn"),
		Stage:                   Stage(v.GetString("stage")),
		DevSchema:               v.GetString("dev-schema"),
		Targets:                 v.GetStringSlice("target"),
		Exclusions:              v.GetStringSlice("exclusion"),
		Dependencies:            v.GetBool("dependencies"),
		NoCache:                 v.GetBool("no-cache"),
		Refill:                  v.GetBool("refill"),
		CacheDuration:           time.Duration(v.GetInt64("cache-duration")) * time.Second,
		IncrementalIntervalDays: v.GetInt("incremental-interval"),
		Concurrency:             v.GetInt("concurrency"),
		SimpleOutput:            v.GetBool("simple-output"),
		Verbose:                 v.GetBool("verbose"),
	}

	if start := v.GetTime("start"); !start.IsZero() {
		cfg.Start = &start
	}
	if end := v.GetTime("end"); !end.IsZero() {
		cfg.End = &end
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	info, err := os.Stat(c.DDLDirectory)
	if err != nil || !info.IsDir() {
		return ErrMissingDDLDirectory
	}
	info, err = os.Stat(c.InsertDirectory)
	if err != nil || !info.IsDir() {
		return ErrMissingInsertDirectory
	}
	if c.DSN == "" {
		return ErrMissingDSN
	}
	if c.Stage != StageProd && c.Stage != StageDev {
		return ErrInvalidStage
	}
	if c.Stage == StageDev && c.DevSchema == "" {
		return ErrMissingDevSchema
	}
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.CacheDuration < 0 {
		return ErrInvalidCacheDuration
	}
	if c.IncrementalIntervalDays <= 0 {
		return ErrInvalidInterval
	}
	return nil
}

// DefaultIncrementalInterval computes the half-open [start, end) pair per
// §3's rule: [midnight - N days, next midnight - 1ms), anchored to now.
func (c *Config) DefaultIncrementalInterval(now time.Time) (time.Time, time.Time) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	start := midnight.AddDate(0, 0, -c.IncrementalIntervalDays)
	end := midnight.AddDate(0, 0, 1).Add(-time.Millisecond)
	return start, end
}

// CacheDirectory returns the default cache directory, ~/.sql-scheduler/cache,
// creating no directory itself — callers pass this to cache.NewStore, which
// creates it on demand.
func CacheDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return home + "/.sql-scheduler/cache", nil
}
