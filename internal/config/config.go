// Package config loads xrmsim settings from a YAML file, a .env file and
// XRMSIM_ environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/store"
)

// DefaultPath is read when Load is given no path.
const DefaultPath = "xrmsim.yaml"

// EnvPrefix marks the environment variables Load reads. A double
// underscore separates nesting levels:
//
//	XRMSIM_PIPELINE__USE_PLUGIN_STEP_AUDIT=true
const EnvPrefix = "XRMSIM_"

type Config struct {
	Pipeline pipeline.Options `koanf:"pipeline"`
	Store    StoreConfig      `koanf:"store"`
	Log      LogConfig        `koanf:"log"`
	Rules    RulesConfig      `koanf:"rules"`
}

type StoreConfig struct {
	// Path of the SQLite database. store.MemoryPath keeps it in memory.
	Path string `koanf:"path"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug | info | warn | error
	Format string `koanf:"format"` // text | json
}

type RulesConfig struct {
	// Dir holds CUE registration rules. Empty means the built-in rules.
	Dir string `koanf:"dir"`
}

var defaults = map[string]any{
	"pipeline.use_pipeline_simulation": true,
	"pipeline.max_depth":               pipeline.DefaultMaxDepth,
	"store.path":                       store.MemoryPath,
	"log.level":                        "info",
	"log.format":                       "text",
}

type loadOptions struct {
	envFiles []string
}

// Option configures Load.
type Option func(*loadOptions)

// WithEnvFiles replaces the default .env file list. Missing files are
// skipped.
func WithEnvFiles(paths ...string) Option {
	return func(o *loadOptions) {
		o.envFiles = paths
	}
}

// Load builds a Config. An empty path reads DefaultPath if it exists; an
// explicit path must exist.
func Load(path string, opts ...Option) (*Config, error) {
	o := loadOptions{envFiles: []string{".env"}}
	for _, opt := range opts {
		opt(&o)
	}

	k := koanf.New(".")
	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return nil, fmt.Errorf("config default %s: %w", key, err)
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// .env values never override variables already set in the process.
	for _, f := range o.envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks the log settings and the pipeline depth bound.
func (c *Config) Validate() error {
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format %q: must be text or json", c.Log.Format)
	}
	if c.Pipeline.MaxDepth < 0 {
		return fmt.Errorf("config: pipeline.max_depth %d: must not be negative", c.Pipeline.MaxDepth)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// Logger builds a logger writing to w in the configured format. verbose
// forces debug level.
func (l LogConfig) Logger(w io.Writer, verbose bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
