// Package config loads the engine configuration (.switchyard.yml): worker
// pool size, workspace, cache backend, artifact publishing and report
// locations. Pipeline documents are loaded by package pipeline.
package config

import (
	"errors"
	"io/fs"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/sofmeright/switchyard/src/cache"
	"github.com/sofmeright/switchyard/src/retention"
)

// DefaultFile is the config file looked up when no path is given.
const DefaultFile = ".switchyard.yml"

// Config is the top-level engine configuration.
type Config struct {
	// Workers bounds concurrently running instances across all groups.
	Workers int `yaml:"workers"`

	// Workspace is the root of per-instance working directories.
	// Empty means <os temp dir>/switchyard.
	Workspace string `yaml:"workspace"`

	// Shell is the fallback shell when neither pipeline nor group set one.
	Shell string `yaml:"shell"`

	Log     LogConfig     `yaml:"log"`
	Cache   CacheConfig   `yaml:"cache"`
	Publish PublishConfig `yaml:"publish"`
	Reports ReportsConfig `yaml:"reports"`

	// GroupSets names group selection patterns usable with --group,
	// e.g. "release": "^(build|package)$".
	GroupSets map[string]string `yaml:"group_sets"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// CacheConfig selects and configures the cache store.
type CacheConfig struct {
	Backend string         `yaml:"backend"` // dir, s3, none
	Dir     string         `yaml:"dir"`
	S3      cache.S3Config `yaml:"s3"`
}

// PublishConfig controls artifact packaging and upload.
type PublishConfig struct {
	Uploader     string         `yaml:"uploader"` // none, dir, s3, forge, github, gitlab, gitea
	Dir          string         `yaml:"dir"`
	ArtifactsDir string         `yaml:"artifacts_dir"`
	AssetName    string         `yaml:"asset_name"`
	Tag          string         `yaml:"tag"`
	ForgeURL     string         `yaml:"forge_url"`
	S3           cache.S3Config `yaml:"s3"`
}

// ReportsConfig locates run manifests, instance logs and JUnit output.
type ReportsConfig struct {
	Dir   string `yaml:"dir"`
	JUnit string `yaml:"junit"` // empty disables JUnit output

	// Retention prunes old runs after each run. Zero keeps everything.
	Retention retention.Policy `yaml:"retention"`
}

// Load reads configuration from a YAML file.
// If path is empty, it tries the default file.
// Returns sensible defaults if the file doesn't exist.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return defaults(), nil
		}
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return defaults()
}

func defaults() *Config {
	return &Config{
		Workers: runtime.NumCPU(),
		Log:     LogConfig{Level: "info", Format: "text"},
		Cache: CacheConfig{
			Backend: "dir",
			Dir:     ".switchyard/cache",
		},
		Publish: PublishConfig{
			Uploader:     "none",
			ArtifactsDir: ".switchyard/artifacts",
		},
		Reports:   ReportsConfig{Dir: ".switchyard/runs"},
		GroupSets: map[string]string{},
	}
}

// CacheOptions converts the cache section for cache.Open.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{Backend: c.Cache.Backend, Dir: c.Cache.Dir, S3: c.Cache.S3}
}
