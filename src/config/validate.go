package config

import (
	"fmt"
	"strings"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
	validBackends   = []string{"dir", "s3", "none"}
	validUploaders  = []string{"none", "dir", "s3", "forge", "github", "gitlab", "gitea"}
)

// Validate checks a loaded Config.
// Returns warnings (soft issues) and a hard error if the config is invalid.
func Validate(cfg *Config) (warnings []string, err error) {
	var errs []string

	if cfg.Workers < 1 {
		errs = append(errs, fmt.Sprintf("workers: must be at least 1, got %d", cfg.Workers))
	}

	if !oneOf(cfg.Log.Level, validLogLevels) {
		errs = append(errs, fmt.Sprintf("log.level: unknown level %q (supported: %s)", cfg.Log.Level, strings.Join(validLogLevels, ", ")))
	}
	if !oneOf(cfg.Log.Format, validLogFormats) {
		errs = append(errs, fmt.Sprintf("log.format: unknown format %q (supported: %s)", cfg.Log.Format, strings.Join(validLogFormats, ", ")))
	}

	// ── Cache ─────────────────────────────────────────────────────────────

	switch {
	case !oneOf(cfg.Cache.Backend, validBackends):
		errs = append(errs, fmt.Sprintf("cache.backend: unknown backend %q (supported: %s)", cfg.Cache.Backend, strings.Join(validBackends, ", ")))
	case cfg.Cache.Backend == "dir" && cfg.Cache.Dir == "":
		errs = append(errs, "cache.dir: required for backend dir")
	case cfg.Cache.Backend == "s3":
		errs = append(errs, s3Problems("cache.s3", cfg.Cache.S3.Endpoint, cfg.Cache.S3.Bucket)...)
	}

	// ── Publish ───────────────────────────────────────────────────────────

	p := cfg.Publish
	switch {
	case !oneOf(p.Uploader, validUploaders):
		errs = append(errs, fmt.Sprintf("publish.uploader: unknown uploader %q (supported: %s)", p.Uploader, strings.Join(validUploaders, ", ")))
	case p.Uploader == "dir" && p.Dir == "":
		errs = append(errs, "publish.dir: required for uploader dir")
	case p.Uploader == "s3":
		errs = append(errs, s3Problems("publish.s3", p.S3.Endpoint, p.S3.Bucket)...)
	case (p.Uploader == "gitlab" || p.Uploader == "gitea") && p.ForgeURL == "":
		errs = append(errs, fmt.Sprintf("publish.forge_url: required for uploader %s", p.Uploader))
	}
	if p.ArtifactsDir == "" {
		errs = append(errs, "publish.artifacts_dir: must not be empty")
	}
	if p.Uploader != "none" && p.Uploader != "" && p.Tag == "" && isForge(p.Uploader) {
		warnings = append(warnings, "publish.tag: not set; the release tag comes from the checked-out git tag or ref")
	}

	if cfg.Reports.Dir == "" {
		errs = append(errs, "reports.dir: must not be empty")
	}
	if r := cfg.Reports.Retention; r.KeepLast < 0 || r.KeepDaily < 0 || r.KeepWeekly < 0 || r.KeepMonthly < 0 {
		errs = append(errs, "reports.retention: counts must not be negative")
	}

	// ── Group sets ────────────────────────────────────────────────────────

	for name, pattern := range cfg.GroupSets {
		if !isIdentifier(name) {
			errs = append(errs, fmt.Sprintf("group_sets: key %q is not a valid identifier (must match [a-zA-Z][a-zA-Z0-9_.\\-]*)", name))
		}
		if _, err := CompilePatterns([]string{pattern}, nil); err != nil {
			errs = append(errs, fmt.Sprintf("group_sets.%s: %v", name, err))
		}
	}

	if len(errs) > 0 {
		return warnings, fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return warnings, nil
}

func s3Problems(path, endpoint, bucket string) []string {
	var errs []string
	if endpoint == "" {
		errs = append(errs, path+".endpoint: required")
	}
	if bucket == "" {
		errs = append(errs, path+".bucket: required")
	}
	return errs
}

func isForge(uploader string) bool {
	switch uploader {
	case "forge", "github", "gitlab", "gitea":
		return true
	}
	return false
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
