package eval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/picklr-io/pantry/internal/ir"
)

// Defaults applied to unset config values.
const (
	DefaultMaxConcurrentLoads     = 8
	DefaultMaxConcurrentDownloads = 4
	DefaultMaxRetries             = 3
	DefaultBaseDelay              = "1.5s"
	DefaultMaxDelay               = "30s"
	DefaultRequestTimeout         = "30s"
	DefaultPoolCapacity           = 30
	DefaultNetImageCacheSize      = 64
	DefaultCacheDir               = "cache"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "text"
)

// ApplyDefaults fills every unset value of cfg.
func ApplyDefaults(cfg *ir.Config) {
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir
	}
	if cfg.Origin == nil {
		cfg.Origin = &ir.OriginConfig{}
	}
	if cfg.Origin.Type == "" {
		switch {
		case cfg.Origin.Bucket != "":
			cfg.Origin.Type = "s3"
		case strings.HasPrefix(cfg.Origin.URL, "file://"):
			cfg.Origin.Type = "file"
		default:
			cfg.Origin.Type = "http"
		}
	}
	if cfg.MaxConcurrentLoads == 0 {
		cfg.MaxConcurrentLoads = DefaultMaxConcurrentLoads
	}
	if cfg.MaxConcurrentDownloads == 0 {
		cfg.MaxConcurrentDownloads = DefaultMaxConcurrentDownloads
	}
	if cfg.Retry == nil {
		cfg.Retry = &ir.RetryConfig{MaxRetries: DefaultMaxRetries}
	}
	if cfg.Retry.BaseDelay == "" {
		cfg.Retry.BaseDelay = DefaultBaseDelay
	}
	if cfg.Retry.MaxDelay == "" {
		cfg.Retry.MaxDelay = DefaultMaxDelay
	}
	if cfg.RequestTimeout == "" {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.PoolCapacity == 0 {
		cfg.PoolCapacity = DefaultPoolCapacity
	}
	if cfg.NetImageCacheSize == 0 {
		cfg.NetImageCacheSize = DefaultNetImageCacheSize
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
	}
}

// Validate reports every problem with cfg at once.
func Validate(cfg *ir.Config) error {
	var errs []error
	if cfg.Platform == "" {
		errs = append(errs, errors.New("platform is required"))
	}
	if cfg.CacheDir == "" {
		errs = append(errs, errors.New("cacheDir is required"))
	}

	if o := cfg.Origin; o == nil {
		errs = append(errs, errors.New("origin is required"))
	} else {
		switch o.Type {
		case "http", "https", "file":
			if o.URL == "" {
				errs = append(errs, fmt.Errorf("origin.url is required for %s origins", o.Type))
			}
		case "s3":
			if o.Bucket == "" {
				errs = append(errs, errors.New("origin.bucket is required for s3 origins"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown origin type %q", o.Type))
		}
	}

	for name, v := range map[string]int{
		"maxConcurrentLoads":     cfg.MaxConcurrentLoads,
		"maxConcurrentDownloads": cfg.MaxConcurrentDownloads,
		"poolCapacity":           cfg.PoolCapacity,
		"netImageCacheSize":      cfg.NetImageCacheSize,
	} {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	if r := cfg.Retry; r != nil {
		if r.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("retry.maxRetries must not be negative, got %d", r.MaxRetries))
		}
		errs = appendDurationErr(errs, "retry.baseDelay", r.BaseDelay)
		errs = appendDurationErr(errs, "retry.maxDelay", r.MaxDelay)
	}
	errs = appendDurationErr(errs, "requestTimeout", cfg.RequestTimeout)

	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", cfg.LogLevel))
	}
	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", cfg.LogFormat))
	}

	if l := cfg.Lock; l != nil && l.DynamoDBTable == "" {
		errs = append(errs, errors.New("lock.dynamodbTable is required when lock is set"))
	}

	return errors.Join(errs...)
}

func appendDurationErr(errs []error, name, value string) []error {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if d <= 0 {
		return append(errs, fmt.Errorf("%s must be positive, got %s", name, value))
	}
	return errs
}

// RequestTimeout returns the per-request timeout of a validated config.
func RequestTimeout(cfg *ir.Config) time.Duration {
	return durationOr(cfg.RequestTimeout, DefaultRequestTimeout)
}

// RetryDelays returns the base and maximum retry delays of a validated config.
func RetryDelays(cfg *ir.Config) (base, max time.Duration) {
	if cfg.Retry == nil {
		return durationOr("", DefaultBaseDelay), durationOr("", DefaultMaxDelay)
	}
	return durationOr(cfg.Retry.BaseDelay, DefaultBaseDelay), durationOr(cfg.Retry.MaxDelay, DefaultMaxDelay)
}

func durationOr(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}
