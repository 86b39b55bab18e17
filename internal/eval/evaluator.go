package eval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/apple/pkl-go/pkl"
	"github.com/picklr-io/pantry/internal/ir"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultEntryPoint is the config file looked up in the project directory.
	DefaultEntryPoint = "pantry.pkl"
	// FallbackEntryPoint is used when DefaultEntryPoint does not exist.
	FallbackEntryPoint = "pantry.yaml"
	// LogLevelEnvVar overrides the configured log level.
	LogLevelEnvVar = "PANTRY_LOG_LEVEL"
)

// Evaluator handles config evaluation into IR types.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// ResolveEntryPoint returns the config file to load. An empty entry point
// selects pantry.pkl, then pantry.yaml, then pantry.yml.
func (e *Evaluator) ResolveEntryPoint(entryPoint string) (string, error) {
	if entryPoint != "" {
		if !filepath.IsAbs(entryPoint) {
			entryPoint = filepath.Join(e.projectDir, entryPoint)
		}
		return entryPoint, nil
	}
	for _, name := range []string{DefaultEntryPoint, FallbackEntryPoint, "pantry.yml"} {
		path := filepath.Join(e.projectDir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("no %s or %s found in %s", DefaultEntryPoint, FallbackEntryPoint, e.projectDir)
}

// LoadConfig evaluates the configuration file, applies defaults and the
// environment override, and validates the result.
func (e *Evaluator) LoadConfig(ctx context.Context, entryPoint string, properties map[string]string) (*ir.Config, error) {
	path, err := e.ResolveEntryPoint(entryPoint)
	if err != nil {
		return nil, err
	}

	var cfg *ir.Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pkl":
		cfg, err = e.loadPkl(ctx, path, properties)
	case ".yaml", ".yml":
		cfg, err = loadYAML(path)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	if level := os.Getenv(LogLevelEnvVar); level != "" {
		cfg.LogLevel = level
	}
	e.resolvePaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

func (e *Evaluator) loadPkl(ctx context.Context, path string, properties map[string]string) (*ir.Config, error) {
	u, err := url.Parse("file://" + e.projectDir + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
	}

	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	evaluator, err := pkl.NewProjectEvaluator(ctx, u, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var cfg ir.Config
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(path), &cfg); err != nil {
		return nil, fmt.Errorf("failed to evaluate config: %w", err)
	}
	return &cfg, nil
}

func loadYAML(path string) (*ir.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg ir.Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// resolvePaths anchors relative local paths at the project directory.
func (e *Evaluator) resolvePaths(cfg *ir.Config) {
	if cfg.CacheDir != "" && !filepath.IsAbs(cfg.CacheDir) {
		cfg.CacheDir = filepath.Join(e.projectDir, cfg.CacheDir)
	}
	if o := cfg.Origin; o != nil && o.Type == "file" && o.URL != "" {
		dir := strings.TrimPrefix(o.URL, "file://")
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(e.projectDir, dir)
		}
		o.URL = dir
	}
}
