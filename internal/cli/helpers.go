package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/picklr-io/pantry/internal/cache"
	"github.com/picklr-io/pantry/internal/engine"
	"github.com/picklr-io/pantry/internal/eval"
	"github.com/picklr-io/pantry/internal/ir"
	"github.com/picklr-io/pantry/internal/logging"
	"github.com/picklr-io/pantry/internal/manifest"
	"github.com/picklr-io/pantry/internal/metrics"
	"github.com/picklr-io/pantry/internal/origin"
	"github.com/picklr-io/pantry/internal/provider"
	"github.com/picklr-io/pantry/internal/resource"
	"github.com/picklr-io/pantry/internal/scheduler"
	"github.com/spf13/cobra"
)

// initLogging configures the global logger. The --log-level flag wins over
// PANTRY_LOG_LEVEL, which wins over the config value.
func initLogging(cmd *cobra.Command, cfgLevel, cfgFormat string) {
	level := logLevel
	if level == "" {
		level = os.Getenv(eval.LogLevelEnvVar)
	}
	if level == "" {
		level = cfgLevel
	}
	logging.InitWriter(cmd.ErrOrStderr(), level, cfgFormat)
}

// loadConfig evaluates the project config. A --config path also selects the
// project directory.
func loadConfig(cmd *cobra.Command) (*ir.Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	entryPoint := configPath
	if entryPoint != "" {
		abs, err := filepath.Abs(entryPoint)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", entryPoint, err)
		}
		dir, entryPoint = filepath.Dir(abs), filepath.Base(abs)
	}

	cfg, err := eval.NewEvaluator(dir).LoadConfig(cmd.Context(), entryPoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	initLogging(cmd, cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// session holds what a command needs to talk to the cache and the origin.
type session struct {
	cfg       *ir.Config
	store     *cache.Store
	engine    *engine.Engine
	downloads *scheduler.Scheduler
}

// openStore opens the configured cache. The main platform package at the
// cache root is not a package file.
func openStore(cfg *ir.Config) (*cache.Store, error) {
	store, err := cache.NewStore(cfg.CacheDir, cache.WithReserved(cfg.Platform))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return store, nil
}

func newSession(ctx context.Context, cfg *ir.Config, opts ...engine.Option) (*session, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	o, err := origin.New(ctx, cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("failed to create origin: %w", err)
	}

	base, max := eval.RetryDelays(cfg)
	retries := eval.DefaultMaxRetries
	if cfg.Retry != nil {
		retries = cfg.Retry.MaxRetries
	}
	defaults := []engine.Option{
		engine.WithPlatform(cfg.Platform),
		engine.WithRetryPolicy(&engine.RetryPolicy{MaxRetries: retries, BaseDelay: base, MaxDelay: max}),
		engine.WithRequestTimeout(eval.RequestTimeout(cfg)),
		engine.WithVerifyIntegrity(cfg.VerifyIntegrity),
	}
	if cfg.Lock != nil {
		lock, err := cache.NewDynamoLock(ctx, cfg.Lock, "pantry/"+cfg.Platform)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared lock: %w", err)
		}
		defaults = append(defaults, engine.WithLocker(lock))
	}

	downloads := scheduler.New(
		scheduler.WithMaxConcurrent(cfg.MaxConcurrentDownloads),
		scheduler.WithName("downloads"),
	)
	return &session{
		cfg:       cfg,
		store:     store,
		engine:    engine.NewEngine(o, store, downloads, append(defaults, opts...)...),
		downloads: downloads,
	}, nil
}

func (s *session) Close() {
	s.engine.Close()
	s.downloads.Close()
}

// localManifest returns the manifest saved by the last reconcile.
func localManifest(cfg *ir.Config) (*ir.Manifest, error) {
	m, err := manifest.LoadLocal(cfg.CacheDir, cfg.Platform)
	if err != nil {
		return nil, fmt.Errorf("failed to read local manifest (run 'pantry reconcile' first): %w", err)
	}
	return m, nil
}

// newMaster wires a resource master over the cache. current supplies the
// manifest used for package names and dependencies.
func newMaster(s *session, current func() *ir.Manifest) (*resource.Master, *scheduler.Scheduler, error) {
	registry := provider.NewRegistry(provider.Env{
		CacheDir: s.cfg.CacheDir,
		Resolve: func(pre string) (string, bool) {
			return current().HashedName(pre)
		},
		NetImageCacheSize: s.cfg.NetImageCacheSize,
	})
	loads := scheduler.New(
		scheduler.WithMaxConcurrent(s.cfg.MaxConcurrentLoads),
		scheduler.WithName("loads"),
	)
	m, err := resource.NewMaster(resource.MasterConfig{
		Registry:     registry,
		Scheduler:    loads,
		Engine:       s.engine,
		Manifest:     current,
		PoolCapacity: s.cfg.PoolCapacity,
	})
	if err != nil {
		loads.Close()
		return nil, nil, err
	}
	return m, loads, nil
}

// serveMetrics exposes m on addr until the returned stop function runs.
func serveMetrics(cmd *cobra.Command, m *metrics.Metrics, addr string) (stop func()) {
	ctx, cancel := context.WithCancel(cmd.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Serve(ctx, addr); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "metrics: %v\n", err)
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// renderPlan prints the classification of every package that needs work.
func renderPlan(w io.Writer, plan *ir.CachePlan) {
	for _, change := range plan.Changes {
		symbol, color := "~", colorYellow
		if change.Status == ir.StatusMissing {
			symbol, color = "+", colorGreen
		}
		fmt.Fprintf(w, "%s  %s %s%s", colorize(color), symbol, change.Package, colorize(colorReset))
		switch {
		case change.LocalName != "" && change.LocalName != change.RemoteName:
			fmt.Fprintf(w, " (%s: %s -> %s)\n", change.Reason, change.LocalName, change.RemoteName)
		default:
			fmt.Fprintf(w, " (%s: %s)\n", change.Reason, change.RemoteName)
		}
	}
	for _, pre := range plan.Unclassified {
		fmt.Fprintf(w, "%s  ? %s (not in manifest)%s\n", colorize(colorDim), pre, colorize(colorReset))
	}
}

// renderPlanSummary prints the plan counters.
func renderPlanSummary(w io.Writer, plan *ir.CachePlan) {
	s := plan.Summary
	fmt.Fprintln(w, "\nPlan Summary:")
	fmt.Fprintf(w, "  Up to date:   %d\n", s.UpToDate)
	fmt.Fprintf(w, "  Stale:        %d\n", s.Stale)
	fmt.Fprintf(w, "  Missing:      %d\n", s.Missing)
	fmt.Fprintf(w, "  Unclassified: %d\n", s.Unclassified)
}

// renderEvent prints one settled download.
func renderEvent(w io.Writer, ev engine.DownloadEvent) {
	switch ev.Status {
	case "completed":
		fmt.Fprintf(w, "%s  + %s%s %s in %s\n", colorize(colorGreen), ev.Package, colorize(colorReset),
			formatBytes(ev.Bytes), ev.Duration.Round(time.Millisecond))
	case "failed":
		fmt.Fprintf(w, "%s  ! %s%s %v\n", colorize(colorRed), ev.Package, colorize(colorReset), ev.Error)
	}
}

// renderResult prints the outcome of a reconcile pass.
func renderResult(w io.Writer, r *ir.ReconcileResult) {
	fmt.Fprintf(w, "\nReconcile %s (%s):\n", r.Phase, r.PassID)
	fmt.Fprintf(w, "  Downloaded: %d (%s)\n", len(r.Downloaded), formatBytes(r.Bytes))
	fmt.Fprintf(w, "  Removed:    %d\n", len(r.Removed))
	fmt.Fprintf(w, "  Failed:     %d\n", len(r.Failed))
	if len(r.Failed) > 0 {
		fmt.Fprintf(w, "    %s\n", strings.Join(r.Failed, ", "))
	}
	fmt.Fprintf(w, "  Duration:   %s\n", r.Duration.Round(time.Millisecond))
}

// formatBytes renders n with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// sortedEntries returns index entries ordered by pre-name.
func sortedEntries(idx *ir.CacheIndex) []*ir.PackageEntry {
	out := make([]*ir.PackageEntry, 0, len(idx.Packages))
	for _, e := range idx.Packages {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PreName < out[j].PreName })
	return out
}
