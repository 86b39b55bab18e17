package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/picklr-io/pantry/internal/ir"
	"github.com/picklr-io/pantry/internal/metrics"
	"github.com/picklr-io/pantry/internal/resource"
	"github.com/spf13/cobra"
)

var (
	loadReconcile   bool
	loadMetricsAddr string
)

var loadCmd = &cobra.Command{
	Use:   "load <package|asset>...",
	Short: "Load resources out of the cache",
	Long: `Resolves each argument against the manifest, as a package pre-name or
an asset path, and loads it together with its dependencies. Useful to check
that a cache is complete for a set of resources.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLoad,
}

func init() {
	loadCmd.Flags().BoolVar(&loadReconcile, "reconcile", false, "Reconcile the cache before loading")
	loadCmd.Flags().StringVar(&loadMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while loading")
}

type loadRequest struct {
	key ir.ResourceKey
	lt  ir.LoadType
}

// resolveLoadRequests maps names to resource keys through the manifest
// tables. Package names win over asset paths.
func resolveLoadRequests(m *ir.Manifest, names []string) ([]loadRequest, error) {
	var reqs []loadRequest
	var errs []error
	for _, name := range names {
		if _, ok := m.HashedName(name); ok {
			reqs = append(reqs, loadRequest{key: ir.ResourceKey{Name: name}, lt: ir.LoadAssetBundle})
			continue
		}
		if rec, ok := m.AssetByPath(name); ok {
			reqs = append(reqs, loadRequest{key: rec.ResourceKey(), lt: rec.LoadType()})
			continue
		}
		errs = append(errs, fmt.Errorf("unknown package or asset: %s", name))
	}
	return reqs, errors.Join(errs...)
}

func runLoad(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	m := s.engine.Manifest
	if !loadReconcile {
		local, err := localManifest(cfg)
		if err != nil {
			return err
		}
		m = func() *ir.Manifest { return local }
	}

	master, loads, err := newMaster(s, m)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, master.Close())
		loads.Close()
	}()

	met, err := newLoadMetrics(master, loads, s.downloads)
	if err != nil {
		return err
	}
	if loadMetricsAddr != "" {
		defer serveMetrics(cmd, met, loadMetricsAddr)()
	}

	if loadReconcile {
		fmt.Fprint(out, "Reconciling cache... ")
		phase, _, err := master.ReconcileCache(ctx)
		met.SetPhase(phase)
		if err != nil {
			fmt.Fprintln(out, "FAILED")
			return fmt.Errorf("reconcile failed: %w", err)
		}
		fmt.Fprintln(out, "OK")
	}

	reqs, err := resolveLoadRequests(m(), args)
	if err != nil {
		return err
	}

	loader := master.NewLoader()
	for _, r := range reqs {
		loader.Add(r.key, r.lt)
	}
	fmt.Fprintf(out, "Loading %d resource(s)... ", loader.Len())
	loadErr := loader.LoadAll(ctx, nil)
	if loadErr != nil {
		fmt.Fprintln(out, "FAILED")
	} else {
		fmt.Fprintln(out, "OK")
	}
	renderSources(out, master.Table().Snapshot())

	stats := master.PoolStats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(out, "\nPools:")
	for _, name := range names {
		fmt.Fprintf(out, "  %-8s %s\n", name, stats[name])
	}

	loader.Recycle()
	return loadErr
}

// newLoadMetrics registers the master's pools and the given schedulers.
func newLoadMetrics(pools metrics.PoolSource, schedulers ...metrics.QueueSource) (*metrics.Metrics, error) {
	m := metrics.New()
	if err := m.WatchPools(pools); err != nil {
		return nil, err
	}
	for _, s := range schedulers {
		if err := m.WatchScheduler(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// renderSources prints one line per table entry.
func renderSources(w io.Writer, sources []*resource.Source) {
	for _, src := range sources {
		color := colorGreen
		if src.State() != resource.StateReady {
			color = colorRed
		}
		fmt.Fprintf(w, "%s  %-7s %s%s %s refs=%d\n", colorize(color), src.State(), src.Key(), colorize(colorReset), src.LoadType(), src.RefCount())
	}
}
