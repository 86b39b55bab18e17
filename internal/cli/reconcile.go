package cli

import (
	"errors"
	"fmt"

	"github.com/picklr-io/pantry/internal/cache"
	"github.com/picklr-io/pantry/internal/engine"
	"github.com/picklr-io/pantry/internal/metrics"
	"github.com/spf13/cobra"
)

var (
	reconcileForce       bool
	reconcileVerify      bool
	reconcileMetricsAddr string
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Bring the local cache in line with the remote manifest",
	Long: `Fetches the manifest, classifies the cache and downloads every
missing or stale package. Stale files are removed once their replacement
has been written.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileForce, "force", false, "Download every package again")
	reconcileCmd.Flags().BoolVar(&reconcileVerify, "verify", false, "Re-hash up-to-date packages against the cache index")
	reconcileCmd.Flags().StringVar(&reconcileMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while reconciling")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	fmt.Fprint(out, "Loading configuration... ")
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return err
	}
	fmt.Fprintln(out, "OK")
	if reconcileVerify {
		cfg.VerifyIntegrity = true
	}

	s, err := newSession(ctx, cfg, engine.WithForce(reconcileForce))
	if err != nil {
		return err
	}
	defer s.Close()

	m := metrics.New()
	if err := m.WatchScheduler(s.downloads); err != nil {
		return err
	}
	if reconcileMetricsAddr != "" {
		defer serveMetrics(cmd, m, reconcileMetricsAddr)()
	}

	fmt.Fprintf(out, "Reconciling %s cache in %s...\n", cfg.Platform, cfg.CacheDir)
	result, err := s.engine.ReconcileWithCallback(ctx, func(ev engine.DownloadEvent) {
		m.ObserveDownload(ev)
		renderEvent(out, ev)
	})
	m.SetPhase(s.engine.Phase())
	if errors.Is(err, cache.ErrLocked) {
		return fmt.Errorf("another reconcile holds the cache lock: %w", err)
	}
	if result != nil {
		if len(result.Plan.Changes) == 0 {
			fmt.Fprintln(out, "No changes. Cache is up-to-date.")
		}
		renderResult(out, result)
	}
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	return nil
}
