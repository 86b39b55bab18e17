package cli

import (
	"encoding/json"
	"fmt"

	"github.com/picklr-io/pantry/internal/engine"
	"github.com/spf13/cobra"
)

var (
	planForce  bool
	planVerify bool
	planJSON   bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what a reconcile would download",
	Long: `Fetches the remote manifest and classifies every package in the
local cache without downloading anything.

The plan shows:
  • Packages missing from the cache
  • Stale packages (renamed or failing their digest)
  • Local packages the manifest does not know about`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planForce, "force", false, "Treat every package as stale")
	planCmd.Flags().BoolVar(&planVerify, "verify", false, "Re-hash up-to-date packages against the cache index")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Output in JSON format")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	progress := out
	if planJSON {
		progress = cmd.ErrOrStderr()
	}

	fmt.Fprint(progress, "Loading configuration... ")
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintln(progress, "FAILED")
		return err
	}
	fmt.Fprintln(progress, "OK")
	if planVerify {
		cfg.VerifyIntegrity = true
	}

	s, err := newSession(ctx, cfg, engine.WithForce(planForce))
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprint(progress, "Fetching manifest... ")
	m, err := s.engine.FetchManifest(ctx)
	if err != nil {
		fmt.Fprintln(progress, "FAILED")
		return fmt.Errorf("failed to fetch manifest: %w", err)
	}
	fmt.Fprintln(progress, "OK")

	fmt.Fprint(progress, "Classifying cache... ")
	plan, err := s.engine.CreatePlan(ctx, m)
	if err != nil {
		fmt.Fprintln(progress, "FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Fprintln(progress, "OK")

	if planJSON {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(plan.Changes) == 0 && len(plan.Unclassified) == 0 {
		fmt.Fprintln(out, "\nNo changes. Cache is up-to-date.")
	} else {
		fmt.Fprintln(out, "\nPantry will perform the following actions:")
		renderPlan(out, plan)
	}
	renderPlanSummary(out, plan)
	return nil
}
