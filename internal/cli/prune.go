package cli

import (
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/picklr-io/pantry/internal/cache"
	"github.com/picklr-io/pantry/internal/ir"
	"github.com/spf13/cobra"
)

var pruneDryRun bool

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove cached files the manifest no longer names",
	Long: `Deletes package files whose pre-name is unknown to the last fetched
manifest, along with outdated versions of known packages.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "List files without removing them")
}

// pruneCandidates returns the local files m does not reference, sorted.
func pruneCandidates(local map[string][]cache.LocalFile, m *ir.Manifest) []string {
	var out []string
	for pre, files := range local {
		remote, known := m.HashedName(pre)
		for _, f := range files {
			if !known || path.Base(f.Name) != path.Base(remote) {
				out = append(out, f.Name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func runPrune(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	m, err := localManifest(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	if !pruneDryRun {
		if err := store.Lock(ctx); err != nil {
			return err
		}
		defer func() {
			if uerr := store.Unlock(ctx); uerr != nil {
				err = errors.Join(err, uerr)
			}
		}()
	}

	local, err := store.Scan()
	if err != nil {
		return err
	}
	candidates := pruneCandidates(local, m)
	if len(candidates) == 0 {
		fmt.Fprintln(out, "Nothing to prune.")
		return nil
	}

	idx, err := store.ReadIndex(ctx)
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}
	var removed []string
	var errs []error
	for _, name := range candidates {
		if pruneDryRun {
			fmt.Fprintf(out, "%s  - %s%s\n", colorize(colorDim), name, colorize(colorReset))
			continue
		}
		if err := store.Remove(name); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, name)
		fmt.Fprintf(out, "%s  - %s%s\n", colorize(colorRed), name, colorize(colorReset))
	}
	if pruneDryRun {
		fmt.Fprintf(out, "\n%d file(s) would be removed.\n", len(candidates))
		return nil
	}

	dropped := 0
	for _, name := range removed {
		for pre, e := range idx.Packages {
			if e.FileName == name {
				delete(idx.Packages, pre)
				dropped++
			}
		}
	}
	if dropped > 0 {
		if err := store.WriteIndex(ctx, idx); err != nil {
			errs = append(errs, fmt.Errorf("failed to write index: %w", err))
		}
	}

	fmt.Fprintf(out, "\nPrune complete! %d file(s) removed.\n", len(removed))
	return errors.Join(errs...)
}
