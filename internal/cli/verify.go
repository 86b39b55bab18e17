package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/picklr-io/pantry/internal/cache"
	"github.com/picklr-io/pantry/internal/ir"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check cached packages against their recorded digests",
	Long: `Re-hashes every package in the cache index and reports files that
are missing or whose content no longer matches. Run 'pantry reconcile
--verify' to repair them.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

// integrityProblem is one index entry that failed verification.
type integrityProblem struct {
	Package string
	File    string
	Reason  string
}

// verifyIndex hashes every indexed file. Entries are checked in pre-name order.
func verifyIndex(store *cache.Store, idx *ir.CacheIndex) ([]integrityProblem, error) {
	var problems []integrityProblem
	for _, e := range sortedEntries(idx) {
		digest, size, err := store.Digest(e.FileName)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			problems = append(problems, integrityProblem{Package: e.PreName, File: e.FileName, Reason: "missing"})
		case err != nil:
			return problems, err
		case size != e.Size:
			problems = append(problems, integrityProblem{Package: e.PreName, File: e.FileName,
				Reason: fmt.Sprintf("size %d, expected %d", size, e.Size)})
		case digest != e.Digest:
			problems = append(problems, integrityProblem{Package: e.PreName, File: e.FileName, Reason: "digest mismatch"})
		}
	}
	return problems, nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	idx, err := store.ReadIndex(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	fmt.Fprintf(out, "Verifying %d package(s)... ", len(idx.Packages))
	problems, err := verifyIndex(store, idx)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return fmt.Errorf("verification failed: %w", err)
	}
	if len(problems) == 0 {
		fmt.Fprintln(out, "OK")
		return nil
	}
	fmt.Fprintln(out, "FAILED")
	for _, p := range problems {
		fmt.Fprintf(out, "%s  ! %s%s %s (%s)\n", colorize(colorRed), p.Package, colorize(colorReset), p.File, p.Reason)
	}
	return fmt.Errorf("%d package(s) failed verification", len(problems))
}
