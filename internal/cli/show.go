package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the cache index",
	Long:  `Displays every package recorded in the cache index.`,
	Args:  cobra.NoArgs,
	RunE:  runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output in JSON format")
}

func runShow(cmd *cobra.Command, args []string) error {
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

	if showJSON {
		data, err := json.MarshalIndent(idx, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal index: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Index: version=%d serial=%d lineage=%s platform=%s\n", idx.Version, idx.Serial, idx.Lineage, idx.Platform)
	fmt.Fprintf(out, "Packages: %d\n\n", len(idx.Packages))

	var total int64
	for _, e := range sortedEntries(idx) {
		total += e.Size
		fmt.Fprintf(out, "# %s\n", e.PreName)
		fmt.Fprintf(out, "  file    = %s\n", e.FileName)
		fmt.Fprintf(out, "  size    = %s\n", formatBytes(e.Size))
		fmt.Fprintf(out, "  digest  = %s\n", e.Digest)
		fmt.Fprintf(out, "  fetched = %s\n\n", time.Unix(e.FetchedAt, 0).UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Total: %s\n", formatBytes(total))
	return nil
}
