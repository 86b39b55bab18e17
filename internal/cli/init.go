package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/picklr-io/pantry/internal/eval"
	"github.com/picklr-io/pantry/internal/ir"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	initPlatform string
	initOrigin   string
	initYAML     bool
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a new Pantry project",
	Long:  `Creates a starter configuration and an empty cache directory.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func init() {
	initCmd.Flags().StringVar(&initPlatform, "platform", "Android", "Platform name")
	initCmd.Flags().StringVar(&initOrigin, "origin", "https://cdn.example.com/res", "Origin URL")
	initCmd.Flags().BoolVar(&initYAML, "yaml", false, "Write pantry.yaml instead of pantry.pkl")
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	if err := os.MkdirAll(filepath.Join(dir, eval.DefaultCacheDir), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	name, content := eval.DefaultEntryPoint, eval.StarterConfig(initPlatform, initOrigin)
	if initYAML {
		cfg := &ir.Config{Platform: initPlatform, Origin: &ir.OriginConfig{URL: initOrigin}}
		eval.ApplyDefaults(cfg)
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		name, content = eval.FallbackEntryPoint, "# Pantry configuration\n"+string(data)
	}

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "%s already exists, leaving it untouched\n", path)
	} else if os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		fmt.Fprintf(out, "Created %s\n", path)
	} else {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	fmt.Fprintln(out, "\nPantry initialized successfully!")
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  1. Point origin at your package server in %s\n", name)
	fmt.Fprintln(out, "  2. Run 'pantry plan' to see what will be downloaded")
	fmt.Fprintln(out, "  3. Run 'pantry reconcile' to fill the cache")
	return nil
}
