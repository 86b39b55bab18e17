package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	noColor    bool
	chdir      string
)

var rootCmd = &cobra.Command{
	Use:   "pantry",
	Short: "Reference-counted resource cache with a package downloader",
	Long: `Pantry keeps a local package cache in step with a remote manifest and
loads resources out of it.

It provides:
  • Manifest-driven reconciliation of the package cache
  • Bounded, retrying downloads with integrity digests
  • Dependency-first, reference-counted resource loading`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default pantry.pkl, then pantry.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVarP(&chdir, "chdir", "C", "", "Switch to this directory before doing anything")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(versionCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	if chdir != "" {
		if err := os.Chdir(chdir); err != nil {
			return fmt.Errorf("failed to change directory: %w", err)
		}
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		noColor = true
	}
	initLogging(cmd, "", "")
	return nil
}

// colorize returns the ANSI code unless color output is disabled.
func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorDim    = "\033[2m"
)
