package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long:  `Evaluates the configuration and reports every invalid value at once.`,
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprint(out, "Validating configuration... ")
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return err
	}
	fmt.Fprintln(out, "OK")

	origin := cfg.Origin.URL
	if cfg.Origin.Type == "s3" {
		origin = "s3://" + cfg.Origin.Bucket + "/" + cfg.Origin.Prefix
	}
	fmt.Fprintf(out, "  Platform: %s\n", cfg.Platform)
	fmt.Fprintf(out, "  Cache:    %s\n", cfg.CacheDir)
	fmt.Fprintf(out, "  Origin:   %s (%s)\n", origin, cfg.Origin.Type)
	if cfg.Lock != nil {
		fmt.Fprintf(out, "  Lock:     dynamodb:%s\n", cfg.Lock.DynamoDBTable)
	}
	return nil
}
