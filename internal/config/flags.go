package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags on a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "surgecast",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Test shape flags
	flags.String("target", "", "Target streaming page URL to load test")
	flags.IntP("users", "u", 1, "Number of concurrent simulated viewers")
	flags.DurationP("duration", "d", 60*time.Second, "Total test duration (e.g. 2m, 90s)")
	flags.Duration("ramp-up", 0, "Time over which sessions are started (0 starts all immediately)")
	flags.Duration("navigation-timeout", 30*time.Second, "Per-session page navigation timeout")

	// Traffic filtering flags
	flags.Bool("streaming-only", false, "Block requests that are neither streaming nor essential traffic")
	flags.StringSlice("allow-url", nil, "URL pattern always allowed (glob or /regex/)")
	flags.StringSlice("block-url", nil, "URL pattern always blocked (glob or /regex/)")

	// Pool flags
	flags.Int("max-instances", 5, "Maximum browser instances in the pool")
	flags.Int("min-instances", 1, "Minimum browser instances kept alive")
	flags.Float64("max-memory-mb", 512, "Memory limit per browser instance in MB")
	flags.Float64("max-cpu", 80, "CPU percentage limit per browser instance")

	// Driver flags
	flags.Bool("headless", true, "Run browsers headless")
	flags.String("chrome-path", "", "Path to the Chrome/Chromium binary")

	// Output flags
	flags.String("results-file", "results.json", "Path for the final aggregated results JSON")
	flags.String("config", "", "Path to a YAML/JSON config file")
	flags.BoolP("help", "h", false, "Show help")
}

func displayHelp(cmd *cobra.Command) {
	fmt.Fprintln(cmd.OutOrStdout(), "surgecast - browser-based streaming load tester")
	fmt.Fprintln(cmd.OutOrStdout())
	fmt.Fprintln(cmd.OutOrStdout(), "Usage:")
	fmt.Fprintln(cmd.OutOrStdout(), "  surgecast --target <url> [flags]")
	fmt.Fprintln(cmd.OutOrStdout())
	fmt.Fprintln(cmd.OutOrStdout(), "Flags:")
	fmt.Fprintln(cmd.OutOrStdout(), cmd.Flags().FlagUsages())
}
