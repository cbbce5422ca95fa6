// Package main is the CLI entry point for ctrldsync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/ctrldsync/internal/config"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ctrldsync",
	Short: "Sync hosted DNS rule lists into Control D profile folders",
	Long: `ctrldsync reconciles published rule-list folders (hagezi, yokoffing or
your own URLs) against one or more Control D profiles. Matching folders
are deleted and recreated, and rules are pushed in batches while staying
within the API's rate limits.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configFile string
	logLevel   string
	logFile    string
	cacheDir   string
	jsonOutput bool
)

// flagKeys binds persistent and sync flags onto config keys.
var flagKeys = map[string]string{
	"log.level":       "log-level",
	"log.file":        "log-file",
	"cache.dir":       "cache-dir",
	"profiles":        "profile",
	"folder_urls":     "folder-url",
	"sync.batch_size": "batch-size",
	"metrics.file":    "metrics-file",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: user config dir or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write JSON logs to this rotated file")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Source cache directory")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves configuration with cmd's flags bound on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	opts := config.Options{
		File:     configFile,
		Flags:    cmd.Flags(),
		FlagKeys: flagKeys,
	}
	if configFile == "" {
		opts.SearchPaths = config.DefaultSearchPaths()
	}
	return config.Load(opts)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\ninterrupted, finishing in-flight work...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("ctrldsync %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
