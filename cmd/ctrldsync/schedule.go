package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/ctrldsync/internal/infra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run sync periodically via a macOS LaunchAgent",
	Long: `Installs a user LaunchAgent that runs 'ctrldsync sync' at load and then
every --interval. Profiles, sources and the token are resolved from the
config file and credential store at each run, so the token is never written
into the plist.`,
}

var scheduleInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install or update the LaunchAgent",
	RunE:  runScheduleInstall,
}

var scheduleUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Unload and remove the LaunchAgent",
	RunE:  runScheduleUninstall,
}

var scheduleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the LaunchAgent is installed",
	RunE:  runScheduleStatus,
}

var (
	scheduleInterval time.Duration
	scheduleArgs     []string
)

func init() {
	scheduleInstallCmd.Flags().DurationVar(&scheduleInterval, "interval", 6*time.Hour, "Time between syncs (minimum 1m)")
	scheduleInstallCmd.Flags().StringSliceVar(&scheduleArgs, "sync-arg", nil, "Extra argument passed to 'sync' (repeatable)")
	scheduleCmd.AddCommand(scheduleInstallCmd, scheduleUninstallCmd, scheduleStatusCmd)
}

func launchAgent() (*infra.LaunchAgent, error) {
	if runtime.GOOS != "darwin" {
		return nil, errors.New("schedule requires macOS launchd; use 'sync --watch' or cron elsewhere")
	}
	return infra.NewLaunchAgent()
}

// scheduledArgs builds the sync invocation stored in the plist.
func scheduledArgs(configPath string, extra []string) []string {
	args := []string{"sync"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return append(args, extra...)
}

func runScheduleInstall(cmd *cobra.Command, args []string) error {
	agent, err := launchAgent()
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}

	cfgPath := configFile
	if cfgPath != "" {
		if cfgPath, err = filepath.Abs(cfgPath); err != nil {
			return err
		}
	}
	logDir, err := infra.CacheDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return err
	}

	spec := infra.ScheduleSpec{
		ExecutablePath: exe,
		Args:           scheduledArgs(cfgPath, scheduleArgs),
		Interval:       scheduleInterval,
		LogDir:         logDir,
	}
	if agent.IsInstalled() && !agent.NeedsUpdate(spec) {
		fmt.Fprintf(cmd.OutOrStdout(), "already installed: %s\n", agent.PlistPath())
		return nil
	}
	if err := agent.Install(spec); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "installed %s (every %s)\n", agent.PlistPath(), scheduleInterval)
	return nil
}

func runScheduleUninstall(cmd *cobra.Command, args []string) error {
	agent, err := launchAgent()
	if err != nil {
		return err
	}
	if err := agent.Uninstall(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "schedule removed")
	return nil
}

func runScheduleStatus(cmd *cobra.Command, args []string) error {
	agent, err := launchAgent()
	if err != nil {
		return err
	}
	if agent.IsInstalled() {
		fmt.Fprintf(cmd.OutOrStdout(), "installed: %s\n", agent.PlistPath())
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "not installed")
	}
	return nil
}
