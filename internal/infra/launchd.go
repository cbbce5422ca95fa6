package infra

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"
)

// DefaultLaunchdLabel identifies the scheduled-sync LaunchAgent.
const DefaultLaunchdLabel = "com.ctrldsync.sync"

// launchAgentTemplate runs one sync on load and then every StartInterval seconds.
const launchAgentTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>

    <key>StartInterval</key>
    <integer>{{.IntervalSeconds}}</integer>

    <key>RunAtLoad</key>
    <true/>

    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>

    <key>StandardErrorPath</key>
    <string>{{.ErrorLogPath}}</string>

    <key>ProcessType</key>
    <string>Background</string>
</dict>
</plist>`

// CommandRunner runs launchctl; swapped out in tests.
type CommandRunner func(name string, args ...string) error

func execRunner(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, bytes.TrimSpace(out))
	}
	return nil
}

// ScheduleSpec describes what the LaunchAgent runs.
type ScheduleSpec struct {
	ExecutablePath string
	// Args follow the executable, e.g. ["sync", "--config", "/path"].
	Args     []string
	Interval time.Duration
	LogDir   string
}

type plistConfig struct {
	Label           string
	Args            []string
	IntervalSeconds int
	LogPath         string
	ErrorLogPath    string
}

// LaunchAgent installs a user LaunchAgent that runs ctrldsync periodically.
type LaunchAgent struct {
	label     string
	plistDir  string
	plistPath string
	run       CommandRunner
}

// NewLaunchAgent creates a manager for ~/Library/LaunchAgents.
func NewLaunchAgent() (*LaunchAgent, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate home dir: %w", err)
	}
	return NewLaunchAgentWithDir(filepath.Join(home, "Library", "LaunchAgents"), DefaultLaunchdLabel, execRunner), nil
}

// NewLaunchAgentWithDir creates a manager with a custom plist dir and runner (for tests).
func NewLaunchAgentWithDir(plistDir, label string, run CommandRunner) *LaunchAgent {
	return &LaunchAgent{
		label:     label,
		plistDir:  plistDir,
		plistPath: filepath.Join(plistDir, label+".plist"),
		run:       run,
	}
}

// generatePlistContent renders the plist for spec.
func (m *LaunchAgent) generatePlistContent(spec ScheduleSpec) ([]byte, error) {
	if spec.ExecutablePath == "" {
		return nil, errors.New("executable path is required")
	}
	if spec.Interval < time.Minute {
		return nil, fmt.Errorf("schedule interval %s is below 1m", spec.Interval)
	}

	config := plistConfig{
		Label:           m.label,
		Args:            append([]string{spec.ExecutablePath}, spec.Args...),
		IntervalSeconds: int(spec.Interval / time.Second),
		LogPath:         filepath.Join(spec.LogDir, "ctrldsync.log"),
		ErrorLogPath:    filepath.Join(spec.LogDir, "ctrldsync.error.log"),
	}

	tmpl, err := template.New("plist").Parse(launchAgentTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plist template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, config); err != nil {
		return nil, fmt.Errorf("failed to execute plist template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the plist and loads it, replacing any earlier version.
func (m *LaunchAgent) Install(spec ScheduleSpec) error {
	content, err := m.generatePlistContent(spec)
	if err != nil {
		return fmt.Errorf("failed to generate plist content: %w", err)
	}
	if err := os.MkdirAll(m.plistDir, 0755); err != nil {
		return err
	}
	if m.IsInstalled() {
		_ = m.unload()
	}
	if err := os.WriteFile(m.plistPath, content, 0644); err != nil {
		return err
	}
	return m.load()
}

// Uninstall unloads and removes the plist. Missing plists are not an error.
func (m *LaunchAgent) Uninstall() error {
	if !m.IsInstalled() {
		return nil
	}
	_ = m.unload()
	return os.Remove(m.plistPath)
}

// IsInstalled checks if the plist exists.
func (m *LaunchAgent) IsInstalled() bool {
	_, err := os.Stat(m.plistPath)
	return err == nil
}

// NeedsUpdate reports whether an installed plist differs from spec.
func (m *LaunchAgent) NeedsUpdate(spec ScheduleSpec) bool {
	if !m.IsInstalled() {
		return false
	}
	current, err := os.ReadFile(m.plistPath)
	if err != nil {
		return true
	}
	expected, err := m.generatePlistContent(spec)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

// PlistPath returns the plist file path.
func (m *LaunchAgent) PlistPath() string {
	return m.plistPath
}

func (m *LaunchAgent) load() error {
	return m.run("launchctl", "load", m.plistPath)
}

func (m *LaunchAgent) unload() error {
	return m.run("launchctl", "unload", m.plistPath)
}
