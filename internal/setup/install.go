package setup

import (
	"bytes"
	_ "embed"
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed plist.tmpl
var plistTemplateStr string

var plistTemplate = template.Must(template.New("plist").Funcs(template.FuncMap{
	"xml": xmlEscape,
}).Parse(plistTemplateStr))

const (
	// BinaryName is the name of the installed binary.
	BinaryName = "calrelay"

	// InstallDir is the default install directory for the binary.
	InstallDir = "/usr/local/bin"

	// PlistLabel is the launchd job label.
	PlistLabel = "com.github.njoerd114.calrelay"
)

// Agent describes the launchd agent that runs "calrelay daemon" at login.
type Agent struct {
	HomeDir    string
	BinaryPath string

	// ConfigPath is passed to the daemon with --config when non-empty.
	ConfigPath string

	// run executes external commands; replaced in tests.
	run func(name string, args ...string) ([]byte, error)
}

// NewAgent returns the agent for the current user with the binary in
// [InstallDir].
func NewAgent(configPath string) (*Agent, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	return &Agent{
		HomeDir:    home,
		BinaryPath: filepath.Join(InstallDir, BinaryName),
		ConfigPath: configPath,
		run:        runCommand,
	}, nil
}

// PlistPath returns the launchd plist destination path.
func (a *Agent) PlistPath() string {
	return filepath.Join(a.HomeDir, "Library", "LaunchAgents", PlistLabel+".plist")
}

// LogDir returns the directory the daemon's stdout and stderr go to.
func (a *Agent) LogDir() string {
	return filepath.Join(a.HomeDir, "Library", "Logs", BinaryName)
}

// Plist renders the launchd property list.
func (a *Agent) Plist() ([]byte, error) {
	data := struct {
		Label      string
		BinaryPath string
		ConfigPath string
		LogDir     string
		HomeDir    string
	}{PlistLabel, a.BinaryPath, a.ConfigPath, a.LogDir(), a.HomeDir}

	var buf bytes.Buffer
	if err := plistTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("executing plist template: %w", err)
	}
	return buf.Bytes(), nil
}

// InstallBinary copies the running executable to a.BinaryPath, using sudo
// when the target directory is not writable.
func (a *Agent) InstallBinary() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving current executable path: %w", err)
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}
	if self == a.BinaryPath {
		return nil
	}

	if isWritable(filepath.Dir(a.BinaryPath)) {
		return copyFile(self, a.BinaryPath, 0o755)
	}

	//nolint:gosec // sudo is intentional; macOS prompts the user.
	cmd := exec.Command("sudo", "install", "-m", "755", self, a.BinaryPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo install to %s: %w", a.BinaryPath, err)
	}
	return nil
}

// WritePlist writes the plist to ~/Library/LaunchAgents and creates the log
// directory it points at.
func (a *Agent) WritePlist() error {
	data, err := a.Plist()
	if err != nil {
		return err
	}

	dest := a.PlistPath()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating LaunchAgents directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("writing plist to %s: %w", dest, err)
	}
	if err := os.MkdirAll(a.LogDir(), 0o755); err != nil {
		return fmt.Errorf("creating log directory %s: %w", a.LogDir(), err)
	}
	return nil
}

// Load (re)loads the agent so the daemon starts immediately.
func (a *Agent) Load() error {
	_ = a.Unload()
	if out, err := a.run("launchctl", "load", a.PlistPath()); err != nil {
		return fmt.Errorf("launchctl load: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Unload stops the daemon. A missing plist is not an error.
func (a *Agent) Unload() error {
	plist := a.PlistPath()
	if _, err := os.Stat(plist); os.IsNotExist(err) {
		return nil
	}
	if out, err := a.run("launchctl", "unload", plist); err != nil {
		return fmt.Errorf("launchctl unload: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Loaded reports whether launchd currently knows the job.
func (a *Agent) Loaded() bool {
	_, err := a.run("launchctl", "list", PlistLabel)
	return err == nil
}

// Install copies the binary, writes the plist and loads the agent.
func (a *Agent) Install() error {
	if err := a.InstallBinary(); err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	if err := a.WritePlist(); err != nil {
		return err
	}
	return a.Load()
}

// Uninstall unloads the agent and removes the plist and the binary.
func (a *Agent) Uninstall() error {
	if err := a.Unload(); err != nil {
		return err
	}
	if err := os.Remove(a.PlistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing plist: %w", err)
	}
	return a.removeBinary()
}

func (a *Agent) removeBinary() error {
	if _, err := os.Stat(a.BinaryPath); os.IsNotExist(err) {
		return nil
	}
	if isWritable(filepath.Dir(a.BinaryPath)) {
		if err := os.Remove(a.BinaryPath); err != nil {
			return fmt.Errorf("removing %s: %w", a.BinaryPath, err)
		}
		return nil
	}

	//nolint:gosec // sudo is intentional
	cmd := exec.Command("sudo", "rm", "-f", a.BinaryPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// PurgeUserData removes the config directory, the state database directory
// and the daemon logs. Keyring items are removed by the caller.
func (a *Agent) PurgeUserData() error {
	dirs := []string{
		filepath.Join(a.HomeDir, ".config", BinaryName),
		filepath.Join(a.HomeDir, ".local", "share", BinaryName),
		a.LogDir(),
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	return nil
}

// --- helpers ---

func runCommand(name string, args ...string) ([]byte, error) {
	//nolint:gosec // fixed command names, user-owned paths
	return exec.Command(name, args...).CombinedOutput()
}

func xmlEscape(s string) (string, error) {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}

func isWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".calrelay-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}
