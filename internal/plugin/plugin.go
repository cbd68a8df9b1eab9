// Package plugin runs external go365cal-<name> executables found on PATH, so
// `go365cal foo` dispatches to go365cal-foo when foo is not a built-in
// command.
package plugin

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Prefix is prepended to a plugin name to form its executable name.
const Prefix = "go365cal-"

// Runner locates and runs plugins.
type Runner struct {
	// PathList is a PATH-style directory list. Empty means $PATH.
	PathList string
	Stdin    io.Reader
	Stdout   io.Writer
	Stderr   io.Writer
	// Env is appended to the plugin's environment.
	Env []string
}

// NewRunner returns a runner attached to the process's standard streams.
func NewRunner() *Runner {
	return &Runner{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

func (r *Runner) dirs() []string {
	list := r.PathList
	if list == "" {
		list = os.Getenv("PATH")
	}
	if list == "" {
		return nil
	}
	return filepath.SplitList(list)
}

// Find returns the path of the plugin executable for name.
func (r *Runner) Find(name string) (string, error) {
	exe := Prefix + name
	for _, dir := range r.dirs() {
		full := filepath.Join(dir, exe)
		if isExecutable(full) {
			return full, nil
		}
	}
	return "", fmt.Errorf("plugin '%s' not found in PATH", exe)
}

// Run executes the plugin for name with args and waits for it to exit.
func (r *Runner) Run(ctx context.Context, name string, args []string) error {
	path, err := r.Find(name)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = r.Stdin
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	cmd.Env = append(os.Environ(), r.Env...)
	return cmd.Run()
}

// List returns the sorted names of all plugins on the path. A name found in
// several directories is listed once.
func (r *Runner) List() []string {
	seen := make(map[string]bool)
	for _, dir := range r.dirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, Prefix) {
				continue
			}
			if isExecutable(filepath.Join(dir, name)) {
				seen[strings.TrimPrefix(name, Prefix)] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
