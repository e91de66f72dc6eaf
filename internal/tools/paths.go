package tools

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// PathPolicy controls where filesystem and shell tools may reach.
// Standard mode optionally restricts to the workspace; evolutionary mode
// restricts to an explicit whitelist. The protected blacklist applies on
// top of both.
type PathPolicy struct {
	Workspace string
	Restrict  bool     // standard mode: confine to workspace
	Allowed   []string // evolutionary mode: explicit path whitelist
	Protected []string // always denied (config file, vault, audit log)
}

// Resolve validates a tool-supplied path against the policy and returns the
// canonical form.
func (p *PathPolicy) Resolve(path string) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(p.Workspace, path))
	}

	real, err := canonicalize(resolved)
	if err != nil {
		slog.Warn("tools: path resolution failed", "path", path, "error", err)
		return "", fmt.Errorf("access denied: cannot resolve path")
	}

	for _, prot := range p.Protected {
		protReal, perr := canonicalize(prot)
		if perr != nil {
			protReal = prot
		}
		if isPathInside(real, protReal) {
			return "", fmt.Errorf("access denied: %s is protected", filepath.Base(prot))
		}
	}

	if len(p.Allowed) > 0 {
		for _, prefix := range p.Allowed {
			prefixReal, perr := canonicalize(prefix)
			if perr != nil {
				prefixReal = prefix
			}
			if isPathInside(real, prefixReal) {
				return real, nil
			}
		}
		return "", fmt.Errorf("access denied: path outside allowed set")
	}

	if p.Restrict {
		wsReal, werr := canonicalize(p.Workspace)
		if werr != nil {
			wsReal = p.Workspace
		}
		if !isPathInside(real, wsReal) {
			slog.Warn("tools: path escape blocked", "path", path, "resolved", real)
			return "", fmt.Errorf("access denied: path outside workspace")
		}
		if err := checkHardlink(real); err != nil {
			return "", err
		}
	}
	return real, nil
}

// canonicalize resolves symlinks; for non-existent leaves it canonicalizes
// the deepest existing ancestor and reattaches the remainder.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}

	current := abs
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(abs), nil
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// checkHardlink rejects regular files with nlink > 1. Directories naturally
// have nlink > 1 and are exempt.
func checkHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil // will fail at read/write instead
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 {
		slog.Warn("tools: hardlinked file rejected", "path", path, "nlink", stat.Nlink)
		return fmt.Errorf("access denied: hardlinked file not allowed")
	}
	return nil
}
