package harness

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// ResolverConfig describes where a provider binary may live.
type ResolverConfig struct {
	// Binary is the executable name looked up on PATH.
	Binary string
	// Override is an explicit path from configuration. When set it is the
	// only location considered.
	Override string
	// KnownLocations are install paths checked before PATH. A leading "~/"
	// expands to the user's home directory.
	KnownLocations []string
}

// Resolver finds and caches the absolute path of a provider binary. It is
// safe for concurrent use; lookups after the first are read-locked.
type Resolver struct {
	cfg      ResolverConfig
	lookPath func(file string) (string, error)
	stat     func(name string) (os.FileInfo, error)
	homeDir  func() (string, error)

	mu     sync.RWMutex
	cached string
}

// NewResolver builds a resolver backed by exec.LookPath and os.Stat.
func NewResolver(cfg ResolverConfig) *Resolver {
	return newResolver(cfg, exec.LookPath, os.Stat, os.UserHomeDir)
}

func newResolver(
	cfg ResolverConfig,
	lookPath func(file string) (string, error),
	stat func(name string) (os.FileInfo, error),
	homeDir func() (string, error),
) *Resolver {
	cfg.Binary = strings.TrimSpace(cfg.Binary)
	cfg.Override = strings.TrimSpace(cfg.Override)
	return &Resolver{
		cfg:      cfg,
		lookPath: lookPath,
		stat:     stat,
		homeDir:  homeDir,
	}
}

// Binary returns the executable name.
func (r *Resolver) Binary() string {
	return r.cfg.Binary
}

// Resolve returns the absolute executable path. It fails with an error
// wrapping ErrNotFound when no candidate exists.
func (r *Resolver) Resolve() (string, error) {
	if r == nil {
		return "", errors.New("resolver is nil")
	}

	r.mu.RLock()
	cached := r.cached
	r.mu.RUnlock()
	if cached != "" && r.isExecutable(cached) {
		return cached, nil
	}

	path, err := r.search()
	r.mu.Lock()
	if err != nil {
		r.cached = ""
	} else {
		r.cached = path
	}
	r.mu.Unlock()
	return path, err
}

// Invalidate drops the cached path so the next Resolve searches again.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cached = ""
	r.mu.Unlock()
}

func (r *Resolver) search() (string, error) {
	searched := make([]string, 0, len(r.cfg.KnownLocations)+1)

	if r.cfg.Override != "" {
		candidate := r.expand(r.cfg.Override)
		searched = append(searched, candidate)
		if r.isExecutable(candidate) {
			return absolute(candidate), nil
		}
		return "", &NotFoundError{Binary: r.cfg.Binary, Searched: searched}
	}

	for _, location := range r.cfg.KnownLocations {
		candidate := r.expand(location)
		if candidate == "" {
			continue
		}
		searched = append(searched, candidate)
		if r.isExecutable(candidate) {
			return absolute(candidate), nil
		}
	}

	if r.cfg.Binary != "" && r.lookPath != nil {
		searched = append(searched, "$PATH/"+r.cfg.Binary)
		if path, err := r.lookPath(r.cfg.Binary); err == nil {
			return absolute(path), nil
		}
	}

	return "", &NotFoundError{Binary: r.cfg.Binary, Searched: searched}
}

func (r *Resolver) expand(location string) string {
	location = strings.TrimSpace(location)
	if !strings.HasPrefix(location, "~/") {
		return location
	}
	if r.homeDir == nil {
		return ""
	}
	home, err := r.homeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, location[2:])
}

func (r *Resolver) isExecutable(path string) bool {
	if r.stat == nil || path == "" {
		return false
	}
	info, err := r.stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

func absolute(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// availabilityFor converts a resolution attempt into a non-failing answer.
func availabilityFor(desc Descriptor, path string, err error) Availability {
	availability := Availability{
		Name:         desc.Name,
		DisplayName:  desc.DisplayName,
		Capabilities: desc.Capabilities,
	}
	if err != nil {
		availability.Error = err.Error()
		return availability
	}
	availability.Available = true
	availability.ResolvedPath = path
	return availability
}
