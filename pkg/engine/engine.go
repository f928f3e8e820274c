// Package engine adapts the system package-management engine.
//
// The engine owns dependency resolution and the package cache. qapt only
// reads snapshots from it and asks it to resolve change sets; it never
// parses the binary package database itself.
package engine

import (
	"context"
	"sort"
	"time"
)

// Record is one package as the engine reports it, identified by name and
// architecture.
type Record struct {
	Name             string
	Architecture     string
	Section          string
	InstalledVersion string // empty when not installed
	CandidateVersion string // empty when not downloadable
	Summary          string
	Description      string
	Maintainer       string
	Homepage         string
	Priority         string
	InstalledSize    int64 // bytes
	DownloadSize     int64 // bytes
	Essential        bool
	Auto             bool // installed as a dependency
	Held             bool
	ResidualConfig   bool // removed, configuration files remain
}

// ID returns the name:arch key of the record
func (r Record) ID() string {
	if r.Architecture == "" {
		return r.Name
	}
	return r.Name + ":" + r.Architecture
}

// Changes is a set of package operations, by package name
type Changes struct {
	Install []string `json:"install,omitempty"`
	Remove  []string `json:"remove,omitempty"`
	Upgrade []string `json:"upgrade,omitempty"`
	Purge   []string `json:"purge,omitempty"`
}

// Empty reports whether the change set contains no operation
func (c *Changes) Empty() bool {
	return c == nil || len(c.Install)+len(c.Remove)+len(c.Upgrade)+len(c.Purge) == 0
}

// Len returns the number of operations
func (c *Changes) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Install) + len(c.Remove) + len(c.Upgrade) + len(c.Purge)
}

// Sort orders every list by name
func (c *Changes) Sort() {
	for _, l := range [][]string{c.Install, c.Remove, c.Upgrade, c.Purge} {
		sort.Strings(l)
	}
}

// Engine is the package-management engine qapt delegates to
type Engine interface {
	// Load returns a snapshot of every package known to the engine
	Load(ctx context.Context) ([]Record, error)

	// ModTime returns the modification time of the engine's cache
	ModTime() (time.Time, error)

	// Upgrades returns the packages the resolver would upgrade. With dist
	// set, new packages may be installed and others removed.
	Upgrades(ctx context.Context, dist bool) (*Changes, error)

	// Simulate resolves requested changes into the full set the engine
	// would apply
	Simulate(ctx context.Context, req *Changes) (*Changes, error)

	// Architecture returns the native architecture
	Architecture(ctx context.Context) (string, error)

	// CachePaths returns the files whose modification means the cache changed
	CachePaths() []string
}
