package backend

import (
	"fmt"
	"strings"

	"github.com/dikkadev/qapt/pkg/engine"
)

// State is a bit set describing a package
type State uint32

const (
	// Requested actions
	ToKeep State = 1 << iota
	ToInstall
	NewInstall
	ToReInstall
	ToUpgrade
	ToRemove
	ToPurge

	// Persistent flags
	Installed
	NotInstalled
	Upgradeable
	Held
	IsAuto
	ResidualConfig
	NotDownloadable
	Essential
)

// Marked matches every package with a pending action
const Marked = ToInstall | ToReInstall | ToUpgrade | ToRemove | ToPurge

var stateNames = []struct {
	flag State
	name string
}{
	{ToKeep, "keep"},
	{ToInstall, "install"},
	{NewInstall, "new"},
	{ToReInstall, "reinstall"},
	{ToUpgrade, "upgrade"},
	{ToRemove, "remove"},
	{ToPurge, "purge"},
	{Installed, "installed"},
	{NotInstalled, "not-installed"},
	{Upgradeable, "upgradeable"},
	{Held, "held"},
	{IsAuto, "auto"},
	{ResidualConfig, "residual-config"},
	{NotDownloadable, "not-downloadable"},
	{Essential, "essential"},
}

func (s State) String() string {
	var names []string
	for _, n := range stateNames {
		if s&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Package is a handle on one package of the cache snapshot. Handles stay
// readable after ReloadCache but can no longer be marked.
type Package struct {
	backend    *Backend
	rec        engine.Record
	generation uint64
	mark       State // guarded by backend.mu
}

func (p *Package) Name() string             { return p.rec.Name }
func (p *Package) Architecture() string     { return p.rec.Architecture }
func (p *Package) Section() string          { return p.rec.Section }
func (p *Package) Version() string          { return p.rec.InstalledVersion }
func (p *Package) AvailableVersion() string { return p.rec.CandidateVersion }
func (p *Package) ShortDescription() string { return p.rec.Summary }
func (p *Package) LongDescription() string  { return p.rec.Description }
func (p *Package) Maintainer() string       { return p.rec.Maintainer }
func (p *Package) Homepage() string         { return p.rec.Homepage }
func (p *Package) Priority() string         { return p.rec.Priority }
func (p *Package) InstalledSize() int64     { return p.rec.InstalledSize }
func (p *Package) DownloadSize() int64      { return p.rec.DownloadSize }
func (p *Package) IsInstalled() bool        { return p.rec.InstalledVersion != "" }
func (p *Package) IsEssential() bool        { return p.rec.Essential }

// ID returns the name:arch form of the package
func (p *Package) ID() string {
	return p.rec.ID()
}

// IsUpgradeable reports whether a candidate other than the installed
// version exists
func (p *Package) IsUpgradeable() bool {
	return p.IsInstalled() &&
		p.rec.CandidateVersion != "" &&
		p.rec.CandidateVersion != p.rec.InstalledVersion
}

// HasVersion reports whether the package is installed or downloadable
func (p *Package) HasVersion() bool {
	return p.rec.InstalledVersion != "" || p.rec.CandidateVersion != ""
}

// State returns the persistent flags combined with the pending action
func (p *Package) State() State {
	p.backend.mu.RLock()
	defer p.backend.mu.RUnlock()
	return p.state()
}

// state requires backend.mu
func (p *Package) state() State {
	s := p.flags() | p.mark
	if p.mark == 0 {
		s |= ToKeep
	}
	return s
}

func (p *Package) flags() State {
	var s State
	if p.IsInstalled() {
		s |= Installed
	} else {
		s |= NotInstalled
	}
	if p.IsUpgradeable() {
		s |= Upgradeable
	}
	if p.rec.Held {
		s |= Held
	}
	if p.rec.Auto {
		s |= IsAuto
	}
	if p.rec.ResidualConfig {
		s |= ResidualConfig
	}
	if p.rec.CandidateVersion == "" {
		s |= NotDownloadable
	}
	if p.rec.Essential {
		s |= Essential
	}
	return s
}

// SetInstall marks the package for installation, or for upgrade when an
// older version is installed
func (p *Package) SetInstall() error {
	return p.backend.setMark(p, p.installMark)
}

// SetReInstall marks an installed package for reinstallation
func (p *Package) SetReInstall() error {
	return p.backend.setMark(p, func() (State, error) {
		if !p.IsInstalled() {
			return 0, fmt.Errorf("%w: %s", ErrNotInstalled, p.ID())
		}
		if p.rec.CandidateVersion == "" {
			return 0, fmt.Errorf("%w: %s", ErrNotDownloadable, p.ID())
		}
		return ToReInstall, nil
	})
}

// SetRemove marks an installed package for removal
func (p *Package) SetRemove() error {
	return p.backend.setMark(p, func() (State, error) {
		if !p.IsInstalled() {
			return 0, fmt.Errorf("%w: %s", ErrNotInstalled, p.ID())
		}
		if p.rec.Essential {
			return 0, fmt.Errorf("%w: %s", ErrEssential, p.ID())
		}
		return ToRemove, nil
	})
}

// SetPurge marks the package for removal including its configuration
func (p *Package) SetPurge() error {
	return p.backend.setMark(p, func() (State, error) {
		if !p.IsInstalled() && !p.rec.ResidualConfig {
			return 0, fmt.Errorf("%w: %s", ErrNotInstalled, p.ID())
		}
		if p.rec.Essential {
			return 0, fmt.Errorf("%w: %s", ErrEssential, p.ID())
		}
		return ToRemove | ToPurge, nil
	})
}

// SetKeep drops any pending action
func (p *Package) SetKeep() error {
	return p.backend.setMark(p, func() (State, error) {
		return 0, nil
	})
}

func (p *Package) installMark() (State, error) {
	if p.rec.CandidateVersion == "" {
		return 0, fmt.Errorf("%w: %s", ErrNotDownloadable, p.ID())
	}
	if !p.backend.platform.Supports(p.rec.Architecture) {
		return 0, fmt.Errorf("%w: %s", ErrWrongArch, p.ID())
	}
	switch {
	case p.IsUpgradeable():
		return ToUpgrade, nil
	case p.IsInstalled():
		return 0, nil
	default:
		return ToInstall | NewInstall, nil
	}
}

// target is the name the engine and worker know the package by
func (p *Package) target() string {
	if p.backend.platform.IsNative(p.rec.Architecture) {
		return p.rec.Name
	}
	return p.rec.ID()
}

func (p *Package) String() string {
	return p.ID()
}
