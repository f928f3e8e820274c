package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dikkadev/qapt/pkg/engine"
)

func (b *Backend) setMark(p *Package, decide func() (State, error)) error {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return ErrNotInitialized
	}
	if p.generation != b.generation {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s (cache reloaded)", ErrPackageNotFound, p.ID())
	}

	mark, err := decide()
	if err != nil {
		b.mu.Unlock()
		return err
	}
	changed := p.mark != mark
	p.mark = mark
	b.mu.Unlock()

	if changed {
		b.log.Debug("package marked",
			zap.String("package", p.ID()),
			zap.Stringer("state", p.State()))
		b.emit(PackageChangedEvent{Package: p})
	}
	return nil
}

func (b *Backend) named(name string) (*Package, error) {
	if err := b.checkInit(); err != nil {
		return nil, err
	}
	p := b.Package(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	return p, nil
}

// MarkPackageForInstall marks the package called name for installation
func (b *Backend) MarkPackageForInstall(name string) error {
	p, err := b.named(name)
	if err != nil {
		return err
	}
	return p.SetInstall()
}

// MarkPackageForRemoval marks the package called name for removal
func (b *Backend) MarkPackageForRemoval(name string) error {
	p, err := b.named(name)
	if err != nil {
		return err
	}
	return p.SetRemove()
}

// MarkPackageForPurge marks the package called name for removal including
// its configuration files
func (b *Backend) MarkPackageForPurge(name string) error {
	p, err := b.named(name)
	if err != nil {
		return err
	}
	return p.SetPurge()
}

// MarkPackageForKeep drops the pending action of the package called name
func (b *Backend) MarkPackageForKeep(name string) error {
	p, err := b.named(name)
	if err != nil {
		return err
	}
	return p.SetKeep()
}

// MarkPackagesForUpgrade marks every package the resolver can upgrade
// without installing or removing others. Held packages are skipped.
func (b *Backend) MarkPackagesForUpgrade(ctx context.Context) error {
	return b.markUpgrades(ctx, false)
}

// MarkPackagesForDistUpgrade marks the resolver's full upgrade set, which
// may install new packages and remove others. Held packages are skipped.
func (b *Backend) MarkPackagesForDistUpgrade(ctx context.Context) error {
	return b.markUpgrades(ctx, true)
}

func (b *Backend) markUpgrades(ctx context.Context, dist bool) error {
	if err := b.checkInit(); err != nil {
		return err
	}

	changes, err := b.engine.Upgrades(ctx, dist)
	if err != nil {
		return fmt.Errorf("failed to resolve upgrades: %w", err)
	}

	b.mu.Lock()
	marked := 0
	apply := func(names []string, mark State, allowed func(*Package) bool) {
		for _, name := range names {
			p := b.lookup(name)
			switch {
			case p == nil:
				b.log.Warn("resolver returned unknown package", zap.String("package", name))
			case p.rec.Held:
				b.log.Info("skipping held package", zap.String("package", p.ID()))
			case !allowed(p):
				b.log.Debug("skipping package", zap.String("package", p.ID()), zap.Stringer("mark", mark))
			default:
				p.mark = mark
				marked++
			}
		}
	}

	apply(changes.Upgrade, ToUpgrade, (*Package).IsUpgradeable)
	if dist {
		apply(changes.Install, ToInstall|NewInstall, func(p *Package) bool {
			return !p.IsInstalled() && p.rec.CandidateVersion != ""
		})
		apply(changes.Remove, ToRemove, func(p *Package) bool {
			return p.IsInstalled() && !p.rec.Essential
		})
	}
	b.mu.Unlock()

	b.log.Info("marked upgrades", zap.Bool("dist", dist), zap.Int("packages", marked))
	b.emit(PackageChangedEvent{})
	return nil
}

// Changes returns the marked packages as a change set
func (b *Backend) Changes() *engine.Changes {
	b.mu.RLock()
	defer b.mu.RUnlock()

	changes := &engine.Changes{}
	for _, p := range b.packages {
		switch {
		case p.mark&ToPurge != 0:
			changes.Purge = append(changes.Purge, p.target())
		case p.mark&ToRemove != 0:
			changes.Remove = append(changes.Remove, p.target())
		case p.mark&ToUpgrade != 0:
			changes.Upgrade = append(changes.Upgrade, p.target())
		case p.mark&(ToInstall|ToReInstall) != 0:
			changes.Install = append(changes.Install, p.target())
		}
	}
	return changes
}

// Simulate asks the engine which changes committing the marked packages
// would make, dependencies included
func (b *Backend) Simulate(ctx context.Context) (*engine.Changes, error) {
	if err := b.checkInit(); err != nil {
		return nil, err
	}

	changes := b.Changes()
	if changes.Empty() {
		return nil, ErrNothingMarked
	}

	resolved, err := b.engine.Simulate(ctx, changes)
	if err != nil {
		return nil, fmt.Errorf("failed to simulate changes: %w", err)
	}
	resolved.Sort()
	return resolved, nil
}
