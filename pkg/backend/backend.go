// Package backend is the entry point for querying and changing the set of
// installed packages.
//
// A Backend holds a snapshot of the engine's package cache. Packages are
// marked for installation, upgrade or removal in memory; CommitChanges hands
// the marked set to the privileged worker, whose progress is reported to the
// registered EventHandlers.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"github.com/dikkadev/qapt/pkg/engine"
	"github.com/dikkadev/qapt/pkg/logging"
	"github.com/dikkadev/qapt/pkg/platform"
	"github.com/dikkadev/qapt/pkg/searchindex"
	"github.com/dikkadev/qapt/pkg/storage"
	"github.com/dikkadev/qapt/pkg/worker"
)

// Backend is a facade over the package engine and the worker
type Backend struct {
	engine    engine.Engine
	index     *searchindex.Index
	store     storage.Storage
	dial      worker.Dialer
	log       *zap.Logger
	foreign   []string
	platform  platform.Platform
	fixedArch bool

	hmu      sync.RWMutex
	handlers []handlerEntry
	nextID   uint64

	mu          sync.RWMutex
	initialized bool
	generation  uint64
	packages    []*Package // sorted by name, then architecture
	byID        map[string]*Package
	byName      map[string][]*Package
	groups      map[string]*Group
	op          *operation
	lastErr     error
}

// Option configures a Backend
type Option func(*Backend)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.log = logging.OrNop(l).Named("backend") }
}

// WithIndex enables full-text search through ix
func WithIndex(ix *searchindex.Index) Option {
	return func(b *Backend) { b.index = ix }
}

// WithStorage records worker transactions in s
func WithStorage(s storage.Storage) Option {
	return func(b *Backend) { b.store = s }
}

// WithDialer sets how the worker is reached
func WithDialer(d worker.Dialer) Option {
	return func(b *Backend) { b.dial = d }
}

// WithEventHandler registers h for every notification
func WithEventHandler(h EventHandler) Option {
	return func(b *Backend) { b.AddEventHandler(h) }
}

// WithPlatform overrides the architectures reported by the engine
func WithPlatform(p platform.Platform) Option {
	return func(b *Backend) {
		b.platform = p
		b.fixedArch = true
	}
}

// WithForeignArchitectures adds architectures packages may be installed for
func WithForeignArchitectures(archs ...string) Option {
	return func(b *Backend) { b.foreign = append(b.foreign, archs...) }
}

// New creates a backend on top of eng. Init must be called before use.
func New(eng engine.Engine, opts ...Option) *Backend {
	b := &Backend{
		engine: eng,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type handlerEntry struct {
	id uint64
	h  EventHandler
}

// AddEventHandler registers h for every notification. The returned
// function unregisters it.
func (b *Backend) AddEventHandler(h EventHandler) (remove func()) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, handlerEntry{id: id, h: h})

	return func() {
		b.hmu.Lock()
		defer b.hmu.Unlock()
		for i, e := range b.handlers {
			if e.id == id {
				b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// HandlerCount returns the number of registered event handlers
func (b *Backend) HandlerCount() int {
	b.hmu.RLock()
	defer b.hmu.RUnlock()
	return len(b.handlers)
}

func (b *Backend) emit(ev Event) {
	b.hmu.RLock()
	handlers := make([]EventHandler, len(b.handlers))
	for i, e := range b.handlers {
		handlers[i] = e.h
	}
	b.hmu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Init loads the package cache and opens the search index
func (b *Backend) Init(ctx context.Context) error {
	if !b.fixedArch {
		arch, err := b.engine.Architecture(ctx)
		if err != nil {
			return fmt.Errorf("failed to determine architecture: %w", err)
		}
		b.platform = platform.New(arch, b.foreign...)
	} else if len(b.foreign) > 0 {
		b.platform.Foreign = append(b.platform.Foreign, b.foreign...)
	}

	if err := b.load(ctx); err != nil {
		return err
	}
	b.openIndex(ctx)

	b.log.Info("backend initialized",
		zap.Stringer("platform", b.platform),
		zap.Int("packages", b.PackageCount()))
	return nil
}

// Platform returns the architectures the backend installs for
func (b *Backend) Platform() platform.Platform {
	return b.platform
}

// ReloadCache loads a fresh snapshot. Pending marks are discarded and
// previously returned handles can no longer be marked.
func (b *Backend) ReloadCache(ctx context.Context) error {
	b.mu.RLock()
	initialized := b.initialized
	b.mu.RUnlock()
	if !initialized {
		return ErrNotInitialized
	}
	return b.load(ctx)
}

func (b *Backend) load(ctx context.Context) error {
	start := time.Now()

	records, err := b.engine.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load package cache: %w", err)
	}

	b.mu.Lock()
	b.generation++
	packages := make([]*Package, 0, len(records))
	byID := make(map[string]*Package, len(records))
	byName := make(map[string][]*Package, len(records))
	for _, rec := range records {
		p := &Package{backend: b, rec: rec, generation: b.generation}
		if _, dup := byID[p.ID()]; dup {
			continue
		}
		packages = append(packages, p)
		byID[p.ID()] = p
	}

	sort.Slice(packages, func(i, j int) bool {
		if packages[i].Name() != packages[j].Name() {
			return packages[i].Name() < packages[j].Name()
		}
		return packages[i].Architecture() < packages[j].Architecture()
	})

	groups := make(map[string]*Group)
	for _, p := range packages {
		byName[p.Name()] = append(byName[p.Name()], p)

		name := groupName(p.Section())
		if name == "" {
			continue
		}
		g, ok := groups[name]
		if !ok {
			g = &Group{name: name}
			groups[name] = g
		}
		g.packages = append(g.packages, p)
	}

	b.packages = packages
	b.byID = byID
	b.byName = byName
	b.groups = groups
	b.initialized = true
	b.mu.Unlock()

	b.log.Debug("loaded package cache",
		zap.Int("records", len(records)),
		zap.Int("groups", len(groups)),
		zap.Duration("took", time.Since(start)))

	b.emit(PackageChangedEvent{})
	return nil
}

// Package returns the package called name, or nil. "name:arch" selects an
// architecture; a bare name prefers the native architecture, then "all".
func (b *Backend) Package(name string) *Package {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lookup(name)
}

// lookup requires b.mu
func (b *Backend) lookup(name string) *Package {
	if strings.ContainsRune(name, ':') {
		return b.byID[name]
	}

	var best *Package
	bestScore := -1
	for _, p := range b.byName[name] {
		if score := b.platform.Score(p.Architecture()); score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

// PackageCount returns the number of packages that are installed or
// downloadable
func (b *Backend) PackageCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, p := range b.packages {
		if p.HasVersion() {
			n++
		}
	}
	return n
}

// PackageCountWithState returns the number of packages whose state shares
// a flag with mask
func (b *Backend) PackageCountWithState(mask State) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, p := range b.packages {
		if p.state()&mask != 0 {
			n++
		}
	}
	return n
}

// AvailablePackages returns every installed or downloadable package
func (b *Backend) AvailablePackages() []*Package {
	return b.filter(func(p *Package) bool { return p.HasVersion() })
}

// UpgradeablePackages returns the installed packages with a newer candidate
func (b *Backend) UpgradeablePackages() []*Package {
	return b.filter(func(p *Package) bool { return p.IsUpgradeable() })
}

// MarkedPackages returns the packages with a pending action
func (b *Backend) MarkedPackages() []*Package {
	return b.filter(func(p *Package) bool { return p.mark&Marked != 0 })
}

func (b *Backend) filter(keep func(*Package) bool) []*Package {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Package
	for _, p := range b.packages {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// Group returns the group called name, or nil
func (b *Backend) Group(name string) *Group {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.groups[name]
}

// AvailableGroups returns every group sorted by name
func (b *Backend) AvailableGroups() []*Group {
	b.mu.RLock()
	defer b.mu.RUnlock()

	groups := make([]*Group, 0, len(b.groups))
	for _, g := range b.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].name < groups[j].name })
	return groups
}

// Search returns the packages matching query, best matches first. Without
// a built index, package names and then summary words are matched fuzzily.
func (b *Backend) Search(ctx context.Context, query string) ([]*Package, error) {
	if err := b.checkInit(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	if b.index != nil {
		names, err := b.index.Search(ctx, query, 0)
		switch {
		case err == nil:
			return b.resolve(names), nil
		case !errors.Is(err, searchindex.ErrNotBuilt):
			return nil, fmt.Errorf("failed to search index: %w", err)
		}
		b.log.Debug("search index not built, using fuzzy search")
	}

	return b.fuzzySearch(query), nil
}

func (b *Backend) fuzzySearch(query string) []*Package {
	pattern := strings.Join(strings.Fields(query), "")

	b.mu.RLock()
	names := make([]string, 0, len(b.byName))
	var summaries summaryWords
	for _, p := range b.packages {
		if n := len(names); n > 0 && names[n-1] == p.Name() {
			continue
		}
		names = append(names, p.Name())
		summaries.add(p.Name(), p.ShortDescription())
	}
	b.mu.RUnlock()

	var found []string
	for _, m := range fuzzy.Find(pattern, names) {
		found = append(found, m.Str)
	}
	for _, m := range fuzzy.FindFrom(pattern, summaries) {
		found = append(found, summaries.owners[m.Index])
	}
	return b.resolve(found)
}

// summaryWords is a fuzzy.Source over the single words of package
// summaries, so a match never spans words
type summaryWords struct {
	words  []string
	owners []string
}

func (s *summaryWords) add(name, summary string) {
	for _, w := range strings.Fields(summary) {
		w = strings.Trim(w, ",.:;()[]\"'")
		if w == "" {
			continue
		}
		s.words = append(s.words, w)
		s.owners = append(s.owners, name)
	}
}

func (s summaryWords) String(i int) string { return s.words[i] }
func (s summaryWords) Len() int            { return len(s.words) }

func (b *Backend) resolve(names []string) []*Package {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Package
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if p := b.lookup(name); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// IndexNeedsUpdate reports whether the search index is missing or older
// than the package cache. It is false when no index is configured.
func (b *Backend) IndexNeedsUpdate(ctx context.Context) (bool, error) {
	if b.index == nil {
		return false, nil
	}
	modTime, err := b.engine.ModTime()
	if err != nil {
		return true, fmt.Errorf("failed to stat package cache: %w", err)
	}
	return b.index.NeedsUpdate(ctx, modTime)
}

// RebuildIndex indexes the current snapshot
func (b *Backend) RebuildIndex(ctx context.Context) error {
	if err := b.checkInit(); err != nil {
		return err
	}
	if b.index == nil {
		return fmt.Errorf("search index disabled")
	}

	modTime, err := b.engine.ModTime()
	if err != nil {
		return fmt.Errorf("failed to stat package cache: %w", err)
	}

	b.mu.RLock()
	docs := make([]searchindex.Document, 0, len(b.byName))
	for name := range b.byName {
		p := b.lookup(name)
		docs = append(docs, searchindex.Document{
			Name:        p.Name(),
			Summary:     p.ShortDescription(),
			Description: p.LongDescription(),
		})
	}
	b.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return b.index.Rebuild(ctx, docs, modTime)
}

// HasIndex reports whether full-text search is available
func (b *Backend) HasIndex() bool {
	return b.index != nil
}

func (b *Backend) openIndex(ctx context.Context) {
	if b.index == nil {
		return
	}
	if err := b.index.Initialize(ctx); err != nil {
		b.log.Warn("search index unavailable", zap.Error(err))
		b.index = nil
	}
}

func (b *Backend) checkInit() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized {
		return ErrNotInitialized
	}
	return nil
}
