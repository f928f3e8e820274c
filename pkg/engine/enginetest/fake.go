// Package enginetest provides an in-memory engine for tests.
package enginetest

import (
	"context"
	"sync"
	"time"

	"github.com/dikkadev/qapt/pkg/engine"
)

// Fake is an engine.Engine serving a fixed set of records
type Fake struct {
	mu sync.Mutex

	Records     []engine.Record
	Arch        string
	Modified    time.Time
	Upgrade     *engine.Changes
	DistUpgrade *engine.Changes
	Paths       []string

	LoadErr     error
	LoadCount   int
	Simulations []*engine.Changes
}

// New returns a fake engine for the amd64 architecture
func New(records ...engine.Record) *Fake {
	return &Fake{
		Records:  records,
		Arch:     "amd64",
		Modified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// SetRecords replaces the records served by the next Load
func (f *Fake) SetRecords(records []engine.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Records = records
}

// Loads returns how often Load was called
func (f *Fake) Loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LoadCount
}

// Load implements engine.Engine
func (f *Fake) Load(ctx context.Context) ([]engine.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoadCount++
	if f.LoadErr != nil {
		return nil, f.LoadErr
	}
	return append([]engine.Record(nil), f.Records...), nil
}

// ModTime implements engine.Engine
func (f *Fake) ModTime() (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Modified, nil
}

// Touch advances the cache modification time
func (f *Fake) Touch(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Modified = t
}

// Upgrades implements engine.Engine
func (f *Fake) Upgrades(ctx context.Context, dist bool) (*engine.Changes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dist && f.DistUpgrade != nil {
		return f.DistUpgrade, nil
	}
	if f.Upgrade != nil {
		return f.Upgrade, nil
	}
	changes := &engine.Changes{}
	for _, r := range f.Records {
		if r.InstalledVersion != "" && r.CandidateVersion != "" && r.InstalledVersion != r.CandidateVersion {
			changes.Upgrade = append(changes.Upgrade, r.Name)
		}
	}
	return changes, nil
}

// Simulate implements engine.Engine by echoing the request
func (f *Fake) Simulate(ctx context.Context, req *engine.Changes) (*engine.Changes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Simulations = append(f.Simulations, req)
	out := *req
	return &out, nil
}

// Architecture implements engine.Engine
func (f *Fake) Architecture(ctx context.Context) (string, error) {
	return f.Arch, nil
}

// CachePaths implements engine.Engine
func (f *Fake) CachePaths() []string {
	return f.Paths
}
