package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dikkadev/qapt/pkg/logging"
)

// Runner runs an engine tool and returns its standard output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs tools as local processes under the C locale
type ExecRunner struct{}

// Run implements Runner
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// APTOptions configures the apt engine
type APTOptions struct {
	// Root is prepended to the cache paths (for chroots)
	Root   string
	Runner Runner
	Logger *zap.Logger
}

// APT drives dpkg and apt command line tools
type APT struct {
	root   string
	runner Runner
	log    *zap.Logger

	archOnce sync.Once
	arch     string
	archErr  error
}

// NewAPT creates an apt engine
func NewAPT(opts APTOptions) *APT {
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	return &APT{
		root:   opts.Root,
		runner: runner,
		log:    logging.OrNop(opts.Logger).Named("engine"),
	}
}

const dpkgQueryFormat = "${Package}\t${Architecture}\t${Version}\t${Status}\t${Section}\t${Installed-Size}\t${Essential}\t${Priority}\t${Maintainer}\t${Homepage}\t${binary:Summary}\n"

// Load implements Engine
func (a *APT) Load(ctx context.Context) ([]Record, error) {
	var (
		installed map[string]*Record
		available map[string]*Record
		auto      map[string]bool
		held      map[string]bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := a.runner.Run(gctx, "dpkg-query", "-W", "-f="+dpkgQueryFormat)
		if err != nil {
			return fmt.Errorf("failed to query dpkg status: %w", err)
		}
		installed, err = parseDpkgQuery(out)
		return err
	})
	g.Go(func() error {
		out, err := a.runner.Run(gctx, "apt-cache", "dumpavail")
		if err != nil {
			return fmt.Errorf("failed to dump available packages: %w", err)
		}
		available, err = parseAvailable(out)
		return err
	})
	g.Go(func() error {
		out, err := a.runner.Run(gctx, "apt-mark", "showauto")
		if err != nil {
			return fmt.Errorf("failed to list automatic packages: %w", err)
		}
		auto = nameSet(out)
		return nil
	})
	g.Go(func() error {
		out, err := a.runner.Run(gctx, "apt-mark", "showhold")
		if err != nil {
			return fmt.Errorf("failed to list held packages: %w", err)
		}
		held = nameSet(out)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	native, err := a.Architecture(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(available)+len(installed))
	for id, avail := range available {
		rec := *avail
		if inst, ok := installed[id]; ok {
			mergeInstalled(&rec, inst)
			delete(installed, id)
		}
		records = append(records, rec)
	}
	for _, inst := range installed {
		records = append(records, *inst)
	}

	for i := range records {
		rec := &records[i]
		rec.Auto = lookupName(auto, rec, native)
		rec.Held = rec.Held || lookupName(held, rec, native)
	}

	a.log.Debug("loaded package snapshot",
		zap.Int("records", len(records)),
		zap.String("arch", native))
	return records, nil
}

// ModTime implements Engine
func (a *APT) ModTime() (time.Time, error) {
	var latest time.Time
	found := false
	for _, p := range a.CachePaths() {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return time.Time{}, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		found = true
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	if !found {
		return time.Time{}, fmt.Errorf("no package cache found under %q", a.root)
	}
	return latest, nil
}

// CachePaths implements Engine
func (a *APT) CachePaths() []string {
	return []string{
		filepath.Join(a.root, "/var/lib/dpkg/status"),
		filepath.Join(a.root, "/var/cache/apt/pkgcache.bin"),
	}
}

// Architecture implements Engine
func (a *APT) Architecture(ctx context.Context) (string, error) {
	a.archOnce.Do(func() {
		out, err := a.runner.Run(ctx, "dpkg", "--print-architecture")
		if err != nil {
			a.archErr = fmt.Errorf("failed to get native architecture: %w", err)
			return
		}
		a.arch = strings.TrimSpace(string(out))
	})
	return a.arch, a.archErr
}

// Upgrades implements Engine
func (a *APT) Upgrades(ctx context.Context, dist bool) (*Changes, error) {
	verb := "upgrade"
	if dist {
		verb = "dist-upgrade"
	}
	out, err := a.runner.Run(ctx, "apt-get", "-s", "-q", "-o", "Debug::NoLocking=true", verb)
	if err != nil {
		return nil, fmt.Errorf("failed to simulate %s: %w", verb, err)
	}
	return parseSimulation(out), nil
}

// Simulate implements Engine
func (a *APT) Simulate(ctx context.Context, req *Changes) (*Changes, error) {
	if req.Empty() {
		return &Changes{}, nil
	}

	args := []string{"-s", "-q", "-o", "Debug::NoLocking=true", "install"}
	args = append(args, req.Install...)
	args = append(args, req.Upgrade...)
	for _, name := range req.Remove {
		args = append(args, name+"-")
	}
	// "_" purges only the named package, "-" keeps its configuration
	for _, name := range req.Purge {
		args = append(args, name+"_")
	}

	out, err := a.runner.Run(ctx, "apt-get", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to simulate changes: %w", err)
	}
	return parseSimulation(out), nil
}

func parseDpkgQuery(out []byte) (map[string]*Record, error) {
	records := make(map[string]*Record)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 11 {
			return nil, fmt.Errorf("unexpected dpkg-query line: %q", line)
		}

		want, state := parseStatus(fields[3])
		rec := &Record{
			Name:          fields[0],
			Architecture:  fields[1],
			Section:       fields[4],
			InstalledSize: parseSize(fields[5]) * 1024,
			Essential:     fields[6] == "yes",
			Priority:      fields[7],
			Maintainer:    fields[8],
			Homepage:      fields[9],
			Summary:       fields[10],
			Held:          want == "hold",
		}
		switch state {
		case "installed", "half-configured", "unpacked", "half-installed", "triggers-awaited", "triggers-pending":
			rec.InstalledVersion = fields[2]
		case "config-files":
			rec.ResidualConfig = true
		case "not-installed":
			continue
		}
		records[rec.ID()] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dpkg-query output: %w", err)
	}
	return records, nil
}

// parseStatus splits "want flag state" into want and state
func parseStatus(status string) (string, string) {
	parts := strings.Fields(status)
	if len(parts) != 3 {
		return "", ""
	}
	return parts[0], parts[2]
}

func parseAvailable(out []byte) (map[string]*Record, error) {
	records := make(map[string]*Record)
	err := ReadParagraphs(bytes.NewReader(out), func(p Paragraph) error {
		name := p["Package"]
		if name == "" {
			return nil
		}
		summary, long, _ := strings.Cut(p["Description"], "\n")
		rec := &Record{
			Name:             name,
			Architecture:     p["Architecture"],
			Section:          p["Section"],
			CandidateVersion: p["Version"],
			Summary:          summary,
			Description:      long,
			Maintainer:       p["Maintainer"],
			Homepage:         p["Homepage"],
			Priority:         p["Priority"],
			InstalledSize:    parseSize(p["Installed-Size"]) * 1024,
			DownloadSize:     parseSize(p["Size"]),
			Essential:        p["Essential"] == "yes",
		}
		if _, dup := records[rec.ID()]; !dup {
			records[rec.ID()] = rec
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse available packages: %w", err)
	}
	return records, nil
}

// mergeInstalled copies the installed state onto an available record
func mergeInstalled(rec, inst *Record) {
	rec.InstalledVersion = inst.InstalledVersion
	rec.ResidualConfig = inst.ResidualConfig
	rec.Held = inst.Held
	if inst.InstalledVersion != "" && inst.InstalledSize > 0 {
		rec.InstalledSize = inst.InstalledSize
	}
	if rec.Section == "" {
		rec.Section = inst.Section
	}
	if rec.Summary == "" {
		rec.Summary = inst.Summary
	}
}

func parseSize(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func nameSet(out []byte) map[string]bool {
	set := make(map[string]bool)
	for _, line := range strings.Split(string(out), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			set[name] = true
		}
	}
	return set
}

// lookupName matches apt-mark output, which omits the native architecture
func lookupName(set map[string]bool, rec *Record, native string) bool {
	if set[rec.ID()] {
		return true
	}
	if rec.Architecture == native || rec.Architecture == "all" {
		return set[rec.Name]
	}
	return false
}

var simulationLine = regexp.MustCompile(`^(Inst|Remv|Purg) (\S+)(?: \[([^\]]*)\])?`)

// parseSimulation reads the Inst/Remv/Purg lines of an apt-get -s run
func parseSimulation(out []byte) *Changes {
	changes := &Changes{}
	for _, line := range strings.Split(string(out), "\n") {
		m := simulationLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		switch m[1] {
		case "Inst":
			if m[3] != "" {
				changes.Upgrade = append(changes.Upgrade, m[2])
			} else {
				changes.Install = append(changes.Install, m[2])
			}
		case "Remv":
			changes.Remove = append(changes.Remove, m[2])
		case "Purg":
			changes.Purge = append(changes.Purge, m[2])
		}
	}
	changes.Sort()
	return changes
}
