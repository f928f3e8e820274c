package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/dikkadev/qapt/pkg/backend"
	"github.com/dikkadev/qapt/pkg/engine"
)

// Options represents installation options
type Options struct {
	NonInteractive bool // assume yes, keep defaults on worker questions
	DryRun         bool
	Purge          bool // remove configuration files too
	Out            io.Writer
	In             io.Reader
}

// Install installs or upgrades the named packages
func Install(ctx context.Context, b *backend.Backend, names []string, opts Options) error {
	if len(names) == 0 {
		return fmt.Errorf("package name required")
	}
	for _, name := range names {
		if err := b.MarkPackageForInstall(name); err != nil {
			return fmt.Errorf("cannot install %s: %w", name, err)
		}
	}
	return apply(ctx, b, opts)
}

// Remove removes the named packages
func Remove(ctx context.Context, b *backend.Backend, names []string, opts Options) error {
	if len(names) == 0 {
		return fmt.Errorf("package name required")
	}
	for _, name := range names {
		mark := b.MarkPackageForRemoval
		if opts.Purge {
			mark = b.MarkPackageForPurge
		}
		if err := mark(name); err != nil {
			return fmt.Errorf("cannot remove %s: %w", name, err)
		}
	}
	return apply(ctx, b, opts)
}

// Upgrade upgrades every upgradeable package
func Upgrade(ctx context.Context, b *backend.Backend, dist bool, opts Options) error {
	mark := b.MarkPackagesForUpgrade
	if dist {
		mark = b.MarkPackagesForDistUpgrade
	}
	if err := mark(ctx); err != nil {
		return err
	}
	if len(b.MarkedPackages()) == 0 {
		fmt.Fprintln(opts.out(), "All packages are up to date")
		return nil
	}
	return apply(ctx, b, opts)
}

// Update refreshes the package lists
func Update(ctx context.Context, b *backend.Backend, opts Options) error {
	if opts.DryRun {
		fmt.Fprintln(opts.out(), "Would update the package lists")
		return nil
	}

	done := watch(b, opts)
	defer done()

	if err := b.UpdateCache(ctx); err != nil {
		return fmt.Errorf("failed to start cache update: %w", err)
	}
	if err := b.Wait(ctx); err != nil {
		return fmt.Errorf("cache update failed: %w", err)
	}

	fmt.Fprintln(opts.out(), "Package lists updated")
	return nil
}

func apply(ctx context.Context, b *backend.Backend, opts Options) error {
	out := opts.out()

	changes, err := b.Simulate(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrNothingMarked) {
			fmt.Fprintln(out, "Nothing to do")
			return nil
		}
		return err
	}
	printChanges(out, changes)

	if opts.DryRun {
		return nil
	}
	if !opts.NonInteractive && !confirm(opts, "Do you want to continue? [Y/n] ", true) {
		return fmt.Errorf("aborted")
	}

	done := watch(b, opts)
	defer done()

	if err := b.CommitChanges(ctx); err != nil {
		return fmt.Errorf("failed to start commit: %w", err)
	}
	if err := b.Wait(ctx); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	fmt.Fprintf(out, "Successfully applied %d changes\n", changes.Len())
	return nil
}

func printChanges(out io.Writer, changes *engine.Changes) {
	sections := []struct {
		title string
		names []string
	}{
		{"The following NEW packages will be installed:", changes.Install},
		{"The following packages will be upgraded:", changes.Upgrade},
		{"The following packages will be REMOVED:", changes.Remove},
		{"The following packages will be PURGED:", changes.Purge},
	}

	for _, s := range sections {
		if len(s.names) == 0 {
			continue
		}
		fmt.Fprintln(out, s.title)
		fmt.Fprintf(out, "  %s\n", strings.Join(s.names, " "))
	}
	fmt.Fprintf(out, "%d to install, %d to upgrade, %d to remove.\n",
		len(changes.Install), len(changes.Upgrade), len(changes.Remove)+len(changes.Purge))
}

// watch reports worker activity on opts.Out until the returned function is
// called
func watch(b *backend.Backend, opts Options) func() {
	var mu sync.Mutex
	active := true

	remove := b.AddEventHandler(func(ev backend.Event) {
		mu.Lock()
		defer mu.Unlock()
		if !active {
			return
		}
		report(b, opts, ev)
	})

	return func() {
		remove()
		mu.Lock()
		defer mu.Unlock()
		active = false
	}
}

func report(b *backend.Backend, opts Options, ev backend.Event) {
	out := opts.out()

	switch ev := ev.(type) {
	case backend.WorkerEvent:
		fmt.Fprintf(out, "==> %s\n", ev.Kind)
	case backend.DownloadProgressEvent:
		fmt.Fprintf(out, "Downloading: %3d%% (%s/s, %ds left)\n", ev.Percentage, HumanSize(int64(ev.Speed)), ev.ETA)
	case backend.DownloadMessageEvent:
		fmt.Fprintf(out, "Get: %s\n", ev.Message)
	case backend.CommitProgressEvent:
		fmt.Fprintf(out, "[%3d%%] %s\n", ev.Percentage, ev.Status)
	case backend.WarningEvent:
		fmt.Fprintf(out, "W: %s%s\n", ev.Code, formatDetails(ev.Details))
	case backend.ErrorEvent:
		fmt.Fprintf(out, "E: %s%s\n", ev.Code, formatDetails(ev.Details))
	case backend.QuestionEvent:
		answer := askQuestion(opts, ev)
		if err := b.AnswerWorkerQuestion(context.Background(), answer); err != nil {
			fmt.Fprintf(out, "E: failed to answer worker: %v\n", err)
		}
	}
}

func askQuestion(opts Options, ev backend.QuestionEvent) map[string]any {
	switch ev.Question {
	case backend.ConfFilePrompt:
		replace := false
		if !opts.NonInteractive {
			prompt := fmt.Sprintf("Configuration file %v was modified. Install the package maintainer's version? [y/N] ",
				ev.Details["OldConfFile"])
			replace = confirm(opts, prompt, false)
		}
		return map[string]any{"ReplaceFile": replace}

	case backend.MediaChange:
		changed := false
		if !opts.NonInteractive {
			prompt := fmt.Sprintf("Insert the disc labeled %v into %v and confirm [y/N] ",
				ev.Details["Media"], ev.Details["Drive"])
			changed = confirm(opts, prompt, false)
		}
		return map[string]any{"MediaChanged": changed}

	case backend.InstallUntrusted:
		install := false
		if !opts.NonInteractive {
			fmt.Fprintf(opts.out(), "WARNING: the following packages cannot be authenticated: %v\n",
				ev.Details["UntrustedItems"])
			install = confirm(opts, "Install these packages without verification? [y/N] ", false)
		}
		return map[string]any{"InstallUntrusted": install}
	}
	return map[string]any{}
}

func confirm(opts Options, prompt string, def bool) bool {
	fmt.Fprint(opts.out(), prompt)
	if opts.In == nil {
		return def
	}

	switch strings.ToLower(strings.TrimSpace(readLine(opts.In))) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}
	return def
}

// readLine reads up to the next newline without buffering past it, so
// later prompts can read from the same reader
func readLine(r io.Reader) string {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			line = append(line, buf[0])
		}
		if err != nil {
			break
		}
	}
	return string(line)
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, details[k])
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// HumanSize formats n bytes with binary units
func HumanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func (o Options) out() io.Writer {
	if o.Out == nil {
		return io.Discard
	}
	return o.Out
}
