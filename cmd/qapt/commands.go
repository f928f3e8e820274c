package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dikkadev/qapt/pkg/backend"
	"github.com/dikkadev/qapt/pkg/config"
	"github.com/dikkadev/qapt/pkg/installer"
	"github.com/dikkadev/qapt/pkg/selector"
	"github.com/dikkadev/qapt/pkg/watcher"
)

// transactionFlags are shared by the commands that hand work to the worker
type transactionFlags struct {
	dryRun bool
	yes    bool
}

func (f *transactionFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Show what would be done without making changes")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Assume yes and keep defaults on worker questions")
}

func (f *transactionFlags) options(cmd *cobra.Command) installer.Options {
	return installer.Options{
		NonInteractive: f.yes,
		DryRun:         f.dryRun,
		Out:            cmd.OutOrStdout(),
		In:             cmd.InOrStdin(),
	}
}

func newListCmd(a *app) *cobra.Command {
	var upgradeable, marked, installed bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.backend(cmd.Context())
			if err != nil {
				return err
			}

			var pkgs []*backend.Package
			switch {
			case upgradeable:
				pkgs = b.UpgradeablePackages()
			case marked:
				pkgs = b.MarkedPackages()
			default:
				for _, p := range b.AvailablePackages() {
					if !installed || p.IsInstalled() {
						pkgs = append(pkgs, p)
					}
				}
			}

			out := cmd.OutOrStdout()
			if len(pkgs) == 0 {
				fmt.Fprintln(out, "No packages found")
				return nil
			}
			for _, p := range pkgs {
				fmt.Fprintln(out, formatListLine(p))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&upgradeable, "upgradeable", false, "Only list packages with a newer candidate")
	cmd.Flags().BoolVar(&marked, "marked", false, "Only list marked packages")
	cmd.Flags().BoolVar(&installed, "installed", false, "Only list installed packages")
	cmd.MarkFlagsMutuallyExclusive("upgradeable", "marked", "installed")
	return cmd
}

// formatListLine renders a package the way apt list does
func formatListLine(p *backend.Package) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/%s %s %s", p.Name(), groupOf(p), displayVersion(p), p.Architecture())

	var tags []string
	switch {
	case p.IsUpgradeable():
		tags = append(tags, "upgradable from: "+p.Version())
	case p.IsInstalled():
		tags = append(tags, "installed")
	}
	if p.State()&backend.IsAuto != 0 {
		tags = append(tags, "automatic")
	}
	if p.State()&backend.ResidualConfig != 0 {
		tags = append(tags, "residual-config")
	}
	if len(tags) > 0 {
		fmt.Fprintf(&sb, " [%s]", strings.Join(tags, ", "))
	}
	return sb.String()
}

func displayVersion(p *backend.Package) string {
	if v := p.AvailableVersion(); v != "" {
		return v
	}
	return p.Version()
}

func groupOf(p *backend.Package) string {
	section := p.Section()
	if i := strings.LastIndex(section, "/"); i >= 0 {
		section = section[i+1:]
	}
	if section == "" {
		return "unknown"
	}
	return section
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show package details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.backend(cmd.Context())
			if err != nil {
				return err
			}
			p := b.Package(args[0])
			if p == nil {
				return fmt.Errorf("%w: %s", backend.ErrPackageNotFound, args[0])
			}
			printPackage(cmd.OutOrStdout(), p)
			return nil
		},
	}
}

func printPackage(out io.Writer, p *backend.Package) {
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(out, "%s: %s\n", name, value)
		}
	}

	field("Package", p.Name())
	field("Architecture", p.Architecture())
	field("Section", p.Section())
	field("Priority", p.Priority())
	field("Installed", p.Version())
	field("Candidate", p.AvailableVersion())
	field("Maintainer", p.Maintainer())
	field("Homepage", p.Homepage())
	if p.InstalledSize() > 0 {
		field("Installed-Size", installer.HumanSize(p.InstalledSize()))
	}
	if p.DownloadSize() > 0 {
		field("Download-Size", installer.HumanSize(p.DownloadSize()))
	}
	field("State", p.State().String())
	field("Description", p.ShortDescription())
	if long := p.LongDescription(); long != "" {
		for _, line := range strings.Split(long, "\n") {
			fmt.Fprintf(out, " %s\n", line)
		}
	}
}

func newSearchCmd(a *app) *cobra.Command {
	var pick bool

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search package names and descriptions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := a.backend(ctx)
			if err != nil {
				return err
			}
			a.refreshIndex(ctx, b)

			query := strings.Join(args, " ")
			out := cmd.OutOrStdout()

			if pick {
				p, err := selector.SelectPackage(ctx, b, query)
				if err != nil {
					return err
				}
				printPackage(out, p)
				return nil
			}

			pkgs, err := b.Search(ctx, query)
			if err != nil {
				return err
			}
			if len(pkgs) == 0 {
				fmt.Fprintf(out, "No packages found matching '%s'\n", query)
				return nil
			}
			for _, p := range pkgs {
				fmt.Fprintln(out, formatListLine(p))
				if desc := p.ShortDescription(); desc != "" {
					fmt.Fprintf(out, "  %s\n", desc)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&pick, "pick", false, "Choose a result interactively")
	return cmd
}

// refreshIndex rebuilds a stale search index. Failures only cost search
// quality, so they are logged.
func (a *app) refreshIndex(ctx context.Context, b *backend.Backend) {
	stale, err := b.IndexNeedsUpdate(ctx)
	if err != nil {
		a.log.Warn("failed to check search index", zap.Error(err))
		return
	}
	if !stale {
		return
	}
	if err := b.RebuildIndex(ctx); err != nil {
		a.log.Warn("failed to rebuild search index", zap.Error(err))
	}
}

func newGroupsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "groups [GROUP]",
		Short: "List package groups, or the packages of one group",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.backend(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				g := b.Group(args[0])
				if g == nil {
					return fmt.Errorf("unknown group: %s", args[0])
				}
				for _, p := range g.Packages() {
					fmt.Fprintln(out, formatListLine(p))
				}
				return nil
			}

			for _, g := range b.AvailableGroups() {
				fmt.Fprintf(out, "%-20s %d\n", g.Name(), len(g.Packages()))
			}
			return nil
		},
	}
}

func newInstallCmd(a *app) *cobra.Command {
	var flags transactionFlags

	cmd := &cobra.Command{
		Use:   "install NAME...",
		Short: "Install or upgrade packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.backend(cmd.Context())
			if err != nil {
				return err
			}
			return installer.Install(cmd.Context(), b, args, flags.options(cmd))
		},
	}
	flags.register(cmd)
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	var flags transactionFlags
	var purge bool

	cmd := &cobra.Command{
		Use:   "remove NAME...",
		Short: "Remove packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.backend(cmd.Context())
			if err != nil {
				return err
			}
			opts := flags.options(cmd)
			opts.Purge = purge
			return installer.Remove(cmd.Context(), b, args, opts)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&purge, "purge", false, "Remove configuration files too")
	return cmd
}

func newUpgradeCmd(a *app) *cobra.Command {
	var flags transactionFlags
	var dist bool

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade all upgradeable packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.backend(cmd.Context())
			if err != nil {
				return err
			}
			return installer.Upgrade(cmd.Context(), b, dist, flags.options(cmd))
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&dist, "dist", false, "Allow installing and removing packages to resolve upgrades")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	var flags transactionFlags

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Refresh the package lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.backend(cmd.Context())
			if err != nil {
				return err
			}
			if err := installer.Update(cmd.Context(), b, flags.options(cmd)); err != nil {
				return err
			}
			a.refreshIndex(cmd.Context(), b)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newIndexCmd(a *app) *cobra.Command {
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Show or rebuild the search index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := a.backend(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !b.HasIndex() {
				fmt.Fprintln(out, "Search index: [disabled]")
				return nil
			}

			if rebuild {
				start := time.Now()
				if err := b.RebuildIndex(ctx); err != nil {
					return fmt.Errorf("failed to rebuild search index: %w", err)
				}
				fmt.Fprintf(out, "Indexed %d packages in %s\n", b.PackageCount(), time.Since(start).Round(time.Millisecond))
				return nil
			}

			stale, err := b.IndexNeedsUpdate(ctx)
			if err != nil {
				return err
			}
			if stale {
				fmt.Fprintln(out, "Search index: [out of date]")
			} else {
				fmt.Fprintln(out, "Search index: [up to date]")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Rebuild the index from the package cache")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past worker transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := a.backend(ctx); err != nil {
				return err
			}

			txs, err := a.store.ListTransactions(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(txs) == 0 {
				fmt.Fprintln(out, "No transactions recorded")
				return nil
			}
			for _, tx := range txs {
				fmt.Fprintf(out, "%s  %-6s  %-9s  %s  +%d ^%d -%d\n",
					shortID(tx.ID), tx.Kind, tx.State, tx.StartedAt.Local().Format("2006-01-02 15:04"),
					len(tx.Install), len(tx.Upgrade), len(tx.Remove)+len(tx.Purge))
				if tx.Error != "" {
					fmt.Fprintf(out, "          %s\n", tx.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of transactions to show")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the search index fresh while the package cache changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := a.backend(ctx)
			if err != nil {
				return err
			}
			a.refreshIndex(ctx, b)

			reload := func(ctx context.Context) error {
				if err := b.ReloadCache(ctx); err != nil {
					return err
				}
				a.refreshIndex(ctx, b)
				fmt.Fprintf(cmd.OutOrStdout(), "Reloaded %d packages\n", b.PackageCount())
				return nil
			}

			w, err := watcher.New(a.eng.CachePaths(), reload,
				watcher.WithDebounce(debounce),
				watcher.WithBusy(b.Busy),
				watcher.WithLogger(a.log))
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			defer w.Stop()

			fmt.Fprintln(cmd.OutOrStdout(), "Watching the package cache, press Ctrl+C to stop")
			<-ctx.Done()

			stats := w.Stats()
			a.log.Info("watcher stopped",
				zap.Int("events", stats.Events),
				zap.Int("reloads", stats.Reloads),
				zap.Int("errors", stats.Errors))
			return nil
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", watcher.DefaultDebounce, "Quiet period before reloading")
	return cmd
}

func newConfigureCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "configure [OPERATION] [ARGS...]",
		Short: "Configure qapt settings",
		Long:  "Run a configuration operation. Without arguments the available operations are listed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, op := range config.GetOperations() {
					fmt.Fprintf(out, "  %-8s %s\n", op.Name, op.Description)
				}
				return nil
			}

			op, ok := config.FindOperation(args[0])
			if !ok {
				return fmt.Errorf("unknown operation: %s", args[0])
			}
			return op.Handler(a.cfg, out, args[1:])
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
