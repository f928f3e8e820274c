package selector

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/dikkadev/qapt/pkg/backend"
)

// Searcher finds packages
type Searcher interface {
	Package(name string) *backend.Package
	Search(ctx context.Context, query string) ([]*backend.Package, error)
}

type PackageItem struct {
	pkg *backend.Package
}

func (i PackageItem) Title() string {
	return i.pkg.Name()
}

func (i PackageItem) Description() string {
	var prefix string
	switch {
	case i.pkg.IsUpgradeable():
		prefix = fmt.Sprintf("↑ %s → %s | ", i.pkg.Version(), i.pkg.AvailableVersion())
	case i.pkg.IsInstalled():
		prefix = fmt.Sprintf("✓ %s | ", i.pkg.Version())
	default:
		prefix = fmt.Sprintf("%s | ", i.pkg.AvailableVersion())
	}

	desc := []rune(i.pkg.ShortDescription())
	maxLen := 100 - len([]rune(prefix))
	if len(desc) > maxLen {
		desc = append(desc[:maxLen-3], []rune("...")...)
	}
	return prefix + string(desc)
}

func (i PackageItem) FilterValue() string {
	return i.pkg.Name()
}

type model struct {
	list       list.Model
	selected   *backend.Package
	quitting   bool
	totalCount int
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Keys belong to the filter input while typing
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if i, ok := m.list.SelectedItem().(PackageItem); ok {
				m.selected = i.pkg
				return m, tea.Quit
			}
		case "ctrl+n":
			m.list.CursorDown()
		case "ctrl+p":
			m.list.CursorUp()
		case "pgdown", "ctrl+d":
			m.list.NextPage()
		case "pgup", "ctrl+u":
			m.list.PrevPage()
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	help := "\nNavigate: ↑/↓ • Page: PgUp/PgDn • Filter: / • Select: Enter • Quit: Esc/q\n"
	return m.list.View() + help
}

// searchPackages performs the package search without any UI interaction.
// exact is set when input names a package.
func searchPackages(ctx context.Context, s Searcher, input string) (pkgs []*backend.Package, exact bool, err error) {
	if p := s.Package(input); p != nil {
		return []*backend.Package{p}, true, nil
	}

	pkgs, err = s.Search(ctx, input)
	if err != nil {
		return nil, false, fmt.Errorf("failed to search packages: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, false, fmt.Errorf("no packages found matching '%s'", input)
	}
	return pkgs, false, nil
}

func newModel(pkgs []*backend.Package) model {
	items := make([]list.Item, len(pkgs))
	for i, p := range pkgs {
		items[i] = PackageItem{pkg: p}
	}

	width := 80
	height := min(20, len(items)+5) // 5 lines for header, help, etc.
	l := list.New(items, list.NewDefaultDelegate(), width, height)
	l.Title = fmt.Sprintf("Select a package (found %d)", len(pkgs))
	l.SetShowHelp(true)
	l.SetShowStatusBar(true)
	l.SetShowTitle(true)
	l.KeyMap.Quit.SetEnabled(true)
	l.KeyMap.ForceQuit.SetEnabled(true)
	l.SetShowFilter(true)
	l.SetFilteringEnabled(true)

	return model{
		list:       l,
		totalCount: len(pkgs),
	}
}

// SelectPackage presents an interactive UI for selecting a package from
// search results
func SelectPackage(ctx context.Context, s Searcher, input string) (*backend.Package, error) {
	pkgs, exact, err := searchPackages(ctx, s, input)
	if err != nil {
		return nil, err
	}

	// An exact name needs no picking
	if exact {
		return pkgs[0], nil
	}

	prog := tea.NewProgram(newModel(pkgs), tea.WithContext(ctx))
	finalModel, err := prog.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to run UI: %w", err)
	}

	if m, ok := finalModel.(model); ok && m.selected != nil {
		return m.selected, nil
	}

	return nil, fmt.Errorf("no package selected")
}
