package backend

import "strings"

// Group is a section of the archive
type Group struct {
	name     string
	packages []*Package
}

// Name returns the section name without component prefix
func (g *Group) Name() string {
	return g.name
}

// Packages returns the packages of the group sorted by name
func (g *Group) Packages() []*Package {
	return append([]*Package(nil), g.packages...)
}

// groupName strips the archive component from a section
// ("universe/editors" -> "editors")
func groupName(section string) string {
	if i := strings.LastIndexByte(section, '/'); i >= 0 {
		return section[i+1:]
	}
	return section
}
