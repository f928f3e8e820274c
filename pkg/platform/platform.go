package platform

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// Platform represents the host the packages are installed on
type Platform struct {
	// Native dpkg architecture (e.g., amd64, armhf)
	Arch string
	// Additional architectures enabled with dpkg --add-architecture
	Foreign []string
}

// Current returns the platform of the running binary
func Current() Platform {
	return Platform{Arch: DpkgArch(runtime.GOARCH, goarm())}
}

// New returns a platform for the given native and foreign architectures
func New(native string, foreign ...string) Platform {
	return Platform{Arch: normalizeArch(native), Foreign: foreign}
}

// String returns a string representation of the platform
func (p Platform) String() string {
	if len(p.Foreign) == 0 {
		return p.Arch
	}
	return p.Arch + "+" + strings.Join(p.Foreign, "+")
}

// IsNative reports whether packages of arch run natively ("all" included)
func (p Platform) IsNative(arch string) bool {
	arch = normalizeArch(arch)
	return arch == "" || arch == "all" || arch == p.Arch
}

// Supports reports whether packages of arch can be installed on the platform
func (p Platform) Supports(arch string) bool {
	if p.IsNative(arch) {
		return true
	}
	arch = normalizeArch(arch)
	for _, f := range p.Foreign {
		if normalizeArch(f) == arch {
			return true
		}
	}
	return false
}

// Score ranks architectures when several records share a package name.
// Native beats "all", which beats foreign, which beats unsupported.
func (p Platform) Score(arch string) int {
	arch = normalizeArch(arch)
	switch {
	case arch == p.Arch:
		return 3
	case arch == "all" || arch == "":
		return 2
	case p.Supports(arch):
		return 1
	default:
		return 0
	}
}

// DpkgArch maps a Go architecture name to the dpkg architecture name
func DpkgArch(goarch, arm string) string {
	switch goarch {
	case "386":
		return "i386"
	case "arm":
		if arm == "5" {
			return "armel"
		}
		return "armhf"
	case "ppc64le":
		return "ppc64el"
	case "mips64le":
		return "mips64el"
	case "loong64":
		return "loong64"
	default:
		return normalizeArch(goarch)
	}
}

// normalizeArch normalizes architecture names reported by other tools
func normalizeArch(arch string) string {
	switch strings.ToLower(strings.TrimSpace(arch)) {
	case "x86_64":
		return "amd64"
	case "x86", "i686":
		return "i386"
	case "aarch64":
		return "arm64"
	default:
		return strings.ToLower(strings.TrimSpace(arch))
	}
}

func goarm() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "GOARM" {
				return s.Value
			}
		}
	}
	return "7"
}
