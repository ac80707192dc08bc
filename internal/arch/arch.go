package arch

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Architecture is a Debian architecture name of a supported board image.
type Architecture string

const (
	ARM64 Architecture = "arm64"
	ARMHF Architecture = "armhf"
)

// Default is used when no architecture is requested.
const Default = ARM64

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		ARM64,
		ARMHF,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case ARM64, ARMHF:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Triple returns the Rust target triple used to cross-build packages for a.
func (a Architecture) Triple() string {
	switch a {
	case ARM64:
		return "aarch64-unknown-linux-gnu"
	case ARMHF:
		return "armv7-unknown-linux-gnueabihf"
	default:
		return ""
	}
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(ARM64), "aarch64", "armv8":
		return ARM64
	case string(ARMHF), "armv7", "armv7l", "arm", "arm32":
		return ARMHF
	default:
		return ""
	}
}

// hintTokens are matched against the dash/underscore/dot separated words of an
// image filename. Raspberry Pi OS names its images e.g.
// 2024-07-04-raspios-bookworm-arm64-lite.img.xz.
var hintTokens = map[string]Architecture{
	"arm64":   ARM64,
	"aarch64": ARM64,
	"armhf":   ARMHF,
	"armv7":   ARMHF,
	"armv7l":  ARMHF,
	"arm32":   ARMHF,
}

// HintFromFilename guesses the architecture of an image from its file name.
// The second return value is false when the name carries no hint or carries
// contradicting hints.
func HintFromFilename(name string) (Architecture, bool) {
	base := strings.ToLower(filepath.Base(name))
	words := strings.FieldsFunc(base, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || r == '+'
	})

	var found Architecture
	for _, word := range words {
		hint, ok := hintTokens[word]
		if !ok {
			continue
		}
		if found != "" && found != hint {
			return "", false
		}
		found = hint
	}
	return found, found != ""
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
