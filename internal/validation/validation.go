// Package validation provides centralized input validation for daqd.
//
// Instrument names end up as directory names and file name prefixes in the
// archive and staging trees, so they are held to path-safe rules.
package validation

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// =============================================================================
// Instrument Names
// =============================================================================

// MaxInstrumentNameLen bounds instrument names, which prefix every archive
// file name.
const MaxInstrumentNameLen = 64

// ValidateInstrumentName checks that name is usable as a directory name and
// file name prefix: letters, digits, '-' and '_', not starting with '-'.
// Dots are rejected since the archive file names use them as the extension
// separator.
func ValidateInstrumentName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("instrument name cannot be empty")
	case len(name) > MaxInstrumentNameLen:
		return fmt.Errorf("instrument name too long: maximum %d characters allowed", MaxInstrumentNameLen)
	case name[0] == '-':
		return fmt.Errorf("instrument name cannot start with '-'")
	}

	for i, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			continue
		}
		if unicode.IsControl(r) {
			return fmt.Errorf("instrument name cannot contain control characters at position %d", i)
		}
		return fmt.Errorf("invalid character %q in instrument name at position %d", r, i)
	}
	return nil
}

// =============================================================================
// Command Validation
// =============================================================================

// ValidateCommand checks an instrument command string. Commands are sent
// verbatim followed by a carriage return, so they must be single-line.
func ValidateCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("command cannot be empty")
	}
	for i, c := range cmd {
		if c == '\r' || c == '\n' {
			return fmt.Errorf("command cannot contain line breaks at position %d", i)
		}
		if c < 32 || c == 127 {
			return fmt.Errorf("command cannot contain control characters at position %d", i)
		}
	}
	return nil
}

// =============================================================================
// Path Validation
// =============================================================================

// ValidateRoot checks that a configured root directory is usable as a base
// for archive and staging paths. The path is expected to be home-expanded.
func ValidateRoot(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path %q must be absolute", path)
	}
	if filepath.Clean(path) == string(filepath.Separator) {
		return fmt.Errorf("path cannot be the filesystem root")
	}
	return nil
}

// IsWithin reports whether path lies inside (or equals) root after cleaning.
func IsWithin(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
