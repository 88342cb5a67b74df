// Package channels holds the canonical EEG channel manifest.
//
// The manifest is the single source of truth for channel count and
// ordering referenced throughout the pipeline (SPEC_FULL.md §6). It is
// embedded at build time so every binary built from this module agrees on
// channel order without a runtime file dependency.
package channels

import (
	_ "embed"
	"fmt"
	"strings"
)

//go:embed manifest.txt
var manifestTxt string

// Count is the fixed number of canonical channels, C in SPEC_FULL.md §3.
const Count = 48

// Manifest is the ordered, de-duplicated list of canonical channel names.
// Index in this slice is the channel's canonical position everywhere
// downstream (Trial, ProcessedTrial, Window, attribution maps).
var Manifest = mustParseManifest(manifestTxt)

func mustParseManifest(raw string) []string {
	names, err := parseManifest(raw)
	if err != nil {
		panic(fmt.Sprintf("channels: embedded manifest invalid: %v", err))
	}
	return names
}

func parseManifest(raw string) ([]string, error) {
	var names []string
	seen := make(map[string]bool, Count)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if seen[line] {
			return nil, fmt.Errorf("duplicate channel name %q", line)
		}
		seen[line] = true
		names = append(names, line)
	}
	if len(names) != Count {
		return nil, fmt.Errorf("expected %d channels, got %d", Count, len(names))
	}
	return names, nil
}

// Index maps a channel name to its canonical position, or (-1, false) if
// the channel is not part of the manifest.
func Index(name string) (int, bool) {
	for i, n := range Manifest {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// Validate checks that a recording's channel name list is exactly the
// canonical set (order in the source recording may differ; callers are
// expected to permute samples into canonical order using Index).
func Validate(names []string) error {
	if len(names) != Count {
		return fmt.Errorf("channels: expected %d channels, got %d", Count, len(names))
	}
	present := make(map[string]bool, Count)
	for _, n := range names {
		present[n] = true
	}
	var missing []string
	for _, n := range Manifest {
		if !present[n] {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("channels: missing required channels: %s", strings.Join(missing, ", "))
	}
	return nil
}
