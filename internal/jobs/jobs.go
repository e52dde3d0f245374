// Package jobs holds the handler sets bundled with the worker binary.
package jobs

import (
	"sort"

	"github.com/cuongbtq/jobworker/internal/worker/registry"
)

var catalog = map[string]func() registry.HandlerSet{
	DiagnosticsApp: Diagnostics,
}

// Available returns the names of every bundled handler set.
func Available() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves handler set names. Unknown names are returned in missing
// so the caller can decide whether that is fatal.
func Lookup(names []string) (sets []registry.HandlerSet, missing []string) {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		build, ok := catalog[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		sets = append(sets, build())
	}
	return sets, missing
}
