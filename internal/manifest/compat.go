package manifest

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// requiredAssetGlobs are bundle entry patterns a compositing bundle must
// contain at least one match for; absence is a hard validation error rather
// than a warning, since the worker cannot render without them.
var requiredAssetGlobs = []string{
	"manifest.json",
	"*.aep",
}

// CheckResult holds the non-blocking warnings and blocking errors produced
// by validating a manifest and its bundle listing.
type CheckResult struct {
	Warnings []string
	Errors   []string
}

// Check runs the same compatibility pass the estimator and the worker's
// VALIDATING step both perform: effect classification warnings, font and
// expression-count warnings, and required-asset presence against the
// bundle's file listing.
func Check(m Manifest, bundleEntries []string) CheckResult {
	var res CheckResult

	_, thirdParty := ClassifyEffects(m.Effects)
	if len(thirdParty) > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Third-party effects detected: %s", joinSortedUnique(thirdParty)))
	}
	if fuzzy := FuzzyBlockedMatches(m.Effects); len(fuzzy) > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Effect names close to a blocked plugin: %s", joinSortedUnique(fuzzy)))
	}
	if len(m.Fonts) == 0 {
		res.Warnings = append(res.Warnings, "No fonts detected; verify text layers use default fonts.")
	}
	if m.ExpressionsCount > 100 {
		res.Warnings = append(res.Warnings, "High expression count may slow render.")
	}

	for _, pattern := range requiredAssetGlobs {
		if !anyGlobMatch(pattern, bundleEntries) {
			res.Errors = append(res.Errors, fmt.Sprintf("bundle missing required entry matching %q", pattern))
		}
	}

	return res
}

func anyGlobMatch(pattern string, entries []string) bool {
	for _, entry := range entries {
		if ok, err := doublestar.Match(pattern, entry); err == nil && ok {
			return true
		}
	}
	return false
}

func joinSortedUnique(items []string) string {
	seen := map[string]bool{}
	var unique []string
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			unique = append(unique, item)
		}
	}
	sort.Strings(unique)
	out := ""
	for i, item := range unique {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}
