package manifest

import (
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

var blockedEffectNames = func() []string {
	names := make([]string, 0, len(blockedEffects))
	for name := range blockedEffects {
		names = append(names, name)
	}
	return names
}()

// blockedEffectPrefixes are third-party plugin suite prefixes that never
// classify as native, regardless of naming convention.
var blockedEffectPrefixes = []string{
	"Sapphire",
	"Boris",
	"RedGiant",
	"VideoCopilot",
	"Element3D",
	"Trapcode",
}

// blockedEffects are exact third-party effect names that don't follow one
// of the blocked prefixes.
var blockedEffects = map[string]bool{
	"VC Element":         true,
	"Trapcode Particular": true,
}

// fuzzyWarnThreshold is the largest Levenshtein distance at which an effect
// name is flagged as a likely near-miss of a blocked name.
const fuzzyWarnThreshold = 2

// ClassifyEffects splits effect names into native and third-party buckets
// using the same precedence as the original classifier: an ADBE prefix is
// native; an exact blocked name or blocked prefix is third-party; a PG or CC
// prefix is native; everything else defaults to third-party.
func ClassifyEffects(effects []string) (native, thirdParty []string) {
	for _, effect := range effects {
		switch {
		case strings.HasPrefix(effect, "ADBE"):
			native = append(native, effect)
		case blockedEffects[effect]:
			thirdParty = append(thirdParty, effect)
		case hasBlockedPrefix(effect):
			thirdParty = append(thirdParty, effect)
		case strings.HasPrefix(effect, "PG"), strings.HasPrefix(effect, "CC"):
			native = append(native, effect)
		default:
			thirdParty = append(thirdParty, effect)
		}
	}
	return native, thirdParty
}

func hasBlockedPrefix(effect string) bool {
	for _, prefix := range blockedEffectPrefixes {
		if strings.HasPrefix(effect, prefix) {
			return true
		}
	}
	return false
}

// FuzzyBlockedMatches reports effect names that are not an exact blocked
// name but whose characters all appear, in order and ignoring case, in a
// blocked name that is at most fuzzyWarnThreshold edits away. This catches
// dropped-letter typos like "Trapcode Particlar"; a name with a changed or
// added letter, such as "Trapcode Partical", is not matched.
func FuzzyBlockedMatches(effects []string) []string {
	var matches []string
	for _, effect := range effects {
		if blockedEffects[effect] {
			continue
		}
		ranks := fuzzy.RankFindNormalizedFold(effect, blockedEffectNames)
		for _, r := range ranks {
			if r.Distance > 0 && r.Distance <= fuzzyWarnThreshold {
				matches = append(matches, effect)
				break
			}
		}
	}
	return matches
}
