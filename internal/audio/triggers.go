package audio

import "strings"

// triggerKeywords are scanner phrases that immediately warrant a full
// transcription. The list is intentionally short; anything subtler rides on
// the extractor's own judgment once the window is promoted.
var triggerKeywords = []string{
	"shots fired", "shooting", "stabbing", "active shooter",
	"structure fire", "house fire", "building fire",
	"major accident", "fatality", "entrapment",
	"pursuit", "armed", "weapon",
	"missing child", "amber alert", "missing person",
	"robbery in progress", "burglary in progress",
}

// HasTrigger reports whether the transcript preview contains any trigger
// phrase. Matching is case-insensitive substring containment.
func HasTrigger(transcript string) bool {
	lower := strings.ToLower(transcript)
	for _, kw := range triggerKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
