package store

import (
	"regexp"

	"github.com/crucible-build/crucible/id"
)

// identifierPattern matches the textual form of any identifier kind
// embedded in an object body. Because Encoder always writes identifiers
// as their literal "<kind>_<digest>" string (id.Encoder.WriteID), scanning
// raw bytes for this pattern finds every reference an object makes without
// needing a kind-specific body parser in the store itself — the same
// scan that check-in (§4.4) runs over host file contents to discover
// embedded references.
var identifierPattern = regexp.MustCompile(`\b(?:blob|directory|file|symlink|package|target|resource|task|run|lock|user|login)_[0-9a-v]{52}\b`)

// ExtractReferences scans body for every embedded identifier token and
// returns the distinct set of identifiers it parses to. Malformed-looking
// matches (wrong digest alphabet length is enforced by the regex itself)
// are simply skipped rather than treated as a parse error, since body
// content legitimately contains embedded identifiers alongside arbitrary
// other bytes.
func ExtractReferences(body []byte) []id.ID {
	matches := identifierPattern.FindAll(body, -1)
	seen := make(map[string]bool, len(matches))
	var out []id.ID
	for _, m := range matches {
		parsed, err := id.Parse(string(m))
		if err != nil {
			continue
		}
		key := parsed.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, parsed)
	}
	return out
}
