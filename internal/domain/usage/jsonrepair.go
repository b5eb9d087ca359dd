package usage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Embedded JSON repair. The provider's tags and additionalInfo fields arrive
// as strings that are frequently almost-JSON: trailing commas, bare keys,
// single quotes. The heuristics below are applied cumulatively, in a fixed
// order, stopping at the first stage that yields a parseable document. This
// is a best-effort salvage chain, not a parser: input that is broken in ways
// the chain does not anticipate is given up on.

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_\-]*)\s*:`)
	flatPairRe      = regexp.MustCompile(`["']?([A-Za-z0-9_\-\. ]+?)["']?\s*[:=]\s*["']?([^,"'{}\[\]]+)["']?`)
)

// RepairJSON returns a parseable form of s and true, or "" and false when no
// heuristic could salvage it. Input that is already valid JSON is returned
// unchanged.
func RepairJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if json.Valid([]byte(s)) {
		return s, true
	}

	// Heuristics compound: each stage works on the previous stage's output.
	repaired := trailingCommaRe.ReplaceAllString(s, "$1")
	if json.Valid([]byte(repaired)) {
		return repaired, true
	}

	repaired = bareKeyRe.ReplaceAllString(repaired, `$1"$2":`)
	if json.Valid([]byte(repaired)) {
		return repaired, true
	}

	repaired = strings.ReplaceAll(repaired, "'", `"`)
	if json.Valid([]byte(repaired)) {
		return repaired, true
	}

	// Last resort: scrape flat key/value pairs out of the wreckage.
	pairs := flatPairRe.FindAllStringSubmatch(s, -1)
	if len(pairs) == 0 {
		return "", false
	}
	extracted := make(map[string]string, len(pairs))
	for _, m := range pairs {
		key := strings.TrimSpace(m[1])
		val := strings.TrimSpace(m[2])
		if key == "" {
			continue
		}
		extracted[key] = val
	}
	if len(extracted) == 0 {
		return "", false
	}
	out, err := json.Marshal(extracted)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// CleanJSON is the fail-loud counterpart of RepairJSON for callers using the
// chain as a validator rather than inside the pipeline.
func CleanJSON(s string) (string, error) {
	repaired, ok := RepairJSON(s)
	if !ok {
		return "", fmt.Errorf("jsonrepair: unrecoverable input %q", truncateForError(s))
	}
	return repaired, nil
}

// ParseTags unmarshals a repaired tags document into a flat string map.
// Nested or non-string values are stringified; a nil map means the field was
// absent or unrecoverable.
func ParseTags(s string) map[string]string {
	repaired, ok := RepairJSON(s)
	if !ok {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
		return nil
	}
	tags := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			tags[k] = t
		case nil:
			tags[k] = ""
		default:
			b, err := json.Marshal(t)
			if err != nil {
				continue
			}
			tags[k] = string(b)
		}
	}
	return tags
}

func truncateForError(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
