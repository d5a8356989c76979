// Package decode holds helpers shared by the XML 1.2, XML 2.0 and JSON-LD
// decoders: speculative leaf-value parsing and the DFS field-flattening
// walk that turns a hierarchical extension subtree into the flat
// (index, parentIndex, entityIndex) Field representation (spec §4.1 step 4).
package decode

import (
	"strconv"
	"time"
)

// SpeculativeParse tries text as a float and as an ISO-8601 timestamp,
// storing every successful parse alongside the raw text per the Open
// Question decision recorded in DESIGN.md (option (a): replicate the
// reference system's speculative parsing exactly).
func SpeculativeParse(text string) (numeric *float64, date *time.Time) {
	if n, err := strconv.ParseFloat(text, 64); err == nil {
		numeric = &n
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02"} {
		if t, err := time.Parse(layout, text); err == nil {
			utc := t.UTC()
			date = &utc
			break
		}
	}
	return numeric, date
}
