package core

import (
	"sort"
	"strings"
)

// FragmentSeparator joins composed fragment contents.
const FragmentSeparator = "\n\n"

// Fragment is a prioritized piece of prompt preamble text. Higher priority
// composes earlier; equal priorities keep authoring order.
type Fragment struct {
	Content  string `json:"content"`
	Priority int    `json:"priority"`
}

// ComposeFragments assembles fragments into a single preamble string: sorted
// by descending priority (stable on ties), joined with FragmentSeparator.
// Empty contents are skipped; an empty or all-empty slice yields "". The
// input slice is left untouched.
func ComposeFragments(fragments []Fragment) string {
	if len(fragments) == 0 {
		return ""
	}

	sorted := make([]Fragment, len(fragments))
	copy(sorted, fragments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	contents := make([]string, 0, len(sorted))
	for _, f := range sorted {
		if f.Content == "" {
			continue
		}
		contents = append(contents, f.Content)
	}

	return strings.Join(contents, FragmentSeparator)
}
