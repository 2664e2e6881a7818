// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"path"
	"strings"
)

// Match reports whether an action or resource name matches a pattern.
// Names are colon-separated segments ("moderation:ban:user"). Within a
// segment, "*" and "?" are path.Match wildcards; a whole segment "**"
// matches zero or more segments. A malformed pattern matches nothing.
func Match(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, ":"), strings.Split(name, ":"))
}

// MatchAny reports whether name matches any pattern. An empty pattern
// list matches nothing.
func MatchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if Match(pattern, name) {
			return true
		}
	}
	return false
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			// Try every split point, including consuming nothing.
			for skip := 0; skip <= len(name); skip++ {
				if matchSegments(rest, name[skip:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		matched, err := path.Match(pattern[0], name[0])
		if err != nil || !matched {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}
