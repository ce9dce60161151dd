// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package minionid

import (
	"fmt"
	"path"
	"regexp"
)

// TargetType selects how a publish target expression is interpreted.
type TargetType string

const (
	// TargetGlob matches minion ids with shell-style wildcards
	// ("web-*", "db-0?"). The * wildcard matches any run of
	// characters; ids are flat, so there is no hierarchy to respect.
	TargetGlob TargetType = "glob"

	// TargetPCRE matches minion ids with a regular expression. The
	// expression is anchored at both ends; "web-\d+" matches
	// "web-12" but not "frontend-web-12".
	TargetPCRE TargetType = "pcre"

	// TargetList is an explicit list of minion ids.
	TargetList TargetType = "list"
)

// Narrowable reports whether a target type supports server-side
// recipient narrowing. Compound and grain-based targets cannot be
// resolved from ids alone and are broadcast instead.
func Narrowable(tgtType string) bool {
	switch TargetType(tgtType) {
	case TargetGlob, TargetPCRE, TargetList:
		return true
	}
	return false
}

// MatchGlob reports whether id matches the glob pattern. Malformed
// patterns match nothing — a pattern that cannot be parsed must never
// select a recipient.
func MatchGlob(pattern, id string) bool {
	matched, err := path.Match(pattern, id)
	if err != nil {
		return false
	}
	return matched
}

// Resolve filters candidates down to the ids selected by the target
// expression. For TargetList the expression is ignored and list is
// returned as given (the caller already has the literal recipient
// set). For TargetPCRE a compile error resolves to an empty set.
func Resolve(tgtType TargetType, expression string, list []string, candidates []string) ([]string, error) {
	switch tgtType {
	case TargetList:
		return list, nil

	case TargetGlob:
		var matched []string
		for _, id := range candidates {
			if MatchGlob(expression, id) {
				matched = append(matched, id)
			}
		}
		return matched, nil

	case TargetPCRE:
		re, err := regexp.Compile("^(?:" + expression + ")$")
		if err != nil {
			return nil, fmt.Errorf("minionid: compiling target expression %q: %w", expression, err)
		}
		var matched []string
		for _, id := range candidates {
			if re.MatchString(id) {
				matched = append(matched, id)
			}
		}
		return matched, nil
	}
	return nil, fmt.Errorf("minionid: target type %q does not support narrowing", tgtType)
}
