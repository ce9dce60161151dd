// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package autokey decides whether a new minion key is signed or
// rejected without operator involvement.
//
// The decision sources, in order: a blanket auto-accept switch, an
// autosign pattern file, and an autosign-grains directory where each
// file is named after a grain and lists permitted values. An
// autoreject pattern file overrides everything and refuses matching
// ids outright.
//
// Pattern files are re-read on every check so operator edits take
// effect on the next handshake without a master restart. A file that
// cannot be read contributes no matches; unreadable policy must never
// widen access.
package autokey

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/muster-project/muster/lib/minionid"
)

// Policy evaluates auto-sign and auto-reject rules for minion ids.
type Policy struct {
	// AutoAccept accepts every syntactically valid id. Development
	// use only.
	AutoAccept bool

	// AutosignFile is a pattern file; ids matching any pattern are
	// signed automatically. Empty disables.
	AutosignFile string

	// AutorejectFile is a pattern file; ids matching any pattern are
	// rejected automatically. Empty disables.
	AutorejectFile string

	// GrainsDir holds one file per grain name listing permitted
	// values; a minion whose submitted autosign grains match any
	// listed value is signed. Empty disables.
	GrainsDir string

	Logger *slog.Logger
}

// CheckAutoReject reports whether id matches the autoreject file.
func (p *Policy) CheckAutoReject(id string) bool {
	return p.matchesPatternFile(p.AutorejectFile, id)
}

// CheckAutoSign reports whether id should be signed automatically.
// grains carries the minion's submitted autosign grains (value or
// list of values per grain name); it is consulted only when GrainsDir
// is configured.
func (p *Policy) CheckAutoSign(id string, grains map[string]any) bool {
	if p.AutoAccept {
		return true
	}
	if p.matchesPatternFile(p.AutosignFile, id) {
		return true
	}
	if p.GrainsDir != "" && len(grains) > 0 {
		return p.matchesGrains(grains)
	}
	return false
}

// matchesPatternFile reports whether id matches any pattern in the
// file. Lines are exact ids or globs; blank lines and '#' comments
// are skipped.
func (p *Policy) matchesPatternFile(path, id string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger().Warn("cannot read key policy pattern file", "path", path, "error", err)
		}
		return false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		pattern := strings.TrimSpace(scanner.Text())
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}
		if pattern == id || minionid.MatchGlob(pattern, id) {
			return true
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger().Warn("error scanning key policy pattern file", "path", path, "error", err)
	}
	return false
}

// matchesGrains reports whether any submitted grain value appears in
// the corresponding permitted-values file under GrainsDir.
func (p *Policy) matchesGrains(grains map[string]any) bool {
	for grain, submitted := range grains {
		// The grain name becomes a file name; refuse anything that
		// could escape the directory.
		if !minionid.Valid(grain) {
			p.logger().Warn("ignoring autosign grain with unsafe name", "grain", grain)
			continue
		}
		permitted, err := readValueFile(filepath.Join(p.GrainsDir, grain))
		if err != nil {
			if !os.IsNotExist(err) {
				p.logger().Warn("cannot read autosign grains file", "grain", grain, "error", err)
			}
			continue
		}
		for _, value := range flattenValues(submitted) {
			if permitted[value] {
				return true
			}
		}
	}
	return false
}

func readValueFile(path string) (map[string]bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		values[line] = true
	}
	return values, scanner.Err()
}

// flattenValues normalizes a submitted grain value: a scalar becomes
// a single-element list, a list is flattened element-wise.
func flattenValues(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, element := range v {
			out = append(out, fmt.Sprintf("%v", element))
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

func (p *Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
