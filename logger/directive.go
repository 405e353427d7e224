// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

/* The logging spec grammar.

A spec is a comma-separated list of directives, each either a bare level (a global fallback), a
bare module name (implying LevelTrace for that module), or "module=level". The whole thing may be
followed by a single "/pattern" suffix; the pattern itself is accepted for compatibility with
operators' existing scripts but is not interpreted. A second "/" is a malformed spec and the
whole spec is rejected.

Malformed individual directives are warned about and skipped rather than failing the whole parse:
an operator typo in one module's directive shouldn't leave every other module unfiltered.
*/

package logger

import (
	"fmt"
	"strings"
)

// Directive binds a minimum Level to every module whose name has Module as a prefix. Module =="
// "" matches every module: it is the global fallback.
type Directive struct {
	Module string
	Level  Level
}

// ParseSpec parses a logging spec into an ordered list of directives, along with any warnings
// about malformed directives that were skipped. The directives are returned in the order given,
// which matters: when two directives name the same module, the later one overrides the earlier.
func ParseSpec(spec string) ([]Directive, []string) {
	var warnings []string

	parts := strings.Split(spec, "/")
	switch len(parts) {
	case 1:
		// no filter suffix
	case 2:
		// filter-ignored suffix present, accepted but not interpreted
	default:
		warnings = append(warnings, fmt.Sprintf("invalid logging spec %q, ignoring it (too many '/'s)", spec))
		return nil, warnings
	}

	var directives []Directive
	for _, token := range strings.Split(parts[0], ",") {
		if token == "" {
			continue
		}

		fields := strings.SplitN(token, "=", 3)
		switch len(fields) {
		case 1:
			if level, ok := ParseLevel(fields[0]); ok {
				directives = append(directives, Directive{Level: level})
			} else {
				directives = append(directives, Directive{Module: fields[0], Level: Max()})
			}

		case 2:
			module := fields[0]
			levelStr := strings.TrimSpace(fields[1])
			if levelStr == "" {
				directives = append(directives, Directive{Module: module, Level: Max()})
				continue
			}
			level, ok := ParseLevel(levelStr)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("invalid logging spec %q, ignoring it", levelStr))
				continue
			}
			directives = append(directives, Directive{Module: module, Level: level})

		default:
			warnings = append(warnings, fmt.Sprintf("invalid logging spec %q, ignoring it", token))
		}
	}

	return directives, warnings
}

// enabled reports whether a message at level from target should be emitted, given directives.
// Among the directives whose module is a prefix of (or equal to) target, the one with the longest
// module wins; between equally long modules, the later directive wins. No match at all means
// disabled, matching the original's fail-closed default.
func enabled(directives []Directive, target string, level Level) bool {
	best := -1
	for i, d := range directives {
		if d.Module != "" && !strings.HasPrefix(target, d.Module) {
			continue
		}
		if best < 0 || len(d.Module) >= len(directives[best].Module) {
			best = i
		}
	}
	if best < 0 {
		return false
	}
	return level <= directives[best].Level
}
