package config

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierRe matches valid group set names: letter-first, alphanumeric + _ . -
var identifierRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.\-]*$`)

// regexMetaChars are characters that indicate a string is an intentional regex, not a typo.
const regexMetaChars = `^$.*+?()[]{}|\`

func isIdentifier(s string) bool {
	return identifierRe.MatchString(s)
}

func containsRegexMeta(s string) bool {
	for _, c := range s {
		if strings.ContainsRune(regexMetaChars, c) {
			return true
		}
	}
	return false
}

// CompiledPatterns holds pre-compiled include and exclude regex patterns.
type CompiledPatterns struct {
	Include []*regexp.Regexp
	Exclude []*regexp.Regexp
}

// Match evaluates the compiled patterns against a value.
// Exclude-first semantics: if any exclude matches, rejected.
// Empty include list with no excludes = pass (no constraints).
// Empty include list with only excludes = everything not excluded passes.
func (cp *CompiledPatterns) Match(value string) bool {
	if cp == nil {
		return true
	}

	for _, re := range cp.Exclude {
		if re.MatchString(value) {
			return false
		}
	}

	if len(cp.Include) == 0 {
		return true
	}

	for _, re := range cp.Include {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// CompilePatterns resolves pattern tokens against a set map and compiles
// them into include/exclude regex groups. Discards warnings.
func CompilePatterns(patterns []string, sets map[string]string) (*CompiledPatterns, error) {
	cp, _, err := CompilePatternsWithWarnings(patterns, sets)
	return cp, err
}

// CompilePatternsWithWarnings is CompilePatterns that also reports tokens
// that look like set names but are not defined (likely typos).
func CompilePatternsWithWarnings(patterns []string, sets map[string]string) (*CompiledPatterns, []string, error) {
	if len(patterns) == 0 {
		return &CompiledPatterns{}, nil, nil
	}

	var warnings []string
	cp := &CompiledPatterns{}
	for _, token := range patterns {
		negate := strings.HasPrefix(token, "!")
		raw := strings.TrimPrefix(token, "!")

		pat, warn := resolveToken(raw, sets)
		if warn != "" {
			warnings = append(warnings, warn)
		}

		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, warnings, fmt.Errorf("invalid pattern %q: %w", pat, err)
		}
		if negate {
			cp.Exclude = append(cp.Exclude, re)
		} else {
			cp.Include = append(cp.Include, re)
		}
	}
	return cp, warnings, nil
}

// resolveToken resolves a single token against the set map.
// Returns the resolved pattern and an optional warning string.
func resolveToken(token string, sets map[string]string) (string, string) {
	if isIdentifier(token) {
		if regex, ok := sets[token]; ok {
			return regex, ""
		}
		if !containsRegexMeta(token) {
			return token, fmt.Sprintf("unknown group set %q; treating as regex", token)
		}
	}
	return token, ""
}

// SelectGroups applies --group patterns to the pipeline's group names and
// returns the matching names in declaration order. A pattern equal to a
// group name selects exactly that group; set names resolve through sets;
// anything else is a regex, "!" negates. No patterns selects nothing (the
// caller then runs every group).
func SelectGroups(names, patterns []string, sets map[string]string) ([]string, []string, error) {
	if len(patterns) == 0 {
		return nil, nil, nil
	}

	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	anchored := make([]string, len(patterns))
	for i, p := range patterns {
		raw := strings.TrimPrefix(p, "!")
		if known[raw] {
			anchored[i] = p[:len(p)-len(raw)] + "^" + regexp.QuoteMeta(raw) + "$"
			continue
		}
		anchored[i] = p
	}

	cp, warnings, err := CompilePatternsWithWarnings(anchored, sets)
	if err != nil {
		return nil, warnings, err
	}

	var out []string
	for _, n := range names {
		if cp.Match(n) {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, warnings, fmt.Errorf("--group %s matches no group (have: %s)", strings.Join(patterns, ", "), strings.Join(names, ", "))
	}
	return out, warnings, nil
}
