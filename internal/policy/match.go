package policy

import (
	"strings"
	"time"
)

// NormalizeAction folds an action string to the canonical verb:noun form.
// "Read File", "read-file", "read_file", "readFile" and "read:file" all
// collapse to "read:file"; a single word stays as-is so it can glob
// against verb-qualified rules. Tokens beyond the second are dropped.
func NormalizeAction(action string) string {
	action = strings.TrimSpace(action)
	if strings.Contains(action, ":") {
		return strings.ToLower(action)
	}

	// Split camelCase before lowercasing: readFile -> read File.
	var b strings.Builder
	b.Grow(len(action) + 4)
	prev := rune(0)
	for _, r := range action {
		if prev >= 'a' && prev <= 'z' && r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		prev = r
	}

	folded := strings.ToLower(b.String())
	folded = strings.ReplaceAll(folded, "-", " ")
	folded = strings.ReplaceAll(folded, "_", " ")

	parts := strings.Fields(folded)
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return parts[0] + ":" + parts[1]
	}
}

// ruleMatches reports whether a rule captures the given action/resource
// pair for an agent in environment env at time now.
func ruleMatches(rule Rule, action, resource, env string, now time.Time) bool {
	normalized := NormalizeAction(action)
	normalizedRule := NormalizeAction(rule.Action)

	if globMatch(normalizedRule, normalized) {
		return resourceMatches(rule.Resource, resource) && conditionsPass(rule.Conditions, env, now)
	}

	// Single-word action vs verb-qualified rule: "read" matches "read:*".
	if !strings.Contains(normalized, ":") && strings.Contains(normalizedRule, ":") {
		verb, _, _ := strings.Cut(normalizedRule, ":")
		if normalized == verb || globMatch(verb, normalized) {
			return resourceMatches(rule.Resource, resource) && conditionsPass(rule.Conditions, env, now)
		}
	}

	return false
}

func resourceMatches(ruleResource, resource string) bool {
	if ruleResource == "" || ruleResource == "*" {
		return true
	}
	return globMatch(strings.ToLower(ruleResource), strings.ToLower(resource))
}

// globMatch implements fnmatch-style matching: * spans any run of
// characters (slashes included), ? matches exactly one. Unlike
// path.Match, a star crosses path separators, which resource patterns
// like "s3://bucket/*" rely on.
func globMatch(pattern, s string) bool {
	p := []rune(pattern)
	t := []rune(s)

	pi, ti := 0, 0
	star, starTi := -1, 0
	for ti < len(t) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == t[ti]):
			pi++
			ti++
		case pi < len(p) && p[pi] == '*':
			star, starTi = pi, ti
			pi++
		case star >= 0:
			pi = star + 1
			starTi++
			ti = starTi
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
