// Package rules normalizes transcript fragment text with deterministic,
// user-supplied substitution rules.
package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var whitespace = regexp.MustCompile(`\s+`)

type rule struct {
	re          *regexp.Regexp
	replacement string
}

// Engine applies substitution rules to fragment text until the text stops
// changing or the iteration limit is hit. A zero-rule engine still collapses
// whitespace.
type Engine struct {
	rules     []rule
	loopLimit int
}

// NewEngine loads rules from path. An empty path or a missing file yields an
// engine with no rules rather than an error; dictation works fine without a
// rules file.
func NewEngine(path string, loopLimit int) (*Engine, error) {
	if loopLimit <= 0 {
		loopLimit = 30
	}

	if strings.TrimSpace(path) == "" {
		return &Engine{loopLimit: loopLimit}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Engine{loopLimit: loopLimit}, nil
		}
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}

	rules, err := parseRules(string(contents))
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %q: %w", path, err)
	}

	return &Engine{rules: rules, loopLimit: loopLimit}, nil
}

// Apply normalizes one fragment's text: whitespace is collapsed, then the
// substitution rules run to a fixed point.
func (e *Engine) Apply(text string) (string, error) {
	result := strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	if len(e.rules) == 0 {
		return result, nil
	}

	for i := 0; i < e.loopLimit; i++ {
		changed := false
		for _, r := range e.rules {
			next := r.re.ReplaceAllString(result, r.replacement)
			if next != result {
				result = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	return result, nil
}

// RuleCount reports how many rules are loaded.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// parseRules reads "spoken form => written form" lines. Blank lines and
// lines starting with # are ignored.
func parseRules(contents string) ([]rule, error) {
	lines := strings.Split(contents, "\n")
	rules := make([]rule, 0, len(lines))

	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=>", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: expected \"from => to\"", index+1)
		}

		from := strings.TrimSpace(parts[0])
		to := strings.TrimSpace(parts[1])
		if from == "" {
			return nil, fmt.Errorf("line %d: rule source cannot be empty", index+1)
		}

		rules = append(rules, rule{
			re:          compileLiteral(from),
			replacement: to,
		})
	}

	return rules, nil
}

// compileLiteral builds a case-insensitive matcher for a literal phrase.
// Word boundaries keep "no" from rewriting the middle of "normal".
func compileLiteral(from string) *regexp.Regexp {
	pattern := "(?i)" + regexp.QuoteMeta(from)
	if startsWithWordChar(from) {
		pattern = `(?i)\b` + regexp.QuoteMeta(from)
	}
	if endsWithWordChar(from) {
		pattern += `\b`
	}
	return regexp.MustCompile(pattern)
}

func startsWithWordChar(s string) bool {
	return len(s) > 0 && isWordChar(s[0])
}

func endsWithWordChar(s string) bool {
	return len(s) > 0 && isWordChar(s[len(s)-1])
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_'
}
