package logging

import (
	"regexp"
)

// Sanitizer redacts sensitive material from log output.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with the default patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: defaultPatterns(),
		redacted: "[REDACTED]",
	}
}

func defaultPatterns() []*regexp.Regexp {
	patterns := []string{
		// GitSwarm agent API keys
		`gsw_[A-Za-z0-9]{16,}`,
		// Authorization headers
		`(?i)bearer\s+[A-Za-z0-9._~+/=-]{16,}`,
		// GitHub tokens (streams sourced from github_pr carry these in URLs)
		`gh[pousr]_[A-Za-z0-9]{36}`,
		// Generic secret assignments
		`(?i)(api[_-]?key|secret|token|password)["'\s:=]+[^\s"']{8,}`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize replaces all sensitive matches in the input.
func (s *Sanitizer) Sanitize(input string) string {
	result := input
	for _, p := range s.patterns {
		result = p.ReplaceAllString(result, s.redacted)
	}
	return result
}

// AddPattern registers an additional redaction pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}
