package policy

import (
	"regexp"
	"strings"
	"sync"
)

// MatchesBranchPattern reports whether a branch name matches a
// protection pattern. "*" matches everything; a pattern without "*" is
// an exact match; otherwise the pattern becomes an anchored regex with
// each "*" as ".*" and all regex metacharacters in literal parts
// escaped.
func MatchesBranchPattern(branch, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return branch == pattern
	}

	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(branch)
}

var (
	patternMu    sync.RWMutex
	patternCache = make(map[string]*regexp.Regexp)
)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return re, nil
	}

	parts := strings.Split(pattern, "*")
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(escaped, ".*") + "$")
	if err != nil {
		return nil, err
	}

	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re, nil
}
