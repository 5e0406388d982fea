package descriptor

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru"
)

const patternCacheSize = 256

var patterns, _ = lru.New(patternCacheSize)

// CompilePattern compiles expr with whole-string semantics: a value matches
// only if the entire value matches expr.
func CompilePattern(expr string) (*regexp.Regexp, error) {
	if re, ok := patterns.Get(expr); ok {
		return re.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, err
	}
	patterns.Add(expr, re)
	return re, nil
}

func matches(expr, value string) bool {
	re, err := CompilePattern(expr)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// MatchesNamePattern tests the location against expr. An invalid expression
// never matches.
func (d *Descriptor) MatchesNamePattern(expr string) bool {
	return matches(expr, d.location)
}

// MatchesContext reports whether every key of filter is present in the
// context with a value matching the filter's expression. A nil filter
// matches everything.
func (d *Descriptor) MatchesContext(filter map[string]string) bool {
	for key, expr := range filter {
		value, ok := d.context[key]
		if !ok {
			return false
		}
		if !matches(expr, value) {
			return false
		}
	}
	return true
}

// ValidateFilter compiles every expression of a context filter.
func ValidateFilter(filter map[string]string) error {
	for _, expr := range filter {
		if _, err := CompilePattern(expr); err != nil {
			return err
		}
	}
	return nil
}
