package health

import "regexp"

// DefaultPermanentFailurePatterns match upstream error text that indicates a
// misconfigured endpoint rather than a transient fault. A match reclassifies
// the outcome as an immediate failure, tripping the breaker at once.
var DefaultPermanentFailurePatterns = []string{
	`404.*not found`,
	`401.*unauthorized`,
	`403.*forbidden`,
	`authentication.*failed`,
	`invalid.*credentials`,
	`api.*key.*invalid`,
	`endpoint.*not.*found`,
}

type patternMatcher struct {
	patterns []*regexp.Regexp
}

func newPatternMatcher(exprs []string) (*patternMatcher, error) {
	pm := &patternMatcher{patterns: make([]*regexp.Regexp, 0, len(exprs))}
	for _, expr := range exprs {
		re, err := regexp.Compile(`(?i)` + expr)
		if err != nil {
			return nil, err
		}
		pm.patterns = append(pm.patterns, re)
	}
	return pm, nil
}

func (pm *patternMatcher) matches(msg string) bool {
	for _, re := range pm.patterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}
