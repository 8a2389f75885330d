package executor

import "strings"

// Classifier decides whether a finished child process succeeded. Exit codes
// alone are unreliable for the scripts hubs run, so stdout may rescue a
// non-zero exit and stderr may veto a zero one.
type Classifier struct {
	SuccessWords []string
	ErrorWords   []string
}

func (c Classifier) Success(exitCode int, stdout, stderr string) bool {
	ok := exitCode == 0 || containsAny(stdout, c.SuccessWords)
	return ok && !containsAny(stderr, c.ErrorWords)
}

func containsAny(text string, words []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, w := range words {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}
