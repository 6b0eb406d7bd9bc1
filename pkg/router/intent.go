package router

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Intent is the coarse classification of what a message is trying to do.
type Intent string

const (
	IntentSeekingSupport Intent = "seeking_support"
	IntentQuestion       Intent = "question"
	IntentSmalltalk      Intent = "smalltalk"
	IntentQuery          Intent = "query"  // operator: read-only analytics
	IntentAction         Intent = "action" // operator: case command
	IntentCaseOps        Intent = "case_ops"
)

var questionMarkers = []string{"?", "how do i", "what should", "can you", "where can"}

var smalltalkMarkers = []string{"hi", "hello", "hey", "thanks", "thank you", "good morning", "good evening"}

// classifySubjectIntent is a cheap local heuristic. It only shapes the
// response register; risk classification is independent of it and always
// runs first.
func classifySubjectIntent(text string) Intent {
	t := strings.ToLower(strings.TrimSpace(norm.NFKC.String(text)))
	for _, m := range smalltalkMarkers {
		if t == m || strings.HasPrefix(t, m+" ") || strings.HasPrefix(t, m+",") {
			return IntentSmalltalk
		}
	}
	for _, m := range questionMarkers {
		if strings.Contains(t, m) {
			return IntentQuestion
		}
	}
	return IntentSeekingSupport
}

var queryMarkers = []string{
	"how many", "trend", "rate", "ratio", "report", "stats",
	"statistics", "average", "breakdown", "coverage", "over the last",
}

// classifyOperatorIntent is the binary query-vs-action classifier for
// operator messages. Defaults to action: a misread query becomes a
// harmless case listing rather than an analytics run.
func classifyOperatorIntent(text string) Intent {
	t := strings.ToLower(text)
	for _, m := range queryMarkers {
		if strings.Contains(t, m) {
			return IntentQuery
		}
	}
	return IntentAction
}
