package classify

import (
	"context"
	"strings"

	"github.com/onebox-labs/onebox/internal/models"
)

// Input is the slice of a message the classifier looks at.
type Input struct {
	Subject string
	Body    string
	From    string
}

// Classifier assigns a category to a message. Implementations must always
// return a category; a failing remote model degrades to the keyword
// fallback, never to an error.
type Classifier interface {
	Classify(ctx context.Context, in Input) models.Category
}

const (
	maxSubjectLen = 500
	maxBodyLen    = 4000
)

// keywordRules is scanned in order; the first category whose keyword set
// matches wins.
var keywordRules = []struct {
	category models.Category
	keywords []string
}{
	{models.CategorySpam, []string{"unsubscribe", "promotional", "offer", "discount", "limited time", "act now"}},
	{models.CategoryOutOfOffice, []string{"out of office", "vacation", "away", "automatic reply", "auto-reply"}},
	{models.CategoryMeetingBooked, []string{"meeting", "call", "schedule", "appointment", "booked", "calendar"}},
	{models.CategoryNotInterested, []string{"not interested", "decline", "reject", "no thank", "pass"}},
	{models.CategoryInterested, []string{"interested", "yes", "sounds good", "let's do", "count me in"}},
}

// Fallback categorizes by keyword scan over the normalized subject and
// body. Deterministic for a given input.
func Fallback(in Input) models.Category {
	text := strings.ToLower(in.Subject + " " + in.Body)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.category
			}
		}
	}
	return models.CategoryUncategorized
}

// truncate bounds the text handed to a remote model.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
