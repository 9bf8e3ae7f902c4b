package policy

import (
	"regexp"
	"strings"
)

// MessageDecision is the outcome of screening a user chat message before it
// reaches the companion model.
type MessageDecision struct {
	Blocked bool
	Reason  string
}

var (
	injectionPhrases = []string{
		"ignore previous instructions",
		"ignore all previous",
		"ignore above",
		"disregard previous",
		"disregard all previous",
		"forget your instructions",
		"forget previous instructions",
		"you are now",
		"act as",
		"pretend you are",
		"repeat the text above",
		"repeat your instructions",
		"reveal your prompt",
		"show me your prompt",
		"show your system",
		"what are your instructions",
		"what is your system prompt",
		"print your instructions",
		"output your instructions",
		"tell me your rules",
		"developer mode",
		"admin mode",
		"sudo mode",
		"jailbreak",
		"dan mode",
		"do anything now",
	}
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,20}\b(instructions|rules|prompt)\b`),
		regexp.MustCompile(`(?i)\bsystem\s+prompt\b`),
	}
)

// ScreenMessage flags common prompt-injection and jailbreak attempts.
func ScreenMessage(message string) MessageDecision {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" {
		return MessageDecision{}
	}
	for _, phrase := range injectionPhrases {
		if strings.Contains(lower, phrase) {
			return MessageDecision{Blocked: true, Reason: "phrase:" + phrase}
		}
	}
	for _, re := range injectionPatterns {
		if re.MatchString(lower) {
			return MessageDecision{Blocked: true, Reason: "pattern:" + re.String()}
		}
	}
	return MessageDecision{}
}

// IsPromptInjection reports whether message should be answered with the
// canned refusal instead of being sent to the model.
func IsPromptInjection(message string) bool {
	return ScreenMessage(message).Blocked
}
