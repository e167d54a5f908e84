// internal/browser/classify.go
package browser

import "strings"

// UIError is a classified, user-facing failure extracted from the remote UI.
type UIError struct {
	Message string
}

func (e *UIError) Error() string { return e.Message }

// terminalPhrases maps substrings of control text to user-facing messages.
// The remote UI's wording is an external contract that drifts, so the mapping
// lives in one table instead of inline conditionals.
var terminalPhrases = []struct {
	Needle  string
	Message string
}{
	{"BANNED", "This phone number is banned"},
	{"FLOOD", "Too many attempts, please try again later"},
	{"TOO MANY", "Too many attempts, please try again later"},
}

// ClassifyControlText inspects visible control text for known terminal phrases.
func ClassifyControlText(text string) (string, bool) {
	upper := strings.ToUpper(text)
	for _, p := range terminalPhrases {
		if strings.Contains(upper, p.Needle) {
			return p.Message, true
		}
	}
	return "", false
}
