package guardrail

import (
	"regexp"
	"strings"
)

var overridePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions?`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|rules?|guidelines?)`),
	regexp.MustCompile(`(?i)you\s+are\s+(now|no\s+longer)\s+`),
	regexp.MustCompile(`(?i)system\s*(prompt|override|message|:)`),
	regexp.MustCompile(`(?i)\[system\]`),
	regexp.MustCompile(`(?i)\{system\}`),
	regexp.MustCompile(`(?i)<system>`),
	regexp.MustCompile(`(?i)</user_request>`),
	regexp.MustCompile(`(?i)</current_request>`),
	regexp.MustCompile(`(?i)</?(?:assistant|system|instructions?|prompt)>`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)do\s+anything\s+now`),
	regexp.MustCompile(`(?i)dan\s+mode`),
	regexp.MustCompile(`(?i)developer\s+mode`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+(have\s+no|don't\s+have)\s+restrictions?`),
}

var requestExtractionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<user_request>\s*(.*?)\s*</user_request>`),
	regexp.MustCompile(`(?is)<current_request>\s*(.*?)\s*</current_request>`),
	regexp.MustCompile(`(?is)<request>\s*(.*?)\s*</request>`),
	regexp.MustCompile(`(?s)Current request:\s*(.+?)$`),
}

// ExtractRequest returns the user's own request when the message carries the
// prompt wrapper, so tool output and history do not count against the cap.
func ExtractRequest(message string) string {
	req, _ := splitRequest(message)
	return req
}

// splitRequest returns the extracted request and the message with the
// matched wrapper tags removed. Anything injected around the wrapper stays in
// the second value.
func splitRequest(message string) (string, string) {
	for _, p := range requestExtractionPatterns {
		m := p.FindStringSubmatchIndex(message)
		if len(m) < 4 || m[2] < 0 {
			continue
		}
		req := strings.TrimSpace(message[m[2]:m[3]])
		if req == "" {
			continue
		}
		return req, message[:m[0]] + " " + message[m[2]:m[3]] + " " + message[m[1]:]
	}
	return message, message
}

func matchesOverride(message string) bool {
	for _, p := range overridePatterns {
		if p.MatchString(message) {
			return true
		}
	}
	return false
}
