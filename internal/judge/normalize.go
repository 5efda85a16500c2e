package judge

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// The judge's reply shape is not guaranteed, so normalization runs an ordered
// list of decoders and the first match wins:
//
//  1. structured verdict enum: {"result": "win|lose|tie|error", ...}
//  2. boolean-plus-explanation text in a "results" field
//  3. boolean "result" field, either bool or a textual boolean
//  4. single-field objects holding a boolean-plus-explanation string
//  5. optional lenient fallback: the raw text as a favorable verdict
//
// Anything the pipeline rejects before the fallback is an ErrInvalidResponse.

// Matches "true - explanation" / "false: explanation" style verdicts.
var boolExplanationRE = regexp.MustCompile(`(?i)^\s*(true|false|yes|no|1|0)\b\s*[-:]\s*(.+)$`)

// Normalize turns a raw 2xx judge body into a canonical Verdict.
func Normalize(body []byte, lenient bool) (Verdict, error) {
	outer := parseOuter(body)

	text, found := extractJudgeText(outer)
	parsed := outer
	if found {
		parsed = parseJudgeText(text)
	}
	return decode(parsed, text, lenient)
}

// parseOuter interprets the reply wrapper. Non-object replies are wrapped
// under a canonical key so the later steps apply uniformly.
func parseOuter(body []byte) map[string]any {
	trimmed := strings.TrimSpace(string(body))
	var outer map[string]any
	if err := json.Unmarshal([]byte(trimmed), &outer); err == nil && outer != nil {
		return outer
	}
	// a quoted JSON string is judge text, not a wrapper
	var text string
	if err := json.Unmarshal([]byte(trimmed), &text); err == nil {
		return map[string]any{"response": text}
	}
	return map[string]any{"response": trimmed}
}

// extractJudgeText finds the text the judge actually said. Wrappers vary:
// prefer "response", "text", "output"; each may hold a string or a list whose
// first element is a string or a {"text": ...} object. "results" is the
// known alternate when none of those match.
func extractJudgeText(outer map[string]any) (string, bool) {
	for _, key := range []string{"response", "text", "output"} {
		switch v := outer[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v, true
			}
		case []any:
			if len(v) == 0 {
				continue
			}
			switch first := v[0].(type) {
			case string:
				return first, true
			case map[string]any:
				if s, ok := first["text"].(string); ok {
					return s, true
				}
			}
		}
	}
	if s, ok := outer["results"].(string); ok {
		return s, true
	}
	return "", false
}

// parseJudgeText maps the judge's textual output to an object: direct JSON,
// the first {...} block embedded in other text, or the whole text wrapped
// under "results" so the decoders apply uniformly.
func parseJudgeText(text string) map[string]any {
	s := strings.TrimSpace(text)

	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err == nil && obj != nil {
		return obj
	}

	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start != -1 && end > start {
		obj = nil
		if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil && obj != nil {
			return obj
		}
	}

	return map[string]any{"results": s}
}

func decode(parsed map[string]any, text string, lenient bool) (Verdict, error) {
	// Dialect A: recognized verdict enum.
	if s, ok := parsed["result"].(string); ok {
		switch Outcome(strings.ToLower(strings.TrimSpace(s))) {
		case OutcomeWin, OutcomeLose, OutcomeTie, OutcomeError:
			return Verdict{
				Outcome:     Outcome(strings.ToLower(strings.TrimSpace(s))),
				Message:     stringField(parsed, "message"),
				Explanation: stringField(parsed, "explanation"),
			}, nil
		}
	}

	// Dialect B on the designated "results" field.
	if s, ok := parsed["results"].(string); ok {
		if won, explanation, err := parseBoolExplanation(s); err == nil {
			return boolVerdict(won, explanation), nil
		}
	}

	// Dialect B on a boolean or textual "result" field.
	switch v := parsed["result"].(type) {
	case bool:
		return boolVerdict(v, firstNonEmpty(stringField(parsed, "message"), stringField(parsed, "explanation"))), nil
	case string:
		if won, _, err := parseBoolExplanation(v); err == nil {
			return boolVerdict(won, firstNonEmpty(stringField(parsed, "message"), stringField(parsed, "explanation"))), nil
		}
	}

	// Objects with exactly one field may hold the verdict under any name.
	if len(parsed) == 1 {
		for _, v := range parsed {
			if s, ok := v.(string); ok {
				if won, explanation, err := parseBoolExplanation(s); err == nil {
					return boolVerdict(won, explanation), nil
				}
			}
		}
	}

	if lenient && strings.TrimSpace(text) != "" {
		return Verdict{Outcome: OutcomeWin, Message: text}, nil
	}
	return Verdict{}, fmt.Errorf("%w: no decoder accepted payload", ErrInvalidResponse)
}

// parseBoolExplanation parses "<boolean-token> <sep> <explanation>" where the
// token is true/false/yes/no/1/0 (case-insensitive) and sep is "-" or ":".
// A bare token with no explanation is also valid.
func parseBoolExplanation(value string) (bool, string, error) {
	value = strings.TrimSpace(value)
	if m := boolExplanationRE.FindStringSubmatch(value); m != nil {
		return truthy(m[1]), strings.TrimSpace(m[2]), nil
	}
	switch strings.ToLower(value) {
	case "true", "yes", "1":
		return true, "", nil
	case "false", "no", "0":
		return false, "", nil
	}
	return false, "", fmt.Errorf("cannot parse boolean verdict from %q", truncate(value, 80))
}

func truthy(token string) bool {
	switch strings.ToLower(token) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}

func boolVerdict(won bool, message string) Verdict {
	outcome := OutcomeLose
	if won {
		outcome = OutcomeWin
	}
	return Verdict{Outcome: outcome, Message: message}
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
