package judge

import (
	"encoding/json"
	"errors"
	"regexp"

	"github.com/ashita-ai/kensa/internal/model"
)

var (
	errJSONNotFound  = errors.New("judge: no JSON object in response")
	errJSONParseFail = errors.New("judge: response JSON did not parse")
)

// fenceRe matches markdown code-fence markers with an optional language tag.
var fenceRe = regexp.MustCompile("```[A-Za-z0-9_-]*")

func stripFences(s string) string {
	return fenceRe.ReplaceAllString(s, "")
}

// firstObject returns the first balanced top-level {...} in s. Braces inside
// string literals, including escaped quotes, do not count toward depth.
func firstObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if start < 0 {
			if c == '{' {
				start = i
				depth = 1
			}
			continue
		}
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// parseResponse extracts and decodes the judge's JSON object from raw model text.
func parseResponse(raw string) (model.JSONObject, error) {
	obj, ok := firstObject(stripFences(raw))
	if !ok {
		return nil, errJSONNotFound
	}
	var out model.JSONObject
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return nil, errors.Join(errJSONParseFail, err)
	}
	return out, nil
}
