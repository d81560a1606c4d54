// Package rules runs deterministic, non-LLM validations on a model output
// before it is judged.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashita-ai/kensa/internal/model"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

// Check names.
const (
	CheckNonEmpty         = "non_empty"
	CheckJSONParse        = "json_parse"
	CheckMaxChars         = "max_chars"
	CheckMinChars         = "min_chars"
	CheckMustInclude      = "must_include"
	CheckMustNotInclude   = "must_not_include"
	CheckExpectedContains = "expected_contains"
)

// Input is one output plus the test case data the checks read.
type Input struct {
	Output      string
	Constraints model.JSONObject
	Expected    model.JSONObject
	RubricCode  string
	RequireJSON bool
}

// Result is the outcome of all checks. Failed checks block the case;
// warnings are reported only.
type Result struct {
	Pass          bool
	FailedChecks  []string
	WarningChecks []string
	Checks        map[string]string
}

// JSON returns the persisted rule_checks object. The json_parse status is
// mirrored at the top level.
func (r Result) JSON() model.JSONObject {
	checks := make(map[string]any, len(r.Checks))
	for k, v := range r.Checks {
		checks[k] = v
	}
	out := model.JSONObject{
		"pass":          r.Pass,
		"failedChecks":  toAny(r.FailedChecks),
		"warningChecks": toAny(r.WarningChecks),
		"checks":        checks,
	}
	if s, ok := r.Checks[CheckJSONParse]; ok {
		out[CheckJSONParse] = s
	}
	return out
}

// Checker validates outputs.
type Checker interface {
	Check(in Input) Result
}

// Default is the builtin rule set.
type Default struct{}

// Check runs every rule. Rules whose constraint is absent are SKIP.
func (Default) Check(in Input) Result {
	res := Result{Pass: true, Checks: make(map[string]string, 7)}
	fail := func(name, detail string) {
		res.Pass = false
		res.Checks[name] = StatusFail
		res.FailedChecks = append(res.FailedChecks, label(name, detail))
	}
	warn := func(name, detail string) {
		if res.Checks[name] != StatusFail {
			res.Checks[name] = StatusWarn
		}
		res.WarningChecks = append(res.WarningChecks, label(name, detail))
	}
	pass := func(name string) {
		if _, seen := res.Checks[name]; !seen {
			res.Checks[name] = StatusPass
		}
	}

	out := in.Output
	if strings.TrimSpace(out) == "" {
		fail(CheckNonEmpty, "")
	} else {
		pass(CheckNonEmpty)
	}

	format, _ := lookupString(in.Constraints, "format")
	if in.RequireJSON || in.RubricCode == model.RubricJSONExtraction || strings.EqualFold(format, "json") {
		if json.Valid([]byte(unfence(out))) {
			pass(CheckJSONParse)
		} else {
			fail(CheckJSONParse, "")
		}
	} else {
		res.Checks[CheckJSONParse] = StatusSkip
	}

	length := utf8.RuneCountInString(out)
	if n, ok := lookupFloat(in.Constraints, "maxChars", "max_chars"); ok {
		if float64(length) > n {
			fail(CheckMaxChars, fmt.Sprintf("%d>%d", length, int(n)))
		} else {
			pass(CheckMaxChars)
		}
	} else {
		res.Checks[CheckMaxChars] = StatusSkip
	}
	if n, ok := lookupFloat(in.Constraints, "minChars", "min_chars"); ok {
		if float64(length) < n {
			fail(CheckMinChars, fmt.Sprintf("%d<%d", length, int(n)))
		} else {
			pass(CheckMinChars)
		}
	} else {
		res.Checks[CheckMinChars] = StatusSkip
	}

	lower := strings.ToLower(out)
	if terms := lookupStrings(in.Constraints, "mustInclude", "must_include"); len(terms) > 0 {
		for _, term := range terms {
			if !strings.Contains(lower, strings.ToLower(term)) {
				fail(CheckMustInclude, term)
			}
		}
		pass(CheckMustInclude)
	} else {
		res.Checks[CheckMustInclude] = StatusSkip
	}
	if terms := lookupStrings(in.Constraints, "mustNotInclude", "must_not_include"); len(terms) > 0 {
		for _, term := range terms {
			if strings.Contains(lower, strings.ToLower(term)) {
				fail(CheckMustNotInclude, term)
			}
		}
		pass(CheckMustNotInclude)
	} else {
		res.Checks[CheckMustNotInclude] = StatusSkip
	}

	expected := lookupStrings(in.Expected, "contains", "mustContain")
	if answer, ok := lookupString(in.Expected, "answer"); ok && answer != "" {
		expected = append(expected, answer)
	}
	if len(expected) > 0 {
		for _, term := range expected {
			if !strings.Contains(lower, strings.ToLower(term)) {
				warn(CheckExpectedContains, term)
			}
		}
		pass(CheckExpectedContains)
	} else {
		res.Checks[CheckExpectedContains] = StatusSkip
	}

	return res
}

func label(name, detail string) string {
	if detail == "" {
		return name
	}
	return name + ":" + detail
}

// unfence removes a single surrounding markdown code fence.
func unfence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func lookupString(o model.JSONObject, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := o.String(k); ok {
			return s, true
		}
	}
	return "", false
}

func lookupFloat(o model.JSONObject, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := o.Float(k); ok {
			return f, true
		}
	}
	return 0, false
}

func lookupStrings(o model.JSONObject, keys ...string) []string {
	for _, k := range keys {
		if ss := o.Strings(k); len(ss) > 0 {
			return ss
		}
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
