// Package render substitutes test case variables into prompt templates.
package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/ashita-ai/kensa/internal/model"
)

// placeholderRe matches {{name}} (optionally padded) or {name}.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}|\{([A-Za-z0-9_.\-]+)\}`)

// Template replaces known placeholders in tpl in a single pass, so values
// that themselves contain braces are never expanded again. Unknown
// placeholders are left as written.
func Template(tpl string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// Variables builds the substitution set for a test case: "question" and
// "input" are the test input, every context entry is available by key
// (nested objects also by dotted path), and "context" is the context's own
// "context" entry when present, else the whole context as JSON.
func Variables(input string, ctx model.JSONObject) map[string]string {
	vars := map[string]string{
		"question": input,
		"input":    input,
	}
	flatten(vars, "", map[string]any(ctx))

	if s, ok := ctx.String("context"); ok {
		vars["context"] = s
	} else if len(ctx) > 0 {
		vars["context"] = stringify(map[string]any(ctx))
	} else {
		vars["context"] = ""
	}
	// The test input always wins over a same-named context entry.
	vars["question"] = input
	vars["input"] = input
	return vars
}

func flatten(vars map[string]string, prefix string, obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		v := obj[k]
		vars[name] = stringify(v)
		switch nested := v.(type) {
		case map[string]any:
			flatten(vars, name, nested)
		case model.JSONObject:
			flatten(vars, name, nested)
		}
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool, float64, int, int64:
		return fmt.Sprint(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Prompt renders a prompt version's system and user templates for a test case.
func Prompt(v model.PromptVersion, tc model.TestCase) (system, user string) {
	vars := Variables(tc.Input, tc.Context)
	if v.SystemTemplate != nil {
		system = Template(*v.SystemTemplate, vars)
	}
	return system, Template(v.UserTemplate, vars)
}
