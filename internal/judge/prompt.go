package judge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/kensa/internal/model"
)

const promptTemplate = `<task>
You are an evaluation judge. Grade the CANDIDATE OUTPUT produced for the given input
against the rubric criteria below.
</task>

<instructions>
1. Score every rubric criterion from 0 (unacceptable) to 5 (excellent).
2. Use the expected values, constraints, and rule-check results as evidence.
3. Set "pass" to true only if the output is acceptable to ship for this input.
4. Add short uppercase labels for notable problems (e.g. HALLUCINATION, MISSING_FIELD).
5. For each expected "mustCover" item, report whether the output covers it.
</instructions>

<output_format>
Respond with ONLY a JSON object, no prose:
{"pass": boolean, "scores": {"<criterion>": number}, "labels": [string],
 "evidence": [string], "suggestions": [string], "mustCoverChecks": {"<item>": boolean}}
</output_format>

<payload>
%s
</payload>`

type promptCriterion struct {
	Key        string  `json:"key"`
	Weight     float64 `json:"weight"`
	Definition *string `json:"definition"`
}

type promptRubric struct {
	TemplateCode string            `json:"templateCode"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Criteria     []promptCriterion `json:"criteria"`
	Gates        model.RubricGates `json:"gates"`
}

type promptPayload struct {
	Rubric          promptRubric     `json:"rubric"`
	Input           string           `json:"input"`
	Context         model.JSONObject `json:"context,omitempty"`
	Expected        model.JSONObject `json:"expected,omitempty"`
	Constraints     model.JSONObject `json:"constraints,omitempty"`
	CandidateOutput string           `json:"candidateOutput"`
	RuleChecks      model.JSONObject `json:"ruleChecks,omitempty"`
	BaselineOutput  *string          `json:"baselineOutput,omitempty"`
}

// BuildPrompt renders the judge prompt for one output. A payload that cannot
// be serialized is an error; the caller must not judge with a partial prompt.
func BuildPrompt(in Input) (string, error) {
	defs := criterionDefinitions(in.Rubric)
	keys := make([]string, 0, len(in.Rubric.Weights))
	for k := range in.Rubric.PositiveWeights() {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	criteria := make([]promptCriterion, 0, len(keys))
	for _, k := range keys {
		c := promptCriterion{Key: k, Weight: in.Rubric.Weights[k]}
		if d, ok := defs[strings.ToLower(k)]; ok {
			c.Definition = &d
		}
		criteria = append(criteria, c)
	}

	payload := promptPayload{
		Rubric: promptRubric{
			TemplateCode: in.Rubric.TemplateCode,
			Name:         in.Rubric.Name,
			Description:  in.Rubric.Description,
			Criteria:     criteria,
			Gates:        in.Rubric.Gates,
		},
		Input:           in.Input,
		Context:         in.Context,
		Expected:        in.Expected,
		Constraints:     in.Constraints,
		CandidateOutput: in.CandidateOutput,
		RuleChecks:      in.RuleChecks,
		BaselineOutput:  in.BaselineOutput,
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("judge: marshal prompt payload: %w", err)
	}
	return fmt.Sprintf(promptTemplate, b), nil
}

// criterionDefinitions returns criterion meanings keyed by lowercased name.
// CUSTOM rubrics carry them as "key: meaning" lines in the description.
func criterionDefinitions(r model.ResolvedRubricConfig) map[string]string {
	out := make(map[string]string, len(r.Criteria))
	if r.TemplateCode != model.RubricCustom {
		for k, v := range r.Criteria {
			out[strings.ToLower(k)] = v
		}
		return out
	}
	for _, line := range strings.Split(r.Description, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• \t")
		key, meaning, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		meaning = strings.TrimSpace(meaning)
		if key == "" || meaning == "" {
			continue
		}
		if _, dup := out[key]; !dup {
			out[key] = meaning
		}
	}
	return out
}

// missingDefinitions returns the positive-weight criteria of a CUSTOM rubric
// that the description does not define, sorted.
func missingDefinitions(r model.ResolvedRubricConfig) []string {
	if r.TemplateCode != model.RubricCustom {
		return nil
	}
	defs := criterionDefinitions(r)
	var missing []string
	for k := range r.PositiveWeights() {
		if _, ok := defs[strings.ToLower(k)]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}
