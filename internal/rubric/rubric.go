// Package rubric resolves rubric template codes and per-run overrides into
// the weights and gates the judge scores against.
package rubric

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kensa/internal/model"
)

//go:embed templates.yaml
var templatesYAML []byte

// ErrUnknownTemplate is returned for a template code with no builtin definition.
var ErrUnknownTemplate = errors.New("rubric: unknown template")

// ErrInvalidOverrides is returned when the overrides object is malformed.
var ErrInvalidOverrides = errors.New("rubric: invalid overrides")

type criterionDef struct {
	Weight     float64 `yaml:"weight"`
	Definition string  `yaml:"definition"`
}

type templateDef struct {
	Name         string                  `yaml:"name"`
	Description  string                  `yaml:"description"`
	RequiresJSON bool                    `yaml:"requiresJson"`
	Criteria     map[string]criterionDef `yaml:"criteria"`
	Gates        model.RubricGates       `yaml:"gates"`
}

type catalog struct {
	Templates map[string]templateDef `yaml:"templates"`
}

// Registry holds the builtin templates.
type Registry struct {
	templates map[string]templateDef
}

// NewRegistry parses the embedded template catalog.
func NewRegistry() (*Registry, error) {
	var c catalog
	if err := yaml.Unmarshal(templatesYAML, &c); err != nil {
		return nil, fmt.Errorf("rubric: parse templates: %w", err)
	}
	return &Registry{templates: c.Templates}, nil
}

// MustNewRegistry is NewRegistry for package-level initialization.
func MustNewRegistry() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// Codes returns the known template codes, sorted.
func (r *Registry) Codes() []string {
	out := make([]string, 0, len(r.templates))
	for code := range r.templates {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Has reports whether code names a builtin template.
func (r *Registry) Has(code string) bool {
	_, ok := r.templates[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}

// Resolve applies overrides to the template. Recognised override keys:
//
//	weights      object, merged over the template weights
//	gates        object, each present field replaces the template's
//	description  string, replaces the template description
//	requiresJson bool
func (r *Registry) Resolve(code string, overrides map[string]any) (model.ResolvedRubricConfig, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	tpl, ok := r.templates[code]
	if !ok {
		return model.ResolvedRubricConfig{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, code)
	}

	cfg := model.ResolvedRubricConfig{
		TemplateCode: code,
		Name:         tpl.Name,
		Description:  tpl.Description,
		Weights:      make(map[string]float64, len(tpl.Criteria)),
		Criteria:     make(map[string]string, len(tpl.Criteria)),
		Gates:        cloneGates(tpl.Gates),
		RequiresJSON: tpl.RequiresJSON,
	}
	for k, c := range tpl.Criteria {
		cfg.Weights[k] = c.Weight
		if c.Definition != "" {
			cfg.Criteria[k] = c.Definition
		}
	}

	if err := applyOverrides(&cfg, model.JSONObject(overrides)); err != nil {
		return model.ResolvedRubricConfig{}, err
	}
	return cfg, nil
}

func applyOverrides(cfg *model.ResolvedRubricConfig, o model.JSONObject) error {
	if len(o) == 0 {
		return nil
	}
	if raw, present := o["weights"]; present {
		weights, ok := o.Object("weights")
		if !ok {
			return fmt.Errorf("%w: weights must be an object, got %T", ErrInvalidOverrides, raw)
		}
		for k := range weights {
			w, ok := weights.Float(k)
			if !ok {
				return fmt.Errorf("%w: weight %q must be a number", ErrInvalidOverrides, k)
			}
			cfg.Weights[k] = w
		}
		if cfg.TemplateCode == model.RubricCustom {
			// Custom weights replace the placeholder criterion entirely.
			if _, kept := weights["quality"]; !kept {
				delete(cfg.Weights, "quality")
			}
		}
	}
	if raw, present := o["gates"]; present {
		gates, ok := o.Object("gates")
		if !ok {
			return fmt.Errorf("%w: gates must be an object, got %T", ErrInvalidOverrides, raw)
		}
		if err := mergeGates(&cfg.Gates, gates); err != nil {
			return err
		}
	}
	if raw, present := o["description"]; present {
		d, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%w: description must be a string", ErrInvalidOverrides)
		}
		cfg.Description = d
	}
	if raw, present := o["requiresJson"]; present {
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("%w: requiresJson must be a boolean", ErrInvalidOverrides)
		}
		cfg.RequiresJSON = b
	}
	return nil
}

func mergeGates(g *model.RubricGates, o model.JSONObject) error {
	if raw, present := o["minOverallScore"]; present {
		if raw == nil {
			g.MinOverallScore = nil
		} else {
			v, ok := o.Float("minOverallScore")
			if !ok {
				return fmt.Errorf("%w: gates.minOverallScore must be a number", ErrInvalidOverrides)
			}
			g.MinOverallScore = &v
		}
	}
	if raw, present := o["requireJsonParsePass"]; present {
		if raw == nil {
			g.RequireJSONParsePass = nil
		} else {
			b, ok := raw.(bool)
			if !ok {
				return fmt.Errorf("%w: gates.requireJsonParsePass must be a boolean", ErrInvalidOverrides)
			}
			g.RequireJSONParsePass = &b
		}
	}
	if raw, present := o["minCriterionScores"]; present {
		if raw == nil {
			g.MinCriterionScores = nil
			return nil
		}
		scores, ok := o.Object("minCriterionScores")
		if !ok {
			return fmt.Errorf("%w: gates.minCriterionScores must be an object", ErrInvalidOverrides)
		}
		g.MinCriterionScores = make(map[string]float64, len(scores))
		for k := range scores {
			v, ok := scores.Float(k)
			if !ok {
				return fmt.Errorf("%w: gates.minCriterionScores.%s must be a number", ErrInvalidOverrides, k)
			}
			g.MinCriterionScores[k] = v
		}
	}
	return nil
}

func cloneGates(g model.RubricGates) model.RubricGates {
	out := model.RubricGates{}
	if g.MinOverallScore != nil {
		v := *g.MinOverallScore
		out.MinOverallScore = &v
	}
	if g.RequireJSONParsePass != nil {
		v := *g.RequireJSONParsePass
		out.RequireJSONParsePass = &v
	}
	if g.MinCriterionScores != nil {
		out.MinCriterionScores = make(map[string]float64, len(g.MinCriterionScores))
		for k, v := range g.MinCriterionScores {
			out.MinCriterionScores[k] = v
		}
	}
	return out
}
