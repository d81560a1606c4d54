package api_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kensa/api"
)

type document struct {
	OpenAPI string                    `yaml:"openapi"`
	Paths   map[string]map[string]any `yaml:"paths"`
}

// routes mirrors the mux registrations in internal/server.
var routes = []string{
	"POST /auth/token",
	"GET /health",
	"GET /openapi.yaml",
	"POST /v1/eval-runs",
	"GET /v1/eval-runs",
	"POST /v1/eval-runs/estimate",
	"GET /v1/eval-runs/events",
	"GET /v1/eval-runs/{run_id}",
	"POST /v1/eval-runs/{run_id}/cancel",
	"GET /v1/eval-runs/{run_id}/cases",
	"GET /v1/eval-runs/{run_id}/cases/stats",
	"GET /v1/eval-runs/{run_id}/judge-accuracy",
	"PUT /v1/eval-cases/{case_id}/review",
	"DELETE /v1/eval-cases/{case_id}/review",
	"GET /v1/eval-cases/{case_id}/review/history",
	"GET /v1/release-criteria",
	"PUT /v1/release-criteria",
	"GET /v1/judge-accuracy",
	"POST /v1/api-keys",
	"DELETE /v1/api-keys/{key_id}",
	"POST /mcp",
}

func TestOpenAPISpecDocumentsEveryRoute(t *testing.T) {
	require.NotEmpty(t, api.OpenAPISpec)

	var doc document
	require.NoError(t, yaml.Unmarshal(api.OpenAPISpec, &doc))
	assert.True(t, strings.HasPrefix(doc.OpenAPI, "3.1"))

	for _, route := range routes {
		method, path, _ := strings.Cut(route, " ")
		ops, ok := doc.Paths[path]
		if !assert.True(t, ok, "path %s missing", path) {
			continue
		}
		op, ok := ops[strings.ToLower(method)].(map[string]any)
		if assert.True(t, ok, "%s missing", route) {
			assert.NotEmpty(t, op["operationId"], "%s has no operationId", route)
		}
	}
}

func TestOpenAPIOperationIDsAreUnique(t *testing.T) {
	var doc document
	require.NoError(t, yaml.Unmarshal(api.OpenAPISpec, &doc))

	seen := map[string]string{}
	for path, ops := range doc.Paths {
		for method, raw := range ops {
			op, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id, _ := op["operationId"].(string)
			if prev, dup := seen[id]; dup {
				t.Errorf("operationId %q used by %s and %s %s", id, prev, method, path)
			}
			seen[id] = method + " " + path
		}
	}
}
