package api

import (
	"net/http"
	"regexp"
	"strings"
)

var pathParam = regexp.MustCompile(`\{([A-Za-z]+)\}`)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the route table.
func buildOpenAPIDoc(routes []route) map[string]any {
	paths := map[string]any{}

	for _, rt := range routes {
		operation := map[string]any{
			"operationId": operationID(rt.method, rt.path),
			"summary":     rt.summary,
			"tags":        []string{strings.Split(strings.TrimPrefix(rt.path, "/"), "/")[0]},
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
				"400": map[string]any{"description": "Validation failed"},
				"401": map[string]any{"description": "Missing or unknown token"},
				"403": map[string]any{"description": "Insufficient scope or blocked"},
				"404": map[string]any{"description": "Not found"},
				"409": map[string]any{"description": "Conflict"},
				"503": map[string]any{"description": "Storage or collaborator unavailable"},
			},
			"security":       []any{map[string]any{"BearerAuth": []string{}}},
			"x-required-any": rt.scopes,
		}
		var params []any
		for _, m := range pathParam.FindAllStringSubmatch(rt.path, -1) {
			params = append(params, map[string]any{
				"name": m[1], "in": "path", "required": true,
				"schema": map[string]any{"type": "string"},
			})
		}
		if len(params) > 0 {
			operation["parameters"] = params
		}

		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[strings.ToLower(rt.method)] = operation
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Warden",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func operationID(method, path string) string {
	clean := pathParam.ReplaceAllString(path, "by_$1")
	clean = strings.NewReplacer("/", "_", "-", "_").Replace(strings.Trim(clean, "/"))
	return strings.ToLower(method) + "_" + clean
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.routes()))
}
