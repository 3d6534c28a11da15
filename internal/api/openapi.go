package api

import (
	"net/http"
	"strings"
)

// route describes one endpoint for the OpenAPI document.
type route struct {
	method  string
	path    string
	summary string
	scope   string
	body    map[string]any
	async   bool
}

func stringArray() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
}

func object(required []string, props map[string]any) map[string]any {
	o := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		o["required"] = required
	}
	return o
}

var routes = []route{
	{method: "get", path: "/environments", summary: "List environments", scope: "envs:ro"},
	{method: "get", path: "/environments/{name}", summary: "Show one environment", scope: "envs:ro"},
	{method: "post", path: "/environments", summary: "Create an environment", scope: "envs:rw", async: true,
		body: object([]string{"name"}, map[string]any{
			"name":                 map[string]any{"type": "string"},
			"python":               map[string]any{"type": "string"},
			"without_pip":          map[string]any{"type": "boolean"},
			"system_site_packages": map[string]any{"type": "boolean"},
			"packages":             stringArray(),
		})},
	{method: "delete", path: "/environments/{name}", summary: "Delete an environment", scope: "envs:rw", async: true},
	{method: "post", path: "/environments/{name}/install", summary: "Install packages or a requirements file", scope: "envs:rw", async: true,
		body: object(nil, map[string]any{
			"packages":     stringArray(),
			"requirements": map[string]any{"type": "string", "description": "Absolute path on the server"},
		})},
	{method: "post", path: "/environments/{name}/uninstall", summary: "Uninstall packages", scope: "envs:rw", async: true,
		body: object([]string{"packages"}, map[string]any{"packages": stringArray()})},
	{method: "post", path: "/environments/{name}/refresh", summary: "Refresh the package list", scope: "envs:rw", async: true},
	{method: "post", path: "/environments/{name}/outdated", summary: "List packages with newer releases", scope: "envs:ro", async: true},
	{method: "post", path: "/environments/{name}/info", summary: "Show one installed package", scope: "envs:ro", async: true,
		body: object([]string{"package"}, map[string]any{"package": map[string]any{"type": "string"}})},
	{method: "post", path: "/environments/{name}/clone", summary: "Clone into a new environment", scope: "envs:rw", async: true,
		body: object([]string{"target"}, map[string]any{"target": map[string]any{"type": "string"}})},
	{method: "post", path: "/environments/{name}/rename", summary: "Rename an environment", scope: "envs:rw", async: true,
		body: object([]string{"target"}, map[string]any{"target": map[string]any{"type": "string"}})},
	{method: "post", path: "/environments/{name}/export", summary: "Export descriptor files", scope: "envs:rw", async: true,
		body: object([]string{"format", "dir"}, map[string]any{
			"format":    map[string]any{"type": "string", "enum": []string{"requirements", "dockerfile", "compose", "pyproject", "conda"}},
			"dir":       map[string]any{"type": "string"},
			"overwrite": map[string]any{"type": "boolean"},
		})},
	{method: "get", path: "/operations", summary: "List recent operations", scope: "ops:ro"},
	{method: "get", path: "/operations/{id}", summary: "Show one operation with its output", scope: "ops:ro"},
	{method: "post", path: "/operations/{id}/cancel", summary: "Cancel an operation", scope: "ops:rw", async: true},
	{method: "get", path: "/history", summary: "List journaled operations", scope: "ops:ro"},
	{method: "get", path: "/events", summary: "Server-sent event stream", scope: "events:ro"},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering every route.
func buildOpenAPIDoc(version string) map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}

		responses := map[string]any{
			"200": map[string]any{"description": "OK"},
			"401": map[string]any{"description": "Missing or invalid token"},
			"403": map[string]any{"description": "Insufficient scope"},
		}
		if rt.async {
			responses["202"] = map[string]any{"description": "Operation accepted"}
			responses["400"] = map[string]any{"description": "Bad request"}
			responses["404"] = map[string]any{"description": "Environment not found"}
			responses["409"] = map[string]any{"description": "Environment busy or already exists"}
		}

		op := map[string]any{
			"operationId": operationID(rt),
			"summary":     rt.summary,
			"responses":   responses,
			"security":    []any{map[string]any{"BearerAuth": []string{rt.scope}}},
		}
		if rt.async {
			op["parameters"] = []any{map[string]any{
				"name":        "wait",
				"in":          "query",
				"description": "Block up to this duration (or true for the server maximum) for the operation to finish",
				"schema":      map[string]any{"type": "string"},
			}}
		}
		if rt.body != nil {
			op["requestBody"] = map[string]any{
				"required": true,
				"content": map[string]any{
					"application/json": map[string]any{"schema": rt.body},
				},
			}
		}
		item[rt.method] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "venvdeck",
			"version": version,
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

// operationID turns "post /environments/{name}/install" into
// "post_environments_name_install".
func operationID(rt route) string {
	r := strings.NewReplacer("/", "_", "{", "", "}", "")
	return rt.method + r.Replace(rt.path)
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	version := s.config.Version
	if version == "" {
		version = "dev"
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(version))
}
