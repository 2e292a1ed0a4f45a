package api

import (
	"net/http"
	"slices"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the intake API.
// commandTypes becomes the enum of command.type.
func buildOpenAPIDoc(commandTypes []string) map[string]any {
	typeSchema := map[string]any{"type": "string"}
	if len(commandTypes) > 0 {
		typeSchema["enum"] = slices.Sorted(slices.Values(commandTypes))
	}
	commandSchema := map[string]any{
		"type":     "object",
		"required": []string{"id", "type"},
		"properties": map[string]any{
			"id":          map[string]any{"type": "string"},
			"type":        typeSchema,
			"result_type": map[string]any{"type": "string"},
			"payload":     map[string]any{},
		},
	}

	secured := []any{map[string]any{"BearerAuth": []string{}}}
	jsonBody := func(ref string) map[string]any {
		return map[string]any{
			"content": map[string]any{
				"application/json": map[string]any{"schema": map[string]any{"$ref": "#/components/schemas/" + ref}},
			},
		}
	}
	idParam := func(name string) []any {
		return []any{map[string]any{"name": name, "in": "path", "required": true, "schema": map[string]any{"type": "string"}}}
	}

	paths := map[string]any{
		"/commands": map[string]any{
			"post": map[string]any{
				"operationId": "submitCommand",
				"summary":     "Queue a command for dispatch",
				"requestBody": withField(jsonBody("SubmitRequest"), "required", true),
				"responses": map[string]any{
					"202": withField(jsonBody("SubmitResponse"), "description", "Command queued"),
					"400": map[string]any{"description": "Bad request"},
					"403": map[string]any{"description": "Insufficient scope"},
					"409": map[string]any{"description": "Message already submitted"},
				},
				"security": secured,
			},
		},
		"/commands/{commandID}": map[string]any{
			"get": map[string]any{
				"operationId": "getCommandResult",
				"summary":     "Read the stored result of a command",
				"parameters":  idParam("commandID"),
				"responses": map[string]any{
					"200": withField(jsonBody("Result"), "description", "Command result"),
					"404": map[string]any{"description": "No result yet"},
				},
				"security": secured,
			},
		},
		"/messages/{messageID}": map[string]any{
			"get": map[string]any{
				"operationId": "getMessage",
				"summary":     "Read the queue state of a message",
				"parameters":  idParam("messageID"),
				"responses": map[string]any{
					"200": map[string]any{"description": "Message state"},
					"404": map[string]any{"description": "Unknown message"},
				},
				"security": secured,
			},
		},
		"/events": map[string]any{
			"get": map[string]any{
				"operationId": "streamEvents",
				"summary":     "Server-sent event stream",
				"responses":   map[string]any{"200": map[string]any{"description": "text/event-stream"}},
				"security":    secured,
			},
		},
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"responses":   map[string]any{"200": map[string]any{"description": "Service healthy"}},
			},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Conductor",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"schemas": map[string]any{
				"Command": commandSchema,
				"SubmitRequest": map[string]any{
					"type":     "object",
					"required": []string{"command"},
					"properties": map[string]any{
						"id":           map[string]any{"type": "string"},
						"command":      map[string]any{"$ref": "#/components/schemas/Command"},
						"provider":     map[string]any{"type": "string"},
						"callback_url": map[string]any{"type": "string", "format": "uri"},
					},
				},
				"SubmitResponse": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"message_id": map[string]any{"type": "string"},
						"command_id": map[string]any{"type": "string"},
						"status":     map[string]any{"type": "string"},
					},
				},
				"Result": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command_id":    map[string]any{"type": "string"},
						"status":        map[string]any{"type": "string", "enum": []string{"unknown", "running", "completed", "failed"}},
						"custom_status": map[string]any{"type": "string"},
						"errors":        map[string]any{"type": "array"},
						"output":        map[string]any{},
					},
				},
			},
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func withField(m map[string]any, key string, value any) map[string]any {
	m[key] = value
	return m
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.CommandTypes))
}
