package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAPIServedWithoutAuth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		OpenAPI    string                    `json:"openapi"`
		Paths      map[string]map[string]any `json:"paths"`
		Components struct {
			Schemas struct {
				Command struct {
					Properties struct {
						Type struct {
							Enum []string `json:"enum"`
						} `json:"type"`
					} `json:"properties"`
				} `json:"Command"`
			} `json:"schemas"`
		} `json:"components"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.Equal(t, "3.1.0", doc.OpenAPI)
	assert.Contains(t, doc.Paths["/commands"], "post")
	assert.Contains(t, doc.Paths["/commands/{commandID}"], "get")
	assert.Contains(t, doc.Paths, "/events")
	assert.Equal(t, []string{"DeployCommand", "RestartCommand"}, doc.Components.Schemas.Command.Properties.Type.Enum)
}

func TestOpenAPIWithoutTypesHasNoEnum(t *testing.T) {
	doc := buildOpenAPIDoc(nil)
	schemas := doc["components"].(map[string]any)["schemas"].(map[string]any)
	typeSchema := schemas["Command"].(map[string]any)["properties"].(map[string]any)["type"].(map[string]any)
	assert.NotContains(t, typeSchema, "enum")
}
