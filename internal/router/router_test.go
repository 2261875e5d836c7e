package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-import/internal/config"
)

func TestSetup_RegistersRoutes(t *testing.T) {
	app := fiber.New()
	Setup(app, nil, nil, &config.Config{AppName: "CRM Import", UploadPath: t.TempDir()})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["redis"])

	routes := map[string]bool{}
	for _, r := range app.GetRoutes(true) {
		routes[r.Method+" "+strings.TrimRight(r.Path, "/")] = true
	}
	for _, want := range []string{
		"POST /api/v1/imports",
		"GET /api/v1/imports/history",
		"GET /api/v1/imports/:id/status",
		"GET /api/v1/imports/:id/error-log",
		"GET /api/v1/smart-processes",
		"GET /api/v1/smart-processes/:entityTypeId/fields",
	} {
		assert.True(t, routes[want], want)
	}
}
