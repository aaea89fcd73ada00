package discovery

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tollbooth-gateway/tollbooth/internal/config"
)

func sampleConfig(discoveryEnabled bool) *config.Config {
	return &config.Config{
		Gateway: config.Gateway{Discovery: config.Discovery{Enabled: discoveryEnabled}},
		Accepts: []config.AcceptEntry{{Asset: "USDC", Network: "base"}},
		Routes: map[string]config.RouteConfig{
			"GET /weather": {Upstream: "weather", Metadata: map[string]string{"team": "infra"}},
		},
	}
}

func TestBuildDocument_UsesGlobalAcceptsWhenRouteHasNone(t *testing.T) {
	doc := BuildDocument(sampleConfig(true))
	require.Len(t, doc.Endpoints, 1)
	require.Equal(t, "GET", doc.Endpoints[0].Method)
	require.Equal(t, "/weather", doc.Endpoints[0].Path)
	require.Equal(t, "USDC", doc.Endpoints[0].Accepts[0].Asset)
	require.Equal(t, "infra", doc.Endpoints[0].Metadata["team"])
}

func TestHandler_DisabledReturns404(t *testing.T) {
	cfg := sampleConfig(false)
	r := httptest.NewRequest("GET", "/.well-known/x402", nil)
	w := httptest.NewRecorder()
	Handler(cfg).ServeHTTP(w, r)
	require.Equal(t, 404, w.Code)
}

func TestHandler_EnabledReturnsDocument(t *testing.T) {
	cfg := sampleConfig(true)
	r := httptest.NewRequest("GET", "/.well-known/x402", nil)
	w := httptest.NewRecorder()
	Handler(cfg).ServeHTTP(w, r)
	require.Equal(t, 200, w.Code)

	var doc Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Equal(t, 2, doc.X402Version)
	require.Equal(t, "tollbooth", doc.Provider)
}

func TestHealthHandler(t *testing.T) {
	r := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler(w, r)
	require.Equal(t, 200, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestOpenAPIHandler_EmptyDocIs404(t *testing.T) {
	r := httptest.NewRequest("GET", "/.well-known/openapi.json", nil)
	w := httptest.NewRecorder()
	OpenAPIHandler(nil).ServeHTTP(w, r)
	require.Equal(t, 404, w.Code)
}

func TestOpenAPIHandler_ServesDocVerbatim(t *testing.T) {
	doc := []byte(`{"openapi":"3.1.0"}`)
	r := httptest.NewRequest("GET", "/.well-known/openapi.json", nil)
	w := httptest.NewRecorder()
	OpenAPIHandler(doc).ServeHTTP(w, r)
	require.Equal(t, 200, w.Code)
	require.JSONEq(t, string(doc), w.Body.String())
}
