// Package discovery implements the built-in, non-paid endpoints of spec §6:
// the x402 discovery document, liveness, and the static OpenAPI passthrough
// (treated as an external collaborator per spec.md §1 — served as-is, not
// generated from route config).
package discovery

import (
	"net/http"
	"sort"

	"github.com/go-chi/render"

	"github.com/tollbooth-gateway/tollbooth/internal/config"
	"github.com/tollbooth-gateway/tollbooth/internal/price"
)

// Accept is one accepted payment method advertised for an endpoint.
type Accept struct {
	Asset       string `json:"asset"`
	Network     string `json:"network"`
	Facilitator string `json:"facilitator,omitempty"`
}

// Pricing describes an endpoint's pricing shape without leaking the exact
// match-rule/dynamic-function internals.
type Pricing struct {
	Type         string `json:"type"`
	DefaultPrice string `json:"defaultPrice,omitempty"`
}

// Endpoint is one route's discovery entry.
type Endpoint struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Pricing     Pricing           `json:"pricing"`
	Accepts     []Accept          `json:"accepts"`
	Facilitator string            `json:"facilitator,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Document is the full GET /.well-known/x402 body.
type Document struct {
	X402Version int        `json:"x402Version"`
	Provider    string     `json:"provider"`
	Endpoints   []Endpoint `json:"endpoints"`
}

// pricingType classifies a route's pricing spec for the discovery payload.
func pricingType(spec price.Spec) string {
	switch {
	case spec.Dynamic != nil:
		return "dynamic"
	case len(spec.MatchRules) > 0:
		return "match"
	default:
		return "static"
	}
}

// BuildDocument assembles the discovery document from the route table, in
// a stable (sorted by pattern) order so repeated calls are byte-identical.
func BuildDocument(cfg *config.Config) Document {
	keys := make([]string, 0, len(cfg.Routes))
	for k := range cfg.Routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := Document{X402Version: 2, Provider: "tollbooth"}
	for _, key := range keys {
		route := cfg.Routes[key]
		method, path := splitPatternKey(key)

		spec, _ := route.PriceSpec()
		pricing := Pricing{Type: pricingType(spec)}
		if spec.Static != "" {
			pricing.DefaultPrice = spec.Static
		} else if spec.Fallback != "" {
			pricing.DefaultPrice = spec.Fallback
		}

		accepts := route.Accepts
		if len(accepts) == 0 {
			accepts = cfg.Accepts
		}
		endpointAccepts := make([]Accept, 0, len(accepts))
		for _, a := range accepts {
			endpointAccepts = append(endpointAccepts, Accept{Asset: a.Asset, Network: a.Network})
		}

		facilitatorURL := ""
		if route.Facilitator != nil {
			facilitatorURL = route.Facilitator.Default
		} else if cfg.Facilitator != nil {
			facilitatorURL = cfg.Facilitator.Default
		}

		doc.Endpoints = append(doc.Endpoints, Endpoint{
			Method:      method,
			Path:        path,
			Pricing:     pricing,
			Accepts:     endpointAccepts,
			Facilitator: facilitatorURL,
			Metadata:    route.Metadata,
		})
	}
	return doc
}

func splitPatternKey(key string) (method, path string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ' ' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// Handler serves GET /.well-known/x402 when cfg.Gateway.Discovery.Enabled,
// else 404.
func Handler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Gateway.Discovery.Enabled {
			http.NotFound(w, r)
			return
		}
		render.JSON(w, r, BuildDocument(cfg))
	}
}

// HealthHandler serves GET /health: always 200 {"status":"ok"}.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// OpenAPIHandler serves a pre-rendered OpenAPI document loaded at startup
// (e.g. via swaggo/swag generation), verbatim. When doc is empty, 404.
func OpenAPIHandler(doc []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(doc) == 0 {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}
}
