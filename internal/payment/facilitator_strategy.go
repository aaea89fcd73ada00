package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tollbooth-gateway/tollbooth/internal/metrics"
)

// FacilitatorStrategy is the default Strategy: it calls an external x402
// facilitator's POST /verify and POST /settle endpoints. Grounded on the
// teacher gateway's RemoteFacilitator, rebuilt on resty instead of a bespoke
// net/http wrapper; resty buffers and JSON-decodes the small response
// bodies. Requests are not retried.
type FacilitatorStrategy struct {
	client  *resty.Client
	metrics *metrics.Registry
}

// NewFacilitatorStrategy creates a FacilitatorStrategy with a 30s default
// timeout, matching the teacher's RemoteFacilitator. reg may be nil, in
// which case round-trip latency is not recorded.
func NewFacilitatorStrategy(reg *metrics.Registry) *FacilitatorStrategy {
	return &FacilitatorStrategy{
		client:  resty.New().SetTimeout(30 * time.Second),
		metrics: reg,
	}
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason"`
	Payer         string `json:"payer"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	Payer       string `json:"payer"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	ErrorReason string `json:"errorReason"`
}

// VerifyOne implements Strategy.
func (f *FacilitatorStrategy) VerifyOne(ctx context.Context, payloadBytes []byte, requirement Requirement, facilitatorURL string) (*Verification, error) {
	body, err := buildBody(payloadBytes, requirement)
	if err != nil {
		return nil, err
	}

	var resp verifyResponse
	if err := f.post(ctx, "verify", facilitatorURL, "/verify", body, &resp); err != nil {
		return nil, fmt.Errorf("facilitator verify: %w", err)
	}
	if !resp.IsValid {
		return nil, fmt.Errorf("payment invalid: %s", resp.InvalidReason)
	}
	return &Verification{Requirement: requirement, Payer: resp.Payer}, nil
}

// SettleOne implements Strategy.
func (f *FacilitatorStrategy) SettleOne(ctx context.Context, payloadBytes []byte, v *Verification, facilitatorURL string) (*SettlementResult, error) {
	body, err := buildBody(payloadBytes, v.Requirement)
	if err != nil {
		return nil, err
	}

	var resp settleResponse
	if err := f.post(ctx, "settle", facilitatorURL, "/settle", body, &resp); err != nil {
		return nil, fmt.Errorf("facilitator settle: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("settlement failed: %s", resp.ErrorReason)
	}

	return &SettlementResult{
		Payer:       resp.Payer,
		Amount:      v.Requirement.MaxAmountRequired,
		Transaction: resp.Transaction,
		Network:     resp.Network,
	}, nil
}

func buildBody(payloadBytes []byte, requirement Requirement) (map[string]interface{}, error) {
	var payload json.RawMessage = payloadBytes

	var versionProbe struct {
		X402Version int `json:"x402Version"`
	}
	if err := json.Unmarshal(payloadBytes, &versionProbe); err != nil {
		return nil, fmt.Errorf("parsing payment payload: %w", err)
	}
	version := versionProbe.X402Version
	if version == 0 {
		version = 2
	}

	return map[string]interface{}{
		"x402Version":         version,
		"paymentPayload":      payload,
		"paymentRequirements": requirement,
	}, nil
}

func (f *FacilitatorStrategy) post(ctx context.Context, operation, baseURL, path string, body interface{}, dst interface{}) error {
	start := time.Now()
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(dst).
		Post(baseURL + path)
	if f.metrics != nil {
		f.metrics.FacilitatorLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("facilitator returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
