package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/tollbooth-gateway/tollbooth/internal/metrics"
)

func TestFacilitatorStrategy_VerifyOne_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verify", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, float64(2), body["x402Version"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"isValid": true, "payer": "0xabc"})
	}))
	defer srv.Close()

	s := NewFacilitatorStrategy(nil)
	v, err := s.VerifyOne(context.Background(), []byte(`{"x402Version":2}`), Requirement{Asset: "USDC"}, srv.URL)
	require.NoError(t, err)
	require.Equal(t, "0xabc", v.Payer)
}

func TestFacilitatorStrategy_VerifyOne_Invalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"isValid": false, "invalidReason": "insufficient_funds"})
	}))
	defer srv.Close()

	s := NewFacilitatorStrategy(nil)
	_, err := s.VerifyOne(context.Background(), []byte(`{}`), Requirement{}, srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "insufficient_funds")
}

func TestFacilitatorStrategy_SettleOne_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/settle", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true, "payer": "0xabc", "transaction": "0xdeadbeef", "network": "base",
		})
	}))
	defer srv.Close()

	s := NewFacilitatorStrategy(nil)
	v := &Verification{Requirement: Requirement{MaxAmountRequired: "1000"}}
	res, err := s.SettleOne(context.Background(), []byte(`{}`), v, srv.URL)
	require.NoError(t, err)
	require.Equal(t, "0xdeadbeef", res.Transaction)
	require.Equal(t, "1000", res.Amount)
}

func TestFacilitatorStrategy_SettleOne_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "errorReason": "expired"})
	}))
	defer srv.Close()

	s := NewFacilitatorStrategy(nil)
	v := &Verification{Requirement: Requirement{}}
	_, err := s.SettleOne(context.Background(), []byte(`{}`), v, srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "expired")
}

func TestFacilitatorStrategy_VerifyOne_RecordsFacilitatorLatency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"isValid": true, "payer": "0xabc"})
	}))
	defer srv.Close()

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	s := NewFacilitatorStrategy(reg)
	_, err := s.VerifyOne(context.Background(), []byte(`{}`), Requirement{}, srv.URL)
	require.NoError(t, err)

	metric := &dto.Metric{}
	require.NoError(t, reg.FacilitatorLatency.WithLabelValues("verify").Write(metric))
	require.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount(), "a verify call must record exactly one latency observation")
}

func TestFacilitatorStrategy_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	s := NewFacilitatorStrategy(nil)
	_, err := s.VerifyOne(context.Background(), []byte(`{}`), Requirement{}, srv.URL)
	require.Error(t, err)
}
