package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestForward_ScrubsIdentifyingHeadersAndStatus(t *testing.T) {
	var gotHeaders http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	r := httptest.NewRequest(http.MethodGet, "/resource", nil)
	r.Header.Set("Payment-Signature", "abc")
	r.Header.Set("Payment-Required", "xyz")
	r.Header.Set("X-Custom", "keepme")
	w := httptest.NewRecorder()

	p := New()
	err := p.Forward(w, r, upstream.URL, "/resource", nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "ok", w.Body.String())
	require.Empty(t, gotHeaders.Get("Payment-Signature"))
	require.Empty(t, gotHeaders.Get("Payment-Required"))
	require.Equal(t, "keepme", gotHeaders.Get("X-Custom"))
}

func TestForward_AppliesUpstreamHeadersAsOverride(t *testing.T) {
	var gotHeaders http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	r := httptest.NewRequest(http.MethodGet, "/resource", nil)
	r.Header.Set("Authorization", "inbound-token")
	r.Header.Set("X-Custom", "keepme")
	w := httptest.NewRecorder()

	p := New()
	err := p.Forward(w, r, upstream.URL, "/resource", map[string]string{
		"Authorization": "upstream-secret",
		"X-Upstream":    "added",
	}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "upstream-secret", gotHeaders.Get("Authorization"), "upstream-configured headers must override inbound ones")
	require.Equal(t, "added", gotHeaders.Get("X-Upstream"))
	require.Equal(t, "keepme", gotHeaders.Get("X-Custom"), "headers not named by upstream config pass through unchanged")
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()

	p := New()
	err := p.Forward(w, r, "http://127.0.0.1:1", "/x", nil, time.Second)
	require.Error(t, err)
}

func TestForward_SSEGetsCacheControlInjected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: hello\n\n"))
	}))
	defer upstream.Close()

	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	w := httptest.NewRecorder()

	p := New()
	err := p.Forward(w, r, upstream.URL, "/stream", nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	require.True(t, strings.Contains(w.Body.String(), "data: hello"))
}

func TestForward_SSEExistingCacheControlPreserved(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: hi\n\n"))
	}))
	defer upstream.Close()

	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	w := httptest.NewRecorder()

	p := New()
	err := p.Forward(w, r, upstream.URL, "/stream", nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestSingleJoiningSlash(t *testing.T) {
	require.Equal(t, "/a/b", singleJoiningSlash("/a", "/b"))
	require.Equal(t, "/a/b", singleJoiningSlash("/a/", "/b"))
	require.Equal(t, "/a/b", singleJoiningSlash("/a/", "b"))
	require.Equal(t, "/a/b", singleJoiningSlash("/a", "b"))
}
