// Package proxy implements the streaming upstream reverse proxy (spec §4.7).
//
// httputil.ReverseProxy's built-in transport buffers response bodies in a
// way incompatible with long-lived SSE upstreams, and resty is a client
// library, not a transport with arm/clear-deadline control, so this is
// built directly on net/http.Client with a manually staged timeout:
// armed until response headers arrive, then cleared so the stream itself
// is never cut short. Grounded on the teacher gateway's proxy.RPC, which
// wraps httputil.ReverseProxy's Director to scrub identifying headers
// before forwarding — the same scrub set is kept here, extended with the
// x402 headers this gateway introduces.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// scrubRequestHeaders are stripped from the outbound request, and
// scrubResponseHeaders from the upstream response before it reaches the
// client.
var scrubRequestHeaders = []string{
	"Host", "Connection", "Transfer-Encoding",
	"Payment-Required", "Payment-Signature", "Payment-Response",
}

var scrubResponseHeaders = []string{
	"Connection", "Transfer-Encoding",
}

// Proxy forwards requests to a single upstream, applying a two-phase
// timeout and SSE-aware header handling.
type Proxy struct {
	client *http.Client
}

// New creates a Proxy backed by http.DefaultTransport.
func New() *Proxy {
	return &Proxy{
		client: &http.Client{
			// No client-wide Timeout: that would also bound the streamed
			// body. The header-only deadline is applied per request in
			// Forward via a cancel timer that is stopped once headers
			// arrive.
			Transport: http.DefaultTransport,
		},
	}
}

// TimeoutError distinguishes a header-deadline trip from every other
// upstream I/O failure, so callers can map it to the taxonomy's
// upstream_timeout kind specifically.
type TimeoutError struct{ cause error }

func (e *TimeoutError) Error() string { return "proxy: upstream timed out waiting for response headers: " + e.cause.Error() }
func (e *TimeoutError) Unwrap() error { return e.cause }

// Fetch issues the upstream request and returns the raw response, unread
// and unwritten, so a caller that needs to inspect the status code before
// deciding whether to finalize the client response (after-response
// settlement timing) can do so. The caller owns resp.Body and must close
// it. headerTimeout bounds only the wait for response headers; it is
// disarmed the instant headers arrive so long-lived SSE streams are never
// cut short by it (they remain bound to r's own context, i.e. client
// disconnect).
func (p *Proxy) Fetch(r *http.Request, upstreamURL string, rewritePath string, headers map[string]string, headerTimeout time.Duration) (*http.Response, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("proxy: invalid upstream url: %w", err)
	}

	outURL := *target
	outURL.Path = singleJoiningSlash(target.Path, rewritePath)
	outURL.RawQuery = r.URL.RawQuery

	ctx, cancel := context.WithCancel(r.Context())
	deadline := time.AfterFunc(headerTimeout, cancel)

	outReq, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), r.Body)
	if err != nil {
		deadline.Stop()
		cancel()
		return nil, fmt.Errorf("proxy: building upstream request: %w", err)
	}
	outReq.Header = r.Header.Clone()
	for _, h := range scrubRequestHeaders {
		outReq.Header.Del(h)
	}
	// Upstream-configured static headers are applied last so they override
	// anything carried over from the inbound request (spec §4.6).
	for k, v := range headers {
		outReq.Header.Set(k, v)
	}
	outReq.Host = target.Host

	resp, err := p.client.Do(outReq)
	headersArrived := deadline.Stop()
	if err != nil {
		cancel()
		if !headersArrived && ctx.Err() == context.Canceled {
			return nil, &TimeoutError{cause: err}
		}
		return nil, fmt.Errorf("proxy: upstream unreachable: %w", err)
	}
	// cancel is deliberately not deferred here: once headers arrive the
	// response body must stream for as long as r's own context allows, not
	// just until this call returns. The caller's resp.Body.Close() (via
	// http.Client's connection reuse) is what ultimately unblocks reads
	// tied to ctx once the body is fully drained or the client disconnects.
	_ = cancel
	return resp, nil
}

// WriteResponse scrubs resp's headers, applies the SSE cache-control rule,
// and streams resp's body to w, flushing per-chunk when w supports it and
// the response is SSE. Does not close resp.Body; the caller is responsible
// for that (Fetch's contract).
func (p *Proxy) WriteResponse(w http.ResponseWriter, resp *http.Response) {
	for _, h := range scrubResponseHeaders {
		resp.Header.Del(h)
	}
	if isSSE(resp.Header.Get("Content-Type")) && resp.Header.Get("Cache-Control") == "" {
		resp.Header.Set("Cache-Control", "no-cache")
	}

	dst := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if flusher, ok := w.(http.Flusher); ok && isSSE(resp.Header.Get("Content-Type")) {
		streamFlushing(w, resp.Body, flusher)
		return
	}
	_, _ = io.Copy(w, resp.Body)
}

// Forward proxies r to upstreamURL + rewritePath, streaming the response
// body back to w. Forward returns an error classifying the upstream
// failure (timeout vs connection failure) for the caller to map to the
// gateway's error taxonomy; a nil error means the response was already
// written. Callers needing to inspect the upstream status before
// finalizing the client response (after-response settlement) should use
// Fetch and WriteResponse directly instead.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, upstreamURL string, rewritePath string, headers map[string]string, headerTimeout time.Duration) error {
	resp, err := p.Fetch(r, upstreamURL, rewritePath, headers, headerTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	p.WriteResponse(w, resp)
	return nil
}

func streamFlushing(w http.ResponseWriter, body io.Reader, flusher http.Flusher) {
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			return
		}
	}
}

func isSSE(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "text/event-stream")
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
