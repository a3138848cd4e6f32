package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/models"
	"github.com/g1331/autorouter/internal/proxyerr"
)

// defaultAnthropicVersion is injected when the downstream did not send one.
const defaultAnthropicVersion = "2023-06-01"

// ProxyRequest is the downstream request after buffering. The body is read
// once so failover attempts replay identical bytes.
type ProxyRequest struct {
	Method   string
	Path     string // trailing /v1 segments, forwarded verbatim
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ProxyResult is the outcome of one forwarding attempt.
type ProxyResult struct {
	StatusCode int
	Header     http.Header
	IsStream   bool

	// Non-stream fields.
	Body  []byte
	Usage models.Usage

	// Stream fields. Stream passes upstream bytes through unchanged; UsageCh
	// delivers the final extracted usage once the stream finishes.
	Stream  io.ReadCloser
	UsageCh <-chan models.Usage
}

// StreamHooks receives stream lifecycle callbacks. Exactly one fires, once,
// on every exit path.
type StreamHooks struct {
	// OnClean fires on clean upstream EOF.
	OnClean func(latencyMs float64)
	// OnError fires on a mid-stream upstream error not caused by downstream cancel.
	OnError func(err error)
	// OnCancel fires when the downstream client went away first.
	OnCancel func()
}

// Forwarder rewrites and forwards one request to one upstream.
type Forwarder struct {
	client        *http.Client
	encryptionKey string
	logger        *zap.Logger
}

// NewForwarder creates a new Forwarder. Timeouts are enforced per request
// from the upstream's configuration, so the shared client carries none.
func NewForwarder(encryptionKey string, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		encryptionKey: encryptionKey,
		logger:        logger,
	}
}

// Forward sends the buffered request to the upstream. The per-upstream
// timeout bounds the entire call for non-stream responses and the time to
// first byte for streams; inter-chunk gaps on streams are unbounded.
// Cancelling ctx (the downstream connection) cancels the upstream call.
func (f *Forwarder) Forward(ctx context.Context, preq *ProxyRequest, up *models.Upstream, hooks StreamHooks) (*ProxyResult, error) {
	target := joinURL(up.BaseURL, preq.Path)
	if preq.RawQuery != "" {
		target += "?" + preq.RawQuery
	}

	apiKey, err := DecryptSecret(up.APIKeyEncrypted, f.encryptionKey)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindServiceUnavailable,
			"decrypt credential for upstream "+up.Name, err)
	}

	upCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(up.Timeout(), func() {
		timedOut.Store(true)
		cancel()
	})

	start := time.Now()
	req, err := http.NewRequestWithContext(upCtx, preq.Method, target, bytes.NewReader(preq.Body))
	if err != nil {
		timer.Stop()
		cancel()
		return nil, proxyerr.Wrap(proxyerr.KindServiceUnavailable, "build upstream request", err)
	}
	req.Header = f.prepareHeaders(preq.Header, up, apiKey)

	resp, err := f.client.Do(req)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, f.classifyTransportError(ctx, err, timedOut.Load())
	}

	if isEventStream(resp.Header) {
		// First byte arrived; streams are not bounded past this point.
		timer.Stop()
		stream := newSSEStream(ctx, resp.Body, cancel, hooks, start, f.logger)
		return &ProxyResult{
			StatusCode: resp.StatusCode,
			Header:     filterResponseHeaders(resp.Header),
			IsStream:   true,
			Stream:     stream,
			UsageCh:    stream.usageCh,
		}, nil
	}

	defer cancel()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	timer.Stop()
	if err != nil {
		return nil, f.classifyTransportError(ctx, err, timedOut.Load())
	}

	usage, _ := models.ExtractUsageJSON(body)
	return &ProxyResult{
		StatusCode: resp.StatusCode,
		Header:     filterResponseHeaders(resp.Header),
		Body:       body,
		Usage:      usage,
	}, nil
}

// classifyTransportError tags timeout and downstream-cancel errors; anything
// else passes through untagged and is classified as a connection error by the
// failover loop.
func (f *Forwarder) classifyTransportError(downstream context.Context, err error, timedOut bool) error {
	if timedOut {
		return proxyerr.Wrap(proxyerr.KindTimeout, "upstream call timed out", err)
	}
	if downstream.Err() != nil {
		return proxyerr.Wrap(proxyerr.KindClientDisconnected, "client went away", err)
	}
	return err
}

// prepareHeaders builds the outbound header set: downstream headers minus
// hop-by-hop and credential headers, plus provider-appropriate auth.
func (f *Forwarder) prepareHeaders(downstream http.Header, up *models.Upstream, apiKey string) http.Header {
	out := filterRequestHeaders(downstream)

	switch up.ProviderType {
	case models.ProviderAnthropic:
		out.Set("x-api-key", apiKey)
		if out.Get("anthropic-version") == "" {
			out.Set("anthropic-version", defaultAnthropicVersion)
		}
	default:
		out.Set("Authorization", "Bearer "+apiKey)
	}
	return out
}

// hopByHopHeaders are never forwarded in either direction.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true, // recomputed from the buffered body
}

// credentialHeaders are stripped from the downstream request before auth
// injection so client credentials never reach an upstream.
var credentialHeaders = map[string]bool{
	"Authorization": true,
	"X-Api-Key":     true,
}

func filterRequestHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		canonical := http.CanonicalHeaderKey(k)
		if hopByHopHeaders[canonical] || credentialHeaders[canonical] {
			continue
		}
		if strings.HasPrefix(strings.ToLower(canonical), "proxy-") {
			continue
		}
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	return out
}

func filterResponseHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		canonical := http.CanonicalHeaderKey(k)
		if hopByHopHeaders[canonical] {
			continue
		}
		if strings.HasPrefix(strings.ToLower(canonical), "proxy-") {
			continue
		}
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	return out
}

// joinURL appends path to base with exactly one separator.
func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return base
	}
	return base + "/" + path
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

// UpstreamStatusError marks a response the failover loop treats as a failure.
type UpstreamStatusError struct {
	StatusCode int
	Upstream   string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.Upstream, e.StatusCode)
}
