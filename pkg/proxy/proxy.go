// Package proxy implements the Streaming Proxy: selects a backend via
// pkg/selector, rewrites and forwards the request, tees the response to the
// client and to a completion observer, and hands the finished record off to
// the history and audit sinks.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/events"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/redact"
	"github.com/llmlb/gateway/pkg/registry"
	"github.com/llmlb/gateway/pkg/selector"
)

// HistorySink accepts finished request records for the history writer.
// Submit must not block the caller.
type HistorySink interface {
	Submit(r *models.RequestHistoryRecord)
}

// AuditSink accepts finished audit entries for the audit writer. Submit
// must not block the caller.
type AuditSink interface {
	Submit(e *models.AuditLogEntry)
}

// Request describes one inbound inference call, already authenticated and
// parsed down to its routing essentials by the HTTP layer.
type Request struct {
	Kind               models.RequestKind
	APIFamily          models.APIFamily
	ModelID            string
	RequiredCapability models.Capability
	UpstreamPath       string // path appended to the upstream's base URL
	Method             string
	Header             http.Header
	Body               io.Reader
	Stream             bool

	ClientIP  string
	APIKeyID  *string
	ActorType models.ActorType
	ActorID   string
	Username  *string
	HTTPPath  string // the path as the client called it, for audit
}

// Target is the resolved upstream for one request: either a registry
// endpoint (EndpointID set; counters and EMA latency are maintained) or a
// cloud provider reached via model-prefix routing (EndpointID nil).
type Target struct {
	EndpointID *string
	Name       string
	BaseURL    string
	Credential string
	Timeout    time.Duration
}

// defaultUpstreamTimeout applies when a Target carries no timeout of its
// own (cloud providers have no per-endpoint configuration row).
const defaultUpstreamTimeout = 120 * time.Second

// Proxy forwards inference requests to the selected backend.
type Proxy struct {
	reg     *registry.Registry
	bus     *events.Bus
	history HistorySink
	audit   AuditSink
	client  *http.Client
	active  activeCounter
}

// New constructs a Proxy. client's Transport should have reasonable dial
// and TLS handshake timeouts; per-request deadlines come from the selected
// endpoint's InferenceTimeout, applied per forward.
func New(reg *registry.Registry, bus *events.Bus, history HistorySink, audit AuditSink, client *http.Client) *Proxy {
	if client == nil {
		client = &http.Client{}
	}
	return &Proxy{reg: reg, bus: bus, history: history, audit: audit, client: client, active: newActiveCounter()}
}

// Forward selects a backend, forwards req to it, and streams the response
// to w. It always returns nil once a response (success or error) has been
// written to w; the returned error is only non-nil for a bug in the proxy
// itself (e.g. w doesn't support hijacking when required).
func (p *Proxy) Forward(ctx context.Context, req Request, w http.ResponseWriter) error {
	start := time.Now()

	rawBody, err := io.ReadAll(io.LimitReader(req.Body, 64<<20))
	if err != nil {
		p.recordFailure(req, start, nil, 400, "failed to read request body")
		writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "failed to read request body")
		return nil
	}
	redactedReq := string(redact.JSONBytes(rawBodyTruncated(rawBody)))

	ep, err := selector.Select(ctx, p.reg, selector.Request{
		APIFamily: req.APIFamily, ModelID: req.ModelID, RequiredCapability: req.RequiredCapability,
	}, p.active.count)
	if err != nil {
		if errors.Is(err, gwerrors.ErrNoCapableBackend) {
			p.recordFailure(req, start, nil, http.StatusServiceUnavailable, "no capable backend available")
			writeError(w, http.StatusServiceUnavailable, ErrTypeServiceUnavailable, "no capable backend is currently available")
			return nil
		}
		p.recordFailure(req, start, nil, http.StatusInternalServerError, err.Error())
		writeError(w, http.StatusInternalServerError, ErrTypeAPIError, "internal error selecting a backend")
		return nil
	}

	target := Target{
		EndpointID: &ep.ID,
		Name:       ep.Name,
		BaseURL:    ep.BaseURL,
		Credential: ep.Credential,
		Timeout:    ep.InferenceTimeout,
	}

	p.active.inc(ep.ID)
	defer p.active.dec(ep.ID)

	p.forwardTarget(ctx, req, target, start, rawBody, redactedReq, w)
	return nil
}

// ForwardUpstream forwards req to an explicitly resolved upstream,
// skipping backend selection entirely. The cloud passthrough uses this so
// provider-prefixed requests share the same streaming, accounting, and
// audit path as registry-backed ones.
func (p *Proxy) ForwardUpstream(ctx context.Context, req Request, target Target, w http.ResponseWriter) error {
	start := time.Now()

	rawBody, err := io.ReadAll(io.LimitReader(req.Body, 64<<20))
	if err != nil {
		p.recordFailure(req, start, target.EndpointID, 400, "failed to read request body")
		writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "failed to read request body")
		return nil
	}
	redactedReq := string(redact.JSONBytes(rawBodyTruncated(rawBody)))

	p.forwardTarget(ctx, req, target, start, rawBody, redactedReq, w)
	return nil
}

// forwardTarget opens the upstream request and drives the response back to
// the client, recording the outcome whichever way it ends.
func (p *Proxy) forwardTarget(ctx context.Context, req Request, target Target, start time.Time, rawBody []byte, redactedReq string, w http.ResponseWriter) {
	requestID := req.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	upstream, err := http.NewRequestWithContext(reqCtx, req.Method, target.BaseURL+req.UpstreamPath, newBodyReader(rawBody))
	if err != nil {
		p.recordFailure(req, start, target.EndpointID, http.StatusInternalServerError, err.Error())
		writeError(w, http.StatusInternalServerError, ErrTypeAPIError, "failed to build upstream request")
		return
	}
	rewriteHeaders(upstream.Header, req.Header, target.Credential, requestID)

	resp, err := p.client.Do(upstream)
	if err != nil {
		status, errType := classifyTransportError(reqCtx, err)
		p.recordFailure(req, start, target.EndpointID, status, err.Error())
		p.bumpCounters(target, false)
		writeError(w, status, errType, "upstream request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.forwardErrorResponse(req, start, target, resp, w, redactedReq)
		return
	}

	obs := newObserver(req.Kind)
	if req.Stream {
		p.streamResponse(reqCtx, req, start, target, resp, w, obs, redactedReq)
	} else {
		p.bufferedResponse(req, start, target, resp, w, obs, redactedReq)
	}
}

// rewriteHeaders applies the forwarding header contract: swap Authorization
// for the upstream's own credential, strip cookies, preserve/generate
// X-Request-Id.
func rewriteHeaders(dst http.Header, src http.Header, credential, requestID string) {
	for k, vs := range src {
		if httpHeaderEqual(k, "Cookie") || httpHeaderEqual(k, "Authorization") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	if credential != "" {
		dst.Set("Authorization", "Bearer "+credential)
	}
	dst.Set("X-Request-Id", requestID)
}

func httpHeaderEqual(a, b string) bool {
	return http.CanonicalHeaderKey(a) == http.CanonicalHeaderKey(b)
}

func classifyTransportError(ctx context.Context, err error) (int, string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrTypeAPIError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, ErrTypeAPIError
	}
	return http.StatusBadGateway, ErrTypeAPIError
}

func newBodyReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return io.NopCloser(&byteReader{b: b})
}

type byteReader struct {
	b []byte
	i int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

// forwardErrorResponse passes an upstream 4xx/5xx through verbatim and
// records it.
func (p *Proxy) forwardErrorResponse(req Request, start time.Time, target Target, resp *http.Response, w http.ResponseWriter, redactedReq string) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)

	p.recordFailureBody(req, start, target.EndpointID, resp.StatusCode, string(body), redactedReq)
	p.bumpCounters(target, false)
}

// bufferedResponse forwards a non-streamed response and parses its usage
// block for token accounting.
func (p *Proxy) bufferedResponse(req Request, start time.Time, target Target, resp *http.Response, w http.ResponseWriter, obs *observer, redactedReq string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordFailure(req, start, target.EndpointID, http.StatusBadGateway, "error reading upstream body: "+err.Error())
		writeError(w, http.StatusBadGateway, ErrTypeAPIError, "error reading upstream response")
		return
	}
	obs.observeFullBody(body)

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)

	p.finish(req, start, target, resp.StatusCode, rawBodyTruncated(body), obs, nil, redactedReq)
}

// streamResponse tees an SSE response to the client and to the completion
// observer off a single read loop, so cancellation of the client write
// cancels the upstream read too.
func (p *Proxy) streamResponse(ctx context.Context, req Request, start time.Time, target Target, resp *http.Response, w http.ResponseWriter, obs *observer, redactedReq string) {
	flusher, _ := w.(http.Flusher)
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	clientErr := error(nil)
	for scanner.Scan() {
		line := scanner.Bytes()
		obs.observeSSELine(line)

		if _, err := w.Write(line); err != nil {
			clientErr = err
			break
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			clientErr = err
			break
		}
		if flusher != nil {
			flusher.Flush()
		}

		if ctx.Err() != nil {
			clientErr = ctx.Err()
			break
		}
	}

	if clientErr != nil {
		p.finish(req, start, target, resp.StatusCode, nil, obs, fmt.Errorf("client-disconnect: %w", clientErr), redactedReq)
		return
	}
	p.finish(req, start, target, resp.StatusCode, nil, obs, nil, redactedReq)
}

func rawBodyTruncated(b []byte) []byte {
	const max = 1 << 16
	if len(b) <= max {
		return b
	}
	return b[:max]
}

// finish records the completed request to the history and audit sinks,
// increments endpoint counters, and folds the observed latency into the
// registry's EMA (both skipped for cloud targets, which have no endpoint
// row).
func (p *Proxy) finish(req Request, start time.Time, target Target, statusCode int, responseBody []byte, obs *observer, cancelErr error, redactedReq string) {
	duration := time.Since(start)
	status := models.RequestStatusSuccess
	errMsg := (*string)(nil)
	switch {
	case cancelErr != nil:
		status = models.RequestStatusError
		msg := cancelErr.Error()
		errMsg = &msg
	case statusCode >= 400:
		status = models.RequestStatusError
		msg := fmt.Sprintf("upstream status %d", statusCode)
		errMsg = &msg
	case obs.errorPayload() != nil:
		// Upstream committed a 200 header, then emitted an error payload.
		// The wire status stays 200 (already sent); the record does not.
		status = models.RequestStatusError
		errMsg = obs.errorPayload()
	}

	rec := &models.RequestHistoryRecord{
		ID:                  uuid.NewString(),
		Timestamp:           start,
		Kind:                req.Kind,
		Model:               req.ModelID,
		EndpointID:          target.EndpointID,
		EndpointName:        nilIfEmpty(target.Name),
		ClientIP:            req.ClientIP,
		DurationMs:          duration.Milliseconds(),
		Status:              status,
		ErrorMessage:        errMsg,
		Tokens:              obs.tokens(),
		APIKeyID:            req.APIKeyID,
		RedactedRequestBody: redactedReq,
	}
	if responseBody != nil {
		body := string(redact.JSONBytes(rawBodyTruncated(responseBody)))
		rec.ResponseBody = &body
	}
	p.history.Submit(rec)

	p.audit.Submit(&models.AuditLogEntry{
		ID:           uuid.NewString(),
		Timestamp:    start,
		HTTPMethod:   req.Method,
		RequestPath:  req.HTTPPath,
		StatusCode:   statusCode,
		ActorType:    req.ActorType,
		ActorID:      req.ActorID,
		Username:     req.Username,
		ClientIP:     req.ClientIP,
		DurationMs:   duration.Milliseconds(),
		InputTokens:  intPtr(obs.tokens().Input),
		OutputTokens: intPtr(obs.tokens().Output),
		ModelName:    &req.ModelID,
		EndpointID:   target.EndpointID,
		Detail:       "",
	})

	success := status == models.RequestStatusSuccess
	p.bumpCounters(target, success)
	// The EMA folds in any measured duration, not just successful ones: a
	// client disconnect mid-stream still observed the backend for that
	// long. Upstream error statuses and error payloads inside a 200
	// response are excluded, since those durations measure failure
	// handling, not inference.
	if (success || cancelErr != nil) && target.EndpointID != nil {
		if err := p.reg.UpdateInferenceLatency(context.Background(), *target.EndpointID, float64(duration.Milliseconds())); err != nil {
			slog.Warn("proxy: update inference latency failed", "endpoint_id", *target.EndpointID, "error", err)
		}
	}
}

// bumpCounters increments the endpoint's request counters, when the target
// is a registry endpoint.
func (p *Proxy) bumpCounters(target Target, success bool) {
	if target.EndpointID == nil {
		return
	}
	if err := p.reg.IncrementRequestCounters(context.Background(), *target.EndpointID, success); err != nil {
		slog.Warn("proxy: increment counters failed", "endpoint_id", *target.EndpointID, "error", err)
	}
}

func (p *Proxy) recordFailure(req Request, start time.Time, endpointID *string, statusCode int, message string) {
	p.recordFailureBody(req, start, endpointID, statusCode, message, "")
}

// recordFailureBody is recordFailure plus the redacted request body, used
// when the failure happens after the request has already been read (e.g. an
// upstream 4xx passed through verbatim).
func (p *Proxy) recordFailureBody(req Request, start time.Time, endpointID *string, statusCode int, message string, redactedReq string) {
	rec := &models.RequestHistoryRecord{
		ID: uuid.NewString(), Timestamp: start, Kind: req.Kind, Model: req.ModelID,
		EndpointID: endpointID, ClientIP: req.ClientIP, DurationMs: time.Since(start).Milliseconds(),
		Status: models.RequestStatusError, ErrorMessage: &message, APIKeyID: req.APIKeyID,
		RedactedRequestBody: redactedReq,
	}
	p.history.Submit(rec)
	p.audit.Submit(&models.AuditLogEntry{
		ID: uuid.NewString(), Timestamp: start, HTTPMethod: req.Method, RequestPath: req.HTTPPath,
		StatusCode: statusCode, ActorType: req.ActorType, ActorID: req.ActorID, Username: req.Username,
		ClientIP: req.ClientIP, DurationMs: time.Since(start).Milliseconds(), Detail: message,
		EndpointID: endpointID,
	})
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intPtr(v int) *int {
	i := v
	return &i
}
