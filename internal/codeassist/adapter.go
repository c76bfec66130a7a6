package codeassist

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// CanonicalEndpoints is the fixed, ordered list of Code Assist base URLs
// the adapter falls through across before giving up. Only one endpoint is
// publicly documented (BaseURL); the caller's configured base URL
// (ProviderConfig.BaseURL) supplies any additional candidate.
var CanonicalEndpoints = []string{BaseURL}

// Adapter is the request engine. One instance is owned per provider for
// the lifetime of the process, constructed explicitly with the
// process-wide session id and device fingerprint rather than reaching for
// package singletons.
type Adapter struct {
	httpClient       *http.Client
	userBaseURL      string
	fingerprint      DeviceFingerprint
	processSessionID string

	mu     sync.Mutex
	active string // last endpoint that returned a success, pinned first on the next call
}

// NewAdapter constructs an Adapter. httpClient defaults to http.DefaultClient
// when nil. userBaseURL is the provider's configured BaseURL and is
// appended to the canonical candidate list; pass "" to rely on
// CanonicalEndpoints alone.
func NewAdapter(httpClient *http.Client, userBaseURL string, fingerprint DeviceFingerprint, processSessionID string) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{httpClient: httpClient, userBaseURL: userBaseURL, fingerprint: fingerprint, processSessionID: processSessionID}
}

// candidates builds this call's ordered endpoint list: the last pinned
// active endpoint first (if any), then the remaining canonical endpoints
// in fixed order, with the user base URL appended last.
func (a *Adapter) candidates() []string {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		u = strings.TrimRight(u, "/")
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	add(active)
	for _, c := range CanonicalEndpoints {
		add(c)
	}
	add(a.userBaseURL)
	return out
}

func (a *Adapter) pin(endpoint string) {
	a.mu.Lock()
	a.active = endpoint
	a.mu.Unlock()
}

// retryInfoDelay looks for a structured "retry after N seconds" hint (a
// standard google.rpc.RetryInfo detail) in a Code Assist error body.
// Returns 0, false if absent or unparsable.
func retryInfoDelay(body []byte) (time.Duration, bool) {
	var delay time.Duration
	found := false
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if !strings.Contains(detail.Get(`\@type`).String(), "RetryInfo") {
			return true
		}
		raw := detail.Get("retryDelay").String()
		if raw == "" {
			return true
		}
		secs, err := strconv.ParseFloat(strings.TrimSuffix(raw, "s"), 64)
		if err != nil {
			return true
		}
		delay = time.Duration(secs * float64(time.Second))
		found = true
		return false
	})
	return delay, found
}

const (
	maxRetryDelay         = 30 * time.Minute
	rateLimitBackoffCap   = 60 * time.Second
	endpointRetryAttempts = 3
	endpointRetryBase     = 500 * time.Millisecond
	endpointRetryCap      = 5 * time.Second
	endpointRetryJitter   = 0.10
)

func exponentialDelay(attempt int, base, capDur time.Duration, jitter float64) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if capDur > 0 && time.Duration(d) > capDur {
		d = float64(capDur)
	}
	if jitter > 0 {
		d += d * jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// httpError carries the status code and body of a non-OK Code Assist
// response so callers can classify it (fallthrough vs. abort) without
// re-reading the (already-drained) response body.
type httpError struct {
	StatusCode int
	Body       []byte
}

func (e *httpError) Error() string {
	return fmt.Sprintf("codeassist: http %d: %s", e.StatusCode, string(e.Body))
}

func retryableEndpointStatus(code int) bool {
	return code == 403 || code == 404 || code >= 500
}

// Generate performs the non-streaming request/response cycle: model
// fallback, endpoint fallback, and retry share one attempt loop with
// Stream; the only difference is how the HTTP body is consumed.
func (a *Adapter) Generate(ctx context.Context, req ChatRequest) (json.RawMessage, error) {
	var result json.RawMessage
	err := a.forEachAttempt(ctx, req, ActionGenerateContent, func(resp *http.Response) error {
		defer func() { _ = resp.Body.Close() }()
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}
		result = unwrapResponse(data)
		return nil
	})
	return result, err
}

// CountTokens invokes the countTokens RPC for req's converted contents.
// That RPC takes a narrower body than generateContent (the model moves
// inside request, and the project/session/agent fields are dropped), which
// forEachAttempt builds via buildCountTokensBody.
func (a *Adapter) CountTokens(ctx context.Context, req ChatRequest) (json.RawMessage, error) {
	var result json.RawMessage
	err := a.forEachAttempt(ctx, req, ActionCountTokens, func(resp *http.Response) error {
		defer func() { _ = resp.Body.Close() }()
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}
		result = unwrapResponse(data)
		return nil
	})
	return result, err
}

// Stream performs the streaming request/response cycle. on is invoked
// once per decoded response object in emission order; it must not block
// indefinitely since the adapter is reading one SSE event at a time. The
// read loop exits (without error) as soon as ctx is done, draining and
// releasing the reader.
func (a *Adapter) Stream(ctx context.Context, req ChatRequest, on func(json.RawMessage) error) error {
	return a.forEachAttempt(ctx, req, ActionStreamGenerateContent, func(resp *http.Response) error {
		return a.pumpSSE(ctx, resp, on)
	})
}

func (a *Adapter) pumpSSE(ctx context.Context, resp *http.Response, on func(json.RawMessage) error) error {
	defer func() { _ = resp.Body.Close() }()

	type line struct {
		b   []byte
		err error
	}
	lines := make(chan line, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 4*1024*1024)
		for scanner.Scan() {
			b := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line{b: b}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case lines <- line{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	var callbackErr error
	parser := newSSEParser(func(data []byte) {
		if callbackErr != nil {
			return
		}
		if string(data) == "[DONE]" {
			return
		}
		callbackErr = on(unwrapResponse(data))
	})

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
			return fmt.Errorf("codeassist: stream idle timeout after %s", idleTimeout)
		case l, ok := <-lines:
			if !ok {
				parser.finish()
				return callbackErr
			}
			if l.err != nil {
				return l.err
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)
			parser.pushLine(l.b)
			if callbackErr != nil {
				return callbackErr
			}
		}
	}
}

// unwrapResponse normalizes a raw Code Assist payload: a nested "response"
// envelope is unwrapped and snake_case keys become camelCase.
func unwrapResponse(data []byte) json.RawMessage {
	if !gjson.ValidBytes(data) {
		return data
	}
	payload := gjson.ParseBytes(data)
	if inner := payload.Get("response"); inner.Exists() {
		payload = inner
	}
	normalized := normalizeKeys(payload.Value())
	out, err := json.Marshal(normalized)
	if err != nil {
		return data
	}
	return out
}

func normalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[camelCase(k)] = normalizeKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeKeys(val)
		}
		return out
	default:
		return v
	}
}

func camelCase(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	parts := strings.Split(s, "_")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// forEachAttempt drives the shared model-fallback x endpoint-fallback x
// retry loop and hands the first successful response to handle. Exactly
// one of {handle's error, the function's returned error} is ever non-nil
// for a terminal outcome.
func (a *Adapter) forEachAttempt(ctx context.Context, req ChatRequest, action Action, handle func(*http.Response) error) error {
	tiered := ComputeModelID(req.Model, req.Style, req.GenerationConfig.ReasoningEffort, req.GenerationConfig.ThinkingBudget != nil)
	models := modelFallbackCandidates(req.Model, tiered, req.Style)
	endpoints := a.candidates()
	if len(endpoints) == 0 {
		return fmt.Errorf("codeassist: no endpoint configured")
	}

	claude := isClaudeFamily(req.Model)
	thinking := req.GenerationConfig.ReasoningEffort != ReasoningNone || req.GenerationConfig.ThinkingBudget != nil

	var lastErr error
	consecutive429 := 0
	for _, modelID := range models {
		var body []byte
		var buildErr error
		if action == ActionCountTokens {
			body, buildErr = buildCountTokensBody(req, modelID)
		} else {
			body, buildErr = BuildRequestBody(req, modelID, req.Credential.ProjectID, a.processSessionID)
		}
		if buildErr != nil {
			return buildErr
		}
		for i, endpoint := range endpoints {
			multipleEndpointsRemain := i < len(endpoints)-1
			resp, status, errBody, err := a.attempt(ctx, endpoint, action, body, req, claude, thinking, multipleEndpointsRemain)
			if err != nil {
				lastErr = err
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if status == http.StatusOK {
				a.pin(endpoint)
				return handle(resp)
			}
			lastErr = &httpError{StatusCode: status, Body: errBody}
			if status == http.StatusTooManyRequests {
				consecutive429++
				if consecutive429 == 1 {
					continue // first 429: fall through once
				}
				delay := exponentialDelay(consecutive429-2, 2*time.Second, rateLimitBackoffCap, 0)
				if d, ok := retryInfoDelay(errBody); ok {
					if d > maxRetryDelay {
						d = maxRetryDelay
					}
					if d > delay {
						delay = d
					}
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
				continue
			}
			consecutive429 = 0
			if retryableEndpointStatus(status) {
				continue
			}
			return lastErr
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("codeassist: no endpoints attempted")
	}
	return lastErr
}

// attempt issues one HTTP call with the bounded endpoint retry policy
// (3 attempts, 500ms->5s, multiplier 2, 10% jitter), applied only while
// multiple endpoints remain; with one endpoint left the adapter relies on
// the caller's ambient chat retry policy instead and makes a single
// try.
func (a *Adapter) attempt(ctx context.Context, endpoint string, action Action, body []byte, req ChatRequest, claude, thinking, multipleEndpointsRemain bool) (*http.Response, int, []byte, error) {
	maxAttempts := 1
	if multipleEndpointsRemain {
		maxAttempts = endpointRetryAttempts
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, nil, ctx.Err()
			case <-time.After(exponentialDelay(attempt-1, endpointRetryBase, endpointRetryCap, endpointRetryJitter)):
			}
		}
		u := endpoint + "/" + APIVersion + ":" + string(action)
		if action.streaming() {
			u += "?alt=sse"
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return nil, 0, nil, err
		}
		for k, v := range req.ExtraHeaders {
			httpReq.Header.Set(k, v)
		}
		applyHeaders(httpReq, req.Style, a.fingerprint, req.Credential.AccessToken, action.streaming(), claude && thinking)

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, resp.StatusCode, nil, nil
		}
		data, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 && attempt < maxAttempts-1 {
			lastErr = &httpError{StatusCode: resp.StatusCode, Body: data}
			continue
		}
		return nil, resp.StatusCode, data, nil
	}
	return nil, 0, nil, lastErr
}
