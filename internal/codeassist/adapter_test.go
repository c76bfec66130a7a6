package codeassist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testRequest() ChatRequest {
	return ChatRequest{
		Model:      "gemini-3-pro",
		Style:      StyleAntigravity,
		Messages:   []Message{msgText("user", "hello")},
		Credential: Credential{AccessToken: "tok", ProjectID: "proj"},
	}
}

// withCanonicalEndpoints swaps the package endpoint list for one test.
func withCanonicalEndpoints(t *testing.T, endpoints []string) {
	t.Helper()
	prev := CanonicalEndpoints
	CanonicalEndpoints = endpoints
	t.Cleanup(func() { CanonicalEndpoints = prev })
}

func sseHandler(payload string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: " + payload + "\n\n"))
	}
}

func TestCandidatesOrderPinnedActiveFirst(t *testing.T) {
	withCanonicalEndpoints(t, []string{"https://one.example", "https://two.example"})
	a := NewAdapter(nil, "https://user.example/", "", "proc")

	got := a.candidates()
	want := []string{"https://one.example", "https://two.example", "https://user.example"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: got %q, want %q", i, got[i], want[i])
		}
	}

	a.pin("https://two.example")
	got = a.candidates()
	if got[0] != "https://two.example" {
		t.Fatalf("the pinned endpoint must order first, got %v", got)
	}
	if len(got) != 3 {
		t.Fatalf("pinning must not duplicate an endpoint, got %v", got)
	}
}

func TestRetryInfoDelayParsesRetryInfoDetail(t *testing.T) {
	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"45s"}]}}`)
	d, ok := retryInfoDelay(body)
	if !ok || d != 45*time.Second {
		t.Fatalf("got %v ok=%v, want 45s", d, ok)
	}

	if _, ok := retryInfoDelay([]byte(`{"error":{"message":"nope"}}`)); ok {
		t.Fatal("a body without RetryInfo must report absent")
	}
}

func TestUnwrapResponseNormalizesAndUnwraps(t *testing.T) {
	got := unwrapResponse([]byte(`{"response":{"usage_metadata":{"total_token_count":3}}}`))
	var m map[string]any
	if err := json.Unmarshal(got, &m); err != nil {
		t.Fatal(err)
	}
	usage, ok := m["usageMetadata"].(map[string]any)
	if !ok {
		t.Fatalf("snake_case keys must become camelCase and the response envelope unwrap, got %s", got)
	}
	if usage["totalTokenCount"] != float64(3) {
		t.Fatalf("got %v", usage)
	}
}

func TestStreamFallsBackToNextEndpointOnForbidden(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()
	good := httptest.NewServer(sseHandler(`{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}`))
	defer good.Close()
	withCanonicalEndpoints(t, []string{bad.URL})

	a := NewAdapter(nil, good.URL, "", "proc")
	var chunks []json.RawMessage
	err := a.Stream(context.Background(), testRequest(), func(chunk json.RawMessage) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected one streamed chunk from the fallback endpoint, got %d", len(chunks))
	}

	if got := a.candidates(); got[0] != good.URL {
		t.Fatalf("the succeeding endpoint must be pinned first for the next call, got %v", got)
	}
}

func TestStreamFallsThroughOnceOnFirstRateLimit(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()
	good := httptest.NewServer(sseHandler(`{"candidates":[]}`))
	defer good.Close()
	withCanonicalEndpoints(t, []string{limited.URL})

	a := NewAdapter(nil, good.URL, "", "proc")
	start := time.Now()
	err := a.Stream(context.Background(), testRequest(), func(json.RawMessage) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("the first 429 must fall through without backing off, took %s", elapsed)
	}
}

func TestGenerateSurfacesTerminalClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer srv.Close()
	withCanonicalEndpoints(t, []string{srv.URL})

	a := NewAdapter(nil, "", "", "proc")
	_, err := a.Generate(context.Background(), testRequest())
	if err == nil {
		t.Fatal("a 400 must not be retried across endpoints; it surfaces immediately")
	}
	httpErr, ok := err.(*httpError)
	if !ok || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %v", err)
	}
}

func TestStreamCancelledBeforeBytesYieldsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()
	withCanonicalEndpoints(t, []string{srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	a := NewAdapter(nil, "", "", "proc")
	done := make(chan error, 1)
	var chunks int
	go func() {
		done <- a.Stream(ctx, testRequest(), func(json.RawMessage) error {
			chunks++
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancellation must end the stream without error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("the stream must exit promptly on cancellation")
	}
	if chunks != 0 {
		t.Fatalf("no chunks should be yielded before cancellation, got %d", chunks)
	}
}
