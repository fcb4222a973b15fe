package fennec

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchStreamingToken(t *testing.T) {
	var gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe/streaming-token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotKey = r.Header.Get("X-API-Key")
		fmt.Fprint(w, `{"token":"tok-abc"}`)
	}))
	defer ts.Close()

	c := NewClient("key-123", WithBaseURL(ts.URL))
	token, err := c.fetchStreamingToken(context.Background())
	if err != nil {
		t.Fatalf("fetchStreamingToken: %v", err)
	}
	if token != "tok-abc" {
		t.Errorf("token = %q, want tok-abc", token)
	}
	if gotKey != "key-123" {
		t.Errorf("X-API-Key = %q, want key-123", gotKey)
	}
}

func TestFetchStreamingToken_PostFallback(t *testing.T) {
	var methods []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fmt.Fprint(w, `{"token":"tok-post"}`)
	}))
	defer ts.Close()

	c := NewClient("key", WithBaseURL(ts.URL))
	token, err := c.fetchStreamingToken(context.Background())
	if err != nil {
		t.Fatalf("fetchStreamingToken: %v", err)
	}
	if token != "tok-post" {
		t.Errorf("token = %q, want tok-post", token)
	}
	want := []string{http.MethodGet, http.MethodPost}
	if len(methods) != 2 || methods[0] != want[0] || methods[1] != want[1] {
		t.Errorf("methods = %v, want %v", methods, want)
	}
}

func TestFetchStreamingToken_AuthError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"code":4001,"message":"invalid api key"}`)
	}))
	defer ts.Close()

	c := NewClient("bad-key", WithBaseURL(ts.URL))
	_, err := c.fetchStreamingToken(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	e, ok := AsError(err)
	if !ok || !e.IsAuth() {
		t.Errorf("error = %v, want auth", err)
	}
	if e.Code != 4001 {
		t.Errorf("code = %d, want 4001", e.Code)
	}
}

func TestFetchStreamingToken_MissingToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer ts.Close()

	c := NewClient("key", WithBaseURL(ts.URL))
	_, err := c.fetchStreamingToken(context.Background())
	if e, ok := AsError(err); !ok || e.Kind != KindProtocol {
		t.Errorf("error = %v, want KindProtocol", err)
	}
}

func TestNewClient_EnvBaseURL(t *testing.T) {
	t.Setenv(envBaseURL, "https://staging.example.com/api/v1/")

	c := NewClient("key")
	if got := c.config.baseURL; got != "https://staging.example.com/api/v1" {
		t.Errorf("baseURL = %q, want env value with trailing slash trimmed", got)
	}

	// Explicit option wins over the environment.
	c = NewClient("key", WithBaseURL("https://other.example.com"))
	if got := c.config.baseURL; got != "https://other.example.com" {
		t.Errorf("baseURL = %q, want option value", got)
	}
}

func TestClientOptions(t *testing.T) {
	hc := &http.Client{Timeout: time.Second}
	c := NewClient("key",
		WithWebSocketURL("wss://example.com/stream"),
		WithHTTPClient(hc),
		WithUserID("user-7"),
	)
	if c.config.wsURL != "wss://example.com/stream" {
		t.Errorf("wsURL = %q", c.config.wsURL)
	}
	if c.config.httpClient != hc {
		t.Error("custom http client not installed")
	}
	if c.config.userID != "user-7" {
		t.Errorf("userID = %q", c.config.userID)
	}
}

func TestStreamURL_PreservesQuery(t *testing.T) {
	got, err := streamURL("wss://example.com/stream?model=fast", "tok")
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}
	want := "wss://example.com/stream?model=fast&streaming_token=tok"
	if got != want {
		t.Errorf("streamURL = %q, want %q", got, want)
	}
}
