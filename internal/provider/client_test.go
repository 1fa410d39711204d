package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"creatorstudio/pkg/logging"
)

func TestCreateAndGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/predictions":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var req Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(Prediction{ID: "pred-1", Status: StatusStarting})
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/pred-1":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"pred-1","status":"succeeded","output":["https://x/video.mp4"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(Config{BaseURL: server.URL, Token: "tok", Logger: logging.NewLogger()})

	pred, err := client.Create(context.Background(), Request{Prompt: "a whale", AspectRatio: "16:9"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pred.ID != "pred-1" || pred.Status != StatusStarting {
		t.Fatalf("unexpected prediction: %+v", pred)
	}

	pred, err = client.Get(context.Background(), "pred-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pred.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", pred.Status)
	}
	if got := pred.FirstOutput(); got != "https://x/video.mp4" {
		t.Fatalf("expected first output URL, got %q", got)
	}
}

func TestGetDecodesMislabeledResponse(t *testing.T) {
	// Some providers serve JSON with a text/plain or missing content type.
	// Decoding must not depend on the header: a silently undecoded body would
	// look like a non-terminal status and keep the poll loop going.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(`{"id":"pred-1","status":"succeeded","output":"https://x/video.mp4"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(Config{BaseURL: server.URL, Token: "tok", Logger: logging.NewLogger()})

	pred, err := client.Get(context.Background(), "pred-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pred.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", pred.Status)
	}
}

func TestGetRejectsEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewHTTPClient(Config{BaseURL: server.URL, Token: "tok", Logger: logging.NewLogger()})

	_, err := client.Get(context.Background(), "pred-1")
	var provErr *Error
	if !errors.As(err, &provErr) {
		t.Fatalf("expected provider error for response without an id, got %v", err)
	}
}

func TestCreateProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded"))
	}))
	defer server.Close()

	client := NewHTTPClient(Config{BaseURL: server.URL, Token: "tok", Logger: logging.NewLogger()})

	_, err := client.Create(context.Background(), Request{Prompt: "a whale"})
	var provErr *Error
	if !errors.As(err, &provErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if provErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", provErr.StatusCode)
	}
}

func TestFirstOutputShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"list", `["https://x/a.mp4","https://x/b.mp4"]`, "https://x/a.mp4"},
		{"single", `"https://x/a.mp4"`, "https://x/a.mp4"},
		{"empty list", `[]`, ""},
		{"absent", ``, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Prediction{Output: json.RawMessage(tc.raw)}
			if got := p.FirstOutput(); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
