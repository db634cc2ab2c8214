package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/throw-if-null/crucible/internal/api"
)

func TestCompose_Deterministic(t *testing.T) {
	pc := PromptContext{
		Stage:       "handlers",
		Contract:    "implement handlers",
		Description: "todo app",
		PriorFiles:  map[string]string{"b.ts": "bbb", "a.ts": "aaa"},
		Diagnostics: []api.Diagnostic{
			{Severity: api.SeverityError, Source: "typecheck", Message: "bad type",
				Location: &api.Location{File: "a.ts", Line: 3}},
			{Severity: api.SeverityFatal, Source: "tests", Message: "timeout"},
		},
		Feedback: "rename field",
	}

	first := pc.Compose()
	if pc.Compose() != first {
		t.Fatal("compose must be deterministic")
	}
	// prior files in sorted order
	if strings.Index(first, "### a.ts") > strings.Index(first, "### b.ts") {
		t.Fatal("prior files not sorted")
	}
	for _, want := range []string{"implement handlers", "todo app", "bad type", "a.ts:3", "timeout", "rename field"} {
		if !strings.Contains(first, want) {
			t.Fatalf("prompt missing %q:\n%s", want, first)
		}
	}
}

func TestCompose_MinimalSections(t *testing.T) {
	pc := PromptContext{Stage: "schema", Contract: "define the model"}
	got := pc.Compose()
	for _, absent := range []string{"Accepted artifacts", "Problems found", "Reviewer feedback", "Request"} {
		if strings.Contains(got, absent) {
			t.Fatalf("unexpected section %q in minimal prompt", absent)
		}
	}
}

func TestHTTPClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Files: map[string]string{"a.ts": "x"}, Notes: "ok"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, time.Second)
	art, err := c.Generate(context.Background(), PromptContext{Stage: "schema", Contract: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if art.Files["a.ts"] != "x" || art.Notes != "ok" {
		t.Fatalf("unexpected artifact: %+v", art)
	}
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Files: map[string]string{"a.ts": "x"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, 5*time.Second)
	if _, err := c.Generate(context.Background(), PromptContext{Stage: "s", Contract: "c"}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 calls, got %d", calls.Load())
	}
}

func TestHTTPClient_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad prompt", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, 5*time.Second)
	_, err := c.Generate(context.Background(), PromptContext{Stage: "s", Contract: "c"})
	if !errors.Is(err, ErrService) {
		t.Fatalf("expected ErrService, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestHTTPClient_EmptyArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, time.Second)
	if _, err := c.Generate(context.Background(), PromptContext{Stage: "s", Contract: "c"}); !errors.Is(err, ErrService) {
		t.Fatalf("expected ErrService for empty artifact, got %v", err)
	}
}

func TestHTTPClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := NewHTTPClient(srv.URL, time.Second, time.Minute)
	_, err := c.Generate(ctx, PromptContext{Stage: "s", Contract: "c"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
