package trigger

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chain-sentinel/internal/schema"
)

func testFiring() *Firing {
	return &Firing{
		Trigger: &Trigger{ID: "trig-1", Name: "high risk"},
		Transaction: &schema.Transaction{
			Hash:  "0xabc",
			Chain: "ethereum",
			From:  "0x1111111111111111111111111111111111111111",
			To:    "0x2222222222222222222222222222222222222222",
			Value: big.NewInt(42),
		},
		Assessment: &schema.RiskAssessment{TxHash: "0xabc", Score: 80},
		Matched:    []string{"risk_score gte 70"},
		At:         time.Now().UTC(),
	}
}

func TestWebhookRunnerPostsJSON(t *testing.T) {
	var gotBody []byte
	var gotContentType, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		gotHeader = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runner := NewWebhookRunner(5 * time.Second)
	spec := ActionSpec{
		Type: ActionWebhook,
		Config: map[string]string{
			"url":                  srv.URL,
			"header_Authorization": "Bearer token",
		},
	}
	if err := runner.Run(context.Background(), spec, testFiring()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
	if gotHeader != "Bearer token" {
		t.Errorf("authorization header = %q", gotHeader)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["transaction"] == nil || payload["assessment"] == nil {
		t.Errorf("payload missing fields: %s", gotBody)
	}
}

func TestWebhookRunnerTemplate(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runner := NewWebhookRunner(5 * time.Second)
	spec := ActionSpec{
		Type: ActionWebhook,
		Config: map[string]string{
			"url":      srv.URL,
			"template": `{"text":"{{trigger_name}} on {{chain}}: {{tx_hash}} score {{risk_score}}"}`,
		},
	}
	if err := runner.Run(context.Background(), spec, testFiring()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := `{"text":"high risk on ethereum: 0xabc score 80"}`
	if string(gotBody) != want {
		t.Errorf("body = %s, want %s", gotBody, want)
	}
}

func TestWebhookRunnerRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runner := NewWebhookRunner(5 * time.Second)
	runner.retryDelay = time.Millisecond
	spec := ActionSpec{Type: ActionWebhook, Config: map[string]string{"url": srv.URL}}

	if err := runner.Run(context.Background(), spec, testFiring()); err != nil {
		t.Fatalf("Run() should succeed after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhookRunnerGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	runner := NewWebhookRunner(5 * time.Second)
	runner.retryDelay = time.Millisecond
	spec := ActionSpec{Type: ActionWebhook, Config: map[string]string{"url": srv.URL}}

	if err := runner.Run(context.Background(), spec, testFiring()); err == nil {
		t.Error("expected error after exhausting retries")
	}
}

func TestExpandTemplate(t *testing.T) {
	fire := testFiring()
	got := expandTemplate("{{from}}->{{to}} value={{value}} id={{trigger_id}}", fire)
	want := "0x1111111111111111111111111111111111111111->0x2222222222222222222222222222222222222222 value=42 id=trig-1"
	if got != want {
		t.Errorf("expandTemplate = %q, want %q", got, want)
	}
}
