// Package enrich provides the best-effort HTTP client for the external
// enrichment service. Enrichment is always optional: callers bound every
// call with a timeout and fall back to the unenriched path on any failure.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chain-sentinel/internal/schema"
)

// Config holds enrichment service settings.
type Config struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default enrichment configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Timeout: 10 * time.Second,
	}
}

// Client calls the enrichment service. It implements analyzer.Enricher and
// the investigation narrator contract.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates an enrichment client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type enrichRequest struct {
	Transaction *schema.Transaction   `json:"transaction"`
	Base        schema.RiskAssessment `json:"base_assessment"`
}

type enrichResponse struct {
	Score   int                  `json:"score"`
	Flags   []schema.AnomalyFlag `json:"flags,omitempty"`
	Summary string               `json:"summary,omitempty"`
}

// Enrich asks the service for an adjusted assessment. It honors ctx
// cancellation and never mutates its inputs.
func (c *Client) Enrich(ctx context.Context, tx *schema.Transaction, base schema.RiskAssessment) (*schema.RiskAssessment, error) {
	body, err := json.Marshal(enrichRequest{Transaction: tx, Base: base})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal enrich request: %w", err)
	}

	resp, err := c.post(ctx, c.cfg.BaseURL+"/v1/enrich", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("enrichment service returned %d: %s", resp.StatusCode, string(b))
	}

	var er enrichResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("failed to decode enrich response: %w", err)
	}

	out := schema.RiskAssessment{
		TxHash:  tx.Hash,
		Score:   er.Score,
		Flags:   er.Flags,
		Summary: er.Summary,
	}
	return &out, nil
}

type narrativeRequest struct {
	Address string `json:"address"`
	Report  any    `json:"report"`
}

type narrativeResponse struct {
	Narrative string `json:"narrative"`
}

// Narrative asks the service for a free-text investigation summary. The
// structured investigation fields never depend on this call succeeding.
func (c *Client) Narrative(ctx context.Context, address string, report any) (string, error) {
	body, err := json.Marshal(narrativeRequest{Address: address, Report: report})
	if err != nil {
		return "", fmt.Errorf("failed to marshal narrative request: %w", err)
	}

	resp, err := c.post(ctx, c.cfg.BaseURL+"/v1/narrative", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("enrichment service returned %d: %s", resp.StatusCode, string(b))
	}

	var nr narrativeResponse
	if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
		return "", fmt.Errorf("failed to decode narrative response: %w", err)
	}
	return nr.Narrative, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment request failed: %w", err)
	}
	return resp, nil
}
