// Package provider abstracts the paid video-generation backend. Everything
// behind this interface is an external collaborator: credits must be reserved
// before StartGeneration is called and refunded if it fails.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Request is the generation job handed to the backend.
type Request struct {
	Prompt          string `json:"prompt"`
	Mode            string `json:"mode"`
	TargetModel     string `json:"target_model,omitempty"`
	SkipCache       bool   `json:"skip_cache,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Generation is the backend's acknowledgment of an accepted job.
type Generation struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// VideoProvider starts a billable generation upstream.
type VideoProvider interface {
	StartGeneration(ctx context.Context, userID string, req Request) (*Generation, error)
}

// HTTPProvider is a thin JSON client for a generation backend deployment.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *HTTPProvider) StartGeneration(ctx context.Context, userID string, genReq Request) (*Generation, error) {
	payload, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/generations", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", userID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start generation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("start generation: unexpected status %d", resp.StatusCode)
	}

	var gen Generation
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, fmt.Errorf("decode generation: %w", err)
	}
	return &gen, nil
}

var _ VideoProvider = (*HTTPProvider)(nil)
