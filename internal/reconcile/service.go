package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Scope of a reconciliation pass.
const (
	ScopeIncremental = "incremental"
	ScopeFull        = "full"
)

// RunResult reports what a reconciliation pass did. The durable checkpoint
// lives inside the reconciliation service; we only observe whether it moved.
type RunResult struct {
	Scope               string `json:"scope"`
	ScannedItems        int    `json:"scanned_items"`
	UsersProcessed      int    `json:"users_processed"`
	PositiveCorrections int    `json:"positive_corrections"`
	NegativeCorrections int    `json:"negative_corrections"`
	CheckpointAdvanced  bool   `json:"checkpoint_advanced"`
}

// Service is the external reconciliation collaborator: it audits the ledger
// against ground-truth usage/payment records and applies corrections.
type Service interface {
	RunIncrementalPass(ctx context.Context) (RunResult, error)
	RunFullPass(ctx context.Context) (RunResult, error)
	// RepairUserProfile re-derives one user's balance from ground truth;
	// triggered by payment-provider events.
	RepairUserProfile(ctx context.Context, userID string) error
}

// HTTPService is a thin JSON client for a reconciliation service deployment.
type HTTPService struct {
	baseURL string
	client  *http.Client
}

// NewHTTPService returns a client for the service at baseURL.
func NewHTTPService(baseURL string) *HTTPService {
	return &HTTPService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (h *HTTPService) RunIncrementalPass(ctx context.Context) (RunResult, error) {
	return h.runPass(ctx, ScopeIncremental)
}

func (h *HTTPService) RunFullPass(ctx context.Context) (RunResult, error) {
	return h.runPass(ctx, ScopeFull)
}

func (h *HTTPService) runPass(ctx context.Context, scope string) (RunResult, error) {
	var result RunResult
	url := fmt.Sprintf("%s/v1/passes/%s", h.baseURL, scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return result, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("run %s pass: %w", scope, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("run %s pass: unexpected status %d", scope, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("decode %s pass result: %w", scope, err)
	}
	result.Scope = scope
	return result, nil
}

func (h *HTTPService) RepairUserProfile(ctx context.Context, userID string) error {
	payload, _ := json.Marshal(map[string]string{"user_id": userID})
	url := fmt.Sprintf("%s/v1/repairs", h.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("repair user %s: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("repair user %s: unexpected status %d", userID, resp.StatusCode)
	}
	return nil
}

var _ Service = (*HTTPService)(nil)
