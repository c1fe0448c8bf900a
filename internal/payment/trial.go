package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrMalformedGrant means the backend's trial reply had no boolean grant.
// The trial has neither been granted nor rejected in that case.
var ErrMalformedGrant = errors.New("malformed trial grant response")

const trialRequestTimeout = 30 * time.Second

// TrialClient asks the backend to activate a trial for an email. The
// backend grants each email exactly one trial, ever; a false grant means it
// was already activated by an earlier or different installation.
type TrialClient struct {
	baseURL string
	client  *http.Client
}

// NewTrialClient creates a TrialClient against the given backend base URL.
func NewTrialClient(baseURL string) *TrialClient {
	return &TrialClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: trialRequestTimeout},
	}
}

// Request asks for a trial for email and reports whether it was granted.
// Performing this request marks the email's trial as started server-side,
// so the caller must persist the outcome promptly.
func (c *TrialClient) Request(ctx context.Context, email string) (bool, error) {
	body, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/request_trial", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("trial request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false, fmt.Errorf("read trial response: %w", err)
	}

	var payload struct {
		Granted *bool `json:"granted"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Granted == nil {
		return false, ErrMalformedGrant
	}
	return *payload.Granted, nil
}
