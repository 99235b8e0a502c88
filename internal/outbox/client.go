package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"shop-monitor-backend/config"
	"shop-monitor-backend/internal/apperr"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

// partnerResponse is the partner's optional JSON envelope.
type partnerResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Client posts signed sync payloads to the partner app.
type Client struct {
	baseURL       string
	apiKey        string
	signingSecret []byte
	sourceApp     string
	maxTries      uint
	http          *http.Client
	newBackOff    func() backoff.BackOff
}

// NewClient builds a partner client from the sync configuration.
func NewClient(cfg *config.SyncConfig) *Client {
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		signingSecret: []byte(cfg.SigningSecret),
		sourceApp:     cfg.SourceApp,
		maxTries:      cfg.MaxTries,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Post sends body to path. Transport errors and 5xx responses are retried
// up to the configured number of tries; 4xx and explicit partner refusals
// are not.
func (c *Client) Post(ctx context.Context, path string, body any) error {
	if c.baseURL == "" {
		return apperr.New(apperr.KindValidation, "sync base_url is not configured")
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal sync payload: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.postOnce(ctx, path, jsonBody)
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxTries))
	return err
}

func (c *Client) postOnce(ctx context.Context, path string, jsonBody []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source-App", c.sourceApp)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if len(c.signingSecret) > 0 {
		req.Header.Set(SignatureHeader, Sign(c.signingSecret, jsonBody))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindNetwork, "sync request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return apperr.Wrap(apperr.KindNetwork, "failed to read sync response", err)
	}

	var pr partnerResponse
	_ = json.Unmarshal(respBody, &pr)

	switch {
	case resp.StatusCode >= 500:
		return apperr.New(apperr.KindNetwork, fmt.Sprintf("partner returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("partner returned %d: %s", resp.StatusCode, pr.describe()))
	case pr.Success != nil && !*pr.Success:
		return backoff.Permanent(fmt.Errorf("partner rejected event: %s", pr.describe()))
	}
	return nil
}

func (p partnerResponse) describe() string {
	if p.Message != "" {
		return p.Message
	}
	if p.Error != "" {
		return p.Error
	}
	return "no message"
}
