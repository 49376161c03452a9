package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// HTTPDoer is the interface for executing HTTP requests. Satisfied by
// *http.Client; tests substitute a stub.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SparkPostClient sends emails via the SparkPost Transmissions API.
// The HTTP client timeout bounds each provider call independently of any
// retry backoff the dispatcher applies around it.
type SparkPostClient struct {
	apiKey  string
	baseURL string
	http    HTTPDoer
}

// NewSparkPostClient creates a client targeting the SparkPost v1 API.
// A bare-host base URL gets the /api/v1 path appended so a config value
// like "https://api.sparkpost.com" still reaches the versioned endpoints.
func NewSparkPostClient(apiKey, baseURL string, timeout time.Duration) *SparkPostClient {
	if baseURL == "" {
		baseURL = "https://api.sparkpost.com/api/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/api/v1") {
		baseURL += "/api/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SparkPostClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Send delivers a single email through SparkPost.
func (c *SparkPostClient) Send(ctx context.Context, msg *domain.OutboundMessage) (*SendReceipt, error) {
	if c.apiKey == "" {
		return nil, &Error{Code: "config", Retryable: false, Message: "SparkPost API key not configured"}
	}

	transmission := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": msg.Email}},
		},
		"content": map[string]interface{}{
			"from":    map[string]string{"email": msg.FromEmail, "name": msg.FromName},
			"subject": msg.Subject,
			"html":    msg.HTMLContent,
			"text":    msg.TextContent,
			"headers": msg.Headers,
		},
		"metadata": map[string]interface{}{
			"campaign_id":  msg.CampaignID,
			"recipient_id": msg.RecipientID,
		},
	}
	if msg.ReplyTo != "" {
		content := transmission["content"].(map[string]interface{})
		content["reply_to"] = msg.ReplyTo
	}

	jsonData, err := json.Marshal(transmission)
	if err != nil {
		return nil, fmt.Errorf("marshal transmission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transmissions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransportError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		perr := NewHTTPError("sparkpost", resp.StatusCode, string(body))
		if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
			perr.RetryAfter = d
		}
		return nil, perr
	}

	var result struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, NewHTTPError("sparkpost", resp.StatusCode, "unparseable response body")
	}

	logger.Debug("sparkpost send accepted", "email", msg.Email, "provider_message_id", result.Results.ID)

	return &SendReceipt{
		ProviderMessageID: result.Results.ID,
		AcceptedAt:        time.Now(),
	}, nil
}

// parseRetryAfter handles the delta-seconds form of a Retry-After header.
// The HTTP-date form is rare on provider APIs and is ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
