// Package messaging is the HTTP client for the chat-message gateway used to
// deliver video links.
package messaging

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/jwalitptl/videocast-api/internal/provider"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

type Client struct {
	transport *provider.Transport
}

var _ provider.MessagingProvider = (*Client)(nil)

func NewClient(cfg provider.TransportConfig, token string, log *logger.Logger, m *metrics.Metrics) *Client {
	cfg.Name = "messaging"
	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	cfg.Headers = headers
	return &Client{transport: provider.NewTransport(cfg, log, m)}
}

type sendRequest struct {
	To   string `json:"to"`
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Sent    *bool  `json:"sent"`
	Message string `json:"message"`
}

// Send never returns an error for a provider refusal; that comes back as
// Accepted=false so callers can record the reason on the item.
func (c *Client) Send(ctx context.Context, address, text string) (provider.SendResult, error) {
	var resp messageResponse
	err := c.transport.Do(ctx, "send", http.MethodPost, "/messages", sendRequest{
		To:   NormalizeAddress(address),
		Type: "text",
		Text: text,
	}, &resp)
	if err != nil {
		if provider.IsRejection(err) {
			return provider.SendResult{Accepted: false, Reason: provider.ErrorMessage(err)}, nil
		}
		return provider.SendResult{}, err
	}

	status := strings.ToLower(strings.TrimSpace(resp.Status))
	rejected := (resp.Sent != nil && !*resp.Sent) || status == "rejected" || status == "failed"
	if rejected || resp.ID == "" {
		reason := resp.Message
		if reason == "" && status != "" {
			reason = "message " + status
		}
		if reason == "" {
			reason = "messaging provider returned no message id"
		}
		return provider.SendResult{Accepted: false, Status: status, Reason: reason}, nil
	}
	if status == "" {
		status = "sent"
	}
	return provider.SendResult{MessageID: resp.ID, Accepted: true, Status: status}, nil
}

func (c *Client) GetStatus(ctx context.Context, messageID string) (string, error) {
	var resp messageResponse
	if err := c.transport.Do(ctx, "get_status", http.MethodGet, "/messages/"+url.PathEscape(messageID), nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *Client) CheckAddressRegistered(ctx context.Context, address string) (bool, error) {
	var resp struct {
		Registered bool   `json:"registered"`
		Status     string `json:"status"`
	}
	body := map[string]string{"address": NormalizeAddress(address)}
	if err := c.transport.Do(ctx, "check_address", http.MethodPost, "/contacts/check", body, &resp); err != nil {
		return false, err
	}
	return resp.Registered || strings.EqualFold(resp.Status, "valid"), nil
}

// NormalizeAddress strips formatting characters from phone-style addresses.
func NormalizeAddress(address string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(address) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			// Non-phone addresses pass through untouched.
			return strings.TrimSpace(address)
		}
	}
	return b.String()
}
