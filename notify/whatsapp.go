package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/diariolab/gazeta/settings"
	"github.com/diariolab/gazeta/vtq"
)

// WhatsAppSender delivers one WhatsApp message and returns the provider's
// message ID when available.
type WhatsAppSender interface {
	SendWhatsApp(ctx context.Context, phone, message string) (providerID string, err error)
}

// WhatsAppClient posts messages to a WhatsApp gateway webhook. The gateway
// URL and bearer token are resolved on every send, so settings-backed
// clients pick up admin changes without a restart.
type WhatsAppClient struct {
	creds func(ctx context.Context) (url, token string)
	HTTP  *http.Client
}

// NewWhatsAppClient creates a client with a fixed gateway URL and bearer
// token.
func NewWhatsAppClient(url, token string) *WhatsAppClient {
	return &WhatsAppClient{
		creds: func(context.Context) (string, string) { return url, token },
		HTTP:  &http.Client{Timeout: 30 * time.Second},
	}
}

// NewWhatsAppClientFromSettings creates a client that reads the gateway
// URL and token from settings on every send. A PUT on the settings API
// takes effect on the next delivery.
func NewWhatsAppClientFromSettings(cfg *settings.Service) *WhatsAppClient {
	return &WhatsAppClient{
		creds: func(ctx context.Context) (string, string) {
			url, _ := cfg.Get(ctx, settings.KeyWhatsAppWebhookURL)
			token, _ := cfg.Get(ctx, settings.KeyWhatsAppToken)
			return url, token
		},
		HTTP: &http.Client{Timeout: 30 * time.Second},
	}
}

type whatsAppRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
	IsGroup bool   `json:"isGroup"`
}

type whatsAppResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// SendWhatsApp posts one message to the gateway. Gateway 4xx responses
// are terminal (the request will never succeed as-is); 5xx and transport
// errors are transient and worth retrying.
func (c *WhatsAppClient) SendWhatsApp(ctx context.Context, phone, message string) (string, error) {
	url, token := c.creds(ctx)
	if url == "" {
		return "", fmt.Errorf("notify: whatsapp webhook url not configured: %w", vtq.ErrTerminal)
	}

	body, err := json.Marshal(whatsAppRequest{Phone: phone, Message: message})
	if err != nil {
		return "", fmt.Errorf("notify: marshal whatsapp request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("notify: build whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("notify: whatsapp gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var parsed whatsAppResponse
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return parsed.MessageID, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("notify: whatsapp gateway rejected (%d %s): %w",
			resp.StatusCode, gatewayError(parsed, raw), vtq.ErrTerminal)
	default:
		return "", fmt.Errorf("notify: whatsapp gateway error (%d %s)",
			resp.StatusCode, gatewayError(parsed, raw))
	}
}

func gatewayError(parsed whatsAppResponse, raw []byte) string {
	if parsed.Error != "" {
		return parsed.Error
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}

// IsTerminal reports whether a delivery error is not worth retrying.
func IsTerminal(err error) bool {
	return errors.Is(err, vtq.ErrTerminal)
}
