package notification

import (
	"context"
	"fmt"
	"strings"

	rh "github.com/hashicorp/go-retryablehttp"

	"github.com/blankon/irgsh-composer/pkg/httputil"
)

// WebhookPayload represents the notification payload sent to webhook
type WebhookPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// WebhookPublisher posts a short human readable summary of each message.
type WebhookPublisher struct {
	URL    string
	Client *rh.Client
}

func NewWebhookPublisher(url string) *WebhookPublisher {
	return &WebhookPublisher{URL: url, Client: httputil.NewRetryClient(3)}
}

func (p *WebhookPublisher) Publish(ctx context.Context, msg Message) error {
	if p.URL == "" {
		return nil
	}
	if err := httputil.PostJSON(ctx, p.Client, p.URL, webhookPayload(msg)); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func webhookPayload(msg Message) WebhookPayload {
	title := "IRGSH " + strings.ReplaceAll(msg.Topic, ".", " ")

	emoji := ""
	if body, ok := msg.Body.(ComposeCompleteBody); ok {
		if body.Success {
			emoji = " ✅"
		} else {
			emoji = " ❌"
		}
	}
	return WebhookPayload{Title: title, Message: "📦 " + msg.Summary + emoji}
}
