package incident

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/containrrr/shoutrrr"

	"boundary-soar/internal/logging"
)

// Notifier delivers an incident to one stakeholder.
type Notifier interface {
	Notify(ctx context.Context, to Stakeholder, inc *Incident) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, to Stakeholder, inc *Incident) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, to Stakeholder, inc *Incident) error {
	return f(ctx, to, inc)
}

// FormatMessage renders a plain-text notification for an incident.
func FormatMessage(inc *Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(string(inc.Severity)), inc.Title)
	fmt.Fprintf(&b, "Incident: %s\nCategory: %s\nStatus: %s\n", inc.ID, inc.Category, inc.Status)
	if inc.EscalatedTo != "" {
		fmt.Fprintf(&b, "Escalated to: %s (level %d)\n", inc.EscalatedTo, inc.EscalationLevel)
	}
	if inc.IPAddress != "" {
		fmt.Fprintf(&b, "IP: %s\n", inc.IPAddress)
	}
	if inc.Description != "" {
		b.WriteString(inc.Description)
	}
	return b.String()
}

// ShoutrrrNotifier sends to service URLs understood by shoutrrr
// (slack://, discord://, teams://, smtp://, telegram:// ...).
type ShoutrrrNotifier struct{}

// Notify implements Notifier.
func (ShoutrrrNotifier) Notify(_ context.Context, to Stakeholder, inc *Incident) error {
	if err := shoutrrr.Send(to.Contact, FormatMessage(inc)); err != nil {
		return fmt.Errorf("shoutrrr send to %s: %w", to.ID, err)
	}
	return nil
}

// WebhookNotifier posts the incident as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	headers map[string]string
	client  *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(headers map[string]string) *WebhookNotifier {
	return &WebhookNotifier{
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Stakeholder string    `json:"stakeholder"`
	Incident    *Incident `json:"incident"`
	Message     string    `json:"message"`
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, to Stakeholder, inc *Incident) error {
	payload, err := json.Marshal(webhookPayload{
		Stakeholder: to.ID,
		Incident:    inc,
		Message:     FormatMessage(inc),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, to.Contact, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Router picks a transport from the stakeholder's contact URL: http(s)
// contacts get a JSON webhook, other URLs go through shoutrrr, and an empty
// contact is only logged.
type Router struct {
	Webhook  Notifier
	Shoutrrr Notifier
}

// NewRouter creates a router with default transports.
func NewRouter(webhookHeaders map[string]string) *Router {
	return &Router{
		Webhook:  NewWebhookNotifier(webhookHeaders),
		Shoutrrr: ShoutrrrNotifier{},
	}
}

// Notify implements Notifier.
func (r *Router) Notify(ctx context.Context, to Stakeholder, inc *Incident) error {
	switch {
	case to.Contact == "":
		slog.Info("stakeholder has no contact, notification logged only",
			"stakeholder", to.ID, "incident_id", inc.ID, "severity", inc.Severity)
		return nil
	case strings.HasPrefix(to.Contact, "http://"), strings.HasPrefix(to.Contact, "https://"):
		return r.Webhook.Notify(ctx, to, inc)
	default:
		return r.Shoutrrr.Notify(ctx, to, inc)
	}
}

// logNotifyFailure records a delivery failure without exposing credentials
// embedded in the contact URL.
func logNotifyFailure(to Stakeholder, inc *Incident, err error) {
	slog.Error("stakeholder notification failed",
		"stakeholder", to.ID,
		"contact", logging.MaskURL(to.Contact),
		"incident_id", inc.ID,
		"error", err,
	)
}
