package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/errs"
)

// NewTransport picks the channel for this deployment: FCM when
// credentials are configured, the webhook bridge when a URL is, and
// the log transport otherwise.
func NewTransport(ctx context.Context, cfg config.DeliveryConfig) (Transport, error) {
	switch {
	case cfg.FCMCredentialsFile != "":
		return NewFCMTransport(ctx, cfg.FCMCredentialsFile)
	case cfg.WebhookURL != "":
		return NewWebhookTransport(cfg.WebhookURL), nil
	default:
		return NewLogTransport(), nil
	}
}

// FCMTransport pushes notifications through Firebase Cloud Messaging.
// Each user listens on their own topic, so no device registry is
// needed here; clients subscribe on login.
type FCMTransport struct {
	client *messaging.Client
	mock   bool
	log    zerolog.Logger
}

// NewFCMTransport builds the FCM transport. A missing credentials file
// degrades to a mock that logs instead of sending, so development
// environments run without Firebase access.
func NewFCMTransport(ctx context.Context, credentialsPath string) (*FCMTransport, error) {
	log := config.NewLogger("fcm")

	if _, err := os.Stat(credentialsPath); os.IsNotExist(err) {
		log.Warn().
			Str("credentials_path", credentialsPath).
			Msg("FCM credentials file not found, using mock transport")
		return &FCMTransport{mock: true, log: log}, nil
	}

	opt := option.WithCredentialsFile(credentialsPath)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}

	log.Info().Msg("FCM transport initialized")
	return &FCMTransport{client: client, log: log}, nil
}

// Send pushes one payload to the user's topic
func (t *FCMTransport) Send(ctx context.Context, p Payload) error {
	if t.mock {
		t.log.Info().
			Str("topic", userTopic(p)).
			Str("message_id", p.MessageID).
			Str("title", p.Title).
			Str("body", p.Body).
			Str("priority", p.Priority).
			Msg("Mock FCM notification (not actually sent)")
		return nil
	}

	msg := &messaging.Message{
		Topic: userTopic(p),
		Notification: &messaging.Notification{
			Title: p.Title,
			Body:  p.Body,
		},
		Data: p.Data(),
	}
	if p.Priority == "high" {
		msg.Android = &messaging.AndroidConfig{Priority: "high"}
		msg.APNS = &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
		}
	}

	response, err := t.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send FCM message: %w", err)
	}

	t.log.Debug().
		Str("fcm_id", response).
		Str("message_id", p.MessageID).
		Str("topic", userTopic(p)).
		Msg("FCM notification sent")
	return nil
}

func (t *FCMTransport) Name() string {
	if t.mock {
		return "fcm_mock"
	}
	return "fcm"
}

func (t *FCMTransport) Close() error {
	t.log.Debug().Str("channel", t.Name()).Msg("FCM transport closed")
	return nil
}

// userTopic names the per-user FCM topic
func userTopic(p Payload) string {
	return "user-" + p.UserID.String()
}

// WebhookTransport posts payloads to the external chat bridge. The
// bridge renders the message for its own channel and uses MessageID to
// drop repeats.
type WebhookTransport struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewWebhookTransport(url string) *WebhookTransport {
	return &WebhookTransport{
		url:    url,
		client: &http.Client{},
		log:    config.NewLogger("webhook"),
	}
}

// Send posts the payload as JSON. Responses outside 2xx classify by
// status: 5xx and 429 earn a retry, other 4xx are permanent.
func (t *WebhookTransport) Send(ctx context.Context, p Payload) error {
	const op = "delivery.webhook.Send"

	body, err := json.Marshal(p)
	if err != nil {
		return errs.E(op, errs.InvalidInput, fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return errs.E(op, errs.InvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Message-ID", p.MessageID)

	resp, err := t.client.Do(req)
	if err != nil {
		return errs.E(op, errs.Transient, fmt.Errorf("webhook request failed: %w", err))
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		t.log.Debug().
			Int("status", resp.StatusCode).
			Str("message_id", p.MessageID).
			Msg("Webhook notification sent")
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.Errorf(op, errs.Transient, "webhook returned %d", resp.StatusCode)
	default:
		return errs.Errorf(op, errs.InvalidInput, "webhook rejected payload with %d", resp.StatusCode)
	}
}

func (t *WebhookTransport) Name() string { return "webhook" }

func (t *WebhookTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// LogTransport writes notifications to the log. The default channel
// for environments without FCM or a bridge, and the fixture for tests.
type LogTransport struct {
	log zerolog.Logger
}

func NewLogTransport() *LogTransport {
	return &LogTransport{log: config.NewLogger("log-transport")}
}

func (t *LogTransport) Send(ctx context.Context, p Payload) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	t.log.Info().
		Str("message_id", p.MessageID).
		Str("kind", p.Kind).
		Str("user_id", p.UserID.String()).
		Str("title", p.Title).
		Str("body", p.Body).
		Msg("Notification")
	return nil
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Close() error { return nil }
