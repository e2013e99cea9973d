package tasks

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
	"time"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

const (
	TypeAlertDelivery = "alert:deliver"
)

type AlertPayload struct {
	Event     string    `json:"event"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAlertDeliveryTask creates a task that posts data to the operator webhook.
func NewAlertDeliveryTask(event string, data []byte) (*asynq.Task, error) {
	payload, err := json.Marshal(AlertPayload{
		Event:     event,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAlertDelivery, payload, asynq.MaxRetry(5), asynq.Timeout(20*time.Second)), nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// AlertTaskHandler delivers alert payloads to a single webhook URL.
type AlertTaskHandler struct {
	url    string
	secret string
	client *http.Client
}

func NewAlertTaskHandler(url, secret string) *AlertTaskHandler {
	return &AlertTaskHandler{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *AlertTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p AlertPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if h.url == "" {
		zlog.Warn().Str("event", p.Event).Msg("Alert webhook not configured, dropping alert")
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"event":      p.Event,
		"created_at": p.CreatedAt,
		"data":       json.RawMessage(p.Data),
	})
	if err != nil {
		return fmt.Errorf("encode alert body: %v: %w", err, asynq.SkipRetry)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-IPTracker-Event", p.Event)

	retryCount, _ := asynq.GetRetryCount(ctx)
	req.Header.Set("X-IPTracker-Attempt", fmt.Sprintf("%d", retryCount+1))

	if h.secret != "" {
		req.Header.Set("X-IPTracker-Signature", Sign(h.secret, body))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		zlog.Warn().Err(err).Str("event", p.Event).Int("attempt", retryCount+1).Msg("Alert delivery failed")
		return fmt.Errorf("request failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		zlog.Warn().Int("status", resp.StatusCode).Str("event", p.Event).Int("attempt", retryCount+1).Msg("Alert webhook rejected delivery")
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}

	zlog.Debug().Str("event", p.Event).Int("status", resp.StatusCode).Msg("Alert delivered")
	return nil
}
