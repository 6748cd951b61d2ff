// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
)

const (
	headerSignature      = "X-Signature"
	headerIdempotencyKey = "X-Idempotency-Key"
	headerEventType      = "X-Event-Type"
)

// webhookEnvelope is the body sent to targets. The idempotency key
// rides along so receivers can dedupe across our retries.
type webhookEnvelope struct {
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	AttemptedAt    time.Time       `json:"attempted_at"`
}

// Sender makes exactly one signed HTTP attempt per call. Retry
// scheduling belongs to the task state machine, not the transport.
type Sender struct {
	client *http.Client
	logger *slog.Logger
}

func NewSender(client *http.Client, logger *slog.Logger) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Sender{
		client: client,
		logger: logger,
	}
}

// Send posts one attempt for a task. A nil return means the target
// acknowledged with 2xx; otherwise the error is a transient or
// permanent delivery error for the state machine to act on.
func (s *Sender) Send(ctx context.Context, task domain.DeliveryTask, secret string) error {
	body, err := json.Marshal(webhookEnvelope{
		EventType:      task.EventType,
		IdempotencyKey: task.IdempotencyKey,
		Payload:        task.Payload,
		AttemptedAt:    time.Now().UTC(),
	})
	if err != nil {
		return &domain.PermanentDeliveryError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.Target, bytes.NewReader(body))
	if err != nil {
		return &domain.PermanentDeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerIdempotencyKey, task.IdempotencyKey)
	req.Header.Set(headerEventType, task.EventType)
	if sig := sign(secret, body); sig != "" {
		req.Header.Set(headerSignature, sig)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("delivery attempt transport failure",
			"task_id", task.ID,
			"target", task.Target,
			"error", err,
		)
		return classifyTransportError(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if err := classifyResponse(resp.StatusCode); err != nil {
		s.logger.Warn("delivery attempt rejected",
			"task_id", task.ID,
			"target", task.Target,
			"response_status", resp.StatusCode,
		)
		return err
	}

	s.logger.Info("delivery attempt succeeded",
		"task_id", task.ID,
		"target", task.Target,
		"response_status", resp.StatusCode,
	)
	return nil
}

func sign(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
