package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/retry"
)

const (
	HeaderEvent     = "X-Gigescrow-Event"
	HeaderTimestamp = "X-Gigescrow-Timestamp"
	HeaderSignature = "X-Gigescrow-Signature"
)

// Callback POSTs events as JSON to a single URL, signed with HMAC-SHA256
// over the body. Delivery runs in the background and is retried on
// network errors and 5xx responses.
type Callback struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
}

// NewCallback creates a callback sink. An empty url returns nil; a nil
// *Callback discards events.
func NewCallback(url, secret string, logger *slog.Logger) *Callback {
	if url == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Callback{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		logger: logger,
	}
}

// Notify schedules delivery and returns immediately.
func (cb *Callback) Notify(_ context.Context, ev Event) {
	if cb == nil {
		return
	}
	go cb.deliver(ev)
}

func (cb *Callback) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		cb.logger.Warn("notification marshal failed", "event", ev.Type, "error", err)
		return
	}

	err = retry.Do(ctx, cb.policy, func(ctx context.Context) error {
		return cb.send(ctx, ev, payload)
	})
	result := "delivered"
	if err != nil {
		result = "failed"
		cb.logger.Warn("notification delivery failed", "event", ev.Type, "profile", ev.ProfileID, "error", err)
	}
	metrics.NotificationsTotal.WithLabelValues(string(ev.Type), result).Inc()
}

func (cb *Callback) send(ctx context.Context, ev Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if cb.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, cb.secret))
	}

	resp, err := cb.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
