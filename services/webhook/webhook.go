// Package webhook posts signed copy status updates to per-copy callback URLs.
package webhook

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
	"unicode/utf16"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"dbcopier/pkg/copyerr"
	"dbcopier/pkg/telemetry"
	"dbcopier/services/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

// TimeFormat is ISO-8601 with a numeric offset, e.g. 2024-05-01T10:00:00+00:00.
const TimeFormat = "2006-01-02T15:04:05-07:00"

const (
	defaultAttempts = 3
	defaultBackoff  = time.Second
)

// Payload is the wire body. Field order is part of the signed contract.
type Payload struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
	Error      *string `json:"error"`
}

// PayloadFor snapshots c.
func PayloadFor(c store.Copy) Payload {
	return Payload{
		ID:         c.ID,
		Status:     string(c.Status),
		StartedAt:  formatTime(c.StartedAt),
		FinishedAt: formatTime(c.FinishedAt),
		Error:      c.LastError,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(TimeFormat)
	return &s
}

// Encode renders p as compact JSON: slashes and HTML characters are left
// as is and every non-ASCII character is written as a \u escape.
func Encode(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return asciiOnly(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

func asciiOnly(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		b = b[size:]
		if r < utf8.RuneSelf {
			out = append(out, byte(r))
			continue
		}
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			out = appendEscape(out, hi)
			out = appendEscape(out, lo)
			continue
		}
		out = appendEscape(out, r)
	}
	return out
}

func appendEscape(out []byte, r rune) []byte {
	const hexDigits = "0123456789abcdef"
	return append(out, '\\', 'u',
		hexDigits[(r>>12)&0xF], hexDigits[(r>>8)&0xF], hexDigits[(r>>4)&0xF], hexDigits[r&0xF])
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Notifier delivers copy status webhooks. Delivery problems are logged and
// counted, never returned.
type Notifier struct {
	secret   string
	client   *http.Client
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	attempts uint64
	backoff  time.Duration
}

// Option customises a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l zerolog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithRetry sets the total attempt count and the fixed pause between them.
func WithRetry(attempts uint64, backoff time.Duration) Option {
	return func(n *Notifier) {
		if attempts > 0 {
			n.attempts = attempts
		}
		if backoff > 0 {
			n.backoff = backoff
		}
	}
}

// New returns a Notifier signing with secret. An empty secret disables
// delivery.
func New(secret string, opts ...Option) *Notifier {
	n := &Notifier{
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   zerolog.Nop(),
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify posts the current state of c to its callback URL.
func (n *Notifier) Notify(ctx context.Context, c store.Copy) {
	if n == nil {
		return
	}
	if c.CallbackURL == "" || n.secret == "" {
		n.metrics.WebhookDelivered("skipped")
		return
	}

	if err := n.deliver(ctx, c); err != nil {
		n.metrics.WebhookDelivered("failed")
		n.logger.Warn().
			Err(err).
			Str("copy_id", c.ID).
			Str("status", string(c.Status)).
			Msg("webhook delivery failed")
		return
	}
	n.metrics.WebhookDelivered("ok")
}

func (n *Notifier) deliver(ctx context.Context, c store.Copy) error {
	body, err := Encode(PayloadFor(c))
	if err != nil {
		return copyerr.Wrap(copyerr.Notification, err, "encode payload")
	}
	signature := Sign(body, n.secret)

	backoff := retry.WithMaxRetries(n.attempts-1, retry.NewConstant(n.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(n.post(ctx, c.CallbackURL, body, signature))
	})
	if err != nil {
		return copyerr.Wrap(copyerr.Notification, err, "post %s", c.CallbackURL)
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return nil
}
