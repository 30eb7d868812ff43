// Package store is the mTLS HTTP client for the record store, the external
// system of record envelopes are delivered to. This core never interprets
// payloads; it only moves them and reports status.
package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alirezakavianifar/message-broker-sub002/internal/envelope"
	"github.com/alirezakavianifar/message-broker-sub002/pkg/logging"
)

// Client talks to the record store. Deliver must be idempotent on the store
// side (dedup by message id): a timed-out request may have been applied.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logging.Logger
}

// Options configures a Client.
type Options struct {
	// TLSConfig carries the worker's client certificate; nil means plain
	// HTTP, which only makes sense in tests.
	TLSConfig *tls.Config
	Timeout   time.Duration
	Logger    *logging.Logger
}

// NewClient validates the base URL and builds the transport. The circuit
// breaker guards only the best-effort register path; delivery retries are the
// worker pool's policy, not the transport's.
func NewClient(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid store URL %q", baseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.Config{})
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = opts.TLSConfig

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "store-register",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
	})

	return &Client{
		baseURL: u,
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		breaker: breaker,
		logger:  opts.Logger.WithComponent("store_client"),
	}, nil
}

// registerRequest is the canonical record the gateway registers after a
// successful enqueue.
type registerRequest struct {
	MessageID         string `json:"message_id"`
	ClientID          string `json:"client_id"`
	SenderFingerprint string `json:"sender_fingerprint"`
	PayloadRef        string `json:"payload_ref"`
	Domain            string `json:"domain"`
}

// Register creates the canonical record for a freshly enqueued envelope.
// Best-effort: callers treat failure as retryable, and the breaker sheds load
// while the store is down.
func (c *Client) Register(ctx context.Context, env *envelope.Envelope) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, "/api/v1/records", registerRequest{
			MessageID:         env.MessageID,
			ClientID:          env.ClientID,
			SenderFingerprint: env.SenderFingerprint,
			PayloadRef:        env.PayloadRef,
			Domain:            env.Domain,
		})
	})
	return err
}

type deliverRequest struct {
	PayloadRef string `json:"payload_ref"`
}

// Deliver hands the payload to the store. Any non-2xx response or transport
// error is a transient delivery failure; the worker's retry policy decides
// what happens next.
func (c *Client) Deliver(ctx context.Context, messageID, payloadRef string) error {
	return c.post(ctx, "/api/v1/records/"+url.PathEscape(messageID)+"/deliver",
		deliverRequest{PayloadRef: payloadRef})
}

type statusRequest struct {
	Status       string `json:"status"`
	AttemptCount uint   `json:"attempt_count"`
	Error        string `json:"error,omitempty"`
}

// UpdateStatus reports a terminal (or retrying) envelope status to the store.
func (c *Client) UpdateStatus(ctx context.Context, messageID string, status envelope.Status, attempts uint, errMsg string) error {
	return c.post(ctx, "/api/v1/records/"+url.PathEscape(messageID)+"/status",
		statusRequest{Status: string(status), AttemptCount: attempts, Error: errMsg})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal store request: %w", err)
	}

	u := *c.baseURL
	u.Path, err = url.JoinPath(c.baseURL.Path, path)
	if err != nil {
		return fmt.Errorf("build store URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build store request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("store request %s: %w", path, err)
	}
	defer resp.Body.Close()
	// Drain so the transport can reuse the connection.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("store request %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
