// Package hostmsg provides transport.Runtime implementations: an HTTP
// client for a remote Event Store and an in-process loopback.
package hostmsg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/version"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to an Event Store over HTTP.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Logger
}

// Config for the HTTP client
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HealthStatus is the Event Store's /health body.
type HealthStatus struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	InstanceID string `json:"instance_id"`
}

// NewClient creates a new Event Store client
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}

	return &Client{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// ContextID returns the Event Store instance id. A restarted store reports
// a new id; an unreachable one reports ErrReceiverUnavailable.
func (c *Client) ContextID(ctx context.Context) (string, error) {
	if c.endpoint == "" {
		return "", fmt.Errorf("event store endpoint not configured: %w", transport.ErrReceiverUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classify("health check", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp.StatusCode)
	}

	var health HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return "", fmt.Errorf("failed to decode health response: %w", err)
	}
	if health.InstanceID == "" {
		return "", transport.ErrContextInvalidated
	}
	return health.InstanceID, nil
}

// SendMessage posts msg to the Event Store and returns its response.
func (c *Client) SendMessage(ctx context.Context, msg *types.Message) (*types.Response, error) {
	if c.endpoint == "" {
		return nil, fmt.Errorf("event store endpoint not configured: %w", transport.ErrReceiverUnavailable)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	url := c.endpoint + "/api/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify("send message", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, statusError(resp.StatusCode)
	}

	// The store answers every message with a Response, including rejections.
	var out types.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%s: %w", msg.Type, transport.ErrChannelClosed)
		}
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c.log.WithFields(logrus.Fields{
		"url":     url,
		"type":    msg.Type,
		"status":  resp.StatusCode,
		"success": out.Success,
	}).Debug("Message sent to event store")

	return &out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
	req.Header.Set("User-Agent", version.UserAgent())
}

// classify maps a failed round trip onto the transport's error vocabulary.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%s: %w: %v", op, transport.ErrReceiverUnavailable, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w: %v", op, transport.ErrChannelClosed, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func statusError(code int) error {
	return fmt.Errorf("unexpected status code %d: %w", code, transport.ErrReceiverUnavailable)
}
