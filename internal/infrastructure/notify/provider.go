// Package notify delivers review notifications through the provider's
// webhook API. Every send carries the deterministic notification token as an
// Idempotency-Key header so the provider collapses duplicate submissions,
// and token lookup lets the deliverer resolve ambiguous outbox rows without
// resending.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/reviewpipe/reviewpipe/internal/application/worker"
	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// maxResponseBytes caps how much of a provider response is read. Responses
// are single-id acknowledgments; anything larger is an upstream bug.
const maxResponseBytes = 64 << 10

// Provider posts notifications to the configured webhook endpoint.
type Provider struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
}

var _ worker.Provider = (*Provider)(nil)

// Config carries the webhook endpoint settings.
type Config struct {
	// BaseURL is the endpoint root, e.g. https://notify.internal. Sends go
	// to {BaseURL}/notifications.
	BaseURL string

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string

	// Timeout is a transport-level backstop; callers bound individual
	// requests through ctx. Defaults to 15s.
	Timeout time.Duration
}

// NewProvider validates cfg and returns a webhook provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("notify: base URL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("notify: invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("notify: unsupported base URL scheme %q", u.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	// Outbound calls carry trace context so provider latency shows up as a
	// child span of the delivery that caused it.
	return &Provider{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
	}, nil
}

// sendRequest is the webhook body. Field names are part of the provider
// contract and must not change without a coordinated provider rollout.
type sendRequest struct {
	Token         string `json:"token"`
	Recipient     string `json:"recipient"`
	ChangelistID  int64  `json:"changelist_id"`
	ReviewVersion int    `json:"review_version"`
	Summary       string `json:"summary"`
	FindingCount  int    `json:"finding_count"`
	ResultRef     string `json:"result_ref,omitempty"`
}

// acknowledgment is the provider's response to a send or a lookup hit.
type acknowledgment struct {
	ID string `json:"id"`
}

// Send posts the notification and returns the provider's notification id.
// The provider dedupes on the Idempotency-Key header, so resending the same
// token yields the original id rather than a second message.
func (p *Provider) Send(ctx context.Context, n worker.Notification) (string, error) {
	body, err := json.Marshal(sendRequest{
		Token:         n.Token,
		Recipient:     n.Recipient,
		ChangelistID:  n.ChangelistID,
		ReviewVersion: n.ReviewVersion,
		Summary:       n.Summary,
		FindingCount:  n.FindingCount,
		ResultRef:     n.ResultRef,
	})
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.Token)
	p.authorize(req)

	data, resp, err := p.do(ctx, req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(resp, data)
	}

	ack, err := decodeAck(data)
	if err != nil {
		return "", err
	}
	return ack.ID, nil
}

// Lookup asks the provider whether token was already delivered. A 404 means
// the token was never accepted, which is a normal answer, not an error.
func (p *Provider) Lookup(ctx context.Context, token string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/notifications/"+url.PathEscape(token), nil)
	if err != nil {
		return "", false, fmt.Errorf("build lookup request: %w", err)
	}
	p.authorize(req)

	data, resp, err := p.do(ctx, req)
	if err != nil {
		return "", false, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		ack, err := decodeAck(data)
		if err != nil {
			return "", false, err
		}
		return ack.ID, true, nil
	default:
		return "", false, classifyStatus(resp, data)
	}
}

func (p *Provider) authorize(req *http.Request) {
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}
}

// do executes req and reads the bounded body. Transport failures come back
// already classified.
func (p *Provider) do(ctx context.Context, req *http.Request) ([]byte, *http.Response, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, classifyTransport(ctx, err)
	}
	return data, resp, nil
}

func decodeAck(data []byte) (acknowledgment, error) {
	var ack acknowledgment
	if err := json.Unmarshal(data, &ack); err != nil {
		return ack, worker.NewClassified(domain.ErrorClassUpstreamInternal,
			fmt.Errorf("decode provider acknowledgment: %w", err))
	}
	if ack.ID == "" {
		return ack, worker.NewClassified(domain.ErrorClassUpstreamInternal,
			errors.New("provider acknowledgment carries no notification id"))
	}
	return ack, nil
}

// classifyStatus maps a non-2xx provider response to its error class. 422 is
// a content policy rejection and 400 an unroutable recipient; both are
// permanent per recipient. 429 carries the Retry-After floor through.
func classifyStatus(resp *http.Response, body []byte) error {
	classified := worker.ClassifiedError{
		Status:    resp.StatusCode,
		RequestID: resp.Header.Get("X-Request-Id"),
		Err:       fmt.Errorf("notify endpoint returned %d: %s", resp.StatusCode, truncate(body, 256)),
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		classified.Class = domain.ErrorClassContentPolicyReject
	case resp.StatusCode == http.StatusBadRequest:
		classified.Class = domain.ErrorClassNotFoundPermanent
	case resp.StatusCode == http.StatusUnauthorized:
		classified.Class = domain.ErrorClassAuthDenied
	case resp.StatusCode == http.StatusForbidden:
		classified.Class = domain.ErrorClassPermissionDenied
	case resp.StatusCode == http.StatusNotFound:
		classified.Class = domain.ErrorClassNotFoundPermanent
	case resp.StatusCode == http.StatusConflict:
		// Idempotency-key race: the original send is still settling on the
		// provider side. The next attempt resolves via lookup.
		classified.Class = domain.ErrorClassConflict
	case resp.StatusCode == http.StatusTooManyRequests:
		classified.Class = domain.ErrorClassRateLimited
		classified.RetryAfter = retryAfter(resp)
	case resp.StatusCode >= 500:
		classified.Class = domain.ErrorClassUpstream5xx
	default:
		classified.Class = domain.ErrorClassUpstreamInternal
	}
	return classified
}

// classifyTransport maps request-level failures: deadline expiry is
// NETWORK_TIMEOUT, a reset connection is TCP_RESET, anything else defaults
// to the retryable UPSTREAM_INTERNAL.
func classifyTransport(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return worker.NewClassified(domain.ErrorClassNetworkTimeout,
			fmt.Errorf("notify call timed out: %w", err))
	case errors.As(err, &netErr) && netErr.Timeout():
		return worker.NewClassified(domain.ErrorClassNetworkTimeout,
			fmt.Errorf("notify call timed out: %w", err))
	case errors.Is(err, syscall.ECONNRESET):
		return worker.NewClassified(domain.ErrorClassTCPReset,
			fmt.Errorf("notify connection reset: %w", err))
	default:
		return worker.NewClassified(domain.ErrorClassUpstreamInternal,
			fmt.Errorf("notify call failed: %w", err))
	}
}

// retryAfter parses the Retry-After header, accepting both delta-seconds and
// HTTP-date forms. Zero when absent or malformed.
func retryAfter(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
