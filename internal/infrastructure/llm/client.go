// Package llm submits review requests to the Anthropic Messages API and
// maps transport failures onto the pipeline's stable error classes.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/reviewpipe/reviewpipe/internal/application/worker"
	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// Client implements worker.ModelClient over the Anthropic Messages API.
//
// The response text is returned byte-for-byte: the output contract is
// enforced by the validator, never here, so a drifting model surfaces as
// validator diagnostics instead of silently patched payloads.
type Client struct {
	api           anthropic.Client
	model         anthropic.Model
	maxTokens     int64
	promptVersion string
}

var _ worker.ModelClient = (*Client)(nil)

// Config holds the client settings. PromptVersion is rendered into the
// system prompt and echoed back by the model; the validator gates on it.
type Config struct {
	APIKey        string
	Model         string
	MaxTokens     int
	PromptVersion string
}

// NewClient creates a model client. SDK-level retries are disabled: the
// work queue owns the retry budget and backoff, and double layers of
// retrying would stretch stage deadlines unpredictably.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("model api key must not be empty")
	}
	if cfg.Model == "" {
		return nil, errors.New("model name must not be empty")
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		api: anthropic.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithMaxRetries(0),
			option.WithHTTPClient(&http.Client{
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			}),
		),
		model:         anthropic.Model(cfg.Model),
		maxTokens:     maxTokens,
		promptVersion: cfg.PromptVersion,
	}, nil
}

// Review submits the redacted diff for review and returns the raw response
// text. The caller bounds the call with a context deadline.
func (c *Client) Review(ctx context.Context, req worker.ReviewRequest) ([]byte, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: c.systemPrompt()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(req))),
		},
	})
	if err != nil {
		return nil, classify(ctx, err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return []byte(out.String()), nil
}

// systemPrompt pins the output contract the validator expects. The model
// echoes the versions; drift is caught downstream as incompatible_version.
func (c *Client) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a code review system. Review the submitted changelist diff ")
	b.WriteString("and respond with a single JSON document and nothing else.\n\n")
	b.WriteString("The document must have this shape:\n")
	b.WriteString(`{"schema_version": "1.0", "prompt_version": "`)
	b.WriteString(c.promptVersion)
	b.WriteString(`", "summary": "<one paragraph>", "findings": [{` + "\n")
	b.WriteString(`  "id": "<stable id>", "severity": "critical|high|medium|low|info",` + "\n")
	b.WriteString(`  "category": "correctness|security|performance|reliability|maintainability|style|test",` + "\n")
	b.WriteString(`  "title": "<short>", "file": "<path from the changed file list>",` + "\n")
	b.WriteString(`  "line": <int >= 1>, "end_line": <optional int>, "message": "<explanation>",` + "\n")
	b.WriteString(`  "suggestion": "<optional fix>", "confidence": "high|medium|low"}]}` + "\n\n")
	b.WriteString("Only report findings in the changed files. Use forward slashes in paths. ")
	b.WriteString("Return an empty findings array when the change is clean.")
	return b.String()
}

func userPrompt(req worker.ReviewRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Changelist %d (review version %d).\n\nChanged files:\n", req.ChangelistID, req.ReviewVersion)
	for _, f := range req.ChangedFiles {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteByte('\n')
	}
	b.WriteString("\nDiff:\n")
	b.WriteString(req.Diff)
	return b.String()
}

// classify maps an SDK failure to its error class. Status mapping:
// 429 is RATE_LIMITED with the Retry-After floor, 5xx (including 529
// overloaded) is UPSTREAM_5XX, 401/403/404 are the permanent credential and
// reference classes, and a context deadline is NETWORK_TIMEOUT. Anything
// unrecognized defaults to UPSTREAM_INTERNAL so unknown transients retry.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return worker.NewClassified(domain.ErrorClassNetworkTimeout,
			fmt.Errorf("model call timed out: %w", err))
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return worker.NewClassified(domain.ErrorClassUpstreamInternal,
			fmt.Errorf("model call failed: %w", err))
	}

	classified := worker.ClassifiedError{
		Status: apiErr.StatusCode,
		Err:    fmt.Errorf("model api status %d: %w", apiErr.StatusCode, err),
	}
	if apiErr.Response != nil {
		classified.RequestID = apiErr.Response.Header.Get("request-id")
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		classified.Class = domain.ErrorClassRateLimited
		classified.RetryAfter = retryAfter(apiErr.Response)
	case apiErr.StatusCode >= 500:
		classified.Class = domain.ErrorClassUpstream5xx
	case apiErr.StatusCode == http.StatusUnauthorized:
		classified.Class = domain.ErrorClassAuthDenied
	case apiErr.StatusCode == http.StatusForbidden:
		classified.Class = domain.ErrorClassPermissionDenied
	case apiErr.StatusCode == http.StatusNotFound:
		classified.Class = domain.ErrorClassNotFoundPermanent
	default:
		classified.Class = domain.ErrorClassUpstreamInternal
	}
	return classified
}

// retryAfter parses the Retry-After header, accepting both delta-seconds
// and HTTP-date forms. Zero when absent or malformed.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
