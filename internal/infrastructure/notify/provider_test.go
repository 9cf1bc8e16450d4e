package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/application/worker"
	"github.com/reviewpipe/reviewpipe/internal/domain"
)

var testNotification = worker.Notification{
	Token:         "4f2d1c0b",
	Recipient:     "alice@example.com",
	ChangelistID:  42,
	ReviewVersion: 2,
	Summary:       "2 findings",
	FindingCount:  2,
	ResultRef:     "jobs/j1/result.json",
}

func newProvider(t *testing.T, handler http.HandlerFunc, authToken string) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewProvider(Config{BaseURL: srv.URL, AuthToken: authToken, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p
}

func TestSend_PostsIdempotentNotification(t *testing.T) {
	var got *http.Request
	var body sendRequest
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "nid-7"}`)
	}, "secret-token")

	id, err := p.Send(context.Background(), testNotification)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "nid-7" {
		t.Errorf("expected provider id nid-7, got %q", id)
	}

	if got.Method != http.MethodPost || got.URL.Path != "/notifications" {
		t.Errorf("expected POST /notifications, got %s %s", got.Method, got.URL.Path)
	}
	if k := got.Header.Get("Idempotency-Key"); k != testNotification.Token {
		t.Errorf("idempotency key must be the notification token, got %q", k)
	}
	if a := got.Header.Get("Authorization"); a != "Bearer secret-token" {
		t.Errorf("expected bearer auth, got %q", a)
	}
	if ct := got.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected json content type, got %q", ct)
	}

	if body.Token != testNotification.Token ||
		body.Recipient != testNotification.Recipient ||
		body.ChangelistID != 42 ||
		body.ReviewVersion != 2 ||
		body.FindingCount != 2 {
		t.Errorf("body does not carry the notification: %+v", body)
	}
}

func TestSend_NoAuthHeaderWithoutToken(t *testing.T) {
	var auth string
	var present bool
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		auth, present = r.Header.Get("Authorization"), r.Header.Get("Authorization") != ""
		fmt.Fprint(w, `{"id": "nid-1"}`)
	}, "")

	if _, err := p.Send(context.Background(), testNotification); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if present {
		t.Errorf("no auth token configured but Authorization was sent: %q", auth)
	}
}

func TestSend_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   domain.ErrorClass
	}{
		{name: "content policy", status: 422, want: domain.ErrorClassContentPolicyReject},
		{name: "unroutable recipient", status: 400, want: domain.ErrorClassNotFoundPermanent},
		{name: "bad credentials", status: 401, want: domain.ErrorClassAuthDenied},
		{name: "forbidden", status: 403, want: domain.ErrorClassPermissionDenied},
		{name: "endpoint gone", status: 404, want: domain.ErrorClassNotFoundPermanent},
		{name: "idempotency race", status: 409, want: domain.ErrorClassConflict},
		{name: "rate limited", status: 429, want: domain.ErrorClassRateLimited},
		{name: "bad gateway", status: 502, want: domain.ErrorClassUpstream5xx},
		{name: "service down", status: 503, want: domain.ErrorClassUpstream5xx},
		{name: "teapot", status: 418, want: domain.ErrorClassUpstreamInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error": "nope"}`)
			}, "")

			_, err := p.Send(context.Background(), testNotification)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := worker.Classify(err); got != tt.want {
				t.Errorf("expected %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}

func TestSend_RateLimitCarriesRetryAfter(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}, "")

	_, err := p.Send(context.Background(), testNotification)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := worker.RetryAfterHint(err); got != 12*time.Second {
		t.Errorf("expected 12s retry-after hint, got %v", got)
	}
}

func TestSend_RejectsAckWithoutID(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}, "")

	_, err := p.Send(context.Background(), testNotification)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := worker.Classify(err); got != domain.ErrorClassUpstreamInternal {
		t.Errorf("expected UPSTREAM_INTERNAL, got %s", got)
	}
}

func TestSend_DeadlineIsNetworkTimeout(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, `{"id": "nid-1"}`)
	}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Send(ctx, testNotification)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := worker.Classify(err); got != domain.ErrorClassNetworkTimeout {
		t.Errorf("expected NETWORK_TIMEOUT, got %s (%v)", got, err)
	}
}

func TestLookup_DeliveredAndNotFound(t *testing.T) {
	var path string
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		switch r.URL.Path {
		case "/notifications/known-token":
			fmt.Fprint(w, `{"id": "nid-9"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, "")

	id, found, err := p.Lookup(context.Background(), "known-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || id != "nid-9" {
		t.Errorf("expected (nid-9, true), got (%q, %v)", id, found)
	}
	if path != "/notifications/known-token" {
		t.Errorf("unexpected lookup path %q", path)
	}

	id, found, err = p.Lookup(context.Background(), "unsent-token")
	if err != nil {
		t.Fatalf("a lookup miss is not an error: %v", err)
	}
	if found || id != "" {
		t.Errorf("expected a miss, got (%q, %v)", id, found)
	}
}

func TestLookup_ServerFailureIsClassified(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, "")

	_, _, err := p.Lookup(context.Background(), "tok")
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := worker.Classify(err); got != domain.ErrorClassUpstream5xx {
		t.Errorf("expected UPSTREAM_5XX, got %s", got)
	}
}

func TestClassifyTransport_ConnectionReset(t *testing.T) {
	reset := &net.OpError{
		Op:  "read",
		Err: os.NewSyscallError("read", syscall.ECONNRESET),
	}
	err := classifyTransport(context.Background(), reset)
	if got := worker.Classify(err); got != domain.ErrorClassTCPReset {
		t.Errorf("expected TCP_RESET, got %s", got)
	}

	err = classifyTransport(context.Background(), errors.New("mystery"))
	if got := worker.Classify(err); got != domain.ErrorClassUpstreamInternal {
		t.Errorf("unknown transport failures must stay retryable, got %s", got)
	}
}

func TestNewProvider_Validation(t *testing.T) {
	if _, err := NewProvider(Config{}); err == nil {
		t.Error("missing base URL must be rejected")
	}
	if _, err := NewProvider(Config{BaseURL: "ftp://host"}); err == nil {
		t.Error("non-http scheme must be rejected")
	}
	p, err := NewProvider(Config{BaseURL: "https://notify.internal/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.baseURL != "https://notify.internal" {
		t.Errorf("trailing slash must be trimmed, got %q", p.baseURL)
	}
	if p.httpClient.Timeout != 15*time.Second {
		t.Errorf("expected default 15s timeout, got %v", p.httpClient.Timeout)
	}
}
