package perforce

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/application/worker"
	"github.com/reviewpipe/reviewpipe/internal/domain"
)

type auditSink struct {
	events []*domain.AuditEvent
}

func (a *auditSink) RecordAudit(_ context.Context, event *domain.AuditEvent) error {
	a.events = append(a.events, event)
	return nil
}

type p4Call struct {
	bin  string
	args []string
}

func newTestFetcher(t *testing.T, allowlist []string, audit AuditRecorder) *Fetcher {
	t.Helper()
	f, err := NewFetcher("/usr/local/bin/p4", allowlist, time.Second, audit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return f
}

func TestFetch_InvokesArgumentVector(t *testing.T) {
	var calls []p4Call
	f := newTestFetcher(t, []string{"//depot/project/..."}, nil)
	f.run = func(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
		calls = append(calls, p4Call{bin: bin, args: args})
		if args[0] == "-ztag" {
			return []byte("... depotFile0 //depot/project/main.go\n... depotFile1 //depot/project/util.go\n"), nil, nil
		}
		return []byte("==== //depot/project/main.go#3 ====\n@@ -1 +1 @@\n"), nil, nil
	}

	res, err := f.Fetch(context.Background(), 123)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantFiles := []string{"//depot/project/main.go", "//depot/project/util.go"}
	if !reflect.DeepEqual(res.ChangedFiles, wantFiles) {
		t.Errorf("expected files %v, got %v", wantFiles, res.ChangedFiles)
	}
	if !strings.Contains(string(res.Diff), "@@ -1 +1 @@") {
		t.Errorf("expected diff text, got %q", res.Diff)
	}

	wantCalls := []p4Call{
		{bin: "/usr/local/bin/p4", args: []string{"-ztag", "describe", "-s", "123"}},
		{bin: "/usr/local/bin/p4", args: []string{"describe", "-du", "123"}},
	}
	if !reflect.DeepEqual(calls, wantCalls) {
		t.Errorf("expected calls %v, got %v", wantCalls, calls)
	}
}

func TestFetch_DeniesPathOutsideAllowlist(t *testing.T) {
	audit := &auditSink{}
	var calls int
	f := newTestFetcher(t, []string{"//depot/project/..."}, audit)
	f.run = func(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
		calls++
		return []byte("... depotFile0 //depot/project/main.go\n... depotFile1 //depot/other/secret.txt\n"), nil, nil
	}

	_, err := f.Fetch(context.Background(), 456)
	if err == nil {
		t.Fatal("expected a denial")
	}
	if got := worker.Classify(err); got != domain.ErrorClassPermissionDenied {
		t.Errorf("expected PERMISSION_DENIED, got %s", got)
	}
	if calls != 1 {
		t.Errorf("no diff may be pulled after a denial, got %d invocations", calls)
	}

	if len(audit.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(audit.events))
	}
	event := audit.events[0]
	if event.Kind != domain.AuditAllowlistDenied {
		t.Errorf("expected allowlist_denied, got %s", event.Kind)
	}
	if event.Actor != "fetcher" {
		t.Errorf("expected actor fetcher, got %q", event.Actor)
	}
	var detail map[string]any
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		t.Fatalf("detail is not JSON: %v", err)
	}
	if detail["path"] != "//depot/other/secret.txt" {
		t.Errorf("expected denied path in detail, got %v", detail["path"])
	}
	if detail["reason"] != "fetched_path_not_allowed" {
		t.Errorf("unexpected reason %v", detail["reason"])
	}
}

func TestFetch_UnknownChangelistIsPermanent(t *testing.T) {
	f := newTestFetcher(t, []string{"//depot/..."}, nil)
	f.run = func(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
		return nil, []byte("Change 999 unknown.\n"), errors.New("exit status 1")
	}

	_, err := f.Fetch(context.Background(), 999)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := worker.Classify(err); got != domain.ErrorClassNotFoundPermanent {
		t.Errorf("expected NOT_FOUND_PERMANENT, got %s", got)
	}
}

func TestFetch_ExitFailureIsUpstreamInternal(t *testing.T) {
	f := newTestFetcher(t, []string{"//depot/..."}, nil)
	f.run = func(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
		return nil, []byte("Perforce password (P4PASSWD) invalid or unset.\n"), errors.New("exit status 1")
	}

	_, err := f.Fetch(context.Background(), 7)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := worker.Classify(err); got != domain.ErrorClassUpstreamInternal {
		t.Errorf("expected UPSTREAM_INTERNAL, got %s", got)
	}
}

func TestFetch_TimeoutIsNetworkTimeout(t *testing.T) {
	f := newTestFetcher(t, []string{"//depot/..."}, nil)
	f.run = func(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
		return nil, nil, context.DeadlineExceeded
	}

	_, err := f.Fetch(context.Background(), 7)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := worker.Classify(err); got != domain.ErrorClassNetworkTimeout {
		t.Errorf("expected NETWORK_TIMEOUT, got %s", got)
	}
}

func TestNewFetcher_RejectsMalformedAllowlist(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
	}{
		{name: "empty list", allowlist: nil},
		{name: "blank entry", allowlist: []string{"   "}},
		{name: "missing depot prefix", allowlist: []string{"depot/project/..."}},
		{name: "embedded wildcard", allowlist: []string{"//depot/.../src"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFetcher("/usr/local/bin/p4", tt.allowlist, time.Second, nil); err == nil {
				t.Errorf("expected %v to be rejected", tt.allowlist)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	f := newTestFetcher(t, []string{"//depot/project/...", "//depot/docs/"}, nil)

	tests := []struct {
		path string
		want bool
	}{
		{"//depot/project/main.go", true},
		{"//depot/project/sub/deep.go", true},
		{"//depot/docs", true},
		{"//depot/docs/readme.md", true},
		{"//depot/docsarchive/old.md", false},
		{"//depot/other/secret.txt", false},
		{"//depot/project2/main.go", false},
	}
	for _, tt := range tests {
		if got := f.allowed(tt.path); got != tt.want {
			t.Errorf("allowed(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestParseDepotFiles(t *testing.T) {
	out := strings.Join([]string{
		"... change 123",
		"... desc Fix the thing",
		"... depotFile0 //depot/project/a.go",
		"... depotFile1 //depot/project/b.go",
		"... depotFile //depot/project/bare.go",
		"... depotFile2 //depot/has space.go",
		"... action0 edit",
		"",
	}, "\n")

	got := parseDepotFiles([]byte(out))
	want := []string{
		"//depot/project/a.go",
		"//depot/project/b.go",
		"//depot/project/bare.go",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
