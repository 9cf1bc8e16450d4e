// Package perforce fetches changelist contents by shelling out to the p4
// client. Every invocation uses a fixed binary path and an argument vector;
// no shell is ever involved.
package perforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reviewpipe/reviewpipe/internal/application/worker"
	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// AuditRecorder receives allow-list denial events.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, event *domain.AuditEvent) error
}

// runFunc executes one p4 invocation. Tests stub it to avoid spawning
// processes.
type runFunc func(ctx context.Context, bin string, args ...string) (stdout, stderr []byte, err error)

// Fetcher implements worker.Fetcher against a Perforce depot. A changelist
// is listed with tagged describe first, checked against the depot allow-list,
// and only then pulled with diff content, so no text of a denied path ever
// leaves the depot.
type Fetcher struct {
	p4Path    string
	allowlist []string
	timeout   time.Duration
	audit     AuditRecorder
	run       runFunc
}

var _ worker.Fetcher = (*Fetcher)(nil)

// NewFetcher builds a fetcher. Allow-list entries name permitted depot
// prefixes: a trailing ... matches the subtree ("//depot/project/..."), a
// bare entry matches only that directory. Malformed entries are rejected
// here.
func NewFetcher(p4Path string, allowlist []string, timeout time.Duration, audit AuditRecorder) (*Fetcher, error) {
	normalized, err := normalizeAllowlist(allowlist)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		p4Path:    p4Path,
		allowlist: normalized,
		timeout:   timeout,
		audit:     audit,
		run:       runP4,
	}, nil
}

// Fetch lists the changelist's files, enforces the allow-list, and returns
// the file list with the unified diff text.
func (f *Fetcher) Fetch(ctx context.Context, changelistID int64) (*worker.FetchResult, error) {
	cl := strconv.FormatInt(changelistID, 10)

	tagged, err := f.invoke(ctx, "-ztag", "describe", "-s", cl)
	if err != nil {
		return nil, err
	}
	files := parseDepotFiles(tagged)
	for _, path := range files {
		if !f.allowed(path) {
			return nil, f.deny(ctx, changelistID, path)
		}
	}

	diff, err := f.invoke(ctx, "describe", "-du", cl)
	if err != nil {
		return nil, err
	}
	return &worker.FetchResult{ChangedFiles: files, Diff: diff}, nil
}

// invoke runs one p4 command under the fetcher's timeout.
func (f *Fetcher) invoke(ctx context.Context, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	stdout, stderr, err := f.run(runCtx, f.p4Path, args...)
	if err != nil {
		return nil, classify(runCtx, stderr, err)
	}
	return stdout, nil
}

// classify maps a failed invocation to its error class. The p4 client
// reports a missing changelist as "Change <n> unknown." on stderr with a
// nonzero exit.
func classify(ctx context.Context, stderr []byte, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return worker.NewClassified(domain.ErrorClassNetworkTimeout,
			fmt.Errorf("p4 describe timed out: %w", err))
	}

	msg := strings.TrimSpace(string(stderr))
	if isUnknownChangelist(msg) {
		return worker.NewClassified(domain.ErrorClassNotFoundPermanent,
			fmt.Errorf("p4 describe: %s", msg))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return worker.NewClassified(domain.ErrorClassUpstreamInternal,
			fmt.Errorf("p4 describe failed with code %d: %s", exitErr.ExitCode(), msg))
	}
	return worker.NewClassified(domain.ErrorClassUpstreamInternal,
		fmt.Errorf("p4 invocation failed: %w", err))
}

func isUnknownChangelist(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "unknown.") || strings.Contains(lower, "no such changelist")
}

// deny refuses the fetch and leaves an allowlist_denied audit trace. A failed
// audit write is logged, never returned; the denial itself always stands.
func (f *Fetcher) deny(ctx context.Context, changelistID int64, path string) error {
	slog.WarnContext(ctx, "changelist file outside allow-list",
		"changelist_id", changelistID,
		"path", path)

	f.recordDenial(ctx, map[string]any{
		"changelist_id": changelistID,
		"path":          path,
		"reason":        "fetched_path_not_allowed",
	})

	return worker.NewClassified(domain.ErrorClassPermissionDenied,
		fmt.Errorf("changelist %d touches %s outside the allow-list", changelistID, path))
}

func (f *Fetcher) recordDenial(ctx context.Context, detail map[string]any) {
	if f.audit == nil {
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate audit id", "error", err)
		return
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode audit detail", "error", err)
		return
	}
	event := &domain.AuditEvent{
		ID:         id.String(),
		OccurredAt: time.Now().UTC(),
		Kind:       domain.AuditAllowlistDenied,
		Actor:      "fetcher",
		Detail:     raw,
	}
	if err := f.audit.RecordAudit(ctx, event); err != nil {
		slog.ErrorContext(ctx, "failed to record allow-list denial", "error", err)
	}
}

// allowed reports whether a depot path falls inside the allow-list.
func (f *Fetcher) allowed(path string) bool {
	for _, prefix := range f.allowlist {
		if strings.HasSuffix(prefix, "...") {
			if strings.HasPrefix(path, strings.TrimSuffix(prefix, "...")) {
				return true
			}
		} else if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func normalizeAllowlist(entries []string) ([]string, error) {
	if len(entries) == 0 {
		return nil, errors.New("allowlist must not be empty")
	}
	normalized := make([]string, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimRight(strings.TrimSpace(raw), "/")
		if entry == "" {
			return nil, fmt.Errorf("allowlist entry %q is empty", raw)
		}
		if !strings.HasPrefix(entry, "//") {
			return nil, fmt.Errorf("allowlist entry %q must start with //", raw)
		}
		if i := strings.Index(entry, "..."); i >= 0 && i != len(entry)-3 {
			return nil, fmt.Errorf("allowlist entry %q may use ... only as a trailing wildcard", raw)
		}
		normalized = append(normalized, entry)
	}
	return normalized, nil
}

// parseDepotFiles extracts depot paths from tagged describe output. The p4
// client indexes the field ("... depotFile0 //path"); older fixtures emit it
// bare. Both forms are accepted, and lines that do not carry a clean depot
// path are skipped.
func parseDepotFiles(out []byte) []string {
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		rest, ok := strings.CutPrefix(line, "... depotFile")
		if !ok {
			continue
		}
		rest = strings.TrimLeft(rest, "0123456789")
		path, ok := strings.CutPrefix(rest, " ")
		if !ok {
			continue
		}
		path = strings.TrimSpace(path)
		if !strings.HasPrefix(path, "//") || len(path) == 2 || strings.ContainsAny(path, " \t") {
			continue
		}
		files = append(files, path)
	}
	return files
}

func runP4(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
