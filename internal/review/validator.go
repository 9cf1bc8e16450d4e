// Package review validates raw model responses against the versioned output
// contract and reconciles finding paths against the changelist's files.
//
// The validator never raises: malformed payloads become a rejected Outcome
// (non-retryable by construction) and malformed findings are dropped
// individually while the rest of the payload survives. Identical inputs
// always produce identical outcomes and diagnostic sequences.
package review

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/reviewpipe/reviewpipe/internal/domain"
	"github.com/reviewpipe/reviewpipe/internal/redact"
)

var (
	schemaVersionRe = regexp.MustCompile(`^\d+\.\d+$`)
	promptVersionRe = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)
)

// Config pins the contract versions the validator accepts.
type Config struct {
	// SchemaMajor must equal the response's schema_version major.
	SchemaMajor int
	// SchemaMinorFloor is the lowest accepted schema_version minor within
	// the major line.
	SchemaMinorFloor int
	// PromptVersion is the expected prompt version, "major.minor" or
	// "major.minor.patch".
	PromptVersion string
	// PromptPatchDrift accepts any patch level within the expected
	// major.minor when true.
	PromptPatchDrift bool
}

// Outcome is the result of validating one payload. Rejected outcomes carry
// the non-retryable error class the failure maps to; accepted outcomes carry
// the surviving result, which may have zero findings.
type Outcome struct {
	Result      ReviewResult
	Diagnostics []Diagnostic
	Rejected    bool
	RejectClass domain.ErrorClass
}

// Validator applies the normative validation order: parse, top-level schema,
// version gates, per-finding coercion and validation, path reconciliation.
type Validator struct {
	cfg Config
}

// NewValidator creates a validator for the given contract configuration.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate checks raw against the contract and reconciles finding paths
// against changedFiles. It is deterministic and safe for concurrent use.
func (v *Validator) Validate(raw []byte, changedFiles []string) Outcome {
	rec := &recorder{}

	parsed, ok := parseTopLevel(raw, rec)
	if !ok {
		return rejected(rec, domain.ErrorClassInvalidJSON)
	}

	result, findings, class, ok := v.checkTopLevel(parsed, rec)
	if !ok {
		return rejected(rec, class)
	}

	if class, ok := v.checkVersions(result.SchemaVersion, result.PromptVersion, rec); !ok {
		return rejected(rec, class)
	}

	changed := make(map[string]bool, len(changedFiles))
	for _, f := range changedFiles {
		changed[NormalizePath(f)] = true
	}

	kept := make([]Finding, 0, len(findings))
	for idx, item := range findings {
		if finding, ok := v.checkFinding(idx, item, changed, rec); ok {
			kept = append(kept, finding)
		}
	}
	result.Findings = kept

	if len(kept) == 0 {
		rec.emit(Diagnostic{
			Code:   CodeAllFindingsDropped,
			Field:  "findings",
			Detail: fmt.Sprintf("0 of %d findings survived validation", len(findings)),
		})
	}

	return Outcome{Result: result, Diagnostics: rec.entries}
}

func rejected(rec *recorder, class domain.ErrorClass) Outcome {
	rec.emit(Diagnostic{Code: CodeResponseRejected, Detail: string(class)})
	return Outcome{
		Result:      ReviewResult{Findings: []Finding{}},
		Diagnostics: rec.entries,
		Rejected:    true,
		RejectClass: class,
	}
}

// parseTopLevel decodes raw into a JSON object, preserving number precision
// so integral values are distinguishable from floats.
func parseTopLevel(raw []byte, rec *recorder) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		rec.emit(Diagnostic{Code: CodeInvalidJSON, Field: "payload", Detail: "json parse error"})
		return nil, false
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		rec.emit(Diagnostic{Code: CodeInvalidJSON, Field: "payload", Detail: "top level is not an object"})
		return nil, false
	}
	return obj, true
}

// checkTopLevel validates required top-level fields and types. It returns
// the partially populated result and the raw findings array.
func (v *Validator) checkTopLevel(parsed map[string]any, rec *recorder) (ReviewResult, []any, domain.ErrorClass, bool) {
	var result ReviewResult

	for _, field := range []string{"schema_version", "prompt_version", "findings"} {
		if _, present := parsed[field]; !present {
			rec.emit(Diagnostic{Code: CodeMissingRequiredField, Field: field})
			return result, nil, domain.ErrorClassMissingField, false
		}
	}

	schemaVersion, ok := parsed["schema_version"].(string)
	if !ok || !schemaVersionRe.MatchString(strings.TrimSpace(schemaVersion)) {
		rec.emit(Diagnostic{Code: CodeSchemaMismatch, Field: "schema_version", Detail: "expected string matching major.minor"})
		return result, nil, domain.ErrorClassSchemaInvalid, false
	}
	promptVersion, ok := parsed["prompt_version"].(string)
	if !ok || !promptVersionRe.MatchString(strings.TrimSpace(promptVersion)) {
		rec.emit(Diagnostic{Code: CodeSchemaMismatch, Field: "prompt_version", Detail: "expected string matching major.minor[.patch]"})
		return result, nil, domain.ErrorClassSchemaInvalid, false
	}
	findings, ok := parsed["findings"].([]any)
	if !ok {
		rec.emit(Diagnostic{Code: CodeSchemaMismatch, Field: "findings", Detail: "findings is not an array"})
		return result, nil, domain.ErrorClassSchemaInvalid, false
	}

	if raw, present := parsed["summary"]; present {
		summary, ok := raw.(string)
		if !ok {
			rec.emit(Diagnostic{Code: CodeSchemaMismatch, Field: "summary", Detail: "summary is not a string"})
			return result, nil, domain.ErrorClassSchemaInvalid, false
		}
		result.Summary = strings.TrimSpace(summary)
	}
	if raw, present := parsed["meta"]; present {
		meta, ok := raw.(map[string]any)
		if !ok {
			rec.emit(Diagnostic{Code: CodeSchemaMismatch, Field: "meta", Detail: "meta is not an object"})
			return result, nil, domain.ErrorClassSchemaInvalid, false
		}
		result.Meta = meta
	}

	result.SchemaVersion = strings.TrimSpace(schemaVersion)
	result.PromptVersion = strings.TrimSpace(promptVersion)
	return result, findings, "", true
}

// checkVersions gates the payload on the configured contract lines.
func (v *Validator) checkVersions(schemaVersion, promptVersion string, rec *recorder) (domain.ErrorClass, bool) {
	major, minor, _ := splitVersion(schemaVersion)
	if major != v.cfg.SchemaMajor {
		rec.emit(Diagnostic{
			Code:   CodeIncompatibleVersion,
			Field:  "schema_version",
			Detail: fmt.Sprintf("got major %d, expected %d", major, v.cfg.SchemaMajor),
		})
		return domain.ErrorClassSchemaInvalid, false
	}
	if minor < v.cfg.SchemaMinorFloor {
		rec.emit(Diagnostic{
			Code:   CodeIncompatibleVersion,
			Field:  "schema_version",
			Detail: fmt.Sprintf("got minor %d, floor is %d", minor, v.cfg.SchemaMinorFloor),
		})
		return domain.ErrorClassSchemaInvalid, false
	}

	expMajor, expMinor, expPatch := splitVersion(v.cfg.PromptVersion)
	gotMajor, gotMinor, gotPatch := splitVersion(promptVersion)
	switch {
	case gotMajor != expMajor || gotMinor != expMinor:
		rec.emit(Diagnostic{
			Code:   CodeIncompatibleVersion,
			Field:  "prompt_version",
			Detail: fmt.Sprintf("got %s, expected %s line", promptVersion, v.cfg.PromptVersion),
		})
		return domain.ErrorClassSchemaInvalid, false
	case !v.cfg.PromptPatchDrift && gotPatch != expPatch:
		rec.emit(Diagnostic{
			Code:   CodeIncompatibleVersion,
			Field:  "prompt_version",
			Detail: fmt.Sprintf("got patch %d, expected %d and drift disabled", gotPatch, expPatch),
		})
		return domain.ErrorClassSchemaInvalid, false
	}
	return "", true
}

// checkFinding coerces and validates one finding. A false return means the
// finding was dropped; the payload itself is never rejected here.
func (v *Validator) checkFinding(idx int, item any, changed map[string]bool, rec *recorder) (Finding, bool) {
	indexField := fmt.Sprintf("findings[%d]", idx)

	obj, ok := item.(map[string]any)
	if !ok {
		rec.dropped("", indexField, CodeSchemaMismatch, "finding is not an object")
		return Finding{}, false
	}

	// Finding id first: every later diagnostic for this finding carries it
	// when present, including diagnostics about the id itself.
	findingID := ""
	if s, ok := obj["id"].(string); ok {
		findingID = strings.TrimSpace(s)
	}

	var missing []string
	for _, field := range requiredFindingFields {
		if _, present := obj[field]; !present {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		rec.dropped(findingID, indexField, CodeMissingRequiredField, "missing: "+strings.Join(missing, ", "))
		return Finding{}, false
	}

	// Safe coercions, in contract order: trim strings, normalize the file
	// separator, parse integral numeric strings.
	strFields := map[string]string{}
	for _, field := range []string{"id", "severity", "category", "title", "file", "message", "suggestion", "confidence", "rule_id"} {
		raw, present := obj[field]
		if !present {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			rec.dropped(findingID, field, CodeSchemaMismatch, field+" is not a string")
			return Finding{}, false
		}
		trimmed := strings.TrimSpace(s)
		if trimmed != s {
			rec.coercion(findingID, field, redactValue(s), redactValue(trimmed))
		}
		strFields[field] = trimmed
	}

	if file := strFields["file"]; strings.Contains(file, `\`) {
		slashed := strings.ReplaceAll(file, `\`, "/")
		rec.coercion(findingID, "file", redactValue(file), redactValue(slashed))
		strFields["file"] = slashed
	}

	line, ok := coerceLine(obj["line"], findingID, "line", rec)
	if !ok {
		rec.dropped(findingID, "line", CodeInvalidLineRange, "line must be a positive integer")
		return Finding{}, false
	}
	endLine := 0
	if raw, present := obj["end_line"]; present {
		endLine, ok = coerceLine(raw, findingID, "end_line", rec)
		if !ok {
			rec.dropped(findingID, "end_line", CodeInvalidLineRange, "end_line must be a positive integer")
			return Finding{}, false
		}
	}

	for _, field := range []string{"id", "title", "file", "message"} {
		if strFields[field] == "" {
			rec.dropped(findingID, field, CodeMissingRequiredField, field+" is empty")
			return Finding{}, false
		}
	}
	if !allowedSeverities[strFields["severity"]] {
		rec.dropped(findingID, "severity", CodeInvalidEnumValue, dropDetail(strFields["file"], line))
		return Finding{}, false
	}
	if !allowedCategories[strFields["category"]] {
		rec.dropped(findingID, "category", CodeInvalidEnumValue, dropDetail(strFields["file"], line))
		return Finding{}, false
	}
	if confidence := strFields["confidence"]; confidence != "" && !allowedConfidence[confidence] {
		rec.dropped(findingID, "confidence", CodeInvalidEnumValue, dropDetail(strFields["file"], line))
		return Finding{}, false
	}
	if line < 1 {
		rec.dropped(findingID, "line", CodeInvalidLineRange, dropDetail(strFields["file"], line))
		return Finding{}, false
	}
	if endLine != 0 && endLine < line {
		rec.dropped(findingID, "end_line", CodeInvalidLineRange, dropDetail(strFields["file"], line))
		return Finding{}, false
	}

	canonical := NormalizePath(strFields["file"])
	if !changed[canonical] {
		rec.dropped(findingID, "file", CodeFileNotInChangedFiles, dropDetail(canonical, line))
		return Finding{}, false
	}

	return Finding{
		ID:         strFields["id"],
		Severity:   strFields["severity"],
		Category:   strFields["category"],
		Title:      strFields["title"],
		File:       canonical,
		Line:       line,
		Message:    strFields["message"],
		EndLine:    endLine,
		Suggestion: strFields["suggestion"],
		Confidence: strFields["confidence"],
		RuleID:     strFields["rule_id"],
	}, true
}

// coerceLine accepts integral JSON numbers and integral numeric strings.
// String inputs are a coercion and emit a diagnostic; anything else fails.
func coerceLine(raw any, findingID, field string, rec *recorder) (int, bool) {
	switch val := raw.(type) {
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 0 {
			return 0, false
		}
		rec.emit(Diagnostic{
			Code:      CodeCoercionApplied,
			FindingID: findingID,
			Field:     field,
			Detail:    fmt.Sprintf("old=%q new=%d", val, n),
		})
		return n, true
	default:
		return 0, false
	}
}

// NormalizePath canonicalizes a repository path for reconciliation: forward
// slashes, no leading "./", no duplicate separators.
func NormalizePath(path string) string {
	p := strings.TrimSpace(path)
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimPrefix(p, "./")
	for strings.Contains(p, "//") {
		// Depot-style paths keep their "//" root; only interior runs collapse.
		if strings.HasPrefix(p, "//") {
			rest := strings.ReplaceAll(p[2:], "//", "/")
			if rest == p[2:] {
				break
			}
			p = "//" + rest
			continue
		}
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

func dropDetail(file string, line int) string {
	if file == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// redactValue guards coercion diagnostics: values that look like secrets are
// replaced before they can reach logs or audit rows.
func redactValue(s string) string {
	if redact.LooksSecret(s) {
		return redact.New().Redact(s)
	}
	return s
}

// splitVersion parses "major.minor" or "major.minor.patch"; absent segments
// are zero. Inputs are pre-screened by the version regexes.
func splitVersion(v string) (major, minor, patch int) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		patch, _ = strconv.Atoi(parts[2])
	}
	return major, minor, patch
}
