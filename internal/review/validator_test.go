package review

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/reviewpipe/reviewpipe/internal/domain"
)

func testConfig() Config {
	return Config{
		SchemaMajor:      1,
		SchemaMinorFloor: 0,
		PromptVersion:    "2.1",
		PromptPatchDrift: true,
	}
}

func validPayload(findings string) []byte {
	return fmt.Appendf(nil, `{
		"schema_version": "1.2",
		"prompt_version": "2.1.3",
		"summary": "looks fine overall",
		"findings": [%s]
	}`, findings)
}

const goodFinding = `{
	"id": "F1",
	"severity": "high",
	"category": "security",
	"title": "hardcoded credential",
	"file": "src/a.py",
	"line": 5,
	"message": "credential committed to source"
}`

func hasDiagnostic(diags []Diagnostic, code, reason string) bool {
	for _, d := range diags {
		if d.Code == code && (reason == "" || d.Reason == reason) {
			return true
		}
	}
	return false
}

func TestValidate_AcceptsWellFormedPayload(t *testing.T) {
	v := NewValidator(testConfig())

	out := v.Validate(validPayload(goodFinding), []string{"src/a.py", "src/b.py"})

	if out.Rejected {
		t.Fatalf("expected accepted outcome, got rejected with diagnostics %+v", out.Diagnostics)
	}
	if len(out.Result.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(out.Result.Findings))
	}
	f := out.Result.Findings[0]
	if f.ID != "F1" || f.File != "src/a.py" || f.Line != 5 {
		t.Errorf("unexpected finding: %+v", f)
	}
	if out.Result.Summary != "looks fine overall" {
		t.Errorf("unexpected summary: %q", out.Result.Summary)
	}
	if len(out.Diagnostics) != 0 {
		t.Errorf("expected no diagnostics, got %+v", out.Diagnostics)
	}
}

func TestValidate_RejectsInvalidJSON(t *testing.T) {
	v := NewValidator(testConfig())

	for name, raw := range map[string]string{
		"truncated":  `{"schema_version": "1.0", "findings": [`,
		"not_object": `[1, 2, 3]`,
		"empty":      ``,
	} {
		t.Run(name, func(t *testing.T) {
			out := v.Validate([]byte(raw), nil)

			if !out.Rejected {
				t.Fatal("expected rejected outcome")
			}
			if out.RejectClass != domain.ErrorClassInvalidJSON {
				t.Errorf("expected class %s, got %s", domain.ErrorClassInvalidJSON, out.RejectClass)
			}
			if !hasDiagnostic(out.Diagnostics, CodeInvalidJSON, "") {
				t.Errorf("expected %s diagnostic, got %+v", CodeInvalidJSON, out.Diagnostics)
			}
			if !hasDiagnostic(out.Diagnostics, CodeResponseRejected, "") {
				t.Errorf("expected %s diagnostic, got %+v", CodeResponseRejected, out.Diagnostics)
			}
		})
	}
}

func TestValidate_RejectsMissingTopLevelFields(t *testing.T) {
	v := NewValidator(testConfig())

	tests := []struct {
		name string
		raw  string
	}{
		{"no_schema_version", `{"prompt_version": "2.1", "findings": []}`},
		{"no_prompt_version", `{"schema_version": "1.0", "findings": []}`},
		{"no_findings", `{"schema_version": "1.0", "prompt_version": "2.1"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := v.Validate([]byte(tc.raw), nil)

			if !out.Rejected {
				t.Fatal("expected rejected outcome")
			}
			if out.RejectClass != domain.ErrorClassMissingField {
				t.Errorf("expected class %s, got %s", domain.ErrorClassMissingField, out.RejectClass)
			}
			if !hasDiagnostic(out.Diagnostics, CodeMissingRequiredField, "") {
				t.Errorf("expected %s diagnostic, got %+v", CodeMissingRequiredField, out.Diagnostics)
			}
		})
	}
}

func TestValidate_RejectsWrongTopLevelTypes(t *testing.T) {
	v := NewValidator(testConfig())

	tests := []struct {
		name string
		raw  string
	}{
		{"findings_not_array", `{"schema_version": "1.0", "prompt_version": "2.1", "findings": {}}`},
		{"schema_version_number", `{"schema_version": 1.0, "prompt_version": "2.1", "findings": []}`},
		{"schema_version_garbage", `{"schema_version": "one.two", "prompt_version": "2.1", "findings": []}`},
		{"summary_not_string", `{"schema_version": "1.0", "prompt_version": "2.1", "findings": [], "summary": 7}`},
		{"meta_not_object", `{"schema_version": "1.0", "prompt_version": "2.1", "findings": [], "meta": []}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := v.Validate([]byte(tc.raw), nil)

			if !out.Rejected {
				t.Fatal("expected rejected outcome")
			}
			if out.RejectClass != domain.ErrorClassSchemaInvalid {
				t.Errorf("expected class %s, got %s", domain.ErrorClassSchemaInvalid, out.RejectClass)
			}
		})
	}
}

func TestValidate_SchemaVersionGate(t *testing.T) {
	v := NewValidator(Config{SchemaMajor: 1, SchemaMinorFloor: 2, PromptVersion: "2.1", PromptPatchDrift: true})

	tests := []struct {
		version  string
		rejected bool
	}{
		{"1.2", false},
		{"1.5", false},
		{"1.1", true},
		{"2.0", true},
		{"0.9", true},
	}
	for _, tc := range tests {
		t.Run(tc.version, func(t *testing.T) {
			raw := fmt.Sprintf(`{"schema_version": %q, "prompt_version": "2.1", "findings": []}`, tc.version)
			out := v.Validate([]byte(raw), nil)

			if out.Rejected != tc.rejected {
				t.Fatalf("schema_version %s: rejected=%v, want %v (diagnostics %+v)",
					tc.version, out.Rejected, tc.rejected, out.Diagnostics)
			}
			if tc.rejected && !hasDiagnostic(out.Diagnostics, CodeIncompatibleVersion, "") {
				t.Errorf("expected %s diagnostic, got %+v", CodeIncompatibleVersion, out.Diagnostics)
			}
		})
	}
}

func TestValidate_PromptVersionGate(t *testing.T) {
	tests := []struct {
		name     string
		drift    bool
		version  string
		rejected bool
	}{
		{"exact_match", false, "2.1", false},
		{"patch_with_drift", true, "2.1.9", false},
		{"patch_without_drift", false, "2.1.9", true},
		{"wrong_minor", true, "2.2", true},
		{"wrong_major", true, "3.1", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := NewValidator(Config{SchemaMajor: 1, PromptVersion: "2.1", PromptPatchDrift: tc.drift})
			raw := fmt.Sprintf(`{"schema_version": "1.0", "prompt_version": %q, "findings": []}`, tc.version)
			out := v.Validate([]byte(raw), nil)

			if out.Rejected != tc.rejected {
				t.Fatalf("prompt_version %s drift=%v: rejected=%v, want %v",
					tc.version, tc.drift, out.Rejected, tc.rejected)
			}
			if tc.rejected && out.RejectClass != domain.ErrorClassSchemaInvalid {
				t.Errorf("expected class %s, got %s", domain.ErrorClassSchemaInvalid, out.RejectClass)
			}
		})
	}
}

// TestValidate_DropsInvalidFindingsKeepsRest exercises the central contract:
// bad findings never poison the payload. One valid finding, one with an
// unknown severity, one pointing at a file outside the changelist.
func TestValidate_DropsInvalidFindingsKeepsRest(t *testing.T) {
	v := NewValidator(testConfig())

	findings := goodFinding + `, {
		"id": "F2",
		"severity": "urgent",
		"category": "security",
		"title": "bad severity",
		"file": "src/a.py",
		"line": 9,
		"message": "severity outside the contract"
	}, {
		"id": "F3",
		"severity": "low",
		"category": "style",
		"title": "outside changelist",
		"file": "src/missing.py",
		"line": 2,
		"message": "file was not part of the change"
	}`

	out := v.Validate(validPayload(findings), []string{"src/a.py"})

	if out.Rejected {
		t.Fatalf("findings-level problems must not reject the payload: %+v", out.Diagnostics)
	}
	if len(out.Result.Findings) != 1 {
		t.Fatalf("expected 1 surviving finding, got %d", len(out.Result.Findings))
	}
	if out.Result.Findings[0].ID != "F1" {
		t.Errorf("wrong finding survived: %+v", out.Result.Findings[0])
	}
	if !hasDiagnostic(out.Diagnostics, CodeFindingDropped, CodeInvalidEnumValue) {
		t.Errorf("expected finding_dropped with reason %s, got %+v", CodeInvalidEnumValue, out.Diagnostics)
	}
	if !hasDiagnostic(out.Diagnostics, CodeFindingDropped, CodeFileNotInChangedFiles) {
		t.Errorf("expected finding_dropped with reason %s, got %+v", CodeFileNotInChangedFiles, out.Diagnostics)
	}
	if hasDiagnostic(out.Diagnostics, CodeAllFindingsDropped, "") {
		t.Errorf("all_findings_dropped must not fire when a finding survives: %+v", out.Diagnostics)
	}
}

func TestValidate_DropsFindingCases(t *testing.T) {
	v := NewValidator(testConfig())
	changed := []string{"src/a.py"}

	tests := []struct {
		name    string
		finding string
		reason  string
	}{
		{
			"not_an_object",
			`"just a string"`,
			CodeSchemaMismatch,
		},
		{
			"missing_required_fields",
			`{"id": "F9", "severity": "low", "category": "style", "file": "src/a.py"}`,
			CodeMissingRequiredField,
		},
		{
			"empty_message",
			`{"id": "F9", "severity": "low", "category": "style", "title": "t", "file": "src/a.py", "line": 1, "message": "   "}`,
			CodeMissingRequiredField,
		},
		{
			"bad_category",
			`{"id": "F9", "severity": "low", "category": "vibes", "title": "t", "file": "src/a.py", "line": 1, "message": "m"}`,
			CodeInvalidEnumValue,
		},
		{
			"bad_confidence",
			`{"id": "F9", "severity": "low", "category": "style", "title": "t", "file": "src/a.py", "line": 1, "message": "m", "confidence": "certain"}`,
			CodeInvalidEnumValue,
		},
		{
			"line_zero",
			`{"id": "F9", "severity": "low", "category": "style", "title": "t", "file": "src/a.py", "line": 0, "message": "m"}`,
			CodeInvalidLineRange,
		},
		{
			"line_float",
			`{"id": "F9", "severity": "low", "category": "style", "title": "t", "file": "src/a.py", "line": 3.7, "message": "m"}`,
			CodeInvalidLineRange,
		},
		{
			"end_line_before_line",
			`{"id": "F9", "severity": "low", "category": "style", "title": "t", "file": "src/a.py", "line": 10, "end_line": 4, "message": "m"}`,
			CodeInvalidLineRange,
		},
		{
			"file_wrong_type",
			`{"id": "F9", "severity": "low", "category": "style", "title": "t", "file": 42, "line": 1, "message": "m"}`,
			CodeSchemaMismatch,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := v.Validate(validPayload(tc.finding), changed)

			if out.Rejected {
				t.Fatalf("finding-level problems must not reject the payload: %+v", out.Diagnostics)
			}
			if len(out.Result.Findings) != 0 {
				t.Fatalf("expected finding to be dropped, kept %+v", out.Result.Findings)
			}
			if !hasDiagnostic(out.Diagnostics, CodeFindingDropped, tc.reason) {
				t.Errorf("expected finding_dropped with reason %s, got %+v", tc.reason, out.Diagnostics)
			}
		})
	}
}

func TestValidate_CoercionsAreAppliedAndRecorded(t *testing.T) {
	v := NewValidator(testConfig())

	finding := `{
		"id": "  F1  ",
		"severity": "high",
		"category": "security",
		"title": "needs trimming",
		"file": "src\\win\\path.go",
		"line": "12",
		"message": "歯 mixed content "
	}`

	out := v.Validate(validPayload(finding), []string{"src/win/path.go"})

	if out.Rejected {
		t.Fatalf("unexpected rejection: %+v", out.Diagnostics)
	}
	if len(out.Result.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(out.Result.Findings))
	}
	f := out.Result.Findings[0]
	if f.ID != "F1" {
		t.Errorf("id not trimmed: %q", f.ID)
	}
	if f.File != "src/win/path.go" {
		t.Errorf("file separators not normalized: %q", f.File)
	}
	if f.Line != 12 {
		t.Errorf("numeric string line not coerced: %d", f.Line)
	}

	var coercions int
	for _, d := range out.Diagnostics {
		if d.Code == CodeCoercionApplied {
			coercions++
			if d.FindingID != "F1" {
				t.Errorf("coercion diagnostic missing finding id: %+v", d)
			}
		}
	}
	// id trim, message trim, backslash normalization, line parse.
	if coercions != 4 {
		t.Errorf("expected 4 coercion diagnostics, got %d: %+v", coercions, out.Diagnostics)
	}
}

func TestValidate_CoercionDiagnosticsRedactSecrets(t *testing.T) {
	v := NewValidator(testConfig())

	secret := "aB3dE5fG7hJ9kL1mN3pQ5rS7tU9vW1xY/=="
	finding := fmt.Sprintf(`{
		"id": "F1",
		"severity": "high",
		"category": "security",
		"title": " leaked %s ",
		"file": "src/a.py",
		"line": 1,
		"message": "m"
	}`, secret)

	out := v.Validate(validPayload(finding), []string{"src/a.py"})

	for _, d := range out.Diagnostics {
		if strings.Contains(d.Detail, secret) {
			t.Errorf("diagnostic leaked secret value: %+v", d)
		}
	}
}

func TestValidate_AllFindingsDropped(t *testing.T) {
	v := NewValidator(testConfig())

	tests := []struct {
		name     string
		findings string
	}{
		{"empty_array", ``},
		{"everything_dropped", `{"id": "F1", "severity": "whatever", "category": "style", "title": "t", "file": "src/a.py", "line": 1, "message": "m"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := v.Validate(validPayload(tc.findings), []string{"src/a.py"})

			if out.Rejected {
				t.Fatalf("zero surviving findings is accepted, not rejected: %+v", out.Diagnostics)
			}
			if len(out.Result.Findings) != 0 {
				t.Fatalf("expected no findings, got %+v", out.Result.Findings)
			}
			if !hasDiagnostic(out.Diagnostics, CodeAllFindingsDropped, "") {
				t.Errorf("expected %s diagnostic, got %+v", CodeAllFindingsDropped, out.Diagnostics)
			}
		})
	}
}

// TestValidate_Deterministic runs the same messy payload twice and requires
// byte-identical outcomes, diagnostics included.
func TestValidate_Deterministic(t *testing.T) {
	v := NewValidator(testConfig())

	findings := goodFinding + `, {
		"id": " F2 ",
		"severity": "urgent",
		"category": "security",
		"title": "will drop",
		"file": ".\\src\\b.py",
		"line": "7",
		"message": "m"
	}, "not even an object"`
	payload := validPayload(findings)
	changed := []string{"src/a.py", "src/b.py"}

	first := v.Validate(payload, changed)
	second := v.Validate(payload, changed)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("validation is not deterministic:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"src/a.py", "src/a.py"},
		{"./src/a.py", "src/a.py"},
		{"src//a.py", "src/a.py"},
		{`src\win\a.go`, "src/win/a.go"},
		{"  src/a.py  ", "src/a.py"},
		{"//depot/main/a.py", "//depot/main/a.py"},
		{"//depot//main///a.py", "//depot/main/a.py"},
	}
	for _, tc := range tests {
		if got := NormalizePath(tc.in); got != tc.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
