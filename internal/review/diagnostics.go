package review

import "fmt"

// Diagnostic codes are stable strings: dashboards, canary monitors, and the
// audit trail key on them. Changing one is a contract change.
const (
	CodeInvalidJSON           = "invalid_json"
	CodeSchemaMismatch        = "schema_mismatch"
	CodeMissingRequiredField  = "missing_required_field"
	CodeInvalidEnumValue      = "invalid_enum_value"
	CodeInvalidLineRange      = "invalid_line_range"
	CodeFileNotInChangedFiles = "file_not_in_changed_files"
	CodeIncompatibleVersion   = "incompatible_version"
	CodeAllFindingsDropped    = "all_findings_dropped"
	CodeCoercionApplied       = "coercion_applied"
	CodeFindingDropped        = "finding_dropped"
	CodeResponseRejected      = "response_rejected"
)

// Diagnostic is one machine-readable validation event. Code is stable;
// Reason carries the underlying code for finding_dropped records; Detail is
// free-form and already redacted.
type Diagnostic struct {
	Code      string `json:"code"`
	FindingID string `json:"finding_id,omitempty"`
	Field     string `json:"field,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// recorder accumulates diagnostics in emission order.
type recorder struct {
	entries []Diagnostic
}

func (r *recorder) emit(d Diagnostic) {
	r.entries = append(r.entries, d)
}

func (r *recorder) coercion(findingID, field, oldVal, newVal string) {
	r.emit(Diagnostic{
		Code:      CodeCoercionApplied,
		FindingID: findingID,
		Field:     field,
		Detail:    fmt.Sprintf("old=%q new=%q", oldVal, newVal),
	})
}

func (r *recorder) dropped(findingID, field, reason, detail string) {
	r.emit(Diagnostic{
		Code:      CodeFindingDropped,
		FindingID: findingID,
		Field:     field,
		Reason:    reason,
		Detail:    detail,
	})
}
