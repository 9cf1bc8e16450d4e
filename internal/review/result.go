package review

// ReviewResult is the validated shape of a model response. It is transient:
// workers persist it to the payload store and keep only a reference on the
// job row.
type ReviewResult struct {
	SchemaVersion string         `json:"schema_version"`
	PromptVersion string         `json:"prompt_version"`
	Findings      []Finding      `json:"findings"`
	Summary       string         `json:"summary,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// Finding is one review finding that survived validation.
type Finding struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Category string `json:"category"`
	Title    string `json:"title"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Message  string `json:"message"`

	EndLine    int    `json:"end_line,omitempty"` // 0 means unset
	Suggestion string `json:"suggestion,omitempty"`
	Confidence string `json:"confidence,omitempty"`
	RuleID     string `json:"rule_id,omitempty"`
}

// Allowed enum values for finding fields. These sets are part of the output
// contract with the review model; extending one is a contract change that
// ships parser-first.
var (
	allowedSeverities = map[string]bool{
		"critical": true, "high": true, "medium": true, "low": true, "info": true,
	}
	allowedCategories = map[string]bool{
		"correctness": true, "security": true, "performance": true,
		"reliability": true, "maintainability": true, "style": true, "test": true,
	}
	allowedConfidence = map[string]bool{
		"high": true, "medium": true, "low": true,
	}
)

// requiredFindingFields are validated on every finding, in this order. The
// fixed order keeps diagnostics deterministic for identical payloads.
var requiredFindingFields = []string{"id", "severity", "category", "title", "file", "line", "message"}
