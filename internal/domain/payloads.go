package domain

// Stage payloads are the JSON bodies carried by queue rows. The queue treats
// them as opaque bytes; only the matching stage handler interprets them.
// Recipients deliberately do not ride in payloads: the job row is their
// durable home.

// FetchPayload seeds the pipeline for one job.
type FetchPayload struct {
	ChangelistID  int64 `json:"changelist_id"`
	ReviewVersion int   `json:"review_version"`
}

// ReviewPayload carries fetch output into the llm stage.
type ReviewPayload struct {
	ChangelistID  int64    `json:"changelist_id"`
	ReviewVersion int      `json:"review_version"`
	ChangedFiles  []string `json:"changed_files"`
	DiffRef       string   `json:"diff_ref"` // payload store key of the raw diff
}

// NotifyPayload carries the validated result into the notify stage.
type NotifyPayload struct {
	ChangelistID  int64  `json:"changelist_id"`
	ReviewVersion int    `json:"review_version"`
	ResultRef     string `json:"result_ref"`
	Summary       string `json:"summary,omitempty"`
	FindingCount  int    `json:"finding_count"`
}
