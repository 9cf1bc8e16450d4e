package domain

// ErrorClass is the wire-stable identity of a failure. It selects retry
// policy, indexes operator triage, and gates replay escalation. Adding a
// class is a schema-evolution event, so the set below changes rarely and
// deliberately.
type ErrorClass string

// Retryable classes: transient transport, quota, and coordination failures.
const (
	ErrorClassNetworkTimeout   ErrorClass = "NETWORK_TIMEOUT"
	ErrorClassUpstream5xx      ErrorClass = "UPSTREAM_5XX"
	ErrorClassTCPReset         ErrorClass = "TCP_RESET"
	ErrorClassRateLimited      ErrorClass = "RATE_LIMITED"
	ErrorClassUpstreamInternal ErrorClass = "UPSTREAM_INTERNAL"
	ErrorClassConflict         ErrorClass = "CONFLICT"
)

// Non-retryable classes: contract, policy, and credential failures that no
// amount of retrying will fix.
const (
	ErrorClassSchemaInvalid       ErrorClass = "SCHEMA_INVALID"
	ErrorClassMissingField        ErrorClass = "MISSING_FIELD"
	ErrorClassInvalidJSON         ErrorClass = "INVALID_JSON"
	ErrorClassAuthDenied          ErrorClass = "AUTH_DENIED"
	ErrorClassPermissionDenied    ErrorClass = "PERMISSION_DENIED"
	ErrorClassNotFoundPermanent   ErrorClass = "NOT_FOUND_PERMANENT"
	ErrorClassContentPolicyReject ErrorClass = "CONTENT_POLICY_REJECT"
	ErrorClassInvariantViolation  ErrorClass = "INVARIANT_VIOLATION"
)

var retryableClasses = map[ErrorClass]bool{
	ErrorClassNetworkTimeout:   true,
	ErrorClassUpstream5xx:      true,
	ErrorClassTCPReset:         true,
	ErrorClassRateLimited:      true,
	ErrorClassUpstreamInternal: true,
	ErrorClassConflict:         true,
}

var nonRetryableClasses = map[ErrorClass]bool{
	ErrorClassSchemaInvalid:       true,
	ErrorClassMissingField:        true,
	ErrorClassInvalidJSON:         true,
	ErrorClassAuthDenied:          true,
	ErrorClassPermissionDenied:    true,
	ErrorClassNotFoundPermanent:   true,
	ErrorClassContentPolicyReject: true,
	ErrorClassInvariantViolation:  true,
}

// Retryable reports whether the class may consume stage budget and back off.
func (c ErrorClass) Retryable() bool {
	return retryableClasses[c]
}

// Known reports whether c is one of the stable classes.
func (c ErrorClass) Known() bool {
	return retryableClasses[c] || nonRetryableClasses[c]
}
