package tracing

// Span attribute keys for broker tracing.
const (
	// Request attributes
	AttrRequestID = "request.id"
	AttrToolID    = "tool.id"
	AttrOutcome   = "request.outcome"
	AttrQueued    = "request.queued"

	// Session attributes
	AttrSessionID = "session.id"

	// Credential attributes
	AttrCredentialID = "credential.id"

	// Instance attributes
	AttrInstanceID    = "instance.id"
	AttrInstanceFresh = "instance.fresh"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorKind    = "error.kind"
)

// Span names used across the broker.
const (
	SpanSubmit  = "dispatch.submit"
	SpanRun     = "dispatch.run"
	SpanAcquire = "pool.acquire"
	SpanExecute = "instance.execute"
)
