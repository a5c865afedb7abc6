package auth

// Known OAuth scopes used by the enrollment service.
const (
	ScopeEnrollmentsWrite = "enrollments:write"
	ScopeEnrollmentsRead  = "enrollments:read"
	// ScopeEnrollmentsAdmin covers organizer operations: capacity edits, completions,
	// and the participant roster.
	ScopeEnrollmentsAdmin = "enrollments:admin"
)
