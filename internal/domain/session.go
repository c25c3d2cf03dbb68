package domain

type (
	// SessionID is a client-chosen session key. The relay does not mint these.
	SessionID string
	// ConnID is a relay-assigned connection identity, never reused.
	ConnID string
)
