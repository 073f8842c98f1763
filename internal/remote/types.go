package remote

import "encoding/json"

// PushItem is one ledger entry's payload headed for the authority.
type PushItem struct {
	Kind    string          `json:"kind"`
	LocalID int64           `json:"local_id"`
	Payload json.RawMessage `json:"payload"`
}

// EmbeddingPayload is the wire form of a locally-created embedding.
type EmbeddingPayload struct {
	IdentityID string    `json:"identity_id"`
	Vector     []float32 `json:"vector"`
	Quality    float64   `json:"quality"`
	CreatedAt  string    `json:"created_at"`
}

// AttendancePayload is the wire form of a locally-recorded presence event.
type AttendancePayload struct {
	IdentityID string `json:"identity_id"`
	EventType  string `json:"event_type"`
	OccurredAt string `json:"occurred_at"`
	Day        string `json:"day"`
	SessionID  string `json:"session_id"`
}

// ProfilePayload is the wire form of a locally-created identity.
type ProfilePayload struct {
	LocalID     string `json:"local_id"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
}

// Item outcomes returned by the authority.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// ItemResult is the authority's per-item verdict for one pushed record.
type ItemResult struct {
	LocalID     int64  `json:"local_id"`
	Outcome     string `json:"outcome"`
	CanonicalID string `json:"canonical_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// PushRequest is the batch envelope sent to the push endpoint.
type PushRequest struct {
	DeviceID string     `json:"device_id"`
	Items    []PushItem `json:"items"`
}

// PushResponse is the authority's answer to a push.
type PushResponse struct {
	Results []ItemResult `json:"results"`
}

// Change kinds delivered by the pull endpoint.
const (
	ChangeIdentityUpserted    = "identity_upserted"
	ChangeIdentityDeactivated = "identity_deactivated"
	ChangeIdentityDeleted     = "identity_deleted"
	ChangeEmbeddingRetired    = "embedding_retired"
)

// Change is one remote delta.
type Change struct {
	Kind        string `json:"kind"`
	IdentityID  string `json:"identity_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Category    string `json:"category,omitempty"`
	Active      bool   `json:"active,omitempty"`
	CanonicalID string `json:"canonical_id,omitempty"` // embedding canonical id for retirements
}

// PullResponse is a page of remote deltas.
type PullResponse struct {
	Changes    []Change `json:"changes"`
	NextCursor string   `json:"next_cursor"`
}

// PullRequest asks for deltas after a cursor.
type PullRequest struct {
	DeviceID string `json:"device_id"`
	Since    string `json:"since_cursor"`
	Limit    int    `json:"limit"`
}
