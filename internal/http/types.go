package http

import (
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/jobs"
	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// SubmitResponse is returned by POST /api/v1/imports.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// JobsResponse lists import jobs.
type JobsResponse struct {
	Jobs []*jobs.Job `json:"jobs"`
}

// CancelResponse reports whether a cancellation was accepted.
type CancelResponse struct {
	Accepted bool `json:"accepted"`
}

// NotificationsResponse lists recent job notifications.
type NotificationsResponse struct {
	Notifications []jobs.Notification `json:"notifications"`
}

// PrivateEntryRequest is the body of POST /api/v1/entries/private.
type PrivateEntryRequest struct {
	OwnerID  string             `json:"owner_id"`
	Content  string             `json:"content"`
	Type     string             `json:"type"`
	Category string             `json:"category"`
	Metadata knowledge.Metadata `json:"metadata"`
}

// PublicEntryRequest is the body of POST /api/v1/entries/public.
type PublicEntryRequest struct {
	Content  string             `json:"content"`
	Source   string             `json:"source"`
	Metadata knowledge.Metadata `json:"metadata"`
}

// StoredResponse reports whether a write took effect.
type StoredResponse struct {
	Stored bool `json:"stored"`
}

// ProfileSelector names a registered profile or carries an explicit one.
// Both empty means the active profile.
type ProfileSelector struct {
	Name    string              `json:"profile,omitempty"`
	Profile *embeddings.Profile `json:"embedding_profile,omitempty"`
}

// RawImportRequest is the body of POST /api/v1/entries/raw.
type RawImportRequest struct {
	ProfileSelector
	Source string              `json:"source"`
	Items  []knowledge.RawItem `json:"items"`
}

// DuplicateRequest is the body of POST /api/v1/entries/duplicate.
type DuplicateRequest struct {
	Content   string  `json:"content"`
	Threshold float64 `json:"threshold"`
}

// DuplicateResponse reports a duplicate check.
type DuplicateResponse struct {
	Duplicate bool `json:"duplicate"`
}

// BackfillRequest is the body of POST /api/v1/embeddings/backfill.
type BackfillRequest struct {
	ProfileSelector
	BatchSize int `json:"batch_size"`
	// MaxBatches caps the drain; 0 runs a single batch.
	MaxBatches int `json:"max_batches"`
}

// PendingResponse reports entries still waiting for an embedding.
type PendingResponse struct {
	Profile      string `json:"profile"`
	CollectionID string `json:"collection_id"`
	Pending      int    `json:"pending"`
}

// ProfileInfo describes one registered profile.
type ProfileInfo struct {
	Name         string             `json:"name"`
	Profile      embeddings.Profile `json:"profile"`
	CollectionID string             `json:"collection_id"`
	Active       bool               `json:"active"`
}

// ProfilesResponse lists registered profiles.
type ProfilesResponse struct {
	Active   string        `json:"active"`
	Profiles []ProfileInfo `json:"profiles"`
}

// CollectionsResponse lists knowledge collections.
type CollectionsResponse struct {
	Collections []knowledge.CollectionSummary `json:"collections"`
}

// ResetRequest is the body of POST /api/v1/collections/reset.
type ResetRequest struct {
	ProfileSelector
	Confirm bool `json:"confirm"`
}

// ResetResponse reports a collection reset.
type ResetResponse struct {
	CollectionID string `json:"collection_id"`
	Reset        bool   `json:"reset"`
}

// SearchRequest is the body of POST /api/v1/search.
type SearchRequest struct {
	Query          string  `json:"query"`
	RequesterID    string  `json:"requester_id"`
	Category       string  `json:"category"`
	Limit          int     `json:"limit"`
	ScoreThreshold float64 `json:"score_threshold"`
	ProfileSelector
}

// SearchResponse carries ranked hits.
type SearchResponse struct {
	Hits []retrieval.Hit `json:"hits"`
}

// CandidatesRequest is the body of POST /api/v1/search/candidates.
type CandidatesRequest struct {
	SearchRequest
	Candidates []retrieval.Candidate `json:"candidates"`
}

// CandidatesResponse carries hits attributed to candidates.
type CandidatesResponse struct {
	Hits []retrieval.TaggedHit `json:"hits"`
}
