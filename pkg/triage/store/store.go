package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists clusters, memberships, dedup audit events and triage
// outcomes. Commit is the only write that touches cluster state; it is a
// conditional write checked against the versions read beforehand.
type Store interface {
	Close() error

	// Clusters
	Membership(ctx context.Context, docID string) (Member, bool, error)
	Candidates(ctx context.Context, keys []string, since, until time.Time) ([]Member, error)
	Cluster(ctx context.Context, id string) (Cluster, error)
	Versions(ctx context.Context, keys []string) (map[string]int64, error)
	Commit(ctx context.Context, j Join) (Cluster, error)

	// Audit
	AuditEvents(ctx context.Context, clusterID string) ([]AuditEvent, error)

	// Outcomes
	SaveOutcome(ctx context.Context, o Outcome) error
	Outcome(ctx context.Context, docID string) (Outcome, bool, error)
	Pending(ctx context.Context, limit int) ([]Outcome, error)
}

// Member is one document's cluster membership together with the key
// material later documents are compared against.
type Member struct {
	DocID           string    `json:"doc_id"`
	ClusterID       string    `json:"cluster_id"`
	CanonicalURL    string    `json:"canonical_url,omitempty"`
	NormalizedTitle string    `json:"normalized_title,omitempty"`
	SourceDomain    string    `json:"source_domain,omitempty"`
	PublishedAt     time.Time `json:"published_at"`
	IsDuplicate     bool      `json:"is_duplicate"`
	DuplicateOf     string    `json:"duplicate_of,omitempty"`
	Keys            []string  `json:"keys,omitempty"`
}

// Cluster is a set of documents reporting the same event. ID never
// changes; MemberIDs only grows.
type Cluster struct {
	ID                   string    `json:"cluster_id"`
	CanonicalMemberID    string    `json:"canonical_member_id"`
	CanonicalPublishedAt time.Time `json:"canonical_published_at"`
	MemberIDs            []string  `json:"member_ids"`
	CreatedAt            time.Time `json:"created_at"`
	Version              int64     `json:"version"`
}

// Join is a conditional create-or-join. KeyVersions holds the version of
// every partition key as read before the decision; Commit fails with
// internalerr.ErrConflict if any of them, or the joined cluster's version,
// moved in between.
type Join struct {
	Member         Member
	KeyVersions    map[string]int64
	NewCluster     bool
	ClusterVersion int64 // expected version when joining an existing cluster
	CreatedAt      time.Time
	Audit          []AuditEvent
}

// Reassigns reports whether committing j makes the new member canonical
// for an existing cluster.
func (j Join) Reassigns() bool {
	return !j.NewCluster && !j.Member.IsDuplicate
}

// Audit event kinds.
const (
	EventCreated    = "created"
	EventJoined     = "joined"
	EventReassigned = "canonical-reassigned"
	EventAmbiguous  = "ambiguous-match"
)

// AuditEvent records one dedup decision for later human audit.
type AuditEvent struct {
	ID                 string    `json:"id"`
	Kind               string    `json:"kind"`
	DocID              string    `json:"doc_id"`
	ClusterID          string    `json:"cluster_id"`
	Tier               string    `json:"tier,omitempty"`
	Confidence         float64   `json:"confidence"`
	RunnerUpClusterID  string    `json:"runner_up_cluster_id,omitempty"`
	RunnerUpConfidence float64   `json:"runner_up_confidence,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Outcome statuses.
const (
	StatusDecided = "decided"
	StatusPending = "pending"
)

// Outcome is the stored result of processing one document. Pending
// outcomes keep the document so it can be replayed.
type Outcome struct {
	DocID     string          `json:"doc_id"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	ClusterID string          `json:"cluster_id,omitempty"`
	Action    string          `json:"action,omitempty"`
	Document  json.RawMessage `json:"document,omitempty"`
	Decision  json.RawMessage `json:"decision,omitempty"`
	Attempts  int             `json:"attempts"`
	UpdatedAt time.Time       `json:"updated_at"`
}
