package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/store"
)

// Store is an in-memory implementation of store.Store for tests and dry runs.
type Store struct {
	mu       sync.RWMutex
	members  map[string]store.Member
	clusters map[string]store.Cluster
	keys     map[string]int64    // partition key -> version
	keyDocs  map[string][]string // partition key -> member doc ids
	audit    []store.AuditEvent
	outcomes map[string]store.Outcome
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		members:  make(map[string]store.Member),
		clusters: make(map[string]store.Cluster),
		keys:     make(map[string]int64),
		keyDocs:  make(map[string][]string),
		outcomes: make(map[string]store.Outcome),
	}
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// Membership returns the cluster membership of docID.
func (s *Store) Membership(ctx context.Context, docID string) (store.Member, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[docID]
	return copyMember(m), ok, nil
}

// Candidates returns members sharing any of keys published in [since, until].
func (s *Store) Candidates(ctx context.Context, keys []string, since, until time.Time) ([]store.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []store.Member
	for _, k := range keys {
		for _, id := range s.keyDocs[k] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			m := s.members[id]
			if m.PublishedAt.Before(since) || m.PublishedAt.After(until) {
				continue
			}
			out = append(out, copyMember(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out, nil
}

// Cluster returns a cluster by id.
func (s *Store) Cluster(ctx context.Context, id string) (store.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clusters[id]
	if !ok {
		return store.Cluster{}, fmt.Errorf("cluster %s: %w", id, internalerr.ErrNotFound)
	}
	return copyCluster(c), nil
}

// Versions returns the current version of each key; unseen keys are 0.
func (s *Store) Versions(ctx context.Context, keys []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		out[k] = s.keys[k]
	}
	return out, nil
}

// Commit applies j if every version it was decided against still holds.
func (s *Store) Commit(ctx context.Context, j store.Join) (store.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := j.Member
	if _, exists := s.members[m.DocID]; exists {
		return store.Cluster{}, fmt.Errorf("member %s already assigned: %w", m.DocID, internalerr.ErrConflict)
	}
	for k, want := range j.KeyVersions {
		if s.keys[k] != want {
			return store.Cluster{}, fmt.Errorf("key %s moved from %d to %d: %w", k, want, s.keys[k], internalerr.ErrConflict)
		}
	}

	var c store.Cluster
	if j.NewCluster {
		if _, exists := s.clusters[m.ClusterID]; exists {
			return store.Cluster{}, fmt.Errorf("cluster %s exists: %w", m.ClusterID, internalerr.ErrConflict)
		}
		c = store.Cluster{
			ID:                   m.ClusterID,
			CanonicalMemberID:    m.DocID,
			CanonicalPublishedAt: m.PublishedAt,
			CreatedAt:            j.CreatedAt,
		}
	} else {
		var ok bool
		c, ok = s.clusters[m.ClusterID]
		if !ok {
			return store.Cluster{}, fmt.Errorf("cluster %s: %w", m.ClusterID, internalerr.ErrNotFound)
		}
		if c.Version != j.ClusterVersion {
			return store.Cluster{}, fmt.Errorf("cluster %s moved from %d to %d: %w", c.ID, j.ClusterVersion, c.Version, internalerr.ErrConflict)
		}
		c = copyCluster(c)
	}

	if j.Reassigns() {
		for _, id := range c.MemberIDs {
			prev := s.members[id]
			prev.IsDuplicate = true
			prev.DuplicateOf = m.DocID
			s.members[id] = prev
		}
		c.CanonicalMemberID = m.DocID
		c.CanonicalPublishedAt = m.PublishedAt
	}

	c.MemberIDs = append(c.MemberIDs, m.DocID)
	c.Version++
	s.clusters[c.ID] = c

	s.members[m.DocID] = copyMember(m)
	for k := range j.KeyVersions {
		s.keys[k]++
	}
	for _, k := range m.Keys {
		s.keyDocs[k] = append(s.keyDocs[k], m.DocID)
	}
	s.audit = append(s.audit, j.Audit...)

	return copyCluster(c), nil
}

// AuditEvents returns the events recorded for clusterID, oldest first. An
// empty clusterID returns every event.
func (s *Store) AuditEvents(ctx context.Context, clusterID string) ([]store.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.AuditEvent
	for _, e := range s.audit {
		if clusterID == "" || e.ClusterID == clusterID || e.RunnerUpClusterID == clusterID {
			out = append(out, e)
		}
	}
	return out, nil
}

// SaveOutcome inserts or replaces the outcome for o.DocID.
func (s *Store) SaveOutcome(ctx context.Context, o store.Outcome) error {
	if o.DocID == "" {
		return fmt.Errorf("outcome without doc id: %w", internalerr.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[o.DocID] = copyOutcome(o)
	return nil
}

// Outcome returns the stored outcome for docID.
func (s *Store) Outcome(ctx context.Context, docID string) (store.Outcome, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[docID]
	return copyOutcome(o), ok, nil
}

// Pending returns up to limit pending outcomes, least recently updated first.
func (s *Store) Pending(ctx context.Context, limit int) ([]store.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Outcome
	for _, o := range s.outcomes {
		if o.Status == store.StatusPending {
			out = append(out, copyOutcome(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].DocID < out[j].DocID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyMember(m store.Member) store.Member {
	m.Keys = append([]string(nil), m.Keys...)
	return m
}

func copyCluster(c store.Cluster) store.Cluster {
	c.MemberIDs = append([]string(nil), c.MemberIDs...)
	return c
}

func copyOutcome(o store.Outcome) store.Outcome {
	o.Document = append([]byte(nil), o.Document...)
	o.Decision = append([]byte(nil), o.Decision...)
	return o
}

var _ store.Store = (*Store)(nil)
