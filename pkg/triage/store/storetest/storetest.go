// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/store"
)

// Opener returns a fresh, empty store.
type Opener func(t *testing.T) store.Store

var day = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// Run exercises open against the store contract.
func Run(t *testing.T, open Opener) {
	t.Run("CreateAndJoin", func(t *testing.T) { testCreateAndJoin(t, open(t)) })
	t.Run("CandidatesWindow", func(t *testing.T) { testCandidatesWindow(t, open(t)) })
	t.Run("StaleKeyVersionConflicts", func(t *testing.T) { testStaleKeyVersion(t, open(t)) })
	t.Run("StaleClusterVersionConflicts", func(t *testing.T) { testStaleClusterVersion(t, open(t)) })
	t.Run("CanonicalReassignment", func(t *testing.T) { testReassignment(t, open(t)) })
	t.Run("DuplicateMemberConflicts", func(t *testing.T) { testDuplicateMember(t, open(t)) })
	t.Run("ConcurrentCreateSingleWinner", func(t *testing.T) { testConcurrentCreate(t, open(t)) })
	t.Run("Outcomes", func(t *testing.T) { testOutcomes(t, open(t)) })
}

func member(docID, clusterID string, at time.Time, keys ...string) store.Member {
	return store.Member{
		DocID:           docID,
		ClusterID:       clusterID,
		CanonicalURL:    "https://example.com/" + docID,
		NormalizedTitle: "azure ad outage",
		SourceDomain:    "example.com",
		PublishedAt:     at,
		Keys:            keys,
	}
}

func versions(t *testing.T, st store.Store, keys ...string) map[string]int64 {
	t.Helper()
	v, err := st.Versions(context.Background(), keys)
	require.NoError(t, err)
	return v
}

func create(t *testing.T, st store.Store, m store.Member) store.Cluster {
	t.Helper()
	c, err := st.Commit(context.Background(), store.Join{
		Member:      m,
		KeyVersions: versions(t, st, m.Keys...),
		NewCluster:  true,
		CreatedAt:   m.PublishedAt,
		Audit: []store.AuditEvent{{
			ID: "evt-" + m.DocID, Kind: store.EventCreated, DocID: m.DocID, ClusterID: m.ClusterID, CreatedAt: m.PublishedAt,
		}},
	})
	require.NoError(t, err)
	return c
}

func testCreateAndJoin(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer st.Close()

	c := create(t, st, member("a", "c1", day, "url:a", "title:azure ad outage"))
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, "a", c.CanonicalMemberID)
	assert.Equal(t, []string{"a"}, c.MemberIDs)
	assert.Equal(t, int64(1), c.Version)

	b := member("b", "c1", day.Add(time.Hour), "url:b", "title:azure ad outage")
	b.IsDuplicate = true
	b.DuplicateOf = "a"
	c, err := st.Commit(ctx, store.Join{
		Member:         b,
		KeyVersions:    versions(t, st, b.Keys...),
		ClusterVersion: 1,
		Audit: []store.AuditEvent{{
			ID: "evt-b", Kind: store.EventJoined, DocID: "b", ClusterID: "c1", Tier: "lexical", Confidence: 1, CreatedAt: day,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "a", c.CanonicalMemberID)
	assert.Equal(t, []string{"a", "b"}, c.MemberIDs)
	assert.Equal(t, int64(2), c.Version)

	got, ok, err := st.Membership(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.IsDuplicate)
	assert.Equal(t, "a", got.DuplicateOf)
	assert.Equal(t, "c1", got.ClusterID)
	assert.True(t, got.PublishedAt.Equal(day.Add(time.Hour)))

	_, ok, err = st.Membership(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	v := versions(t, st, "title:azure ad outage", "url:a", "url:zzz")
	assert.Equal(t, int64(2), v["title:azure ad outage"])
	assert.Equal(t, int64(1), v["url:a"])
	assert.Equal(t, int64(0), v["url:zzz"])

	events, err := st.AuditEvents(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.EventCreated, events[0].Kind)
	assert.Equal(t, store.EventJoined, events[1].Kind)

	_, err = st.Cluster(ctx, "nope")
	assert.ErrorIs(t, err, internalerr.ErrNotFound)
}

func testCandidatesWindow(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer st.Close()

	create(t, st, member("old", "c-old", day.Add(-30*24*time.Hour), "title:azure ad outage"))
	create(t, st, member("new", "c-new", day, "title:azure ad outage", "url:new"))
	create(t, st, member("other", "c-other", day, "title:fortinet patch"))

	got, err := st.Candidates(ctx, []string{"title:azure ad outage", "url:new"}, day.Add(-14*24*time.Hour), day.Add(14*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].DocID)
	assert.Equal(t, "c-new", got[0].ClusterID)
	assert.ElementsMatch(t, []string{"title:azure ad outage", "url:new"}, got[0].Keys)
}

func testStaleKeyVersion(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer st.Close()

	stale := versions(t, st, "url:x")
	create(t, st, member("a", "c1", day, "url:x"))

	_, err := st.Commit(ctx, store.Join{
		Member:      member("b", "c2", day, "url:x"),
		KeyVersions: stale,
		NewCluster:  true,
	})
	assert.ErrorIs(t, err, internalerr.ErrConflict)

	_, ok, err := st.Membership(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok, "a failed commit leaves no trace")
	_, err = st.Cluster(ctx, "c2")
	assert.ErrorIs(t, err, internalerr.ErrNotFound)
}

func testStaleClusterVersion(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer st.Close()

	create(t, st, member("a", "c1", day, "url:a"))
	b := member("b", "c1", day.Add(time.Hour), "url:b")
	b.IsDuplicate, b.DuplicateOf = true, "a"
	_, err := st.Commit(ctx, store.Join{Member: b, KeyVersions: versions(t, st, "url:b"), ClusterVersion: 7})
	assert.ErrorIs(t, err, internalerr.ErrConflict)
}

func testReassignment(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer st.Close()

	create(t, st, member("late", "c1", day, "url:late"))
	b := member("mid", "c1", day.Add(time.Hour), "url:mid")
	b.IsDuplicate, b.DuplicateOf = true, "late"
	_, err := st.Commit(ctx, store.Join{Member: b, KeyVersions: versions(t, st, "url:mid"), ClusterVersion: 1})
	require.NoError(t, err)

	early := member("early", "c1", day.Add(-time.Hour), "url:early")
	c, err := st.Commit(ctx, store.Join{Member: early, KeyVersions: versions(t, st, "url:early"), ClusterVersion: 2})
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, "early", c.CanonicalMemberID)
	assert.True(t, c.CanonicalPublishedAt.Equal(day.Add(-time.Hour)))
	assert.Equal(t, []string{"late", "mid", "early"}, c.MemberIDs)

	for _, id := range []string{"late", "mid"} {
		m, ok, err := st.Membership(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, m.IsDuplicate, id)
		assert.Equal(t, "early", m.DuplicateOf, id)
	}
	m, _, err := st.Membership(ctx, "early")
	require.NoError(t, err)
	assert.False(t, m.IsDuplicate)
}

func testDuplicateMember(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer st.Close()

	create(t, st, member("a", "c1", day, "url:a"))
	_, err := st.Commit(ctx, store.Join{Member: member("a", "c2", day), NewCluster: true})
	assert.ErrorIs(t, err, internalerr.ErrConflict)
}

func testConcurrentCreate(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer st.Close()

	const workers = 8
	read := versions(t, st, "url:same")

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			_, errs[i] = st.Commit(ctx, store.Join{
				Member:      member(id, "c-"+id, day, "url:same"),
				KeyVersions: read,
				NewCluster:  true,
			})
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, internalerr.ErrConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
}

func testOutcomes(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer st.Close()

	doc := json.RawMessage(`{"id":"p1"}`)
	require.NoError(t, st.SaveOutcome(ctx, store.Outcome{DocID: "p2", Status: store.StatusPending, Reason: "inconsistent-cluster-state", Document: doc, Attempts: 1, UpdatedAt: day.Add(time.Minute)}))
	require.NoError(t, st.SaveOutcome(ctx, store.Outcome{DocID: "p1", Status: store.StatusPending, Reason: "store-unavailable", Document: doc, Attempts: 1, UpdatedAt: day}))
	require.NoError(t, st.SaveOutcome(ctx, store.Outcome{DocID: "d1", Status: store.StatusDecided, Action: "DROP", ClusterID: "c1", Decision: json.RawMessage(`{"action":"DROP"}`), UpdatedAt: day}))

	pending, err := st.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "p1", pending[0].DocID)
	assert.Equal(t, "p2", pending[1].DocID)
	assert.JSONEq(t, `{"id":"p1"}`, string(pending[0].Document))

	require.NoError(t, st.SaveOutcome(ctx, store.Outcome{DocID: "p1", Status: store.StatusDecided, Action: "REVIEW", Attempts: 2, UpdatedAt: day.Add(time.Hour)}))
	pending, err = st.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p2", pending[0].DocID)

	got, ok, err := st.Outcome(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "REVIEW", got.Action)
	assert.Equal(t, 2, got.Attempts)

	got, ok, err = st.Outcome(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"action":"DROP"}`, string(got.Decision))

	assert.ErrorIs(t, st.SaveOutcome(ctx, store.Outcome{}), internalerr.ErrInvalidInput)
}
