package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognicore/triage/pkg/triage/store"
	"github.com/cognicore/triage/pkg/triage/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		return st
	})
}

// TestSchemaCreationIdempotent tests that running initSchema multiple times is safe
func TestSchemaCreationIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, initSchema(ctx, db), "iteration %d", i)
	}

	var count int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 6, count) // clusters, members, member_keys, partitions, audit_events, outcomes
}

func TestReopenPreservesClusters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	st, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	_, err = st.Commit(ctx, store.Join{
		Member:      store.Member{DocID: "a", ClusterID: "c1", CanonicalURL: "https://example.com/a", PublishedAt: at, Keys: []string{"url:https://example.com/a"}},
		KeyVersions: map[string]int64{"url:https://example.com/a": 0},
		NewCluster:  true,
		CreatedAt:   at,
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer st.Close()

	c, err := st.Cluster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a", c.CanonicalMemberID)
	assert.True(t, c.CanonicalPublishedAt.Equal(at))
	assert.True(t, c.CreatedAt.Equal(at))

	v, err := st.Versions(ctx, []string{"url:https://example.com/a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v["url:https://example.com/a"])
}
