package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/store"
)

// sqliteStore implements the Store interface using SQLite
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite database with WAL mode enabled. Writes go
// through a single connection; Commit stays a conditional write so a
// decision made on stale reads is still rejected.
func OpenSQLite(ctx context.Context, path string) (store.Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	// Initialize schema
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStore{db: db}, nil
}

// Close closes the database connection
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// initSchema creates tables if they don't exist
func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS clusters (
	id TEXT PRIMARY KEY,
	canonical_member_id TEXT NOT NULL,
	canonical_published_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS members (
	doc_id TEXT PRIMARY KEY,
	cluster_id TEXT NOT NULL,
	canonical_url TEXT,
	normalized_title TEXT,
	source_domain TEXT,
	published_at INTEGER NOT NULL,
	is_duplicate INTEGER NOT NULL DEFAULT 0,
	duplicate_of TEXT,
	FOREIGN KEY(cluster_id) REFERENCES clusters(id)
);

CREATE INDEX IF NOT EXISTS idx_members_cluster ON members(cluster_id);

CREATE TABLE IF NOT EXISTS member_keys (
	key TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	published_at INTEGER NOT NULL,
	PRIMARY KEY(key, doc_id),
	FOREIGN KEY(doc_id) REFERENCES members(doc_id)
);

CREATE INDEX IF NOT EXISTS idx_member_keys_window ON member_keys(key, published_at);

CREATE TABLE IF NOT EXISTS partitions (
	key TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	cluster_id TEXT NOT NULL,
	tier TEXT,
	confidence REAL,
	runner_up_cluster_id TEXT,
	runner_up_confidence REAL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_cluster ON audit_events(cluster_id);

CREATE TABLE IF NOT EXISTS outcomes (
	doc_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	reason TEXT,
	cluster_id TEXT,
	action TEXT,
	document TEXT,
	decision TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_status ON outcomes(status, updated_at);
`

	_, err := db.ExecContext(ctx, schema)
	return err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Membership returns the cluster membership of docID.
func (s *sqliteStore) Membership(ctx context.Context, docID string) (store.Member, bool, error) {
	m, err := loadMember(ctx, s.db, docID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Member{}, false, nil
	}
	if err != nil {
		return store.Member{}, false, err
	}
	return m, true, nil
}

// Candidates returns members sharing any of keys published in [since, until].
func (s *sqliteStore) Candidates(ctx context.Context, keys []string, since, until time.Time) ([]store.Member, error) {
	keys = uniqueStrings(keys)
	if len(keys) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(keys)+2)
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, since.UnixNano(), until.UnixNano())

	query := fmt.Sprintf(`
SELECT DISTINCT doc_id
FROM member_keys
WHERE key IN (%s) AND published_at BETWEEN ? AND ?
ORDER BY doc_id;
`, placeholders(len(keys)))

	ids, err := loadStringColumn(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}

	out := make([]store.Member, 0, len(ids))
	for _, id := range ids {
		m, err := loadMember(ctx, s.db, id)
		if err != nil {
			return nil, fmt.Errorf("load member %s: %w", id, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Cluster returns a cluster by id.
func (s *sqliteStore) Cluster(ctx context.Context, id string) (store.Cluster, error) {
	return loadCluster(ctx, s.db, id)
}

// Versions returns the current version of each key; unseen keys are 0.
func (s *sqliteStore) Versions(ctx context.Context, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	keys = uniqueStrings(keys)
	if len(keys) == 0 {
		return out, nil
	}
	for _, k := range keys {
		out[k] = 0
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key, version FROM partitions WHERE key IN (%s)`, placeholders(len(keys))), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			v int64
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Commit applies j in one transaction if every version it was decided
// against still holds.
func (s *sqliteStore) Commit(ctx context.Context, j store.Join) (store.Cluster, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Cluster{}, err
	}
	defer tx.Rollback()

	m := j.Member

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM members WHERE doc_id = ?`, m.DocID).Scan(&exists)
	if err != nil {
		return store.Cluster{}, err
	}
	if exists > 0 {
		return store.Cluster{}, fmt.Errorf("member %s already assigned: %w", m.DocID, internalerr.ErrConflict)
	}

	for k, want := range j.KeyVersions {
		if err := bumpPartition(ctx, tx, k, want); err != nil {
			return store.Cluster{}, err
		}
	}

	if j.NewCluster {
		res, err := tx.ExecContext(ctx, `
INSERT INTO clusters (id, canonical_member_id, canonical_published_at, created_at, version)
VALUES (?, ?, ?, ?, 1)
ON CONFLICT(id) DO NOTHING;
`, m.ClusterID, m.DocID, m.PublishedAt.UnixNano(), j.CreatedAt.UnixNano())
		if err != nil {
			return store.Cluster{}, err
		}
		if err := expectOne(res, "cluster "+m.ClusterID+" exists"); err != nil {
			return store.Cluster{}, err
		}
	} else {
		var res sql.Result
		if j.Reassigns() {
			res, err = tx.ExecContext(ctx, `
UPDATE clusters
SET version = version + 1, canonical_member_id = ?, canonical_published_at = ?
WHERE id = ? AND version = ?;
`, m.DocID, m.PublishedAt.UnixNano(), m.ClusterID, j.ClusterVersion)
		} else {
			res, err = tx.ExecContext(ctx, `
UPDATE clusters SET version = version + 1 WHERE id = ? AND version = ?;
`, m.ClusterID, j.ClusterVersion)
		}
		if err != nil {
			return store.Cluster{}, err
		}
		if err := expectOne(res, fmt.Sprintf("cluster %s at version %d", m.ClusterID, j.ClusterVersion)); err != nil {
			return store.Cluster{}, err
		}
		if j.Reassigns() {
			if _, err := tx.ExecContext(ctx, `
UPDATE members SET is_duplicate = 1, duplicate_of = ? WHERE cluster_id = ?;
`, m.DocID, m.ClusterID); err != nil {
				return store.Cluster{}, err
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO members (doc_id, cluster_id, canonical_url, normalized_title, source_domain, published_at, is_duplicate, duplicate_of)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, m.DocID, m.ClusterID, m.CanonicalURL, m.NormalizedTitle, m.SourceDomain, m.PublishedAt.UnixNano(), boolInt(m.IsDuplicate), m.DuplicateOf)
	if err != nil {
		return store.Cluster{}, err
	}

	if err := insertMemberKeys(ctx, tx, m); err != nil {
		return store.Cluster{}, err
	}
	if err := insertAudit(ctx, tx, j.Audit); err != nil {
		return store.Cluster{}, err
	}

	c, err := loadCluster(ctx, tx, m.ClusterID)
	if err != nil {
		return store.Cluster{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Cluster{}, err
	}
	return c, nil
}

// bumpPartition advances key from want to want+1 or reports a conflict.
func bumpPartition(ctx context.Context, tx *sql.Tx, key string, want int64) error {
	var (
		res sql.Result
		err error
	)
	if want == 0 {
		res, err = tx.ExecContext(ctx, `
INSERT INTO partitions (key, version) VALUES (?, 1)
ON CONFLICT(key) DO NOTHING;
`, key)
	} else {
		res, err = tx.ExecContext(ctx, `
UPDATE partitions SET version = version + 1 WHERE key = ? AND version = ?;
`, key, want)
	}
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("key %s at version %d", key, want))
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", what, internalerr.ErrConflict)
	}
	return nil
}

func insertMemberKeys(ctx context.Context, tx *sql.Tx, m store.Member) error {
	keys := uniqueStrings(m.Keys)
	if len(keys) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO member_keys (key, doc_id, published_at) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k, m.DocID, m.PublishedAt.UnixNano()); err != nil {
			return err
		}
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, events []store.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO audit_events (id, kind, doc_id, cluster_id, tier, confidence, runner_up_cluster_id, runner_up_confidence, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Kind, e.DocID, e.ClusterID, e.Tier, e.Confidence,
			e.RunnerUpClusterID, e.RunnerUpConfidence, e.CreatedAt.UnixNano()); err != nil {
			return err
		}
	}
	return nil
}

// AuditEvents returns the events recorded for clusterID, oldest first. An
// empty clusterID returns every event.
func (s *sqliteStore) AuditEvents(ctx context.Context, clusterID string) ([]store.AuditEvent, error) {
	query := `
SELECT id, kind, doc_id, cluster_id, tier, confidence, runner_up_cluster_id, runner_up_confidence, created_at
FROM audit_events`
	var args []any
	if clusterID != "" {
		query += ` WHERE cluster_id = ? OR runner_up_cluster_id = ?`
		args = append(args, clusterID, clusterID)
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AuditEvent
	for rows.Next() {
		var (
			e                store.AuditEvent
			tier, runnerUp   sql.NullString
			conf, runnerConf sql.NullFloat64
			created          int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.DocID, &e.ClusterID, &tier, &conf, &runnerUp, &runnerConf, &created); err != nil {
			return nil, err
		}
		e.Tier = tier.String
		e.Confidence = conf.Float64
		e.RunnerUpClusterID = runnerUp.String
		e.RunnerUpConfidence = runnerConf.Float64
		e.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveOutcome inserts or replaces the outcome for o.DocID.
func (s *sqliteStore) SaveOutcome(ctx context.Context, o store.Outcome) error {
	if o.DocID == "" {
		return fmt.Errorf("outcome without doc id: %w", internalerr.ErrInvalidInput)
	}
	const stmt = `
INSERT INTO outcomes (doc_id, status, reason, cluster_id, action, document, decision, attempts, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(doc_id) DO UPDATE SET
	status=excluded.status,
	reason=excluded.reason,
	cluster_id=excluded.cluster_id,
	action=excluded.action,
	document=COALESCE(excluded.document, outcomes.document),
	decision=excluded.decision,
	attempts=excluded.attempts,
	updated_at=excluded.updated_at;
`
	_, err := s.db.ExecContext(ctx, stmt, o.DocID, o.Status, o.Reason, o.ClusterID, o.Action,
		nullBytes(o.Document), nullBytes(o.Decision), o.Attempts, o.UpdatedAt.UnixNano())
	return err
}

// Outcome returns the stored outcome for docID.
func (s *sqliteStore) Outcome(ctx context.Context, docID string) (store.Outcome, bool, error) {
	rows, err := s.queryOutcomes(ctx, `WHERE doc_id = ?`, docID)
	if err != nil {
		return store.Outcome{}, false, err
	}
	if len(rows) == 0 {
		return store.Outcome{}, false, nil
	}
	return rows[0], true, nil
}

// Pending returns up to limit pending outcomes, least recently updated first.
func (s *sqliteStore) Pending(ctx context.Context, limit int) ([]store.Outcome, error) {
	clause := `WHERE status = ? ORDER BY updated_at, doc_id`
	args := []any{store.StatusPending}
	if limit > 0 {
		clause += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryOutcomes(ctx, clause, args...)
}

func (s *sqliteStore) queryOutcomes(ctx context.Context, clause string, args ...any) ([]store.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT doc_id, status, reason, cluster_id, action, document, decision, attempts, updated_at
FROM outcomes `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Outcome
	for rows.Next() {
		var (
			o                       store.Outcome
			reason, cluster, action sql.NullString
			doc, decision           sql.NullString
			updated                 int64
		)
		if err := rows.Scan(&o.DocID, &o.Status, &reason, &cluster, &action, &doc, &decision, &o.Attempts, &updated); err != nil {
			return nil, err
		}
		o.Reason = reason.String
		o.ClusterID = cluster.String
		o.Action = action.String
		if doc.Valid {
			o.Document = []byte(doc.String)
		}
		if decision.Valid {
			o.Decision = []byte(decision.String)
		}
		o.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

func loadMember(ctx context.Context, q querier, docID string) (store.Member, error) {
	var (
		m                  store.Member
		url, title, domain sql.NullString
		dupOf              sql.NullString
		published          int64
		isDup              int
	)
	err := q.QueryRowContext(ctx, `
SELECT doc_id, cluster_id, canonical_url, normalized_title, source_domain, published_at, is_duplicate, duplicate_of
FROM members
WHERE doc_id = ?;
`, docID).Scan(&m.DocID, &m.ClusterID, &url, &title, &domain, &published, &isDup, &dupOf)
	if err != nil {
		return store.Member{}, err
	}
	m.CanonicalURL = url.String
	m.NormalizedTitle = title.String
	m.SourceDomain = domain.String
	m.PublishedAt = time.Unix(0, published).UTC()
	m.IsDuplicate = isDup != 0
	m.DuplicateOf = dupOf.String

	m.Keys, err = loadStringColumn(ctx, q, `SELECT key FROM member_keys WHERE doc_id = ? ORDER BY key`, docID)
	if err != nil {
		return store.Member{}, err
	}
	return m, nil
}

func loadCluster(ctx context.Context, q querier, id string) (store.Cluster, error) {
	var (
		c                  store.Cluster
		canonicalPublished int64
		created            int64
	)
	err := q.QueryRowContext(ctx, `
SELECT id, canonical_member_id, canonical_published_at, created_at, version
FROM clusters
WHERE id = ?;
`, id).Scan(&c.ID, &c.CanonicalMemberID, &canonicalPublished, &created, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Cluster{}, fmt.Errorf("cluster %s: %w", id, internalerr.ErrNotFound)
	}
	if err != nil {
		return store.Cluster{}, err
	}
	c.CanonicalPublishedAt = time.Unix(0, canonicalPublished).UTC()
	c.CreatedAt = time.Unix(0, created).UTC()

	c.MemberIDs, err = loadStringColumn(ctx, q, `SELECT doc_id FROM members WHERE cluster_id = ? ORDER BY rowid`, id)
	if err != nil {
		return store.Cluster{}, err
	}
	return c, nil
}

func loadStringColumn(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var val string
		if err := rows.Scan(&val); err != nil {
			return nil, err
		}
		result = append(result, val)
	}
	return result, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func uniqueStrings(in []string) []string {
	set := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
