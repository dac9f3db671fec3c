// Secondary index over listJobs/readJob, backed by a pure-Go SQLite
// (SPEC_FULL.md §D). The index is a rebuildable accelerator, never
// authoritative: tasks-status.json on disk is always the source of truth.
// OpenIndex does not rebuild; Rebuild and RebuildIfStale do. ListJobs,
// ReadJob and AggregateJobs work from a filesystem scan and do not use the
// index. This keeps spec.md §5's "reads never
// mutate the filesystem" guarantee intact — the sqlite file lives outside
// any job directory.
package reader

import (
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pipeforge/pipeforge/internal/paths"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT NOT NULL,
	bucket TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT '',
	last_updated TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (id, bucket)
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
`

// Index is a rebuildable sqlite cache over job summaries, sized to keep
// AggregateJobs fast as the complete/ bucket grows into the thousands of
// jobs (SPEC_FULL.md §D).
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if absent) the sqlite index file at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("reader: opening index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reader: initializing index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the index's database handle.
func (idx *Index) Close() error {
	if idx == nil || idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// Rebuild re-derives the index from the canonical current/ and complete/
// job directories under dataRoot, discarding any prior content.
func (idx *Index) Rebuild(dataRoot string) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("reader: beginning rebuild transaction: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM jobs"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reader: clearing index: %w", err)
	}

	for _, bucket := range []paths.Bucket{paths.Current, paths.Complete} {
		ids, err := ListJobs(dataRoot, bucket)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("reader: listing %s: %w", bucket, err)
		}
		for _, id := range ids {
			rec, err := readJobFrom(dataRoot, id, bucket)
			if err != nil {
				continue // tolerate a racing job directory, skip it this rebuild
			}
			s := SummarizeJob(rec)
			if _, err := tx.Exec(
				`INSERT INTO jobs (id, bucket, state, created_at, last_updated) VALUES (?, ?, ?, ?, ?)`,
				s.ID, string(s.Bucket), s.State, s.CreatedAt, s.LastUpdated,
			); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("reader: indexing job %s: %w", id, err)
			}
		}
	}

	return tx.Commit()
}

// RebuildIfStale rebuilds the index when it is empty or its row count no
// longer matches a cheap on-disk job count, so a crashed-mid-write index
// never serves data staler than the next read.
func (idx *Index) RebuildIfStale(dataRoot string) error {
	onDisk := 0
	for _, bucket := range []paths.Bucket{paths.Current, paths.Complete} {
		ids, err := ListJobs(dataRoot, bucket)
		if err != nil {
			return idx.Rebuild(dataRoot)
		}
		onDisk += len(ids)
	}

	var indexed int
	if err := idx.db.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&indexed); err != nil {
		return idx.Rebuild(dataRoot)
	}
	if indexed != onDisk {
		return idx.Rebuild(dataRoot)
	}
	return nil
}

// Aggregate returns every indexed job as a sorted JobSummary list, using
// the same ordering AggregateJobs applies (statusPriority, createdAt asc,
// id asc), with current-wins precedence baked into the primary key query.
func (idx *Index) Aggregate() ([]JobSummary, error) {
	rows, err := idx.db.Query(`
		SELECT id, bucket, state, created_at, last_updated
		FROM jobs j
		WHERE bucket = 'current'
		   OR NOT EXISTS (SELECT 1 FROM jobs j2 WHERE j2.id = j.id AND j2.bucket = 'current')
	`)
	if err != nil {
		return nil, fmt.Errorf("reader: querying index: %w", err)
	}
	defer rows.Close()

	var out []JobSummary
	for rows.Next() {
		var s JobSummary
		var bucket string
		if err := rows.Scan(&s.ID, &bucket, &s.State, &s.CreatedAt, &s.LastUpdated); err != nil {
			return nil, fmt.Errorf("reader: scanning index row: %w", err)
		}
		s.Bucket = paths.Bucket(bucket)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return AggregateJobs(out, nil), nil
}
