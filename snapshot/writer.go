// Package snapshot owns the derived tables of the catalog: the
// normalized projection, the enriched projection, and the genre
// aggregate. Every table it writes is a wholesale-replacing snapshot:
// rows are built in a staging table and swapped in atomically, so a
// partially-written snapshot is never observable to readers.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/withobsrvr/showlake-ingestion/enrich"
	"github.com/withobsrvr/showlake-ingestion/normalize"
)

// Snapshot table names. The raw history table is owned by rawstore and
// never replaced; these three are dropped and recreated every run.
const (
	NormalizedTable = "normalized_shows"
	EnrichedTable   = "enriched_shows"
	GenreStatsTable = "genre_stats"
)

// Writer writes and reads the derived tables over the store's single
// writer connection.
type Writer struct {
	db *sql.DB
}

// NewWriter wraps the catalog handle shared with the raw store.
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// WriteNormalized replaces the normalized snapshot with the given
// shows and returns the row count. The premiere date is typed here via
// TRY_CAST, so an unparseable date becomes NULL instead of failing the
// record.
func (w *Writer) WriteNormalized(ctx context.Context, shows []normalize.Show) (int64, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin normalized snapshot: %w", err)
	}
	defer tx.Rollback()

	staging := NormalizedTable + "__staging"
	if err := createNormalizedShape(ctx, tx, staging); err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			id, name, kind, language, genres, status,
			runtime, premiere_date, rating, summary
		) VALUES (?, ?, ?, ?, ?, ?, ?, TRY_CAST(? AS DATE), ?, ?)
	`, staging))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare normalized insert: %w", err)
	}
	defer stmt.Close()

	for _, show := range shows {
		genres, err := encodeGenres(show.Genres)
		if err != nil {
			return 0, err
		}
		_, err = stmt.ExecContext(ctx,
			show.ID, show.Name, show.Kind, show.Language, genres, show.Status,
			show.Runtime, show.Premiered, show.Rating, show.Summary,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert normalized show %d: %w", show.ID, err)
		}
	}

	if err := swap(ctx, tx, staging, NormalizedTable); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit normalized snapshot: %w", err)
	}
	return int64(len(shows)), nil
}

// ReadNormalized reads the normalized snapshot back with storage-typed
// columns. This is the only input the enrichment phase sees.
func (w *Writer) ReadNormalized(ctx context.Context) ([]enrich.Show, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, name, kind, language, genres, status,
		       runtime, premiere_date, rating, summary
		FROM %s ORDER BY id
	`, NormalizedTable))
	if err != nil {
		return nil, fmt.Errorf("failed to query normalized snapshot: %w", err)
	}
	defer rows.Close()

	var out []enrich.Show
	for rows.Next() {
		var (
			show      enrich.Show
			language  sql.NullString
			genres    string
			runtime   sql.NullFloat64
			premiered sql.NullTime
			rating    sql.NullFloat64
			summary   sql.NullString
		)
		err := rows.Scan(&show.ID, &show.Name, &show.Kind, &language, &genres,
			&show.Status, &runtime, &premiered, &rating, &summary)
		if err != nil {
			return nil, fmt.Errorf("failed to scan normalized row: %w", err)
		}

		if err := json.Unmarshal([]byte(genres), &show.Genres); err != nil {
			return nil, fmt.Errorf("failed to decode genres for show %d: %w", show.ID, err)
		}
		if language.Valid {
			show.Language = &language.String
		}
		if runtime.Valid {
			show.Runtime = &runtime.Float64
		}
		if premiered.Valid {
			show.Premiered = &premiered.Time
		}
		if rating.Valid {
			show.Rating = &rating.Float64
		}
		if summary.Valid {
			show.Summary = &summary.String
		}
		out = append(out, show)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading normalized rows: %w", err)
	}
	return out, nil
}

// WriteEnriched replaces the enriched snapshot and the genre aggregate
// in one transaction, so the pair is always mutually consistent.
func (w *Writer) WriteEnriched(ctx context.Context, shows []enrich.EnrichedShow, stats []enrich.GenreStat) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enriched snapshot: %w", err)
	}
	defer tx.Rollback()

	enrichedStaging := EnrichedTable + "__staging"
	if err := createEnrichedShape(ctx, tx, enrichedStaging); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			id, name, kind, language, genres, status,
			runtime, premiere_date, rating, summary,
			years_since_premiere, is_active, popularity_category
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, enrichedStaging))
	if err != nil {
		return fmt.Errorf("failed to prepare enriched insert: %w", err)
	}
	defer stmt.Close()

	for _, show := range shows {
		genres, err := encodeGenres(show.Genres)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			show.ID, show.Name, show.Kind, show.Language, genres, show.Status,
			show.Runtime, show.Premiered, show.Rating, show.Summary,
			show.YearsSincePremiere, show.IsActive, show.Popularity,
		)
		if err != nil {
			return fmt.Errorf("failed to insert enriched show %d: %w", show.ID, err)
		}
	}

	statsStaging := GenreStatsTable + "__staging"
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, statsStaging)); err != nil {
		return fmt.Errorf("failed to clear stale staging %s: %w", statsStaging, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s (genre VARCHAR NOT NULL, avg_rating DOUBLE)
	`, statsStaging)); err != nil {
		return fmt.Errorf("failed to create genre stats staging: %w", err)
	}

	statStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (genre, avg_rating) VALUES (?, ?)`, statsStaging))
	if err != nil {
		return fmt.Errorf("failed to prepare genre stats insert: %w", err)
	}
	defer statStmt.Close()

	for _, stat := range stats {
		if _, err := statStmt.ExecContext(ctx, stat.Genre, stat.AvgRating); err != nil {
			return fmt.Errorf("failed to insert genre stat %s: %w", stat.Genre, err)
		}
	}

	if err := swap(ctx, tx, enrichedStaging, EnrichedTable); err != nil {
		return err
	}
	if err := swap(ctx, tx, statsStaging, GenreStatsTable); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enriched snapshot: %w", err)
	}
	return nil
}

// ExportParquet copies a whole table to a parquet file through DuckDB.
// Snapshot audit artifacts are written this way after each commit.
func (w *Writer) ExportParquet(ctx context.Context, table, path string) error {
	_, err := w.db.ExecContext(ctx, fmt.Sprintf(
		`COPY (SELECT * FROM %s) TO '%s' (FORMAT PARQUET)`,
		table, strings.ReplaceAll(path, "'", "''")))
	if err != nil {
		return fmt.Errorf("failed to export %s to %s: %w", table, path, err)
	}
	return nil
}

// CountRows returns the row count of one snapshot table.
func (w *Writer) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := w.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func createNormalizedShape(ctx context.Context, tx *sql.Tx, table string) error {
	// A crash mid-snapshot can leave a stale staging table behind.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fmt.Errorf("failed to clear stale staging %s: %w", table, err)
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s (
			id BIGINT NOT NULL,
			name VARCHAR NOT NULL,
			kind VARCHAR NOT NULL,
			language VARCHAR,
			genres VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			runtime DOUBLE,
			premiere_date DATE,
			rating DOUBLE,
			summary VARCHAR
		)
	`, table))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}
	return nil
}

func createEnrichedShape(ctx context.Context, tx *sql.Tx, table string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fmt.Errorf("failed to clear stale staging %s: %w", table, err)
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s (
			id BIGINT NOT NULL,
			name VARCHAR NOT NULL,
			kind VARCHAR NOT NULL,
			language VARCHAR,
			genres VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			runtime DOUBLE,
			premiere_date DATE,
			rating DOUBLE,
			summary VARCHAR,
			years_since_premiere INTEGER,
			is_active BOOLEAN NOT NULL,
			popularity_category VARCHAR
		)
	`, table))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}
	return nil
}

// swap replaces the live table with the staging table inside the
// caller's transaction. DuckDB DDL is transactional, so the old
// snapshot stays queryable until the commit.
func swap(ctx context.Context, tx *sql.Tx, staging, live string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, live)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", live, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, staging, live)); err != nil {
		return fmt.Errorf("failed to swap %s into place: %w", staging, err)
	}
	return nil
}

// encodeGenres stores the ordered genre list as a JSON array so the
// sequence and its fidelity survive the round trip.
func encodeGenres(genres []string) (string, error) {
	if genres == nil {
		genres = []string{}
	}
	data, err := json.Marshal(genres)
	if err != nil {
		return "", fmt.Errorf("failed to encode genres: %w", err)
	}
	return string(data), nil
}
