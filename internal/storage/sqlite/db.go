// Package sqlite persists companies and their score results.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"leadscore/internal/domain"
)

type Company struct {
	ID          int64     `yaml:"-"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Website     string    `yaml:"website"`
	Industry    string    `yaml:"industry"`
	Location    string    `yaml:"location"`
	Active      bool      `yaml:"-"`
	CreatedAt   time.Time `yaml:"-"`
}

type Stats struct {
	Companies          int
	ActiveCompanies    int
	Results            int
	SuccessfulResults  int
	FallbackResults    int
	AverageScore       float64
	HighScoreCompanies int
}

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS companies (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		website     TEXT DEFAULT '',
		industry    TEXT DEFAULT '',
		location    TEXT DEFAULT '',
		active      INTEGER NOT NULL DEFAULT 1,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS analysis_results (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		company_id    INTEGER NOT NULL,
		business_tags TEXT DEFAULT '',
		score         INTEGER NOT NULL DEFAULT 0,
		confidence    REAL NOT NULL DEFAULT 0,
		rationale     TEXT DEFAULT '',
		succeeded     INTEGER NOT NULL DEFAULT 0,
		error_detail  TEXT DEFAULT '',
		raw_payload   TEXT DEFAULT '',
		fallback      INTEGER NOT NULL DEFAULT 0,
		cached        INTEGER NOT NULL DEFAULT 0,
		model         TEXT DEFAULT '',
		analyzed_at   DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ar_company ON analysis_results(company_id);
	CREATE INDEX IF NOT EXISTS idx_ar_analyzed_at ON analysis_results(analyzed_at);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}

	// Migration: files created before the model column existed.
	var colCount int
	_ = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('analysis_results') WHERE name = 'model'`).Scan(&colCount)
	if colCount == 0 {
		_, _ = db.Exec(`ALTER TABLE analysis_results ADD COLUMN model TEXT DEFAULT ''`)
	}

	return db, nil
}

// InsertCompanies inserts companies whose name is not stored yet and returns
// how many were inserted.
func InsertCompanies(db *sql.DB, companies []Company) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO companies (name, description, website, industry, location)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range companies {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		res, err := stmt.Exec(name, strings.TrimSpace(c.Description), c.Website, c.Industry, c.Location)
		if err != nil {
			return inserted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	return inserted, tx.Commit()
}

// GetWorkItem returns one company as a work item, active or not. An unknown
// id matches domain.ErrNotFound.
func GetWorkItem(ctx context.Context, db *sql.DB, id int64) (domain.WorkItem, error) {
	var item domain.WorkItem
	err := db.QueryRowContext(ctx,
		`SELECT id, name, description FROM companies WHERE id = ?`, id,
	).Scan(&item.ID, &item.Name, &item.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkItem{}, fmt.Errorf("company %d: %w", id, domain.ErrNotFound)
	}
	return item, err
}

func InsertResult(ctx context.Context, db *sql.DB, companyID int64, r domain.ScoreResult, analyzedAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO analysis_results
		 (company_id, business_tags, score, confidence, rationale, succeeded, error_detail, raw_payload, fallback, cached, model, analyzed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		companyID, encodeTags(r.BusinessTags), r.Score, r.Confidence, r.Rationale, r.Succeeded,
		r.ErrorDetail, r.RawPayload, r.Fallback, r.Cached, r.Model, analyzedAt.UTC(),
	)
	return err
}

// FindUnscored returns active companies with a description and no successful
// result. limit <= 0 means no limit.
func FindUnscored(ctx context.Context, db *sql.DB, limit int) ([]domain.WorkItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT c.id, c.name, c.description FROM companies c
		 WHERE c.active = 1 AND TRIM(c.description) != ''
		   AND NOT EXISTS (
		     SELECT 1 FROM analysis_results r WHERE r.company_id = c.id AND r.succeeded = 1
		   )
		 ORDER BY c.id LIMIT ?`,
		sqlLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return scanWorkItems(rows)
}

// FindLowConfidence returns active companies whose latest successful result
// was stored at or after since with confidence below the threshold.
func FindLowConfidence(ctx context.Context, db *sql.DB, below float64, since time.Time, limit int) ([]domain.WorkItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT c.id, c.name, c.description FROM companies c
		 JOIN analysis_results r ON r.company_id = c.id
		 WHERE c.active = 1 AND r.succeeded = 1
		   AND r.id = (
		     SELECT MAX(r2.id) FROM analysis_results r2 WHERE r2.company_id = c.id AND r2.succeeded = 1
		   )
		   AND r.analyzed_at >= ? AND r.confidence < ?
		 ORDER BY r.confidence, c.id LIMIT ?`,
		since.UTC(), below, sqlLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return scanWorkItems(rows)
}

// FindByIndustry returns active companies with a description whose industry
// matches, ignoring case and surrounding space.
func FindByIndustry(ctx context.Context, db *sql.DB, industry string, limit int) ([]domain.WorkItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT c.id, c.name, c.description FROM companies c
		 WHERE c.active = 1 AND TRIM(c.description) != ''
		   AND LOWER(TRIM(c.industry)) = LOWER(?)
		 ORDER BY c.id LIMIT ?`,
		strings.TrimSpace(industry), sqlLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return scanWorkItems(rows)
}

func GetStats(ctx context.Context, db *sql.DB, highScoreThreshold int) (Stats, error) {
	var s Stats
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(active), 0) FROM companies`,
	).Scan(&s.Companies, &s.ActiveCompanies)
	if err != nil {
		return s, err
	}
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(succeeded), 0),
		        COALESCE(SUM(fallback), 0),
		        COALESCE(AVG(CASE WHEN succeeded = 1 THEN score END), 0),
		        COUNT(DISTINCT CASE WHEN succeeded = 1 AND score >= ? THEN company_id END)
		 FROM analysis_results`, highScoreThreshold,
	).Scan(&s.Results, &s.SuccessfulResults, &s.FallbackResults, &s.AverageScore, &s.HighScoreCompanies)
	return s, err
}

// CleanupResultsOlderThan deletes results stored before cutoff.
func CleanupResultsOlderThan(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM analysis_results WHERE analyzed_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanWorkItems(rows *sql.Rows) ([]domain.WorkItem, error) {
	defer rows.Close()

	var items []domain.WorkItem
	for rows.Next() {
		var item domain.WorkItem
		if err := rows.Scan(&item.ID, &item.Name, &item.Text); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func encodeTags(tags []domain.BusinessTag) string {
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func decodeTags(s string) []domain.BusinessTag {
	if s == "" {
		return nil
	}
	var tags []domain.BusinessTag
	for _, part := range strings.Split(s, ",") {
		if tag, ok := domain.ParseBusinessTag(part); ok {
			tags = append(tags, tag)
		}
	}
	return tags
}
