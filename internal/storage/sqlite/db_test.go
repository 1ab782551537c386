package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"leadscore/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "leadscore-test.db")
	db, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedCompanies(t *testing.T, db *sql.DB, companies ...Company) map[string]int64 {
	t.Helper()
	if _, err := InsertCompanies(db, companies); err != nil {
		t.Fatalf("InsertCompanies: %v", err)
	}
	ids := make(map[string]int64)
	for _, c := range companies {
		var id int64
		if err := db.QueryRow("SELECT id FROM companies WHERE name = ?", c.Name).Scan(&id); err != nil {
			t.Fatalf("lookup %q: %v", c.Name, err)
		}
		ids[c.Name] = id
	}
	return ids
}

func deactivate(t *testing.T, db *sql.DB, id int64) {
	t.Helper()
	if _, err := db.Exec("UPDATE companies SET active = 0 WHERE id = ?", id); err != nil {
		t.Fatalf("deactivate %d: %v", id, err)
	}
}

func latestResult(t *testing.T, db *sql.DB, companyID int64) (domain.ScoreResult, time.Time) {
	t.Helper()
	var (
		r          domain.ScoreResult
		tags       string
		analyzedAt time.Time
	)
	err := db.QueryRow(
		`SELECT business_tags, score, confidence, rationale, succeeded, error_detail, raw_payload, fallback, cached, model, analyzed_at
		 FROM analysis_results WHERE company_id = ? ORDER BY id DESC LIMIT 1`, companyID,
	).Scan(&tags, &r.Score, &r.Confidence, &r.Rationale, &r.Succeeded, &r.ErrorDetail,
		&r.RawPayload, &r.Fallback, &r.Cached, &r.Model, &analyzedAt)
	if err != nil {
		t.Fatalf("latest result for %d: %v", companyID, err)
	}
	r.BusinessTags = decodeTags(tags)
	return r, analyzedAt
}

func TestInitDBDeclaresModelColumn(t *testing.T) {
	db := newTestDB(t)

	var ddl string
	if err := db.QueryRow(`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'analysis_results'`).Scan(&ddl); err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if !strings.Contains(ddl, "model") {
		t.Fatalf("expected model column in CREATE TABLE, got %s", ddl)
	}
}

func TestInitDBMigratesFileWithoutModelColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	legacy, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	_, err = legacy.Exec(`CREATE TABLE analysis_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		company_id INTEGER NOT NULL,
		business_tags TEXT DEFAULT '',
		score INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		rationale TEXT DEFAULT '',
		succeeded INTEGER NOT NULL DEFAULT 0,
		error_detail TEXT DEFAULT '',
		raw_payload TEXT DEFAULT '',
		fallback INTEGER NOT NULL DEFAULT 0,
		cached INTEGER NOT NULL DEFAULT 0,
		analyzed_at DATETIME NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	_ = legacy.Close()

	db, err := InitDB(path)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('analysis_results') WHERE name = 'model'`).Scan(&count); err != nil {
		t.Fatalf("query pragma_table_info: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected model column added, got count=%d", count)
	}
}

func TestInsertCompaniesSkipsExistingNames(t *testing.T) {
	db := newTestDB(t)

	n, err := InsertCompanies(db, []Company{
		{Name: "Acme Pay", Description: "cross-border payments"},
		{Name: "Beta Loans", Description: "overseas lending"},
		{Name: "  "},
	})
	if err != nil {
		t.Fatalf("InsertCompanies: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted, got %d", n)
	}

	n, err = InsertCompanies(db, []Company{{Name: "Acme Pay", Description: "changed"}, {Name: "Gamma"}})
	if err != nil {
		t.Fatalf("InsertCompanies again: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the new company inserted, got %d", n)
	}
	var (
		description string
		active      bool
	)
	if err := db.QueryRow("SELECT description, active FROM companies WHERE name = ?", "Acme Pay").Scan(&description, &active); err != nil {
		t.Fatalf("lookup Acme Pay: %v", err)
	}
	if description != "cross-border payments" || !active {
		t.Fatalf("existing company must be untouched, got %q active=%v", description, active)
	}
}

func TestInsertResultRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ids := seedCompanies(t, db, Company{Name: "Acme", Description: "x"})
	at := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)

	want := domain.ScoreResult{
		BusinessTags: []domain.BusinessTag{domain.TagCrossBorderPayment, domain.TagOverseasLoan},
		Score:        8,
		Confidence:   0.82,
		Rationale:    "settles in USD",
		Succeeded:    true,
		Model:        "deepseek-chat",
	}
	if err := InsertResult(ctx, db, ids["Acme"], want, at); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}

	got, analyzedAt := latestResult(t, db, ids["Acme"])
	if got.Score != 8 || got.Confidence != 0.82 || !got.Succeeded || got.Model != "deepseek-chat" {
		t.Fatalf("unexpected result %+v", got)
	}
	if len(got.BusinessTags) != 2 || got.BusinessTags[1] != domain.TagOverseasLoan {
		t.Fatalf("unexpected tags %v", got.BusinessTags)
	}
	if !analyzedAt.Equal(at) {
		t.Fatalf("expected analyzed_at %s, got %s", at, analyzedAt)
	}
}

func TestFindUnscoredIgnoresFailuresAndInactive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ids := seedCompanies(t, db,
		Company{Name: "scored", Description: "a"},
		Company{Name: "failed-only", Description: "b"},
		Company{Name: "fresh", Description: "c"},
		Company{Name: "no-description", Description: "  "},
		Company{Name: "inactive", Description: "d"},
	)
	now := time.Now()
	if err := InsertResult(ctx, db, ids["scored"], domain.ScoreResult{Succeeded: true, Score: 6}, now); err != nil {
		t.Fatal(err)
	}
	if err := InsertResult(ctx, db, ids["failed-only"], domain.FailedResult("boom"), now); err != nil {
		t.Fatal(err)
	}
	deactivate(t, db, ids["inactive"])

	items, err := FindUnscored(ctx, db, 0)
	if err != nil {
		t.Fatalf("FindUnscored: %v", err)
	}
	if len(items) != 2 || items[0].Name != "failed-only" || items[1].Name != "fresh" {
		t.Fatalf("unexpected unscored items %+v", items)
	}
	if items[1].Text != "c" {
		t.Fatalf("expected description as text, got %q", items[1].Text)
	}

	limited, err := FindUnscored(ctx, db, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d err=%v", len(limited), err)
	}
}

func TestFindLowConfidenceUsesLatestSuccessInWindow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ids := seedCompanies(t, db,
		Company{Name: "low", Description: "a"},
		Company{Name: "improved", Description: "b"},
		Company{Name: "old", Description: "c"},
		Company{Name: "high", Description: "d"},
	)
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	since := now.Add(-7 * 24 * time.Hour)

	insert := func(name string, conf float64, at time.Time) {
		t.Helper()
		r := domain.ScoreResult{Succeeded: true, Score: 5, Confidence: conf}
		if err := InsertResult(ctx, db, ids[name], r, at); err != nil {
			t.Fatalf("InsertResult(%s): %v", name, err)
		}
	}
	insert("low", 0.4, now.Add(-time.Hour))
	insert("improved", 0.3, now.Add(-48*time.Hour))
	insert("improved", 0.9, now.Add(-time.Hour))
	insert("old", 0.2, now.Add(-30*24*time.Hour))
	insert("high", 0.95, now.Add(-time.Hour))
	if err := InsertResult(ctx, db, ids["high"], domain.FailedResult("later failure"), now); err != nil {
		t.Fatal(err)
	}

	items, err := FindLowConfidence(ctx, db, 0.7, since, 10)
	if err != nil {
		t.Fatalf("FindLowConfidence: %v", err)
	}
	if len(items) != 1 || items[0].Name != "low" {
		t.Fatalf("expected only 'low', got %+v", items)
	}
}

func TestGetStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ids := seedCompanies(t, db, Company{Name: "a", Description: "x"}, Company{Name: "b", Description: "y"})
	now := time.Now()
	_ = InsertResult(ctx, db, ids["a"], domain.ScoreResult{Succeeded: true, Score: 8}, now)
	_ = InsertResult(ctx, db, ids["a"], domain.ScoreResult{Succeeded: true, Score: 9}, now)
	_ = InsertResult(ctx, db, ids["b"], domain.ScoreResult{Succeeded: true, Score: 4, Fallback: true}, now)
	_ = InsertResult(ctx, db, ids["b"], domain.FailedResult("x"), now)

	s, err := GetStats(ctx, db, 7)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if s.Companies != 2 || s.ActiveCompanies != 2 || s.Results != 4 || s.SuccessfulResults != 3 || s.FallbackResults != 1 {
		t.Fatalf("unexpected counts %+v", s)
	}
	if s.AverageScore != 7 {
		t.Fatalf("expected average 7, got %f", s.AverageScore)
	}
	if s.HighScoreCompanies != 1 {
		t.Fatalf("expected 1 high-score company, got %d", s.HighScoreCompanies)
	}
}

func TestCleanupResultsOlderThan(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ids := seedCompanies(t, db, Company{Name: "a", Description: "x"})
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_ = InsertResult(ctx, db, ids["a"], domain.ScoreResult{Succeeded: true}, now.AddDate(0, 0, -100))
	_ = InsertResult(ctx, db, ids["a"], domain.ScoreResult{Succeeded: true}, now.AddDate(0, 0, -10))

	n, err := CleanupResultsOlderThan(ctx, db, now.AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("CleanupResultsOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
}

func TestImportCompanySeed(t *testing.T) {
	db := newTestDB(t)
	path := filepath.Join(t.TempDir(), "companies.yaml")
	seed := `companies:
  - name: Acme Pay
    description: 跨境支付 for exporters
    website: https://acme.example
  - name: Beta Loans
    description: overseas lending
`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := ImportCompanySeed(db, path)
	if err != nil {
		t.Fatalf("ImportCompanySeed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 imported, got %d", n)
	}
	n, err = ImportCompanySeed(db, path)
	if err != nil || n != 0 {
		t.Fatalf("expected re-import to be a no-op, got %d err=%v", n, err)
	}

	if _, err := ImportCompanySeed(db, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing seed file")
	}
}

func TestStoreImplementsBatchStore(t *testing.T) {
	db := newTestDB(t)
	ids := seedCompanies(t, db, Company{Name: "a", Description: "x"})
	store := NewStore(db)
	store.nowFunc = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	ctx := context.Background()

	if err := store.SaveResult(ctx, ids["a"], domain.ScoreResult{Succeeded: true, Score: 7, Confidence: 0.5}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	items, err := store.FindUnscored(ctx, 10)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected no unscored items, got %+v err=%v", items, err)
	}
	items, err = store.FindLowConfidence(ctx, 0.7, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one low confidence item, got %+v err=%v", items, err)
	}
}

func TestFindByIndustryMatchesCaseInsensitively(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ids := seedCompanies(t, db,
		Company{Name: "pay-1", Description: "a", Industry: "Fintech"},
		Company{Name: "pay-2", Description: "b", Industry: " fintech "},
		Company{Name: "pay-blank", Description: " ", Industry: "fintech"},
		Company{Name: "pay-inactive", Description: "c", Industry: "fintech"},
		Company{Name: "retail", Description: "d", Industry: "Retail"},
	)
	deactivate(t, db, ids["pay-inactive"])

	items, err := FindByIndustry(ctx, db, "FINTECH", 0)
	if err != nil {
		t.Fatalf("FindByIndustry: %v", err)
	}
	if len(items) != 2 || items[0].Name != "pay-1" || items[1].Name != "pay-2" {
		t.Fatalf("unexpected industry items %+v", items)
	}

	limited, err := FindByIndustry(ctx, db, "fintech", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d err=%v", len(limited), err)
	}
	none, err := FindByIndustry(ctx, db, "mining", 10)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no items for unknown industry, got %+v err=%v", none, err)
	}
}

func TestGetWorkItem(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ids := seedCompanies(t, db, Company{Name: "dormant", Description: "still scoreable"})
	deactivate(t, db, ids["dormant"])

	item, err := GetWorkItem(ctx, db, ids["dormant"])
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	if item.ID != ids["dormant"] || item.Name != "dormant" || item.Text != "still scoreable" {
		t.Fatalf("unexpected item %+v", item)
	}

	if _, err := GetWorkItem(ctx, db, 404); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreHonorsCancelledContext(t *testing.T) {
	db := newTestDB(t)
	ids := seedCompanies(t, db, Company{Name: "a", Description: "x", Industry: "fintech"})
	store := NewStore(db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.SaveResult(ctx, ids["a"], domain.ScoreResult{Succeeded: true}); !errors.Is(err, context.Canceled) {
		t.Fatalf("SaveResult: expected context.Canceled, got %v", err)
	}
	if _, err := store.FindUnscored(ctx, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("FindUnscored: expected context.Canceled, got %v", err)
	}
	if _, err := store.FindByIndustry(ctx, "fintech", 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("FindByIndustry: expected context.Canceled, got %v", err)
	}
	if _, err := store.GetItem(ctx, ids["a"]); !errors.Is(err, context.Canceled) {
		t.Fatalf("GetItem: expected context.Canceled, got %v", err)
	}
	if n := countRows(t, db); n != 0 {
		t.Fatalf("expected nothing written under a cancelled context, got %d rows", n)
	}
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM analysis_results").Scan(&n); err != nil {
		t.Fatalf("count results: %v", err)
	}
	return n
}
