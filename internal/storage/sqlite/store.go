package sqlite

import (
	"context"
	"database/sql"
	"time"

	"leadscore/internal/domain"
)

// Store adapts the package functions to the batch orchestrator.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

func (s *Store) SaveResult(ctx context.Context, companyID int64, result domain.ScoreResult) error {
	return InsertResult(ctx, s.db, companyID, result, s.nowFunc())
}

func (s *Store) GetItem(ctx context.Context, companyID int64) (domain.WorkItem, error) {
	return GetWorkItem(ctx, s.db, companyID)
}

func (s *Store) FindUnscored(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	return FindUnscored(ctx, s.db, limit)
}

func (s *Store) FindLowConfidence(ctx context.Context, below float64, since time.Time, limit int) ([]domain.WorkItem, error) {
	return FindLowConfidence(ctx, s.db, below, since, limit)
}

func (s *Store) FindByIndustry(ctx context.Context, industry string, limit int) ([]domain.WorkItem, error) {
	return FindByIndustry(ctx, s.db, industry, limit)
}
