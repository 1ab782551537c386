// Package batch drives a Scorer over a backlog in paced, bounded chunks and
// folds every outcome into a RunSummary.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"leadscore/internal/domain"
)

var ErrInvalidConfig = errors.New("invalid batch config")

const notifyTimeout = 15 * time.Second

type ItemScorer interface {
	Score(ctx context.Context, item domain.WorkItem) (domain.ScoreResult, error)
}

type Store interface {
	SaveResult(ctx context.Context, companyID int64, result domain.ScoreResult) error
	GetItem(ctx context.Context, companyID int64) (domain.WorkItem, error)
	FindUnscored(ctx context.Context, limit int) ([]domain.WorkItem, error)
	FindLowConfidence(ctx context.Context, below float64, since time.Time, limit int) ([]domain.WorkItem, error)
	FindByIndustry(ctx context.Context, industry string, limit int) ([]domain.WorkItem, error)
}

type Notifier interface {
	NotifyRun(ctx context.Context, summary domain.RunSummary) error
}

type Config struct {
	BatchSize          int
	InterItemDelay     time.Duration
	InterBatchDelay    time.Duration
	Concurrency        int
	HighScoreThreshold int

	// used by the store-backed runs
	MaxItemsPerRun         int
	LowConfidenceThreshold float64
	RescoreWindow          time.Duration
}

func (c Config) Validate() error {
	switch {
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidConfig, c.BatchSize)
	case c.InterItemDelay < 0:
		return fmt.Errorf("%w: inter-item delay must not be negative", ErrInvalidConfig)
	case c.InterBatchDelay < 0:
		return fmt.Errorf("%w: inter-batch delay must not be negative", ErrInvalidConfig)
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidConfig, c.Concurrency)
	case c.HighScoreThreshold < domain.MinScore || c.HighScoreThreshold > domain.MaxScore:
		return fmt.Errorf("%w: high score threshold must be within %d-%d, got %d", ErrInvalidConfig, domain.MinScore, domain.MaxScore, c.HighScoreThreshold)
	case c.MaxItemsPerRun < 0:
		return fmt.Errorf("%w: max items per run must not be negative", ErrInvalidConfig)
	}
	return nil
}

type Orchestrator struct {
	scorer   ItemScorer
	store    Store
	notifier Notifier
	cfg      Config
	enabled  atomic.Bool
	nowFunc  func() time.Time
}

type Option func(*Orchestrator)

func WithStore(store Store) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

func New(scorer ItemScorer, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		scorer:  scorer,
		cfg:     cfg,
		nowFunc: time.Now,
	}
	o.enabled.Store(true)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetEnabled is the kill switch. A disabled orchestrator returns empty
// summaries without touching the scorer; runs already in progress finish.
func (o *Orchestrator) SetEnabled(enabled bool) {
	if o.enabled.Swap(enabled) != enabled {
		log.Printf("batch scoring enabled=%t", enabled)
	}
}

func (o *Orchestrator) Enabled() bool {
	return o.enabled.Load()
}

// RunBatch scores items in chunks of BatchSize. Cancellation returns the
// partial summary with Interrupted set and an error matching
// domain.ErrInterrupted.
func (o *Orchestrator) RunBatch(ctx context.Context, items []domain.WorkItem) (domain.RunSummary, error) {
	return o.run(ctx, "batch", items)
}

// RunUnscored scores companies that have no successful result yet.
func (o *Orchestrator) RunUnscored(ctx context.Context) (domain.RunSummary, error) {
	return o.runFound(ctx, "unscored", func() ([]domain.WorkItem, error) {
		items, err := o.store.FindUnscored(ctx, o.cfg.MaxItemsPerRun)
		if err != nil {
			return nil, fmt.Errorf("find unscored: %w", err)
		}
		return items, nil
	})
}

// RescoreLowConfidence scores again the companies whose latest successful
// result inside RescoreWindow is below LowConfidenceThreshold.
func (o *Orchestrator) RescoreLowConfidence(ctx context.Context) (domain.RunSummary, error) {
	return o.runFound(ctx, "rescore", func() ([]domain.WorkItem, error) {
		since := o.nowFunc().Add(-o.cfg.RescoreWindow)
		items, err := o.store.FindLowConfidence(ctx, o.cfg.LowConfidenceThreshold, since, o.cfg.MaxItemsPerRun)
		if err != nil {
			return nil, fmt.Errorf("find low confidence: %w", err)
		}
		return items, nil
	})
}

// RunIndustry scores the active companies of one industry. limit <= 0 means
// MaxItemsPerRun; a larger limit is capped to it.
func (o *Orchestrator) RunIndustry(ctx context.Context, industry string, limit int) (domain.RunSummary, error) {
	return o.runFound(ctx, "industry", func() ([]domain.WorkItem, error) {
		items, err := o.store.FindByIndustry(ctx, industry, o.industryLimit(limit))
		if err != nil {
			return nil, fmt.Errorf("find industry %q: %w", industry, err)
		}
		return items, nil
	})
}

func (o *Orchestrator) industryLimit(limit int) int {
	if o.cfg.MaxItemsPerRun <= 0 {
		return limit
	}
	if limit <= 0 {
		return o.cfg.MaxItemsPerRun
	}
	return min(limit, o.cfg.MaxItemsPerRun)
}

// RunCompany scores a single company by id through the same pipeline as the
// batch runs. An unknown id returns an error matching domain.ErrNotFound.
func (o *Orchestrator) RunCompany(ctx context.Context, companyID int64) (domain.RunSummary, error) {
	return o.runFound(ctx, "company", func() ([]domain.WorkItem, error) {
		item, err := o.store.GetItem(ctx, companyID)
		if err != nil {
			return nil, fmt.Errorf("get company %d: %w", companyID, err)
		}
		return []domain.WorkItem{item}, nil
	})
}

// runFound is the shared path of the store-backed runs: kill switch, store
// check, lookup, then run.
func (o *Orchestrator) runFound(ctx context.Context, name string, find func() ([]domain.WorkItem, error)) (domain.RunSummary, error) {
	if !o.Enabled() {
		log.Printf("batch run=%s skipped: scoring disabled", name)
		return domain.RunSummary{Name: name}, nil
	}
	if o.store == nil {
		return domain.RunSummary{Name: name}, fmt.Errorf("%s run requires a store", name)
	}
	items, err := find()
	if err != nil {
		return domain.RunSummary{Name: name}, err
	}
	if len(items) == 0 {
		log.Printf("batch run=%s nothing to score", name)
		return domain.RunSummary{Name: name}, nil
	}
	return o.run(ctx, name, items)
}

type runState struct {
	id   string
	seen map[int64]bool

	success   atomic.Int64
	failure   atomic.Int64
	skipped   atomic.Int64
	highScore atomic.Int64
	fallback  atomic.Int64
	cached    atomic.Int64
	persist   atomic.Int64
}

func (o *Orchestrator) run(ctx context.Context, name string, items []domain.WorkItem) (domain.RunSummary, error) {
	if !o.Enabled() {
		log.Printf("batch run=%s skipped: scoring disabled", name)
		return domain.RunSummary{Name: name}, nil
	}
	if err := o.cfg.Validate(); err != nil {
		return domain.RunSummary{Name: name}, err
	}

	started := o.nowFunc()
	rs := &runState{id: uuid.NewString(), seen: make(map[int64]bool, len(items))}
	chunks := chunk(items, o.cfg.BatchSize)
	log.Printf("batch run=%s name=%s items=%d batches=%d batch_size=%d concurrency=%d", rs.id, name, len(items), len(chunks), o.cfg.BatchSize, o.cfg.Concurrency)

	var runErr error
	for i, c := range chunks {
		if i > 0 {
			if err := sleep(ctx, o.cfg.InterBatchDelay); err != nil {
				runErr = domain.Interrupted(ctx, "inter-batch delay")
				break
			}
		}
		batchStart := o.nowFunc()
		if o.cfg.Concurrency > 1 {
			runErr = o.runChunkConcurrent(ctx, rs, c)
		} else {
			runErr = o.runChunk(ctx, rs, c)
		}
		log.Printf("batch run=%s batch=%d/%d size=%d elapsed=%s success=%d failure=%d skipped=%d",
			rs.id, i+1, len(chunks), len(c), o.nowFunc().Sub(batchStart).Round(time.Millisecond),
			rs.success.Load(), rs.failure.Load(), rs.skipped.Load())
		if runErr != nil {
			break
		}
	}

	finished := o.nowFunc()
	summary := domain.RunSummary{
		RunID:          rs.id,
		Name:           name,
		SuccessCount:   int(rs.success.Load()),
		FailureCount:   int(rs.failure.Load()),
		SkippedCount:   int(rs.skipped.Load()),
		HighScoreCount: int(rs.highScore.Load()),
		FallbackCount:  int(rs.fallback.Load()),
		CachedCount:    int(rs.cached.Load()),
		PersistErrors:  int(rs.persist.Load()),
		StartedAt:      started,
		FinishedAt:     finished,
		TotalElapsed:   finished.Sub(started),
		Interrupted:    runErr != nil,
	}
	log.Printf("batch run=%s done name=%s success=%d failure=%d skipped=%d high_score=%d fallback=%d cached=%d persist_errors=%d elapsed=%s interrupted=%t",
		summary.RunID, name, summary.SuccessCount, summary.FailureCount, summary.SkippedCount, summary.HighScoreCount,
		summary.FallbackCount, summary.CachedCount, summary.PersistErrors, summary.TotalElapsed.Round(time.Millisecond), summary.Interrupted)

	o.notify(ctx, summary)
	return summary, runErr
}

// claim reports whether item is new to this run; repeats count as skipped.
// It is only called from the run goroutine.
func (rs *runState) claim(item domain.WorkItem) bool {
	if rs.seen[item.ID] {
		rs.skipped.Add(1)
		log.Printf("batch run=%s item=%d skipped: duplicate id", rs.id, item.ID)
		return false
	}
	rs.seen[item.ID] = true
	return true
}

func (o *Orchestrator) runChunk(ctx context.Context, rs *runState, items []domain.WorkItem) error {
	started := false
	for _, item := range items {
		if !rs.claim(item) {
			continue
		}
		if started {
			if err := sleep(ctx, o.cfg.InterItemDelay); err != nil {
				return domain.Interrupted(ctx, "inter-item delay")
			}
		}
		started = true
		if err := o.process(ctx, rs, item); err != nil {
			return err
		}
	}
	return nil
}

// runChunkConcurrent launches items at the inter-item cadence and lets up to
// Concurrency of them be in flight at once.
func (o *Orchestrator) runChunkConcurrent(ctx context.Context, rs *runState, items []domain.WorkItem) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	var launchErr error
	started := false
	for _, item := range items {
		if !rs.claim(item) {
			continue
		}
		if started {
			if err := sleep(gctx, o.cfg.InterItemDelay); err != nil {
				launchErr = domain.Interrupted(ctx, "inter-item delay")
				break
			}
		}
		started = true
		g.Go(func() error {
			return o.process(gctx, rs, item)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return launchErr
}

func (o *Orchestrator) process(ctx context.Context, rs *runState, item domain.WorkItem) error {
	result, err := o.scorer.Score(ctx, item)
	if err != nil {
		if domain.IsInterrupted(err) || ctx.Err() != nil {
			return domain.Interrupted(ctx, fmt.Sprintf("item %d", item.ID))
		}
		rs.failure.Add(1)
		log.Printf("batch run=%s item=%d scorer error: %v", rs.id, item.ID, err)
		return nil
	}

	if result.Succeeded {
		rs.success.Add(1)
		if result.Score >= o.cfg.HighScoreThreshold {
			rs.highScore.Add(1)
			log.Printf("batch run=%s item=%d name=%q high score=%d", rs.id, item.ID, item.Name, result.Score)
		}
	} else {
		rs.failure.Add(1)
	}
	if result.Fallback {
		rs.fallback.Add(1)
	}
	if result.Cached {
		rs.cached.Add(1)
	}

	if o.store != nil {
		if err := o.store.SaveResult(ctx, item.ID, result); err != nil {
			rs.persist.Add(1)
			log.Printf("batch run=%s item=%d persist error: %v", rs.id, item.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, summary domain.RunSummary) {
	if o.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := o.notifier.NotifyRun(nctx, summary); err != nil {
		log.Printf("batch run=%s notify error: %v", summary.RunID, err)
	}
}

func chunk(items []domain.WorkItem, size int) [][]domain.WorkItem {
	var chunks [][]domain.WorkItem
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
