package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"

	"leadscore/internal/batch"
	"leadscore/internal/cache"
	"leadscore/internal/config"
	"leadscore/internal/domain"
	"leadscore/internal/httpx"
	"leadscore/internal/integrations/llm"
	slacknotify "leadscore/internal/integrations/slack"
	"leadscore/internal/ratelimit"
	"leadscore/internal/retry"
	"leadscore/internal/scheduler"
	"leadscore/internal/scoring"
	"leadscore/internal/storage/sqlite"
)

func Main() {
	cfg := config.LoadConfig()
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	log.Printf(
		"Config loaded. Provider=%s Model=%s Enabled=%t Rate=%.2f/s Burst=%.0f SharedLimiter=%t Retry=%dx%.1f BatchSize=%d Concurrency=%d HighScore>=%d Timezone=%s ExternalHTTPTimeout=%s",
		cfg.LLMProvider,
		modelName(cfg),
		cfg.Enabled(),
		cfg.TokensPerSecond,
		cfg.BurstCapacity,
		cfg.RedisURL != "",
		cfg.MaxRetryAttempts,
		cfg.BackoffMultiplier,
		cfg.BatchSize,
		cfg.BatchConcurrency,
		cfg.HighScoreThreshold,
		cfg.Timezone,
		appliedHTTPTimeout,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("leadscore: %v", err)
	}
}

// engine holds every long-lived component built from one Config.
type engine struct {
	db           *sql.DB
	redis        *redis.Client
	limiter      *ratelimit.Limiter
	results      *cache.ResultCache
	scorer       *scoring.Scorer
	orchestrator *batch.Orchestrator
}

func (e *engine) Close() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}
}

func run(ctx context.Context, cfg config.Config) error {
	oracle, err := llm.NewOracle(llm.Options{
		Provider:   cfg.LLMProvider,
		APIKey:     cfg.APIKey(),
		Model:      cfg.LLMModel,
		BaseURL:    cfg.LLMBaseURL,
		MaxTokens:  cfg.LLMMaxTokens,
		HTTPClient: httpx.ExternalHTTPClient(),
	})
	if err != nil {
		return fmt.Errorf("init oracle: %w", err)
	}

	var notifier batch.Notifier
	if cfg.SlackBotToken != "" && cfg.SlackChannelID != "" {
		api := slack.New(cfg.SlackBotToken, slack.OptionHTTPClient(httpx.ExternalHTTPClient()))
		notifier = slacknotify.New(api, cfg.SlackChannelID)
		log.Printf("Slack run notifications enabled channel=%s", cfg.SlackChannelID)
	}

	e, err := build(cfg, oracle, notifier)
	if err != nil {
		return err
	}
	defer e.Close()

	if cfg.WatchConfig {
		go func() {
			if err := config.Watch(ctx, config.Path(), func(next config.Config) {
				e.applyReload(next)
			}); err != nil {
				log.Printf("config watch disabled: %v", err)
			}
		}()
	}

	if cfg.AnalysisSchedule == "" {
		err := e.runOnce(ctx, cfg)
		if domain.IsInterrupted(err) {
			log.Printf("run interrupted: %v", err)
			return nil
		}
		return err
	}

	s := scheduler.New(cfg.Location)
	if err := e.schedule(ctx, s, cfg); err != nil {
		return err
	}
	log.Println("Starting lead scoring scheduler...")
	s.Wait()
	log.Println("leadscore stopped")
	return nil
}

// build wires storage, limiter, cache, scorer and orchestrator.
func build(cfg config.Config, oracle llm.Oracle, notifier batch.Notifier) (*engine, error) {
	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	log.Printf("Database initialized at %s", cfg.DBPath)
	e := &engine{db: db}

	if cfg.CompaniesSeedPath != "" {
		inserted, err := sqlite.ImportCompanySeed(db, cfg.CompaniesSeedPath)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("import company seed: %w", err)
		}
		log.Printf("Company seed imported path=%s inserted=%d", cfg.CompaniesSeedPath, inserted)
	}

	limiter, rdb, err := newLimiter(cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.limiter, e.redis = limiter, rdb

	e.results = cache.New(cache.WithTTL(cfg.CacheTTL()))

	tmpl, err := cfg.PromptTemplate()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.scorer, err = scoring.New(oracle, limiter, e.results, scoring.Config{
		Retry:          retryPolicy(cfg),
		AdmitTimeout:   cfg.AdmitTimeout(),
		PromptTemplate: tmpl,
		Model:          oracle.Model(),
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("init scorer: %w", err)
	}

	opts := []batch.Option{batch.WithStore(sqlite.NewStore(db))}
	if notifier != nil {
		opts = append(opts, batch.WithNotifier(notifier))
	}
	e.orchestrator = batch.New(e.scorer, orchestratorConfig(cfg), opts...)
	e.orchestrator.SetEnabled(cfg.Enabled())
	return e, nil
}

// runOnce scores one company, one industry or the unscored backlog, in that
// order of precedence.
func (e *engine) runOnce(ctx context.Context, cfg config.Config) error {
	logStats(ctx, e.db, cfg.HighScoreThreshold)
	var err error
	switch {
	case cfg.RunCompanyID > 0:
		log.Printf("analysis_schedule not set, scoring company id=%d", cfg.RunCompanyID)
		_, err = e.orchestrator.RunCompany(ctx, int64(cfg.RunCompanyID))
	case cfg.RunIndustry != "":
		log.Printf("analysis_schedule not set, scoring industry=%q", cfg.RunIndustry)
		_, err = e.orchestrator.RunIndustry(ctx, cfg.RunIndustry, cfg.MaxCompaniesPerRun)
	default:
		log.Println("analysis_schedule not set, running one unscored pass")
		_, err = e.orchestrator.RunUnscored(ctx)
	}
	e.logHealth()
	return err
}

// newLimiter builds the local bucket and, when redis_url is set, the shared
// tier. The returned client is nil for a local-only limiter.
func newLimiter(cfg config.Config) (*ratelimit.Limiter, *redis.Client, error) {
	local := ratelimit.NewTokenBucket(cfg.TokensPerSecond, cfg.BurstCapacity)
	if cfg.RedisURL == "" {
		log.Printf("rate limiter local-only rate=%.2f burst=%.0f", cfg.TokensPerSecond, cfg.BurstCapacity)
		return ratelimit.NewLimiter(local), nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis_url: %w", err)
	}
	rdb := redis.NewClient(opt)
	shared := ratelimit.NewSharedBucket(rdb, cfg.RateLimitKey, cfg.TokensPerSecond, cfg.BurstCapacity)
	log.Printf("rate limiter shared key=%s addr=%s rate=%.2f burst=%.0f", shared.Key(), opt.Addr, cfg.TokensPerSecond, cfg.BurstCapacity)
	return ratelimit.NewLimiter(local, ratelimit.WithShared(shared)), rdb, nil
}

func retryPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:  cfg.MaxRetryAttempts,
		InitialDelay: cfg.InitialBackoff(),
		Multiplier:   cfg.BackoffMultiplier,
		MaxDelay:     cfg.MaxBackoff(),
	}
}

func orchestratorConfig(cfg config.Config) batch.Config {
	return batch.Config{
		BatchSize:              cfg.BatchSize,
		InterItemDelay:         cfg.InterItemDelay(),
		InterBatchDelay:        cfg.InterBatchDelay(),
		Concurrency:            cfg.BatchConcurrency,
		HighScoreThreshold:     cfg.HighScoreThreshold,
		MaxItemsPerRun:         cfg.MaxCompaniesPerRun,
		LowConfidenceThreshold: cfg.LowConfidenceThreshold,
		RescoreWindow:          cfg.RescoreWindow(),
	}
}

// applyReload applies the settings that take effect without a restart: the
// kill switch and the prompt template.
func (e *engine) applyReload(next config.Config) {
	e.orchestrator.SetEnabled(next.Enabled())
	tmpl, err := next.PromptTemplate()
	if err != nil {
		log.Printf("config reload: keeping prompt template: %v", err)
		return
	}
	e.scorer.SetPromptTemplate(tmpl)
}

func (e *engine) schedule(ctx context.Context, s *scheduler.Scheduler, cfg config.Config) error {
	jobs := []struct {
		name string
		spec string
		job  scheduler.Job
	}{
		{"analysis", cfg.AnalysisSchedule, func(ctx context.Context) error {
			logStats(ctx, e.db, cfg.HighScoreThreshold)
			_, err := e.orchestrator.RunUnscored(ctx)
			e.logHealth()
			return err
		}},
		{"rescore", cfg.RescoreSchedule, func(ctx context.Context) error {
			_, err := e.orchestrator.RescoreLowConfidence(ctx)
			e.logHealth()
			return err
		}},
		{"cleanup", cfg.CleanupSchedule, func(ctx context.Context) error {
			return e.cleanup(ctx, time.Now().Add(-cfg.ResultRetention()))
		}},
	}

	for _, j := range jobs {
		if j.spec == "" {
			log.Printf("%s disabled (%s_schedule not set)", j.name, j.name)
			continue
		}
		sched, err := config.ParseSchedule(j.spec)
		if err != nil {
			return fmt.Errorf("invalid %s_schedule '%s': %w", j.name, j.spec, err)
		}
		log.Printf("%s scheduled (cron: %s)", j.name, j.spec)
		s.Add(ctx, j.name, sched, j.job)
	}
	return nil
}

func (e *engine) cleanup(ctx context.Context, cutoff time.Time) error {
	removed, err := sqlite.CleanupResultsOlderThan(ctx, e.db, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup results: %w", err)
	}
	log.Printf("cleanup removed=%d older_than=%s", removed, cutoff.Format(time.RFC3339))
	return nil
}

func logStats(ctx context.Context, db *sql.DB, threshold int) {
	stats, err := sqlite.GetStats(ctx, db, threshold)
	if err != nil {
		log.Printf("stats error: %v", err)
		return
	}
	log.Printf("stats companies=%d active=%d results=%d succeeded=%d fallback=%d avg_score=%.2f high_score_companies=%d",
		stats.Companies, stats.ActiveCompanies, stats.Results, stats.SuccessfulResults,
		stats.FallbackResults, stats.AverageScore, stats.HighScoreCompanies)
}

// logHealth reports limiter and cache state after a run.
func (e *engine) logHealth() {
	ls := e.limiter.Status()
	cs := e.results.Stats()
	log.Printf("limiter available=%.1f/%.0f shared=%t degraded=%t degraded_events=%d cache entries=%d hits=%d misses=%d rejected=%d",
		ls.LocalAvailable, ls.Burst, ls.SharedEnabled, ls.Degraded, ls.DegradedEvents,
		cs.Entries, cs.Hits, cs.Misses, cs.Rejected)
}

func modelName(cfg config.Config) string {
	if cfg.LLMModel != "" {
		return cfg.LLMModel
	}
	return llm.DefaultModel(cfg.LLMProvider)
}
