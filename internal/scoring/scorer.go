// Package scoring runs one work item through cache, admission, the oracle
// and, when the oracle cannot help, the keyword fallback.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"leadscore/internal/cache"
	"leadscore/internal/domain"
	"leadscore/internal/ratelimit"
	"leadscore/internal/retry"
)

// Oracle is the external model. Implementations map transport failures onto
// the domain oracle errors.
type Oracle interface {
	Call(ctx context.Context, prompt string) (string, error)
}

// Admitter is satisfied by *ratelimit.Limiter.
type Admitter interface {
	Acquire(ctx context.Context, cost float64, timeout time.Duration) error
}

type State string

const (
	StatePending        State = "PENDING"
	StateCached         State = "CACHED"
	StateRateLimited    State = "RATE_LIMITED"
	StateOracleCall     State = "ORACLE_CALL"
	StateScored         State = "SCORED"
	StateFallbackScored State = "FALLBACK_SCORED"
	StateFailed         State = "FAILED"
)

type Config struct {
	Retry          retry.Policy
	AdmitTimeout   time.Duration
	PromptTemplate string
	MaxTextRunes   int
	Model          string
}

type Scorer struct {
	oracle  Oracle
	limiter Admitter
	cache   *cache.ResultCache
	cfg     Config

	mu     sync.RWMutex
	prompt string
}

func New(oracle Oracle, limiter Admitter, results *cache.ResultCache, cfg Config) (*Scorer, error) {
	if oracle == nil {
		return nil, errors.New("scorer requires an oracle")
	}
	if limiter == nil {
		return nil, errors.New("scorer requires a rate limiter")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	if cfg.MaxTextRunes == 0 {
		cfg.MaxTextRunes = DefaultMaxTextRunes
	}
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = DefaultPromptTemplate
	}
	return &Scorer{
		oracle:  oracle,
		limiter: limiter,
		cache:   results,
		cfg:     cfg,
		prompt:  cfg.PromptTemplate,
	}, nil
}

// SetPromptTemplate swaps the template and, when it changed, drops every
// cached result produced by the old one. It reports whether it changed.
func (s *Scorer) SetPromptTemplate(template string) bool {
	if template == "" {
		template = DefaultPromptTemplate
	}
	s.mu.Lock()
	changed := template != s.prompt
	s.prompt = template
	s.mu.Unlock()

	if changed && s.cache != nil {
		s.cache.Clear()
		log.Printf("scorer prompt template changed, result cache cleared")
	}
	return changed
}

func (s *Scorer) promptTemplate() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prompt
}

// Score returns a result for item. The error is non-nil only when ctx was
// cancelled, and then matches domain.ErrInterrupted.
func (s *Scorer) Score(ctx context.Context, item domain.WorkItem) (domain.ScoreResult, error) {
	if ctx.Err() != nil {
		return domain.ScoreResult{}, domain.Interrupted(ctx, "score")
	}
	logState(item, StatePending, "")

	text := strings.TrimSpace(item.Text)
	if text == "" {
		logState(item, StateFailed, "empty description")
		return domain.FailedResult(fmt.Sprintf("%v: empty description", domain.ErrInvalidInput)), nil
	}

	fp := cache.Fingerprint(text)
	if s.cache != nil {
		if r, ok := s.cache.Get(fp); ok {
			r.Cached = true
			logState(item, StateCached, "fp="+fp)
			return r, nil
		}
	}

	if err := s.limiter.Acquire(ctx, 1, s.cfg.AdmitTimeout); err != nil {
		if domain.IsInterrupted(err) {
			return domain.ScoreResult{}, err
		}
		logState(item, StateRateLimited, err.Error())
		return s.fallback(item, text, err), nil
	}

	prompt := BuildPrompt(s.promptTemplate(), item.Name, text, s.cfg.MaxTextRunes)
	policy := s.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Printf("scorer item=%d attempt=%d retry_in=%s err=%v", item.ID, attempt, delay, err)
	}

	logState(item, StateOracleCall, "")
	result, err := retry.Execute(ctx, policy, func(ctx context.Context) (domain.ScoreResult, error) {
		raw, err := s.oracle.Call(ctx, prompt)
		if err != nil {
			return domain.ScoreResult{}, err
		}
		return ParseResponse(raw)
	}, IsTransient)
	if err != nil {
		if domain.IsInterrupted(err) {
			return domain.ScoreResult{}, err
		}
		if ctx.Err() != nil {
			return domain.ScoreResult{}, domain.Interrupted(ctx, "oracle call")
		}
		if errors.Is(err, domain.ErrInvalidInput) {
			logState(item, StateFailed, err.Error())
			return domain.FailedResult(err.Error()), nil
		}
		return s.fallback(item, text, err), nil
	}

	result.Model = s.cfg.Model
	if s.cache != nil {
		s.cache.Put(fp, result)
	}
	logState(item, StateScored, fmt.Sprintf("score=%d confidence=%.2f tags=%v", result.Score, result.Confidence, result.BusinessTags))
	return result, nil
}

func (s *Scorer) fallback(item domain.WorkItem, text string, cause error) domain.ScoreResult {
	result := Fallback(text)
	result.ErrorDetail = cause.Error()
	logState(item, StateFallbackScored, fmt.Sprintf("score=%d cause=%v", result.Score, cause))
	return result
}

func logState(item domain.WorkItem, state State, detail string) {
	if detail == "" {
		log.Printf("scorer item=%d state=%s", item.ID, state)
		return
	}
	log.Printf("scorer item=%d state=%s %s", item.ID, state, detail)
}

// IsTransient reports whether another attempt could succeed: the oracle was
// unavailable or throttling, or the network failed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrOracleUnavailable) || errors.Is(err, domain.ErrOracleRateLimited) {
		return true
	}
	if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
