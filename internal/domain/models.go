package domain

import (
	"strings"
	"time"
)

const (
	MinScore = 1
	MaxScore = 10
)

type BusinessTag string

const (
	TagCrossBorderPayment BusinessTag = "CROSS_BORDER_PAYMENT"
	TagOverseasLoan       BusinessTag = "OVERSEAS_LOAN"
	TagOtherFinancial     BusinessTag = "OTHER_FINANCIAL"
)

// AllBusinessTags lists the tags in their canonical order.
var AllBusinessTags = []BusinessTag{TagCrossBorderPayment, TagOverseasLoan, TagOtherFinancial}

var businessTagAliases = map[string]BusinessTag{
	"cross_border_payment":    TagCrossBorderPayment,
	"cross-border payment":    TagCrossBorderPayment,
	"cross border payment":    TagCrossBorderPayment,
	"跨境支付":                    TagCrossBorderPayment,
	"overseas_loan":           TagOverseasLoan,
	"overseas loan":           TagOverseasLoan,
	"overseas lending":        TagOverseasLoan,
	"海外借贷":                    TagOverseasLoan,
	"other_financial":         TagOtherFinancial,
	"other financial":         TagOtherFinancial,
	"other financial service": TagOtherFinancial,
	"其他金融":                    TagOtherFinancial,
}

// ParseBusinessTag accepts enum names, English labels and the Chinese labels
// oracles are prompted with.
func ParseBusinessTag(s string) (BusinessTag, bool) {
	tag, ok := businessTagAliases[strings.ToLower(strings.TrimSpace(s))]
	return tag, ok
}

func (t BusinessTag) Label() string {
	switch t {
	case TagCrossBorderPayment:
		return "cross-border payment"
	case TagOverseasLoan:
		return "overseas loan"
	case TagOtherFinancial:
		return "other financial"
	default:
		return string(t)
	}
}

type WorkItem struct {
	ID   int64
	Name string
	Text string
}

type ScoreResult struct {
	BusinessTags []BusinessTag
	Score        int
	Confidence   float64
	Rationale    string
	Succeeded    bool
	ErrorDetail  string
	RawPayload   string
	Fallback     bool // produced by the keyword heuristic, not the oracle
	Cached       bool // served from the result cache
	Model        string
}

func (r ScoreResult) HasTag(tag BusinessTag) bool {
	for _, t := range r.BusinessTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with r.
func (r ScoreResult) Clone() ScoreResult {
	if r.BusinessTags != nil {
		r.BusinessTags = append([]BusinessTag(nil), r.BusinessTags...)
	}
	return r
}

func FailedResult(detail string) ScoreResult {
	return ScoreResult{Succeeded: false, ErrorDetail: detail}
}

func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

type RunSummary struct {
	RunID          string
	Name           string
	SuccessCount   int
	FailureCount   int
	SkippedCount   int
	HighScoreCount int
	FallbackCount  int
	CachedCount    int
	PersistErrors  int
	TotalElapsed   time.Duration
	StartedAt      time.Time
	FinishedAt     time.Time
	Interrupted    bool
}

func (s RunSummary) TotalProcessed() int {
	return s.SuccessCount + s.FailureCount + s.SkippedCount
}

func (s RunSummary) SuccessRate() float64 {
	attempted := s.SuccessCount + s.FailureCount
	if attempted == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(attempted)
}
