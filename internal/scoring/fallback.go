package scoring

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"leadscore/internal/domain"
)

const (
	// FallbackMaxConfidence caps heuristic confidence so it never looks like
	// an oracle answer.
	FallbackMaxConfidence = 0.6

	fallbackBaseScore = 5
	fallbackMaxBonus  = 3
	longTextRunes     = 200
	fallbackRationale = "keyword heuristic"
)

// PartialScore is one heuristic's view of a text.
type PartialScore struct {
	Tag        domain.BusinessTag
	Matches    int
	Negatives  int
	Confidence float64
}

func (p PartialScore) Relevant() bool {
	return p.Matches > 0 && p.Matches > p.Negatives
}

type Heuristic func(text string) PartialScore

type keywordRule struct {
	tag        domain.BusinessTag
	keywords   []string
	negatives  []string
	baseConf   float64
	confPerHit float64
	confPerNeg float64
	maxConf    float64
}

func (r keywordRule) heuristic() Heuristic {
	return func(text string) PartialScore {
		lower := strings.ToLower(text)
		p := PartialScore{Tag: r.tag}
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				p.Matches++
			}
		}
		for _, kw := range r.negatives {
			if strings.Contains(lower, kw) {
				p.Negatives++
			}
		}
		conf := r.baseConf + float64(p.Matches)*r.confPerHit - float64(p.Negatives)*r.confPerNeg
		p.Confidence = math.Max(0.1, math.Min(r.maxConf, conf))
		return p
	}
}

var crossBorderPayment = keywordRule{
	tag: domain.TagCrossBorderPayment,
	keywords: []string{
		"跨境支付", "国际支付", "跨境结算", "外汇支付", "跨境收款", "国际汇款",
		"货币兑换", "外汇交易", "跨境金融", "国际结算", "swift", "跨境资金",
		"cross-border payment", "international payment", "cross-border settlement",
		"remittance", "currency exchange", "foreign exchange", "forex",
	},
	negatives:  []string{"国内支付", "境内支付", "本地支付", "人民币支付", "domestic payment", "local payment"},
	baseConf:   0.3,
	confPerHit: 0.15,
	confPerNeg: 0.1,
	maxConf:    0.95,
}

var overseasLoan = keywordRule{
	tag: domain.TagOverseasLoan,
	keywords: []string{
		"海外借贷", "国际贷款", "跨境融资", "海外融资", "境外贷款", "国际信贷",
		"跨境借贷", "海外债权", "国际保理", "出口信贷", "项目融资", "跨境担保",
		"overseas loan", "international loan", "cross-border financing",
		"offshore lending", "trade finance", "export credit", "project finance",
	},
	negatives:  []string{"国内贷款", "境内融资", "本地借贷", "消费贷款", "consumer loan", "domestic lending"},
	baseConf:   0.25,
	confPerHit: 0.12,
	confPerNeg: 0.08,
	maxConf:    0.9,
}

var otherFinancial = keywordRule{
	tag: domain.TagOtherFinancial,
	keywords: []string{
		"金融", "银行", "保险", "投资", "理财", "资产管理",
		"fintech", "bank", "insurance", "wealth management", "asset management",
	},
	baseConf:   0.2,
	confPerHit: 0.1,
	confPerNeg: 0.05,
	maxConf:    0.8,
}

// Heuristics is the fallback dispatch table.
var Heuristics = map[domain.BusinessTag]Heuristic{
	domain.TagCrossBorderPayment: crossBorderPayment.heuristic(),
	domain.TagOverseasLoan:       overseasLoan.heuristic(),
	domain.TagOtherFinancial:     otherFinancial.heuristic(),
}

// Fallback scores text without the oracle. Tags come from the heuristics
// that found more keywords than negative keywords; the score starts at 5,
// gains a point per keyword (at most 3), loses a point per negative keyword
// (at most 3) and gains one more for long descriptions.
func Fallback(text string) domain.ScoreResult {
	return fallbackWith(Heuristics, text)
}

func fallbackWith(table map[domain.BusinessTag]Heuristic, text string) domain.ScoreResult {
	var (
		tags       []domain.BusinessTag
		matches    int
		negatives  int
		confidence float64
		notes      []string
	)
	for _, tag := range domain.AllBusinessTags {
		h, ok := table[tag]
		if !ok {
			continue
		}
		p := h(text)
		matches += p.Matches
		negatives += p.Negatives
		if p.Confidence > confidence {
			confidence = p.Confidence
		}
		if p.Relevant() {
			tags = append(tags, tag)
			notes = append(notes, fmt.Sprintf("%s matched=%d negative=%d", tag.Label(), p.Matches, p.Negatives))
		}
	}

	score := fallbackBaseScore + min(matches, fallbackMaxBonus) - min(negatives, fallbackMaxBonus)
	if utf8.RuneCountInString(text) > longTextRunes {
		score++
	}

	rationale := fallbackRationale
	if len(notes) > 0 {
		rationale += ": " + strings.Join(notes, "; ")
	}

	return domain.ScoreResult{
		BusinessTags: tags,
		Score:        domain.ClampScore(score),
		Confidence:   math.Min(FallbackMaxConfidence, confidence),
		Rationale:    rationale,
		Succeeded:    true,
		Fallback:     true,
	}
}
