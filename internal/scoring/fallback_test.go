package scoring

import (
	"math"
	"strings"
	"testing"

	"leadscore/internal/domain"
)

func TestFallbackTagsFromKeywords(t *testing.T) {
	got := Fallback("我们提供跨境支付和国际汇款服务, also SWIFT settlement")
	if !got.Fallback || !got.Succeeded {
		t.Fatalf("expected successful fallback, got %+v", got)
	}
	if !got.HasTag(domain.TagCrossBorderPayment) {
		t.Fatalf("expected cross-border tag, got %v", got.BusinessTags)
	}
	if got.HasTag(domain.TagOverseasLoan) {
		t.Fatalf("unexpected overseas loan tag, got %v", got.BusinessTags)
	}
	if got.Score != 8 {
		t.Fatalf("expected 5 + 3 keyword bonus, got %d", got.Score)
	}
	if got.Confidence != FallbackMaxConfidence {
		t.Fatalf("expected capped confidence, got %f", got.Confidence)
	}
}

func TestFallbackNegativeKeywordsSuppressTag(t *testing.T) {
	got := Fallback("本地支付 and domestic payment processing, some currency exchange")
	if got.HasTag(domain.TagCrossBorderPayment) {
		t.Fatalf("expected negatives to outweigh matches, got %v", got.BusinessTags)
	}
	if got.Score != 4 {
		t.Fatalf("expected 5 + 1 - 2 = 4, got %d", got.Score)
	}
}

func TestFallbackNoKeywords(t *testing.T) {
	got := Fallback("a bakery selling bread")
	if len(got.BusinessTags) != 0 {
		t.Fatalf("expected no tags, got %v", got.BusinessTags)
	}
	if got.Score != 5 {
		t.Fatalf("expected base score, got %d", got.Score)
	}
	if got.Confidence >= FallbackMaxConfidence {
		t.Fatalf("expected low confidence without evidence, got %f", got.Confidence)
	}
}

func TestFallbackLongTextBonus(t *testing.T) {
	text := strings.Repeat("bakery ", 40)
	if got := Fallback(text); got.Score != 6 {
		t.Fatalf("expected long-text bonus, got %d", got.Score)
	}
}

func TestFallbackUsesDispatchTable(t *testing.T) {
	table := map[domain.BusinessTag]Heuristic{
		domain.TagOverseasLoan: func(string) PartialScore {
			return PartialScore{Tag: domain.TagOverseasLoan, Matches: 2, Confidence: 0.9}
		},
	}
	got := fallbackWith(table, "anything")
	if len(got.BusinessTags) != 1 || got.BusinessTags[0] != domain.TagOverseasLoan {
		t.Fatalf("expected only the table's tag, got %v", got.BusinessTags)
	}
	if got.Score != 7 || got.Confidence != FallbackMaxConfidence {
		t.Fatalf("unexpected score/confidence %d/%f", got.Score, got.Confidence)
	}
}

func TestOverseasLoanHeuristic(t *testing.T) {
	p := Heuristics[domain.TagOverseasLoan]("export credit and trade finance for 海外融资 clients")
	if p.Matches != 3 || !p.Relevant() {
		t.Fatalf("expected 3 matches, got %+v", p)
	}
	if math.Abs(p.Confidence-0.61) > 1e-9 {
		t.Fatalf("expected 0.25+3*0.12 confidence, got %f", p.Confidence)
	}
}
