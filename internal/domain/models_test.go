package domain

import (
	"context"
	"errors"
	"testing"
)

func TestParseBusinessTag(t *testing.T) {
	tests := []struct {
		in   string
		want BusinessTag
		ok   bool
	}{
		{in: "CROSS_BORDER_PAYMENT", want: TagCrossBorderPayment, ok: true},
		{in: " cross-border payment ", want: TagCrossBorderPayment, ok: true},
		{in: "跨境支付", want: TagCrossBorderPayment, ok: true},
		{in: "海外借贷", want: TagOverseasLoan, ok: true},
		{in: "Other Financial", want: TagOtherFinancial, ok: true},
		{in: "retail", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := ParseBusinessTag(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("ParseBusinessTag(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestClampScoreAndConfidence(t *testing.T) {
	if got := ClampScore(0); got != MinScore {
		t.Fatalf("ClampScore(0) = %d", got)
	}
	if got := ClampScore(42); got != MaxScore {
		t.Fatalf("ClampScore(42) = %d", got)
	}
	if got := ClampScore(7); got != 7 {
		t.Fatalf("ClampScore(7) = %d", got)
	}
	if got := ClampConfidence(-0.2); got != 0 {
		t.Fatalf("ClampConfidence(-0.2) = %f", got)
	}
	if got := ClampConfidence(1.7); got != 1 {
		t.Fatalf("ClampConfidence(1.7) = %f", got)
	}
}

func TestScoreResultCloneDoesNotShareTags(t *testing.T) {
	orig := ScoreResult{BusinessTags: []BusinessTag{TagOverseasLoan}}
	cp := orig.Clone()
	cp.BusinessTags[0] = TagOtherFinancial
	if orig.BusinessTags[0] != TagOverseasLoan {
		t.Fatalf("clone mutated original tags: %v", orig.BusinessTags)
	}
	if !orig.HasTag(TagOverseasLoan) || orig.HasTag(TagCrossBorderPayment) {
		t.Fatalf("unexpected HasTag result for %v", orig.BusinessTags)
	}
}

func TestRunSummaryRates(t *testing.T) {
	s := RunSummary{SuccessCount: 8, FailureCount: 2, SkippedCount: 1}
	if s.TotalProcessed() != 11 {
		t.Fatalf("TotalProcessed = %d, want 11", s.TotalProcessed())
	}
	if s.SuccessRate() != 0.8 {
		t.Fatalf("SuccessRate = %f, want 0.8", s.SuccessRate())
	}
	if (RunSummary{}).SuccessRate() != 0 {
		t.Fatal("empty summary should have zero success rate")
	}
}

func TestInterruptedMatchesContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Interrupted(ctx, "backoff")
	if !IsInterrupted(err) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
}
