package slacknotify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"leadscore/internal/domain"
)

func newMockSlackAPI(t *testing.T) (*slack.Client, *[]string) {
	t.Helper()

	var mu sync.Mutex
	var posted []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/")
		switch path {
		case "chat.postMessage":
			_ = r.ParseForm()
			mu.Lock()
			posted = append(posted, r.FormValue("channel")+"|"+r.FormValue("text"))
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C123", "ts": "1.0"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		}
	}))
	t.Cleanup(server.Close)

	api := slack.New("xoxb-test", slack.OptionAPIURL(server.URL+"/api/"))
	return api, &posted
}

func TestFormatRunSummary(t *testing.T) {
	s := domain.RunSummary{
		Name:           "unscored",
		SuccessCount:   8,
		FailureCount:   2,
		SkippedCount:   1,
		HighScoreCount: 3,
		FallbackCount:  2,
		TotalElapsed:   95 * time.Second,
	}
	got := FormatRunSummary(s)
	for _, want := range []string{"(unscored) complete", "8 scored, 2 failed, 1 skipped", "80% success", "3 high-score leads", "2 scored by keyword fallback"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
	if strings.Contains(got, "from cache") {
		t.Fatalf("zero counters must be omitted, got %q", got)
	}
}

func TestFormatRunSummaryEmptyAndInterrupted(t *testing.T) {
	if got := FormatRunSummary(domain.RunSummary{Name: "rescore"}); got != "Scoring run (rescore): nothing to score." {
		t.Fatalf("unexpected empty summary %q", got)
	}
	got := FormatRunSummary(domain.RunSummary{SuccessCount: 1, Interrupted: true})
	if !strings.Contains(got, "(batch) interrupted") {
		t.Fatalf("expected interrupted marker, got %q", got)
	}
}

func TestNotifyRunPostsToChannel(t *testing.T) {
	api, posted := newMockSlackAPI(t)
	n := New(api, "C123")

	if err := n.NotifyRun(context.Background(), domain.RunSummary{RunID: "r1", SuccessCount: 2}); err != nil {
		t.Fatalf("NotifyRun: %v", err)
	}
	if len(*posted) != 1 || !strings.HasPrefix((*posted)[0], "C123|Scoring run") {
		t.Fatalf("unexpected posts %v", *posted)
	}
}

func TestNotifyRunWithoutChannelIsNoop(t *testing.T) {
	api, posted := newMockSlackAPI(t)
	if err := New(api, "").NotifyRun(context.Background(), domain.RunSummary{SuccessCount: 1}); err != nil {
		t.Fatalf("NotifyRun: %v", err)
	}
	if len(*posted) != 0 {
		t.Fatalf("expected no posts, got %v", *posted)
	}
}
