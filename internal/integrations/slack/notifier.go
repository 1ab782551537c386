// Package slacknotify posts run summaries to a Slack channel.
package slacknotify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"leadscore/internal/domain"
)

type Notifier struct {
	api       *slack.Client
	channelID string
}

func New(api *slack.Client, channelID string) *Notifier {
	return &Notifier{api: api, channelID: channelID}
}

func (n *Notifier) NotifyRun(ctx context.Context, summary domain.RunSummary) error {
	if n == nil || n.api == nil || n.channelID == "" {
		return nil
	}
	_, _, err := n.api.PostMessageContext(ctx, n.channelID, slack.MsgOptionText(FormatRunSummary(summary), false))
	if err != nil {
		return fmt.Errorf("posting run summary: %w", err)
	}
	log.Printf("slack run summary posted run=%s channel=%s", summary.RunID, n.channelID)
	return nil
}

// FormatRunSummary renders a summary as a short Slack message.
func FormatRunSummary(s domain.RunSummary) string {
	name := s.Name
	if name == "" {
		name = "batch"
	}
	if s.TotalProcessed() == 0 {
		return fmt.Sprintf("Scoring run (%s): nothing to score.", name)
	}

	var b strings.Builder
	status := "complete"
	if s.Interrupted {
		status = "interrupted"
	}
	fmt.Fprintf(&b, "Scoring run (%s) %s in %s: %d scored, %d failed",
		name, status, s.TotalElapsed.Round(time.Second), s.SuccessCount, s.FailureCount)
	if s.SkippedCount > 0 {
		fmt.Fprintf(&b, ", %d skipped", s.SkippedCount)
	}
	fmt.Fprintf(&b, " (%.0f%% success).", s.SuccessRate()*100)

	var details []string
	if s.HighScoreCount > 0 {
		details = append(details, fmt.Sprintf("%d high-score leads", s.HighScoreCount))
	}
	if s.FallbackCount > 0 {
		details = append(details, fmt.Sprintf("%d scored by keyword fallback", s.FallbackCount))
	}
	if s.CachedCount > 0 {
		details = append(details, fmt.Sprintf("%d from cache", s.CachedCount))
	}
	if s.PersistErrors > 0 {
		details = append(details, fmt.Sprintf("%d could not be saved", s.PersistErrors))
	}
	if len(details) > 0 {
		b.WriteString("\n" + strings.Join(details, ", ") + ".")
	}
	return b.String()
}
