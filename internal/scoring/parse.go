package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"leadscore/internal/domain"
)

const defaultOracleScore = 5

type oracleResponse struct {
	BusinessTypes []string `json:"business_types"`
	Score         *float64 `json:"payment_willingness_score"`
	Confidence    *float64 `json:"confidence"`
	Reason        string   `json:"reason"`
}

// extractJSON returns the text between the first '{' and the last '}', which
// drops code fences and any prose the model wrapped around the object.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return strings.TrimSpace(raw)
}

// ParseResponse turns an oracle reply into a successful ScoreResult. A reply
// without a usable JSON object yields domain.ErrMalformedResponse.
func ParseResponse(raw string) (domain.ScoreResult, error) {
	var resp oracleResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return domain.ScoreResult{}, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}

	var tags []domain.BusinessTag
	seen := make(map[domain.BusinessTag]bool)
	for _, label := range resp.BusinessTypes {
		tag, ok := domain.ParseBusinessTag(label)
		if !ok || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	score := defaultOracleScore
	if resp.Score != nil {
		score = int(math.Round(*resp.Score))
	}
	var confidence float64
	if resp.Confidence != nil {
		confidence = *resp.Confidence
	}

	return domain.ScoreResult{
		BusinessTags: tags,
		Score:        domain.ClampScore(score),
		Confidence:   domain.ClampConfidence(confidence),
		Rationale:    strings.TrimSpace(resp.Reason),
		Succeeded:    true,
		RawPayload:   raw,
	}, nil
}
