package simulation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/advisor-sim/internal/domain"
)

// stripFences removes a surrounding markdown code fence, which models add
// even when asked for bare JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clampScore(n int) int {
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	default:
		return n
	}
}

type evaluationDoc struct {
	OverallScore *int                   `json:"overallScore"`
	Categories   []domain.CategoryScore `json:"categories"`
	Strengths    []string               `json:"strengths"`
	Improvements []string               `json:"improvements"`
	Summary      string                 `json:"summary"`
}

func parseEvaluation(text string) (domain.EvaluationResult, error) {
	var doc evaluationDoc
	if err := json.Unmarshal([]byte(stripFences(text)), &doc); err != nil {
		return domain.EvaluationResult{}, fmt.Errorf("decode evaluation: %w", err)
	}
	if doc.OverallScore == nil {
		return domain.EvaluationResult{}, fmt.Errorf("decode evaluation: overallScore missing")
	}

	res := domain.EvaluationResult{
		OverallScore: clampScore(*doc.OverallScore),
		Categories:   make([]domain.CategoryScore, 0, len(doc.Categories)),
		Strengths:    nonEmpty(doc.Strengths),
		Improvements: nonEmpty(doc.Improvements),
		Summary:      strings.TrimSpace(doc.Summary),
	}
	for _, c := range doc.Categories {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		c.Score = clampScore(c.Score)
		res.Categories = append(res.Categories, c)
	}
	return res, nil
}

func parseHints(text string) ([]string, error) {
	raw := []byte(stripFences(text))

	var doc struct {
		Hints []string `json:"hints"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		// Some models answer with a bare array.
		if arrErr := json.Unmarshal(raw, &doc.Hints); arrErr != nil {
			return nil, fmt.Errorf("decode mentor hints: %w", err)
		}
	}

	hints := nonEmpty(doc.Hints)
	if len(hints) == 0 {
		return nil, fmt.Errorf("decode mentor hints: no hints returned")
	}
	if len(hints) > maxMentorHints {
		hints = hints[:maxMentorHints]
	}
	return hints, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
