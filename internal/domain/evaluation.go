package domain

import (
	"slices"
	"time"
)

// CategoryScore is one scored dimension of an evaluation.
type CategoryScore struct {
	Name     string `json:"name"`
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

// EvaluationResult is structured feedback for a transcript snapshot.
type EvaluationResult struct {
	OverallScore int             `json:"overallScore"`
	Categories   []CategoryScore `json:"categories"`
	Strengths    []string        `json:"strengths"`
	Improvements []string        `json:"improvements"`
	Summary      string          `json:"summary"`
	// TranscriptLen is the number of turns the evaluation covered.
	TranscriptLen int       `json:"transcriptLength"`
	EvaluatedAt   time.Time `json:"evaluatedAt"`
}

func (r EvaluationResult) clone() EvaluationResult {
	r.Categories = slices.Clone(r.Categories)
	r.Strengths = slices.Clone(r.Strengths)
	r.Improvements = slices.Clone(r.Improvements)
	return r
}

// MentorHint is a coaching suggestion anchored to a transcript position.
type MentorHint struct {
	Text      string    `json:"text"`
	TurnIndex int       `json:"turnIndex"`
	CreatedAt time.Time `json:"createdAt"`
}
