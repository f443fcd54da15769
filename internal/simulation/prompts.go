package simulation

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/ashureev/advisor-sim/internal/completion"
	"github.com/ashureev/advisor-sim/internal/domain"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// EvaluationCategories are the dimensions every evaluation scores.
var EvaluationCategories = []string{
	"Rapport building",
	"Needs discovery",
	"Clarity of explanations",
	"Suitability of recommendations",
	"Compliance and ethics",
}

const (
	replyTemperature      float32 = 0.7
	evaluationTemperature float32 = 0.2
	mentorTemperature     float32 = 0.4
	maxMentorHints                = 3
)

var promptFuncs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
	"speaker": func(r domain.Role) string {
		switch r {
		case domain.RoleUser:
			return "Advisor"
		case domain.RoleAssistant:
			return "Client"
		default:
			return "Note"
		}
	},
	"difficultyGuidance": func(d domain.Difficulty) string {
		switch d {
		case domain.DifficultyExpert:
			return "Be skeptical and emotionally charged. Raise objections the advisor must handle before you agree to anything."
		case domain.DifficultyAdvanced:
			return "Be guarded. Reveal important details only when the advisor asks good questions."
		default:
			return "Be cooperative and forthcoming with information."
		}
	},
}

// Prompts renders completion requests from sessions.
type Prompts struct {
	tmpl   *template.Template
	window int
}

// NewPrompts parses the embedded templates. window limits how many recent
// turns are sent with each reply request; zero or less sends all of them.
func NewPrompts(window int) (*Prompts, error) {
	tmpl, err := template.New("prompts").Funcs(promptFuncs).ParseFS(promptFS, "prompts/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	return &Prompts{tmpl: tmpl, window: window}, nil
}

func (p *Prompts) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

func (p *Prompts) windowed(turns []domain.ConversationTurn) []domain.ConversationTurn {
	if p.window > 0 && len(turns) > p.window {
		return turns[len(turns)-p.window:]
	}
	return turns
}

// SystemPrompt renders the in-character instructions for subject.
func (p *Prompts) SystemPrompt(subject domain.Subject) (string, error) {
	switch {
	case subject.Persona != nil:
		return p.render("persona.tmpl", subject)
	case subject.Scenario != nil:
		return p.render("scenario.tmpl", subject)
	default:
		return "", fmt.Errorf("subject has neither persona nor scenario")
	}
}

// Reply builds the request for the client's next turn. The prior transcript
// is windowed, system notes are left out, and userMessage is sent last.
func (p *Prompts) Reply(subject domain.Subject, transcript []domain.ConversationTurn, userMessage string) (completion.Request, error) {
	system, err := p.SystemPrompt(subject)
	if err != nil {
		return completion.Request{}, err
	}

	prior := make([]domain.ConversationTurn, 0, len(transcript))
	for _, t := range transcript {
		if t.Role != domain.RoleSystem {
			prior = append(prior, t)
		}
	}
	full := len(prior)
	prior = p.windowed(prior)
	// A window that cuts mid-exchange must not open with an orphaned reply.
	if len(prior) < full && len(prior) > 0 && prior[0].Role == domain.RoleAssistant {
		prior = prior[1:]
	}

	msgs := make([]completion.Message, 0, len(prior)+1)
	for _, t := range prior {
		role := completion.RoleUser
		if t.Role == domain.RoleAssistant {
			role = completion.RoleAssistant
		}
		msgs = append(msgs, completion.Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, completion.Message{Role: completion.RoleUser, Content: userMessage})

	return completion.Request{
		Purpose:     "reply",
		System:      system,
		Messages:    msgs,
		Temperature: replyTemperature,
	}, nil
}

// Evaluation builds the grading request over the full transcript.
func (p *Prompts) Evaluation(subject domain.Subject, transcript []domain.ConversationTurn) (completion.Request, error) {
	system, err := p.render("evaluate.tmpl", struct {
		SubjectName string
		Categories  []string
	}{subject.Name(), EvaluationCategories})
	if err != nil {
		return completion.Request{}, err
	}
	body, err := p.render("transcript.tmpl", transcript)
	if err != nil {
		return completion.Request{}, err
	}
	return completion.Request{
		Purpose:     "evaluate",
		System:      system,
		Messages:    []completion.Message{{Role: completion.RoleUser, Content: body}},
		Temperature: evaluationTemperature,
		JSON:        true,
	}, nil
}

// Mentor builds the coaching request. anchor is the transcript index of the
// user turn the hints respond to.
func (p *Prompts) Mentor(subject domain.Subject, transcript []domain.ConversationTurn, anchor int) (completion.Request, error) {
	recent := p.windowed(transcript[:anchor+1])
	system, err := p.render("mentor.tmpl", struct {
		SubjectName string
		AnchorLine  int
		MaxHints    int
	}{subject.Name(), len(recent), maxMentorHints})
	if err != nil {
		return completion.Request{}, err
	}
	body, err := p.render("transcript.tmpl", recent)
	if err != nil {
		return completion.Request{}, err
	}
	return completion.Request{
		Purpose:     "mentor",
		System:      system,
		Messages:    []completion.Message{{Role: completion.RoleUser, Content: body}},
		Temperature: mentorTemperature,
		JSON:        true,
	}, nil
}
