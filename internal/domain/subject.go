// Package domain contains core domain types for the advisor simulation engine.
package domain

import (
	"strings"
)

// Persona is a simulated client profile. Reference data, never mutated by the engine.
type Persona struct {
	ID            string `json:"_id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Goals         string `json:"goals" yaml:"goals"`
	Age           int    `json:"age,omitempty" yaml:"age"`
	Occupation    string `json:"occupation,omitempty" yaml:"occupation"`
	Income        string `json:"income,omitempty" yaml:"income"`
	RiskTolerance string `json:"riskTolerance,omitempty" yaml:"riskTolerance"`
	Background    string `json:"background,omitempty" yaml:"background"`
	Personality   string `json:"personality,omitempty" yaml:"personality"`
}

// GenericPersonaID names the built-in persona used when a registered user
// chats without choosing a subject and no default is configured.
const GenericPersonaID = "generic-client"

// GenericPersona returns the built-in persona.
func GenericPersona() Persona {
	return Persona{
		ID:            GenericPersonaID,
		Name:          "Alex Morgan",
		Goals:         "Get on top of savings and start planning for retirement",
		Age:           38,
		Occupation:    "Operations manager",
		Income:        "Moderate, steady salary",
		RiskTolerance: "Moderate",
		Background:    "Has a workplace pension and some cash savings but has never worked with an advisor.",
	}
}

// Difficulty grades a scenario.
type Difficulty string

const (
	DifficultyStandard Difficulty = "Standard"
	DifficultyAdvanced Difficulty = "Advanced"
	DifficultyExpert   Difficulty = "Expert"
)

// ParseDifficulty maps free text onto a Difficulty. Unknown or empty values
// fall back to Standard.
func ParseDifficulty(s string) Difficulty {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "advanced":
		return DifficultyAdvanced
	case "expert":
		return DifficultyExpert
	default:
		return DifficultyStandard
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for JSON and YAML.
func (d *Difficulty) UnmarshalText(text []byte) error {
	*d = ParseDifficulty(string(text))
	return nil
}

// Scenario is a structured practice situation. Reference data.
type Scenario struct {
	ID            string     `json:"_id" yaml:"id"`
	Title         string     `json:"title" yaml:"title"`
	Description   string     `json:"description" yaml:"description"`
	Category      string     `json:"category" yaml:"category"`
	Difficulty    Difficulty `json:"difficulty" yaml:"difficulty"`
	EstimatedTime string     `json:"estimatedTime,omitempty" yaml:"estimatedTime"`
	Objectives    []string   `json:"objectives,omitempty" yaml:"objectives"`
}

// Normalize fills defaults for fields that may be absent in stored documents.
func (s *Scenario) Normalize() {
	if s.Difficulty == "" {
		s.Difficulty = DifficultyStandard
	}
}

// SubjectType says whether a simulation runs against a persona or a scenario.
type SubjectType string

const (
	SubjectPersona  SubjectType = "persona"
	SubjectScenario SubjectType = "scenario"
)

// ParseSubjectType validates a subject type string.
func ParseSubjectType(s string) (SubjectType, bool) {
	switch SubjectType(strings.ToLower(strings.TrimSpace(s))) {
	case SubjectPersona:
		return SubjectPersona, true
	case SubjectScenario:
		return SubjectScenario, true
	default:
		return "", false
	}
}

// Subject is the resolved persona or scenario a session runs against.
// Exactly one of Persona and Scenario is set.
type Subject struct {
	Type     SubjectType
	Persona  *Persona
	Scenario *Scenario
}

// Ref returns the subject id.
func (s Subject) Ref() string {
	switch {
	case s.Persona != nil:
		return s.Persona.ID
	case s.Scenario != nil:
		return s.Scenario.ID
	default:
		return ""
	}
}

// Name returns a display name for the subject.
func (s Subject) Name() string {
	switch {
	case s.Persona != nil:
		return s.Persona.Name
	case s.Scenario != nil:
		return s.Scenario.Title
	default:
		return ""
	}
}
