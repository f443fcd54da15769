package domain

import (
	"strings"
	"time"
)

// FeatureFlags toggles optional engine features for a principal.
type FeatureFlags struct {
	MentorEnabled    bool `json:"mentorEnabled" yaml:"mentorEnabled"`
	EvaluatorEnabled bool `json:"evaluatorEnabled" yaml:"evaluatorEnabled"`
}

// Assignment is the set of personas and scenarios a guest code unlocks.
type Assignment struct {
	Personas  []Persona  `json:"personas"`
	Scenarios []Scenario `json:"scenarios"`
}

// Lookup returns the assigned subject with the given type and id.
func (a Assignment) Lookup(subjectType SubjectType, ref string) (Subject, bool) {
	switch subjectType {
	case SubjectPersona:
		for i := range a.Personas {
			if a.Personas[i].ID == ref {
				p := a.Personas[i]
				return Subject{Type: SubjectPersona, Persona: &p}, true
			}
		}
	case SubjectScenario:
		for i := range a.Scenarios {
			if a.Scenarios[i].ID == ref {
				s := a.Scenarios[i]
				return Subject{Type: SubjectScenario, Scenario: &s}, true
			}
		}
	}
	return Subject{}, false
}

// LookupAny resolves ref against personas first, then scenarios.
func (a Assignment) LookupAny(ref string) (Subject, bool) {
	if s, ok := a.Lookup(SubjectPersona, ref); ok {
		return s, true
	}
	return a.Lookup(SubjectScenario, ref)
}

// AccessCode is the administrative record behind a guest code.
type AccessCode struct {
	Code        string       `json:"code"`
	PersonaIDs  []string     `json:"personaIds"`
	ScenarioIDs []string     `json:"scenarioIds"`
	Features    FeatureFlags `json:"features"`
	Active      bool         `json:"active"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Usable reports whether the code may admit a guest at now.
func (c *AccessCode) Usable(now time.Time) bool {
	if c == nil || !c.Active {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

// NormalizeCode canonicalizes user-entered access codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Grant is a validated access code: what it unlocks and which features it enables.
type Grant struct {
	Code       string       `json:"code"`
	Assignment Assignment   `json:"assignments"`
	Features   FeatureFlags `json:"features"`
	ExpiresAt  *time.Time   `json:"expiresAt,omitempty"`
}
