// Package seed loads reference data from a YAML fixture into the store.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/advisor-sim/internal/domain"
)

// File is the YAML seed document.
type File struct {
	Personas     []domain.Persona               `yaml:"personas"`
	Scenarios    []domain.Scenario              `yaml:"scenarios"`
	AccessCodes  []AccessCode                   `yaml:"accessCodes"`
	UserFeatures map[string]domain.FeatureFlags `yaml:"userFeatures"`
}

// AccessCode is the YAML form of a guest access code.
type AccessCode struct {
	Code        string              `yaml:"code"`
	PersonaIDs  []string            `yaml:"personaIds"`
	ScenarioIDs []string            `yaml:"scenarioIds"`
	Features    domain.FeatureFlags `yaml:"features"`
	// Active defaults to true when omitted.
	Active    *bool      `yaml:"active"`
	ExpiresAt *time.Time `yaml:"expiresAt"`
}

// Writer is the part of the store seeding needs.
type Writer interface {
	UpsertPersona(ctx context.Context, p *domain.Persona) error
	UpsertScenario(ctx context.Context, s *domain.Scenario) error
	UpsertAccessCode(ctx context.Context, c *domain.AccessCode) error
	UpsertUserFeatures(ctx context.Context, userID string, flags domain.FeatureFlags) error
}

// Parse decodes a seed document, rejecting unknown fields.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses the seed file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return Parse(data)
}

func (f *File) validate() error {
	personas := make(map[string]bool, len(f.Personas))
	for _, p := range f.Personas {
		if p.ID == "" || p.Name == "" {
			return fmt.Errorf("seed persona needs id and name")
		}
		personas[p.ID] = true
	}
	scenarios := make(map[string]bool, len(f.Scenarios))
	for _, s := range f.Scenarios {
		if s.ID == "" || s.Title == "" {
			return fmt.Errorf("seed scenario needs id and title")
		}
		scenarios[s.ID] = true
	}
	for _, c := range f.AccessCodes {
		if domain.NormalizeCode(c.Code) == "" {
			return fmt.Errorf("seed access code is empty")
		}
		for _, id := range c.PersonaIDs {
			if !personas[id] {
				return fmt.Errorf("access code %s references unknown persona %q", c.Code, id)
			}
		}
		for _, id := range c.ScenarioIDs {
			if !scenarios[id] {
				return fmt.Errorf("access code %s references unknown scenario %q", c.Code, id)
			}
		}
	}
	return nil
}

// Apply upserts every record in f.
func (f *File) Apply(ctx context.Context, w Writer, now time.Time, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for i := range f.Personas {
		if err := w.UpsertPersona(ctx, &f.Personas[i]); err != nil {
			return fmt.Errorf("seed persona %s: %w", f.Personas[i].ID, err)
		}
	}
	for i := range f.Scenarios {
		s := f.Scenarios[i]
		s.Normalize()
		if err := w.UpsertScenario(ctx, &s); err != nil {
			return fmt.Errorf("seed scenario %s: %w", s.ID, err)
		}
	}
	for _, c := range f.AccessCodes {
		active := c.Active == nil || *c.Active
		code := &domain.AccessCode{
			Code:        c.Code,
			PersonaIDs:  c.PersonaIDs,
			ScenarioIDs: c.ScenarioIDs,
			Features:    c.Features,
			Active:      active,
			ExpiresAt:   c.ExpiresAt,
			CreatedAt:   now,
		}
		if err := w.UpsertAccessCode(ctx, code); err != nil {
			return fmt.Errorf("seed access code %s: %w", c.Code, err)
		}
	}
	for userID, flags := range f.UserFeatures {
		if err := w.UpsertUserFeatures(ctx, userID, flags); err != nil {
			return fmt.Errorf("seed user features %s: %w", userID, err)
		}
	}

	logger.Info("seed data applied",
		"personas", len(f.Personas),
		"scenarios", len(f.Scenarios),
		"access_codes", len(f.AccessCodes),
		"user_features", len(f.UserFeatures))
	return nil
}
