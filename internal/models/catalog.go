package models

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownAssessmentType is returned when a type is not in the catalog.
var ErrUnknownAssessmentType = errors.New("unknown assessment type")

// AssessmentType identifies an assessment product.
type AssessmentType string

const (
	AssessmentAcademicWriting  AssessmentType = "academic_writing"
	AssessmentGeneralWriting   AssessmentType = "general_writing"
	AssessmentAcademicSpeaking AssessmentType = "academic_speaking"
	AssessmentGeneralSpeaking  AssessmentType = "general_speaking"
	AssessmentAcademicReading  AssessmentType = "academic_reading"
	AssessmentGeneralReading   AssessmentType = "general_reading"
	AssessmentListening        AssessmentType = "listening"
)

// SectionKind groups sections by what callers do with them after completion.
type SectionKind string

const (
	SectionKindWriting   SectionKind = "writing"
	SectionKindSpeaking  SectionKind = "speaking"
	SectionKindReading   SectionKind = "reading"
	SectionKindListening SectionKind = "listening"
)

// SectionConfig describes one timed section.
type SectionConfig struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Kind        SectionKind   `yaml:"kind"`
	Duration    time.Duration `yaml:"duration"`
	AutoAdvance bool          `yaml:"auto_advance"`
	AllowReturn bool          `yaml:"allow_return"`
}

// AssessmentConfig is the ordered section list for an assessment type.
type AssessmentConfig struct {
	Type      AssessmentType  `yaml:"type"`
	ProductID string          `yaml:"product_id"`
	Sections  []SectionConfig `yaml:"sections"`
}

// TotalDuration sums the configured section durations.
func (c AssessmentConfig) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range c.Sections {
		total += s.Duration
	}
	return total
}

// Catalog maps assessment types to their configuration.
type Catalog struct {
	assessments map[AssessmentType]AssessmentConfig
}

func section(id, name string, kind SectionKind, d time.Duration) SectionConfig {
	return SectionConfig{ID: id, Name: name, Kind: kind, Duration: d, AutoAdvance: true}
}

// DefaultCatalog returns the built-in IELTS assessment definitions.
func DefaultCatalog() *Catalog {
	writing := func(t AssessmentType) AssessmentConfig {
		return AssessmentConfig{Type: t, ProductID: string(t), Sections: []SectionConfig{
			section("task1", "Writing Task 1", SectionKindWriting, 20*time.Minute),
			section("task2", "Writing Task 2", SectionKindWriting, 40*time.Minute),
		}}
	}
	speaking := func(t AssessmentType) AssessmentConfig {
		return AssessmentConfig{Type: t, ProductID: string(t), Sections: []SectionConfig{
			section("part1", "Speaking Part 1", SectionKindSpeaking, 5*time.Minute),
			section("part2", "Speaking Part 2", SectionKindSpeaking, 4*time.Minute),
			section("part3", "Speaking Part 3", SectionKindSpeaking, 5*time.Minute),
		}}
	}
	reading := func(t AssessmentType) AssessmentConfig {
		return AssessmentConfig{Type: t, ProductID: string(t), Sections: []SectionConfig{
			section("passage1", "Reading Passage 1", SectionKindReading, 20*time.Minute),
			section("passage2", "Reading Passage 2", SectionKindReading, 20*time.Minute),
			section("passage3", "Reading Passage 3", SectionKindReading, 20*time.Minute),
		}}
	}

	return NewCatalog(
		writing(AssessmentAcademicWriting),
		writing(AssessmentGeneralWriting),
		speaking(AssessmentAcademicSpeaking),
		speaking(AssessmentGeneralSpeaking),
		reading(AssessmentAcademicReading),
		reading(AssessmentGeneralReading),
		AssessmentConfig{Type: AssessmentListening, ProductID: string(AssessmentListening), Sections: []SectionConfig{
			section("part1", "Listening Part 1", SectionKindListening, 10*time.Minute),
			section("part2", "Listening Part 2", SectionKindListening, 10*time.Minute),
			section("part3", "Listening Part 3", SectionKindListening, 10*time.Minute),
			section("part4", "Listening Part 4", SectionKindListening, 10*time.Minute),
		}},
	)
}

// NewCatalog builds a catalog from explicit configurations.
func NewCatalog(configs ...AssessmentConfig) *Catalog {
	c := &Catalog{assessments: make(map[AssessmentType]AssessmentConfig, len(configs))}
	for _, cfg := range configs {
		c.assessments[cfg.Type] = cfg
	}
	return c
}

// Lookup returns the configuration for an assessment type.
func (c *Catalog) Lookup(t AssessmentType) (AssessmentConfig, error) {
	cfg, ok := c.assessments[t]
	if !ok {
		return AssessmentConfig{}, fmt.Errorf("%w: %q", ErrUnknownAssessmentType, t)
	}
	return cfg, nil
}

// Types returns every configured assessment type.
func (c *Catalog) Types() []AssessmentType {
	types := make([]AssessmentType, 0, len(c.assessments))
	for t := range c.assessments {
		types = append(types, t)
	}
	return types
}

type catalogFile struct {
	Assessments []AssessmentConfig `yaml:"assessments"`
}

// LoadCatalog reads assessment overrides from a YAML file and merges them over
// the default catalog. Overrides replace whole assessment definitions.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	for _, cfg := range file.Assessments {
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid assessment %q: %w", cfg.Type, err)
		}
		if cfg.ProductID == "" {
			cfg.ProductID = string(cfg.Type)
		}
		c.assessments[cfg.Type] = cfg
	}

	return c, nil
}

func (c AssessmentConfig) validate() error {
	if c.Type == "" {
		return errors.New("type is required")
	}
	if len(c.Sections) == 0 {
		return errors.New("at least one section is required")
	}
	seen := make(map[string]bool, len(c.Sections))
	for _, s := range c.Sections {
		if s.ID == "" {
			return errors.New("section id is required")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate section id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Duration <= 0 {
			return fmt.Errorf("section %q must have a positive duration", s.ID)
		}
		if s.AllowReturn {
			return fmt.Errorf("section %q: allow_return is not supported", s.ID)
		}
	}
	return nil
}
