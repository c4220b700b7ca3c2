// Package plugins runs deterministic automation hooks off the event
// bus, with safe-output budgets, sliding-window rate limits and
// consensus-event deduplication.
package plugins

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gitswarm/gitswarm/internal/core"
)

// Tier classifies plugin execution locality.
type Tier string

const (
	TierAutomation Tier = "automation"
	TierAI         Tier = "ai"
	TierGovernance Tier = "governance"
)

// SafeOutputs caps what one firing may produce.
type SafeOutputs struct {
	CreateComment int      `yaml:"create-comment"`
	AddLabel      []string `yaml:"add-label"`
	CreateTask    int      `yaml:"create-task"`
	AdjustKarma   int      `yaml:"adjust-karma"`
}

// RateLimit is a sliding-window execution cap.
type RateLimit struct {
	Max      int    `yaml:"max"`
	Window   string `yaml:"window"` // Go duration string, e.g. "1h"
	PerScope string `yaml:"per"`    // reserved; the window is global per plugin
}

// Declaration is one plugin entry in gitswarm-plugins.yaml.
type Declaration struct {
	Name        string      `yaml:"name"`
	Trigger     string      `yaml:"trigger"`
	Tier        Tier        `yaml:"tier"`
	Engine      string      `yaml:"engine"`
	Model       string      `yaml:"model"`
	SafeOutputs SafeOutputs `yaml:"safe-outputs"`
	RateLimit   *RateLimit  `yaml:"rate-limit"`
	Params      map[string]interface{} `yaml:"with"`
}

// File is the top-level plugin configuration document.
type File struct {
	Plugins []Declaration `yaml:"plugins"`
}

// LoadFile parses a plugin configuration file. A missing file yields an
// empty configuration.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, core.ErrValidation(core.CodeBadConfig,
			fmt.Sprintf("parsing %s: %v", path, err)).WithCause(err)
	}
	for i := range f.Plugins {
		if f.Plugins[i].Tier == "" {
			f.Plugins[i].Tier = inferTier(&f.Plugins[i])
		}
	}
	return &f, nil
}

// inferTier classifies undeclared tiers. Governance triggers and
// consensus-shaped names are governance; a configured model or engine
// means ai; everything else runs locally as automation.
func inferTier(d *Declaration) Tier {
	trigger := strings.ToLower(d.Trigger)
	name := strings.ToLower(d.Name)
	if strings.Contains(trigger, "gitswarm.consensus") || strings.Contains(trigger, "gitswarm.council") ||
		strings.Contains(name, "consensus") || strings.Contains(name, "karma-fast-track") {
		return TierGovernance
	}
	if d.Engine != "" || d.Model != "" {
		return TierAI
	}
	return TierAutomation
}
