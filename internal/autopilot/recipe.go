// Package autopilot schedules recurring background work. Each recipe is a
// YAML file naming an interval and the instructions a session is spawned
// with; the scheduler runs one goroutine per recipe and records every
// occurrence, including the ones it had to skip.
package autopilot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agidotai/memini/internal/util"
)

// ErrBadRecipe marks a recipe file that cannot be used.
var ErrBadRecipe = errors.New("autopilot: invalid recipe")

var recipeNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Recipe is the on-disk definition of one scheduled task.
type Recipe struct {
	Name          string   `yaml:"name" json:"name"`
	IntervalSecs  int      `yaml:"interval_secs" json:"interval_secs"`
	Instructions  string   `yaml:"instructions" json:"instructions"`
	Persona       string   `yaml:"persona,omitempty" json:"persona,omitempty"`
	Tools         []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	TriggerEvents []string `yaml:"trigger_events,omitempty" json:"trigger_events,omitempty"`
}

// Interval returns the recipe's period as a duration.
func (r Recipe) Interval() time.Duration {
	return time.Duration(r.IntervalSecs) * time.Second
}

// Validate checks the recipe for use by the scheduler.
func (r Recipe) Validate() error {
	if !recipeNameRe.MatchString(r.Name) {
		return fmt.Errorf("%w: bad name %q", ErrBadRecipe, r.Name)
	}
	if r.IntervalSecs <= 0 {
		return fmt.Errorf("%w %s: interval_secs must be positive, got %d", ErrBadRecipe, r.Name, r.IntervalSecs)
	}
	if strings.TrimSpace(r.Instructions) == "" {
		return fmt.Errorf("%w %s: empty instructions", ErrBadRecipe, r.Name)
	}
	return nil
}

// RecipePath returns the canonical file path for a recipe name inside dir.
func RecipePath(dir, name string) string {
	return filepath.Join(dir, name+".yaml")
}

// LoadRecipeFile reads and validates one recipe file.
func LoadRecipeFile(path string) (Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Recipe{}, fmt.Errorf("reading recipe %s: %w", path, err)
	}
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Recipe{}, fmt.Errorf("parsing recipe %s: %w", path, err)
	}
	if r.Name == "" {
		base := filepath.Base(path)
		r.Name = strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
	}
	if err := r.Validate(); err != nil {
		return Recipe{}, err
	}
	return r, nil
}

// SaveRecipeFile writes the recipe to its canonical path in dir.
func SaveRecipeFile(dir string, r Recipe) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating recipe dir: %w", err)
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding recipe %s: %w", r.Name, err)
	}
	path := RecipePath(dir, r.Name)
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing recipe %s: %w", r.Name, err)
	}
	return path, nil
}

// LoadDir reads every recipe file in dir, sorted by name. Files that fail to
// parse are reported through onError and skipped; one broken file must not
// take down the rest of the schedule.
func LoadDir(dir string, onError func(path string, err error)) ([]Recipe, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recipe dir: %w", err)
	}
	var recipes []Recipe
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		r, err := LoadRecipeFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			if onError != nil {
				onError(filepath.Join(dir, entry.Name()), err)
			}
			continue
		}
		recipes = append(recipes, r)
	}
	sort.Slice(recipes, func(i, j int) bool { return recipes[i].Name < recipes[j].Name })
	return recipes, nil
}

// Template is a builtin recipe a user can scaffold from.
type Template struct {
	Name        string
	Description string
	Recipe      Recipe
}

// Templates returns the builtin recipe templates, sorted by name. A template
// holds its recipe disabled; Scaffold enables the copy it registers.
func Templates() []Template {
	return []Template{
		{
			Name:        "briefing",
			Description: "Hourly situation briefing from memory and recent session results",
			Recipe: Recipe{
				Name:         "briefing",
				IntervalSecs: 3600,
				Enabled:      false,
				Tools:        []string{"local"},
				Instructions: "Review recent session results and long-term memory. Produce a short situation briefing: what changed, what is blocked, and what needs the operator's attention next.",
			},
		},
		{
			Name:        "digest",
			Description: "Two-hourly digest of completed and failed work",
			Recipe: Recipe{
				Name:         "digest",
				IntervalSecs: 7200,
				Enabled:      false,
				Tools:        []string{"local"},
				Instructions: "Summarize the work finished since the last digest: completed sessions, failures with their causes, and any recurring problems worth a follow-up task.",
			},
		},
	}
}

// FindTemplate looks a template up by name.
func FindTemplate(name string) (Template, bool) {
	for _, t := range Templates() {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}
