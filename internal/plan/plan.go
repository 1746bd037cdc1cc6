// Package plan loads ordered run plans: shell steps followed by a handoff to
// the interactive tool.
package plan

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

// Step is one plan entry. Run lines execute non-interactively; Cursor entries
// are argument strings for the interactive tool.
type Step struct {
	Name   string   `yaml:"name"`
	Run    []string `yaml:"run,omitempty"`
	Cursor []string `yaml:"cursor,omitempty"`
}

// Interactive reports whether the step hands off to the interactive tool.
func (s Step) Interactive() bool {
	for _, invocation := range s.Cursor {
		if strings.TrimSpace(invocation) != "" {
			return true
		}
	}
	return false
}

// Invocation returns the tool arguments of the first interactive entry,
// split with shell quoting rules.
func (s Step) Invocation() []string {
	for _, invocation := range s.Cursor {
		fields, err := shellwords.Parse(invocation)
		if err == nil && len(fields) > 0 {
			return fields
		}
	}
	return nil
}

// Plan is a named ordered list of steps.
type Plan struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Load reads and validates a YAML plan file.
func Load(path string) (*Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	return Parse(content)
}

// Parse decodes and validates YAML plan content.
func Parse(content []byte) (*Plan, error) {
	var decoded Plan
	if err := yaml.Unmarshal(content, &decoded); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := decoded.Validate(); err != nil {
		return nil, err
	}
	return &decoded, nil
}

// Validate checks that the plan has a name and at least one named step.
func (p *Plan) Validate() error {
	if p == nil {
		return errors.New("invalid plan: nil")
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errors.New("invalid plan: missing name")
	}
	if len(p.Steps) == 0 {
		return errors.New("invalid plan: missing steps")
	}
	for i := range p.Steps {
		p.Steps[i].Name = strings.TrimSpace(p.Steps[i].Name)
		if p.Steps[i].Name == "" {
			return fmt.Errorf("invalid plan: step %d has no name", i+1)
		}
		for _, invocation := range p.Steps[i].Cursor {
			if _, err := shellwords.Parse(invocation); err != nil {
				return fmt.Errorf("invalid plan: step %q: parse %q: %w", p.Steps[i].Name, invocation, err)
			}
		}
	}
	return nil
}

// Context renders the plan-context block for the step at index.
func (p *Plan) Context(index int) string {
	if p == nil || index < 0 || index >= len(p.Steps) {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s\n", p.Name)
	fmt.Fprintf(&b, "Current step (%d of %d): %s", index+1, len(p.Steps), p.Steps[index].Name)
	if remaining := p.Steps[index+1:]; len(remaining) > 0 {
		names := make([]string, 0, len(remaining))
		for _, step := range remaining {
			names = append(names, step.Name)
		}
		fmt.Fprintf(&b, "\nRemaining steps: %s", strings.Join(names, ", "))
	}
	return b.String()
}
