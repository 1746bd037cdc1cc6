package detect

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Category names one ordered pattern list.
type Category string

const (
	// CategoryQuestion matches prompts that expect an answer to a question.
	CategoryQuestion Category = "question"
	// CategoryAwaitingInput matches prompts that expect free-form input.
	CategoryAwaitingInput Category = "awaitingInput"
	// CategoryCompletion matches output printed once the tool has finished.
	CategoryCompletion Category = "completion"
)

// patternFlags makes every pattern case-insensitive and line-anchored.
const patternFlags = "(?im)"

var (
	defaultQuestionSources = []string{
		`\?\s*$`,
		`^\s*confirm\s+yes/no:`,
		`^\s*(proceed|continue)\?\s*\[y/n\]`,
		`\[y/n\]`,
		`\(\d+\s*-\s*\d+\)\s*:\s*$`,
		`run this command\?`,
		`not in allowlist:`,
	}
	defaultAwaitingInputSources = []string{
		`^\s*enter .*:`,
		`^\s*provide .*:`,
		`^\s*(type|input) .*:\s*$`,
	}
	defaultCompletionSources = []string{
		`^\s*(✅\s*)?all tasks (completed|done)\.?\s*$`,
		`^\s*✅\s*(build|refactor|scaffold) complete`,
		`^\s*✅\s*.*\b(complete|completed|done)\b`,
	}
)

// Patterns holds the three ordered pattern lists consulted by the Classifier.
type Patterns struct {
	Question      []*regexp.Regexp
	AwaitingInput []*regexp.Regexp
	Completion    []*regexp.Regexp
}

// overrideFile is the on-disk JSON shape of a detector override file.
type overrideFile struct {
	Question      []string `json:"question"`
	AwaitingInput []string `json:"awaitingInput"`
	Completion    []string `json:"completion"`
}

// DefaultPatterns returns freshly compiled builtin pattern sets.
func DefaultPatterns() Patterns {
	question, _ := compileAll(defaultQuestionSources)
	awaiting, _ := compileAll(defaultAwaitingInputSources)
	completion, _ := compileAll(defaultCompletionSources)
	return Patterns{
		Question:      question,
		AwaitingInput: awaiting,
		Completion:    completion,
	}
}

// LoadPatterns reads a JSON override file and merges it over the defaults.
//
// A missing path yields the defaults. Entries that fail to compile are dropped
// and reported as warnings; a category left empty after compilation keeps its
// defaults. The returned error is non-nil only for an unreadable or malformed
// file, in which case the defaults are still returned.
func LoadPatterns(path string) (Patterns, []string, error) {
	defaults := DefaultPatterns()
	path = strings.TrimSpace(path)
	if path == "" {
		return defaults, nil, nil
	}

	// #nosec G304 -- override path is supplied by the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults, []string{fmt.Sprintf("detector override %q not found; using defaults", path)}, nil
		}
		return defaults, nil, fmt.Errorf("read detector override %q: %w", path, err)
	}

	var decoded overrideFile
	if err := json.Unmarshal(data, &decoded); err != nil {
		return defaults, nil, fmt.Errorf("decode detector override %q: %w", path, err)
	}

	patterns, warnings := MergePatterns(defaults, map[Category][]string{
		CategoryQuestion:      decoded.Question,
		CategoryAwaitingInput: decoded.AwaitingInput,
		CategoryCompletion:    decoded.Completion,
	})
	return patterns, warnings, nil
}

// MergePatterns replaces each category of base that has at least one valid
// override source.
func MergePatterns(base Patterns, overrides map[Category][]string) (Patterns, []string) {
	warnings := make([]string, 0)
	merged := base

	apply := func(category Category, target *[]*regexp.Regexp) {
		sources, ok := overrides[category]
		if !ok || len(sources) == 0 {
			return
		}
		compiled, invalid := compileAll(sources)
		for _, source := range invalid {
			warnings = append(warnings, fmt.Sprintf("dropping invalid %s pattern %q", category, source))
		}
		if len(compiled) == 0 {
			warnings = append(warnings, fmt.Sprintf("no valid %s patterns; keeping defaults", category))
			return
		}
		*target = compiled
	}

	apply(CategoryQuestion, &merged.Question)
	apply(CategoryAwaitingInput, &merged.AwaitingInput)
	apply(CategoryCompletion, &merged.Completion)
	return merged, warnings
}

// Sources returns the pattern source text per category, without flags.
func (p Patterns) Sources() map[Category][]string {
	return map[Category][]string{
		CategoryQuestion:      sourcesOf(p.Question),
		CategoryAwaitingInput: sourcesOf(p.AwaitingInput),
		CategoryCompletion:    sourcesOf(p.Completion),
	}
}

func compileAll(sources []string) ([]*regexp.Regexp, []string) {
	compiled := make([]*regexp.Regexp, 0, len(sources))
	invalid := make([]string, 0)
	for _, source := range sources {
		if strings.TrimSpace(source) == "" {
			invalid = append(invalid, source)
			continue
		}
		re, err := regexp.Compile(patternFlags + source)
		if err != nil {
			invalid = append(invalid, source)
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled, invalid
}

func sourcesOf(patterns []*regexp.Regexp) []string {
	out := make([]string, 0, len(patterns))
	for _, re := range patterns {
		if re == nil {
			continue
		}
		out = append(out, strings.TrimPrefix(re.String(), patternFlags))
	}
	return out
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re != nil && re.MatchString(text) {
			return true
		}
	}
	return false
}
