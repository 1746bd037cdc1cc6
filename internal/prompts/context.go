// Package prompts assembles the text sent to the language-model provider.
package prompts

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/charmbracelet/log"
)

const (
	// DefaultOutputBudget is the number of trailing characters of recent output kept.
	DefaultOutputBudget = 800
	// MaxChangedFiles caps the changed-files block.
	MaxChangedFiles = 10
	// IdleInstruction asks for a line that keeps a silent tool moving.
	IdleInstruction = "The tool has produced no new output for a while. Reply with the single line to type so it continues, or an empty reply to keep waiting."
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))

// FileChangeProbe lists paths touched since the session started, oldest first.
type FileChangeProbe interface {
	ChangedFiles(ctx context.Context) ([]string, error)
}

// Input carries the sources of one provider prompt. Empty sources are omitted.
type Input struct {
	GoverningPrompt string
	RecentOutput    string
	PlanContext     string
	Cwd             string
	// Instruction is appended last, unlabeled.
	Instruction string
}

// SystemPrompt renders the fixed reply rules for the named tool.
func SystemPrompt(tool string) string {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		tool = "cursor-agent"
	}
	var out bytes.Buffer
	if err := templates.ExecuteTemplate(&out, "system.tmpl", struct{ Tool string }{Tool: tool}); err != nil {
		panic(fmt.Sprintf("render system prompt: %v", err))
	}
	return strings.TrimSpace(out.String())
}

// Builder renders user prompts, enriching them with changed files when a
// probe is configured.
type Builder struct {
	probe        FileChangeProbe
	outputBudget int
	logger       *log.Logger
}

// NewBuilder returns a Builder. A nil probe omits the changed-files block and
// a non-positive budget uses DefaultOutputBudget.
func NewBuilder(probe FileChangeProbe, outputBudget int, logger *log.Logger) *Builder {
	if outputBudget <= 0 {
		outputBudget = DefaultOutputBudget
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Builder{probe: probe, outputBudget: outputBudget, logger: logger}
}

// Build renders the user prompt for in. Probe failures drop the changed-files
// block and are logged.
func (b *Builder) Build(ctx context.Context, in Input) string {
	var changed []string
	if b.probe != nil {
		files, err := b.probe.ChangedFiles(ctx)
		if err != nil {
			b.logger.Warn("changed files probe failed", "cwd", in.Cwd, "error", err)
		} else {
			changed = files
		}
	}
	return Render(in, changed, b.outputBudget)
}

// BuildContext renders in with the default output budget, consulting probe
// for changed files when it is non-nil.
func BuildContext(ctx context.Context, in Input, probe FileChangeProbe) string {
	return NewBuilder(probe, DefaultOutputBudget, nil).Build(ctx, in)
}

// Render joins the non-empty blocks in order: governing prompt, plan context,
// recent output, changed files, instruction.
func Render(in Input, changedFiles []string, outputBudget int) string {
	blocks := make([]string, 0, 5)
	if text := strings.TrimSpace(in.GoverningPrompt); text != "" {
		blocks = append(blocks, "Governing Prompt:\n"+text)
	}
	if text := strings.TrimSpace(in.PlanContext); text != "" {
		blocks = append(blocks, "Plan Context:\n"+text)
	}
	if in.RecentOutput != "" {
		blocks = append(blocks, "Recent Output:\n"+TruncateTail(in.RecentOutput, outputBudget))
	}
	if files := lastNonEmpty(changedFiles, MaxChangedFiles); len(files) > 0 {
		blocks = append(blocks, fmt.Sprintf("Changed Files (last %d):\n%s", MaxChangedFiles, strings.Join(files, "\n")))
	}
	if text := strings.TrimSpace(in.Instruction); text != "" {
		blocks = append(blocks, text)
	}
	return strings.Join(blocks, "\n\n")
}

// TruncateTail keeps the last max runes of text.
func TruncateTail(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[len(runes)-max:])
}

func lastNonEmpty(paths []string, limit int) []string {
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		if path = strings.TrimSpace(path); path != "" {
			out = append(out, path)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
