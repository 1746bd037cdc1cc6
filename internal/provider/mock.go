package provider

import (
	"context"
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	mockYesNoPattern   = regexp.MustCompile(`(\[y/n\]|yes/no|proceed|confirm)`)
	mockNumericPattern = regexp.MustCompile(`\((\d+)-(\d+)\)`)
)

// Mock answers offline: y for confirmations, 1 for numeric menus, y otherwise.
type Mock struct {
	calls atomic.Int64
}

var _ Provider = (*Mock)(nil)

// NewMock returns a mock provider.
func NewMock() *Mock {
	return &Mock{}
}

// Complete implements Provider.
func (m *Mock) Complete(ctx context.Context, req Request) (Response, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return Response{}, &Error{Provider: NameMock, Kind: KindCancelled, Err: err}
	}
	user := strings.ToLower(req.User)
	switch {
	case mockYesNoPattern.MatchString(user):
		return Response{Text: "y", TokensUsed: 1}, nil
	case mockNumericPattern.MatchString(user):
		return Response{Text: "1", TokensUsed: 1}, nil
	default:
		return Response{Text: "y", TokensUsed: 1}, nil
	}
}

// Calls returns how many completions were requested.
func (m *Mock) Calls() int {
	return int(m.calls.Load())
}
