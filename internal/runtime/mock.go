package runtime

import (
	"context"

	"github.com/marromugi/gch4-sub003/internal/assembler"
)

// Mock is a test double for Runtime.
type Mock struct {
	RunFunc func(ctx context.Context, c *assembler.Context) (*Response, error)
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Run(ctx context.Context, c *assembler.Context) (*Response, error) {
	if m.RunFunc != nil {
		return m.RunFunc(ctx, c)
	}
	return &Response{Message: AssistantMessage{Content: "mock reply"}}, nil
}
