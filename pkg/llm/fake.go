package llm

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
)

// Fake is a scripted Invoker for tests and dry runs.
type Fake struct {
	respond func(ctx context.Context, prompt Prompt) (Completion, error)
	calls   atomic.Int64

	mu      sync.Mutex
	prompts []Prompt
}

// NewFake returns a Fake answering with fn.
func NewFake(fn func(ctx context.Context, prompt Prompt) (Completion, error)) *Fake {
	return &Fake{respond: fn}
}

// NewEcho returns a Fake that returns the prompt's document unchanged with a
// zero quality delta, reporting usage at four bytes per token.
func NewEcho() *Fake {
	return NewFake(func(_ context.Context, p Prompt) (Completion, error) {
		doc := p.User
		if i := strings.LastIndex(doc, DocumentMarker); i >= 0 {
			doc = doc[i+len(DocumentMarker):]
		}
		body, err := json.Marshal(map[string]any{"content": doc, "quality_delta": 0})
		if err != nil {
			return Completion{}, err
		}
		return Completion{
			Content:      string(body),
			Model:        p.Model,
			InputTokens:  (len(p.System) + len(p.User) + 3) / 4,
			OutputTokens: (len(body) + 3) / 4,
			FinishReason: "stop",
		}, nil
	})
}

// DocumentMarker separates instructions from the document in user prompts.
const DocumentMarker = "\nDOCUMENT:\n"

// Invoke implements Invoker.
func (f *Fake) Invoke(ctx context.Context, prompt Prompt) (Completion, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	return f.respond(ctx, prompt)
}

// Calls returns how many times Invoke ran.
func (f *Fake) Calls() int { return int(f.calls.Load()) }

// Prompts returns a copy of every prompt received.
func (f *Fake) Prompts() []Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Prompt(nil), f.prompts...)
}
