package agents

import (
	"context"
	"errors"
	"strings"

	"github.com/feedmind/feedmind/llm"
)

// stubProvider routes each chat call by system prompt so one provider
// can serve every agent in a test.
type stubProvider struct {
	respond func(system, user string) (string, error)
	calls   int
}

func (p *stubProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.calls++
	system, user := "", ""
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			user = m.Content
		}
	}
	content, err := p.respond(system, user)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Content: content, TotalTokens: 10}, nil
}

func (p *stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("embedding not stubbed")
}

// errPermanent aborts the gateway retry loop immediately, keeping
// failure-path tests fast.
var errPermanent = &llm.APIError{StatusCode: 400, Message: "scripted failure"}

func newStubGateway(respond func(system, user string) (string, error)) (*llm.Gateway, *stubProvider) {
	p := &stubProvider{respond: respond}
	gw := llm.NewGateway(p, llm.Config{Model: "stub-model", MaxTokens: 1024}, nil)
	return gw, p
}

func isExtractorPrompt(system string) bool {
	return strings.Contains(system, "atomic information units")
}

func isMergerPrompt(system string) bool {
	return strings.Contains(system, "fuse multiple reports")
}

func isCuratorPrompt(system string) bool {
	return strings.Contains(system, "curator of a daily intelligence digest")
}
