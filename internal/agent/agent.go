// Package agent implements the external edit-proposal call against an
// OpenAI-compatible chat API. The proposer receives the frozen snapshot text
// and an instruction, and must answer with search/replace blocks in the
// editblock wire format, or the no-changes sentinel.
package agent

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"stitch/internal/editblock"
)

const systemPrompt = `You are an editing assistant for a plain-text document.
You will receive the full document followed by an instruction.

Reply ONLY with zero or more edit blocks of this exact shape:

` + editblock.MarkerSearch + `
<text copied verbatim from the document>
` + editblock.MarkerDivider + `
<the text it should become>
` + editblock.MarkerEnd + `

Rules:
- The SEARCH text must be copied exactly from the document.
- Emit blocks in the order their SEARCH text appears in the document.
- Keep each SEARCH as short as possible while still unambiguous.
- If the document needs no edits, reply with exactly: ` + editblock.NoChangesSentinel

// Proposer asks a chat model for edit blocks.
type Proposer struct {
	client *openai.Client
	model  string
}

// NewProposer creates a proposer. baseURL may be empty for the default API
// endpoint, which lets the same client talk to any OpenAI-compatible server.
func NewProposer(apiKey, baseURL, model string) (*Proposer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("agent: api key not configured")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Proposer{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// Propose implements the agent-call contract (reconcile.AgentFunc). The raw
// reply is returned untouched; parsing and validation belong to the caller,
// and a reply with no well-formed blocks simply means no change.
func (p *Proposer) Propose(ctx context.Context, snapshot, instruction string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Document:\n\n" + snapshot + "\n\nInstruction: " + instruction},
		},
	}
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
