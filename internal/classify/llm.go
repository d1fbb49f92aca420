package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
)

const (
	classifyMaxTokens = 512

	classifySystemPrompt = `You route coding tasks. Reply with a single JSON object:
{"complexity_score": 0..1, "domains": [...], "suggested_agent_types": ["explorer"|"implementer"|"reviewer", ...], "requires_delegation": bool}
No prose, JSON only.`
)

// LLM classifies prompts through a model provider, selected by the model id
// prefix ("anthropic/..." or "openai/..."). Provider failures fall back to
// the heuristic so planning never blocks on a remote outage.
type LLM struct {
	log      *slog.Logger
	provider provider
	fallback *Heuristic
}

type provider interface {
	complete(ctx context.Context, system string, user string) (string, error)
}

func NewLLM(log *slog.Logger, modelID string, apiKey string) (*LLM, error) {
	if log == nil {
		log = slog.Default()
	}
	providerID, model, ok := strings.Cut(strings.TrimSpace(modelID), "/")
	if !ok || strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("invalid model id %q", modelID)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing api key")
	}

	var p provider
	switch strings.TrimSpace(providerID) {
	case "anthropic":
		p = &anthropicProvider{
			client: anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)),
			model:  model,
		}
	case "openai":
		p = &openAIProvider{
			client: openai.NewClient(openaioption.WithAPIKey(apiKey)),
			model:  model,
		}
	default:
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}

	return &LLM{log: log, provider: p, fallback: NewHeuristic()}, nil
}

func (l *LLM) Classify(ctx context.Context, prompt string) (Classification, error) {
	raw, err := l.provider.complete(ctx, classifySystemPrompt, prompt)
	if err != nil {
		l.log.Warn("llm classification failed, using heuristic", "error", err)
		return l.fallback.Classify(ctx, prompt)
	}
	c, err := parseClassification(raw)
	if err != nil {
		l.log.Warn("llm classification unparseable, using heuristic", "error", err)
		return l.fallback.Classify(ctx, prompt)
	}
	return c, nil
}

func parseClassification(raw string) (Classification, error) {
	raw = strings.TrimSpace(raw)
	// Models occasionally wrap JSON in a code fence.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var c Classification
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Classification{}, err
	}
	if c.ComplexityScore < 0 {
		c.ComplexityScore = 0
	}
	if c.ComplexityScore > 1 {
		c.ComplexityScore = 1
	}
	if len(c.SuggestedAgentTypes) == 0 {
		c.SuggestedAgentTypes = []string{AgentTypeImplementer}
	}
	return c, nil
}

type anthropicProvider struct {
	client anthropic.Client
	model  string
}

func (p *anthropicProvider) complete(ctx context.Context, system string, user string) (string, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: classifyMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

type openAIProvider struct {
	client openai.Client
	model  string
}

func (p *openAIProvider) complete(ctx context.Context, system string, user string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}
