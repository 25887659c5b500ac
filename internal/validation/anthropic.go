package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fyrsmithlabs/ralph/internal/config"
)

// MessagesClient is the subset of the Anthropic SDK used by the reviewer.
// *sdk.MessageService satisfies it.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

const reviewSystemPrompt = `You review a code change against its acceptance criteria.
You are given only the criteria and the diff. Judge whether the diff satisfies every criterion.
Reply with exactly one first line:
APPROVED
or
REJECTED: <one-sentence reason>
After a rejection you may add lines of concrete, actionable feedback.`

// AnthropicReviewer asks a Claude model for a verdict.
type AnthropicReviewer struct {
	msg       MessagesClient
	model     string
	maxTokens int64
}

// NewAnthropicReviewer wraps msg.
func NewAnthropicReviewer(msg MessagesClient, model string, maxTokens int) (*AnthropicReviewer, error) {
	if msg == nil {
		return nil, errors.New("messages client is required")
	}
	if model == "" {
		return nil, errors.New("model is required")
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicReviewer{msg: msg, model: model, maxTokens: int64(maxTokens)}, nil
}

// NewAnthropicReviewerFromConfig builds a reviewer on the default HTTP client.
func NewAnthropicReviewerFromConfig(cfg config.ReviewConfig) (*AnthropicReviewer, error) {
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("review.api_key (or ANTHROPIC_API_KEY) is required for the anthropic reviewer")
	}
	ac := sdk.NewClient(option.WithAPIKey(cfg.APIKey.Value()))
	return NewAnthropicReviewer(&ac.Messages, cfg.Model, cfg.MaxTokens)
}

// Review implements Reviewer.
func (r *AnthropicReviewer) Review(ctx context.Context, req Request) (Verdict, error) {
	params := sdk.MessageNewParams{
		MaxTokens: r.maxTokens,
		Model:     sdk.Model(r.model),
		System:    []sdk.TextBlockParam{{Text: reviewSystemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(formatRequest(req))),
		},
	}
	msg, err := r.msg.New(ctx, params)
	if err != nil {
		return Verdict{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg == nil {
		return Verdict{}, errors.New("anthropic: response message is nil")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return ParseVerdict(text.String()), nil
}

func formatRequest(req Request) string {
	var b strings.Builder
	b.WriteString("## Acceptance criteria\n\n")
	b.WriteString(strings.TrimSpace(req.AcceptanceCriteria))
	b.WriteString("\n\n## Diff\n\n```diff\n")
	b.WriteString(req.Diff)
	if !strings.HasSuffix(req.Diff, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n")
	return b.String()
}
