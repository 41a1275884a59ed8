package distill

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/cognimesh/memtier/memory"
)

// Synthesizer turns a group of reflections on one topic into a single
// generalized principle.
type Synthesizer interface {
	Synthesize(ctx context.Context, topic string, group []memory.ReflectionRecord) (string, error)
}

// maxPrincipleLen caps the stored principle so knowledge stays compact.
const maxPrincipleLen = 500

// TemplateSynthesizer builds the principle deterministically from the
// reflections' insight lines. It needs no network and is the default.
type TemplateSynthesizer struct{}

// Synthesize joins the distinct insights into a "For <topic>: ..."
// principle.
func (TemplateSynthesizer) Synthesize(_ context.Context, topic string, group []memory.ReflectionRecord) (string, error) {
	insights := collectInsights(group)
	if len(insights) == 0 {
		for _, rec := range group {
			if s := strings.TrimSpace(rec.Assessment); s != "" {
				insights = append(insights, firstSentence(s))
				break
			}
		}
	}
	principle := fmt.Sprintf("For %s: %s", topic, strings.Join(insights, "; "))
	return clampPrinciple(principle), nil
}

// collectInsights pulls the answer lines out of structured reflection
// content, deduplicated in first-seen order.
func collectInsights(group []memory.ReflectionRecord) []string {
	seen := make(map[string]bool)
	var insights []string
	for _, rec := range group {
		for _, line := range strings.Split(rec.Assessment, "\n") {
			line = strings.TrimSpace(line)
			// Reflections phrase their takeaway as the third answer.
			cut, ok := strings.CutPrefix(line, "A3:")
			if !ok {
				continue
			}
			insight := strings.TrimSpace(cut)
			if insight == "" || seen[insight] {
				continue
			}
			seen[insight] = true
			insights = append(insights, insight)
		}
	}
	return insights
}

func firstSentence(s string) string {
	if i := strings.IndexAny(s, ".!?"); i >= 0 {
		return s[:i+1]
	}
	return s
}

func clampPrinciple(s string) string {
	if len(s) <= maxPrincipleLen {
		return s
	}
	return s[:maxPrincipleLen-3] + "..."
}

// AnthropicSynthesizer asks a Claude model to generalize the group
// into one principle. Failures are returned to the caller, which
// isolates them to the group.
type AnthropicSynthesizer struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicSynthesizer wraps an already-configured client. An empty
// model selects a small fast default.
func NewAnthropicSynthesizer(client anthropic.Client, model string) *AnthropicSynthesizer {
	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaude3_5HaikuLatest
	}
	return &AnthropicSynthesizer{client: client, model: m}
}

const synthSystemPrompt = "You distill agent reflections into one reusable principle. " +
	"Reply with a single sentence starting with \"For <topic>:\" and nothing else. " +
	"Keep it under 400 characters."

func (s *AnthropicSynthesizer) Synthesize(ctx context.Context, topic string, group []memory.ReflectionRecord) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\nReflections:\n", topic)
	for i, rec := range group {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(rec.Assessment))
	}

	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: 200,
		System: []anthropic.TextBlockParam{
			{Text: synthSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(b.String())),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic synthesize: %w", err)
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			text := strings.TrimSpace(block.Text)
			if text != "" {
				return clampPrinciple(text), nil
			}
		}
	}
	return "", fmt.Errorf("anthropic synthesize: empty response")
}
