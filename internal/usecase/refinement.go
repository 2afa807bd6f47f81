package usecase

import (
	"context"
	"log/slog"
	"strings"

	"forgebot/internal/domain"
)

// Default refinement prompts.
const (
	DefaultRefinementSystemPrompt = "You help users describe a software project before it is generated. " +
		"Ask at most three short clarifying questions at a time about scope, platform, language and key features. " +
		"When the description is complete enough to build, say \"Refined prompt ready\" and summarise the project in a few bullet points."
	DefaultExtractionSystemPrompt = "You turn a conversation about a software project into one complete, self-contained " +
		"build specification for a code generation tool."
	DefaultExtractionPrompt = "Write the final project specification based on the conversation above. " +
		"Include the purpose, features, technology choices and structure. Respond with the specification only."
)

// Replies used when the AI round-trip cannot produce an answer.
const (
	refinementNotConfiguredReply = "⚠️ AI refinement is not configured. Your messages are being collected. " +
		"Type `/buildproject` when ready to create your project."
	refinementEmptyReply = "I'm having trouble processing that. Could you try rephrasing?"
	refinedMarker        = "refined prompt ready"
)

// RefinerConfig holds the prompts and sampling settings for refinement.
type RefinerConfig struct {
	SystemPrompt           string
	ExtractionSystemPrompt string
	ExtractionPrompt       string
	Temperature            float64 // default: 0.7
	ExtractionTemperature  float64 // default: 0.3
	MaxTokens              int
}

// Refiner turns a conversation with the user into a build-ready prompt.
// A nil completer leaves refinement disabled; messages are still collected.
type Refiner struct {
	completer domain.Completer
	config    RefinerConfig
	logger    *slog.Logger
}

// NewRefiner creates a Refiner. completer may be nil.
func NewRefiner(completer domain.Completer, cfg RefinerConfig, logger *slog.Logger) *Refiner {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultRefinementSystemPrompt
	}
	if cfg.ExtractionSystemPrompt == "" {
		cfg.ExtractionSystemPrompt = DefaultExtractionSystemPrompt
	}
	if cfg.ExtractionPrompt == "" {
		cfg.ExtractionPrompt = DefaultExtractionPrompt
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.ExtractionTemperature == 0 {
		cfg.ExtractionTemperature = 0.3
	}
	return &Refiner{completer: completer, config: cfg, logger: logger}
}

// Configured reports whether an AI backend is available.
func (r *Refiner) Configured() bool { return r != nil && r.completer != nil }

// Respond answers the latest user message. When the reply announces that the
// prompt is ready, the conversation is condensed by a second call and
// returned as refined. Failures are absorbed into the reply.
func (r *Refiner) Respond(ctx context.Context, history []domain.Message, userMessage string) (reply, refined string) {
	if !r.Configured() {
		return refinementNotConfiguredReply, ""
	}

	msgs := make([]domain.Message, 0, len(history)+2)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: r.config.SystemPrompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: userMessage})

	reply = r.complete(ctx, "refinement", msgs, r.config.Temperature)
	if reply == "" {
		return refinementEmptyReply, ""
	}

	if strings.Contains(strings.ToLower(reply), refinedMarker) {
		conv := make([]domain.Message, 0, len(history)+2)
		conv = append(conv, history...)
		conv = append(conv,
			domain.Message{Role: domain.RoleUser, Content: userMessage},
			domain.Message{Role: domain.RoleAssistant, Content: reply},
		)
		refined = r.extract(ctx, conv)
	}
	return reply, refined
}

// Finalize produces the build prompt from the whole conversation, falling
// back to the user's turns joined by blank lines.
func (r *Refiner) Finalize(ctx context.Context, history []domain.Message) string {
	if r.Configured() && len(history) > 0 {
		if p := r.extract(ctx, history); p != "" {
			return p
		}
	}
	var parts []string
	for _, m := range history {
		if m.Role == domain.RoleUser {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (r *Refiner) extract(ctx context.Context, conv []domain.Message) string {
	msgs := make([]domain.Message, 0, len(conv)+2)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: r.config.ExtractionSystemPrompt})
	msgs = append(msgs, conv...)
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: r.config.ExtractionPrompt})

	p := strings.TrimSpace(r.complete(ctx, "extraction", msgs, r.config.ExtractionTemperature))
	if p != "" {
		r.logger.Info("extracted refined prompt", "chars", len(p))
	}
	return p
}

// complete returns the completion text, or "" on any failure.
func (r *Refiner) complete(ctx context.Context, purpose string, msgs []domain.Message, temperature float64) string {
	resp, err := r.completer.Complete(ctx, domain.CompletionRequest{
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   r.config.MaxTokens,
	})
	if err != nil {
		r.logger.Warn("ai completion failed", "purpose", purpose, "provider", r.completer.Name(), "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}
