package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"

	"forgebot/internal/domain"
)

const (
	// MaxRepoNameLength keeps generated names short enough for deep paths on Windows.
	MaxRepoNameLength = 30
	// MaxDescriptionLength is the hosted repository description limit.
	MaxDescriptionLength = 350
	// MaxUsernameLength bounds the user part of fallback folder names.
	MaxUsernameLength = 50
	// DefaultUsername replaces names that sanitise to nothing.
	DefaultUsername = "unknown_user"
)

const (
	DefaultNamingPrompt = "Generate a single creative, fun, and playful repository name. " +
		"Respond with ONLY the name, nothing else. Project description:"
	DefaultDescriptionPrompt = "Generate a brief, professional description for a GitHub repository. " +
		"Keep it under 200 characters. Respond with ONLY the description. Project description:"

	namingSystemPrompt      = "You are a creative naming assistant. You generate short, memorable, fun repository names."
	descriptionSystemPrompt = "You are a technical writer. You generate concise, professional repository descriptions."
)

var (
	nameSeparators   = regexp.MustCompile(`[\s_]+`)
	nameInvalidChars = regexp.MustCompile(`[^a-z0-9-]`)
	nameDashes       = regexp.MustCompile(`-+`)
	controlChars     = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
	whitespaceRuns   = regexp.MustCompile(`\s+`)
	usernameInvalid  = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// NamerConfig holds the naming prompts.
type NamerConfig struct {
	NamePrompt        string
	DescriptionPrompt string
	MaxTokens         int
}

// Namer derives repository names and descriptions from a project prompt.
type Namer struct {
	completer domain.Completer
	config    NamerConfig
	logger    *slog.Logger
}

// NewNamer creates a Namer. completer may be nil, in which case only the
// local fallbacks are used.
func NewNamer(completer domain.Completer, cfg NamerConfig, logger *slog.Logger) *Namer {
	if cfg.NamePrompt == "" {
		cfg.NamePrompt = DefaultNamingPrompt
	}
	if cfg.DescriptionPrompt == "" {
		cfg.DescriptionPrompt = DefaultDescriptionPrompt
	}
	return &Namer{completer: completer, config: cfg, logger: logger}
}

// Name returns an AI-generated repository name, or "" when none could be made.
func (n *Namer) Name(ctx context.Context, description string) string {
	raw := n.ask(ctx, "naming", namingSystemPrompt, n.config.NamePrompt+" "+description)
	if raw == "" {
		return ""
	}
	name := SanitizeRepoName(raw)
	if name == "" {
		n.logger.Warn("generated repository name sanitised to nothing", "raw", raw)
		return ""
	}
	n.logger.Info("generated repository name", "name", name)
	return name
}

// Description returns an AI-generated repository description, falling back
// to the sanitised prompt.
func (n *Namer) Description(ctx context.Context, description string) string {
	if raw := n.ask(ctx, "description", descriptionSystemPrompt, n.config.DescriptionPrompt+" "+description); raw != "" {
		if d := SanitizeDescription(raw); d != "" {
			return d
		}
	}
	return SanitizeDescription(description)
}

func (n *Namer) ask(ctx context.Context, purpose, system, prompt string) string {
	if n.completer == nil {
		return ""
	}
	resp, err := n.completer.Complete(ctx, domain.CompletionRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: system},
			{Role: domain.RoleUser, Content: prompt},
		},
		MaxTokens: n.config.MaxTokens,
	})
	if err != nil {
		n.logger.Warn("ai completion failed", "purpose", purpose, "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

// SanitizeRepoName lowercases name and reduces it to [a-z0-9-], at most
// MaxRepoNameLength characters with no leading, trailing or repeated dashes.
func SanitizeRepoName(name string) string {
	name = strings.Trim(strings.TrimSpace(name), `"'`)
	name = strings.ToLower(strings.TrimSpace(name))
	name = nameSeparators.ReplaceAllString(name, "-")
	name = nameInvalidChars.ReplaceAllString(name, "")
	name = nameDashes.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if len(name) > MaxRepoNameLength {
		name = strings.TrimRight(name[:MaxRepoNameLength], "-")
	}
	return name
}

// SanitizeDescription strips quotes and control characters, collapses
// whitespace, drops symbols outside ASCII and truncates to MaxDescriptionLength.
func SanitizeDescription(desc string) string {
	desc = strings.Trim(strings.TrimSpace(desc), `"'`)
	desc = strings.TrimSpace(desc)
	desc = controlChars.ReplaceAllString(desc, "")
	desc = whitespaceRuns.ReplaceAllString(desc, " ")
	desc = strings.Map(func(r rune) rune {
		if r < 128 || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, desc)
	desc = strings.TrimSpace(desc)

	if r := []rune(desc); len(r) > MaxDescriptionLength {
		desc = strings.TrimRightFunc(string(r[:MaxDescriptionLength-3]), unicode.IsSpace) + "..."
	}
	return desc
}

// SanitizeUsername reduces a chat username to a path-safe token.
func SanitizeUsername(username string) string {
	s := usernameInvalid.ReplaceAllString(username, "_")
	s = strings.Trim(s, "._ ")
	if len(s) > MaxUsernameLength {
		s = s[:MaxUsernameLength]
	}
	if s == "" {
		return DefaultUsername
	}
	return s
}

// FallbackFolderName builds "{username}_{YYYYMMDD_HHMMSS}_{id}" where id is
// the last 8 characters of uniqueID, the random part of a ULID.
func FallbackFolderName(username string, t time.Time, uniqueID string) string {
	if len(uniqueID) > 8 {
		uniqueID = uniqueID[len(uniqueID)-8:]
	}
	return fmt.Sprintf("%s_%s_%s", SanitizeUsername(username), t.Format("20060102_150405"), strings.ToLower(uniqueID))
}
