package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeRepoName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"Todo Master"`, "todo-master"},
		{"snake_case_name", "snake-case-name"},
		{"  --Weird!!  Name--  ", "weird-name"},
		{"a---b", "a-b"},
		{"🚀🚀🚀", ""},
		{"this-is-a-very-long-repository-name-that-goes-on", "this-is-a-very-long-repository"},
		{"abcdefghijklmnopqrstuvwxyz123-x", "abcdefghijklmnopqrstuvwxyz123"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := SanitizeRepoName(tt.in)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), MaxRepoNameLength)
		})
	}
}

func TestSanitizeDescription(t *testing.T) {
	assert.Equal(t, "A todo app", SanitizeDescription(`  "A   todo app"  `))
	assert.Equal(t, "Emoji free", SanitizeDescription("Emoji 🚀free"))
	assert.Equal(t, "Café app", SanitizeDescription("Café app"))
	assert.Equal(t, "ab", SanitizeDescription("a\x00b"))

	long := SanitizeDescription(strings.Repeat("word ", 100))
	assert.Len(t, []rune(long), MaxDescriptionLength)
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestSanitizeUsername(t *testing.T) {
	assert.Equal(t, "alice", SanitizeUsername("alice"))
	assert.Equal(t, "bob_smith", SanitizeUsername("bob smith"))
	assert.Equal(t, "a_b_c", SanitizeUsername("a/b\\c"))
	assert.Equal(t, DefaultUsername, SanitizeUsername("..."))
	assert.Len(t, SanitizeUsername(strings.Repeat("x", 80)), MaxUsernameLength)
}

func TestFallbackFolderName(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got := FallbackFolderName("Jane Doe", ts, "01HZY3D4EXAMPLEAB12CD34EF")
	assert.Equal(t, "Jane_Doe_20260304_050607_12cd34ef", got)
}

func TestNamerName(t *testing.T) {
	c := &scriptedCompleter{replies: []string{`"Pixel Pusher"`}}
	n := NewNamer(c, NamerConfig{}, discardLogger())

	assert.Equal(t, "pixel-pusher", n.Name(context.Background(), "an image editor"))
	msgs := c.requests[0].Messages
	assert.True(t, strings.HasPrefix(msgs[1].Content, DefaultNamingPrompt))
	assert.True(t, strings.HasSuffix(msgs[1].Content, "an image editor"))
}

func TestNamerNameFailures(t *testing.T) {
	assert.Empty(t, NewNamer(nil, NamerConfig{}, discardLogger()).Name(context.Background(), "x"))

	c := &scriptedCompleter{errs: []error{errors.New("boom")}}
	assert.Empty(t, NewNamer(c, NamerConfig{}, discardLogger()).Name(context.Background(), "x"))

	c = &scriptedCompleter{replies: []string{"!!!"}}
	assert.Empty(t, NewNamer(c, NamerConfig{}, discardLogger()).Name(context.Background(), "x"))
}

func TestNamerDescriptionFallsBackToPrompt(t *testing.T) {
	n := NewNamer(nil, NamerConfig{}, discardLogger())
	assert.Equal(t, "Build a todo app", n.Description(context.Background(), "Build a   todo app"))

	c := &scriptedCompleter{replies: []string{"A tidy task tracker."}}
	n = NewNamer(c, NamerConfig{}, discardLogger())
	assert.Equal(t, "A tidy task tracker.", n.Description(context.Background(), "Build a todo app"))
}
