package domain

import "context"

// Completer is the interface for the AI completion backend.
type Completer interface {
	// Complete sends a request and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Name returns the provider's identifier (e.g., "azure-openai").
	Name() string
}

// RepoPublisher publishes a generated project to a hosted git provider.
type RepoPublisher interface {
	// Publish creates the remote repository, commits everything in dir and
	// pushes it. It returns the repository's web URL.
	Publish(ctx context.Context, dir, name, description string, private bool) (string, error)
	// Configured reports whether credentials are present.
	Configured() bool
}
