package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrNotConfigured = fmt.Errorf("not configured")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrSessionNotFound = fmt.Errorf("session not found")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")

	// Run errors.
	ErrLaunchFailed  = fmt.Errorf("process launch failed")
	ErrRunCancelled  = fmt.Errorf("run cancelled")
	ErrWorkspace     = fmt.Errorf("workspace setup failed")
	ErrPublishFailed = fmt.Errorf("repository publish failed")

	// Chat platform errors.
	ErrTokenExpired    = fmt.Errorf("interaction token expired")
	ErrMessageNotFound = fmt.Errorf("message not found")

	// Resilience errors.
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid = fmt.Errorf("authentication invalid")
	ErrCircuitOpen = fmt.Errorf("circuit breaker open")
)

// DomainError wraps a sentinel with operation context.
type DomainError struct {
	Op        string // operation name (e.g., "Monitor.Run")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "discord", "github"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTokenExpired)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeDecryption      ErrorCode = "DECRYPTION"
	CodeLaunchFailed    ErrorCode = "LAUNCH_FAILED"
	CodeRunCancelled    ErrorCode = "RUN_CANCELLED"
	CodeWorkspace       ErrorCode = "WORKSPACE"
	CodePublishFailed   ErrorCode = "PUBLISH_FAILED"
	CodeTokenExpired    ErrorCode = "TOKEN_EXPIRED"
	CodeMessageNotFound ErrorCode = "MESSAGE_NOT_FOUND"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen     ErrorCode = "CIRCUIT_OPEN"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeRepoExists       ErrorCode = "GITHUB_REPO_EXISTS"
	CodeGitTimeout       ErrorCode = "GIT_TIMEOUT"
	CodeCompletionFailed ErrorCode = "COMPLETION_FAILED"
	CodeGitHubDisabled   ErrorCode = "GITHUB_NOT_CONFIGURED"
	CodeAIDisabled       ErrorCode = "AI_NOT_CONFIGURED"
	CodeRunLimit         ErrorCode = "RUN_LIMIT"

	// Category error codes — fallback codes when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeLimitReached  ErrorCode = "LIMIT_REACHED"
	CodeNotConfigured ErrorCode = "NOT_CONFIGURED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrTimeout:       CodeTimeout,
	ErrLimitReached:  CodeLimitReached,
	ErrNotConfigured: CodeNotConfigured,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrSessionNotFound: CodeSessionNotFound,
	ErrConfigLoad:      CodeConfigLoad,
	ErrDecryption:      CodeDecryption,
	ErrLaunchFailed:    CodeLaunchFailed,
	ErrRunCancelled:    CodeRunCancelled,
	ErrWorkspace:       CodeWorkspace,
	ErrPublishFailed:   CodePublishFailed,
	ErrTokenExpired:    CodeTokenExpired,
	ErrMessageNotFound: CodeMessageNotFound,
	ErrRateLimit:       CodeRateLimit,
	ErrAuthInvalid:     CodeAuthInvalid,
	ErrCircuitOpen:     CodeCircuitOpen,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"git": CodeGitTimeout,
	},
	ErrLimitReached: {
		"project": CodeRunLimit,
	},
	ErrNotConfigured: {
		"github": CodeGitHubDisabled,
		"ai":     CodeAIDisabled,
	},
	ErrInvalidInput: {
		"github": CodeRepoExists,
	},
	ErrProviderError: {
		"ai": CodeCompletionFailed,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
