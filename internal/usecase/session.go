package usecase

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"forgebot/internal/domain"

	"github.com/oklog/ulid/v2"
)

// DefaultSessionTimeout is how long a prompt session survives without activity.
const DefaultSessionTimeout = 30 * time.Minute

// PromptSession accumulates one user's project description in one channel.
// The identity fields are fixed at creation; everything else is guarded by mu
// and only reachable through the methods.
type PromptSession struct {
	ID        string
	UserID    string
	ChannelID string
	StartedAt time.Time

	mu           sync.RWMutex
	lastActivity time.Time
	messages     []string
	history      []domain.Message
	refined      string
	model        string
	tracked      []string

	timeout time.Duration
	now     func() time.Time
}

func newPromptSession(userID, channelID string, timeout time.Duration, now func() time.Time) *PromptSession {
	t := now()
	return &PromptSession{
		ID:           generateULID(t),
		UserID:       userID,
		ChannelID:    channelID,
		StartedAt:    t,
		lastActivity: t,
		timeout:      timeout,
		now:          now,
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// AddMessage appends a raw user message and refreshes activity.
func (s *PromptSession) AddMessage(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, content)
	s.lastActivity = s.now()
}

// AddTurn appends one exchange of the refinement conversation.
func (s *PromptSession) AddTurn(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, domain.Message{Role: role, Content: content})
	s.lastActivity = s.now()
}

// TrackMessage remembers a chat message id to delete once the build starts.
func (s *PromptSession) TrackMessage(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, id)
}

// Messages returns a copy of the raw user messages.
func (s *PromptSession) Messages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]string, len(s.messages))
	copy(cp, s.messages)
	return cp
}

// History returns a copy of the refinement conversation.
func (s *PromptSession) History() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.history))
	copy(cp, s.history)
	return cp
}

// TrackedMessages returns a copy of the tracked message ids.
func (s *PromptSession) TrackedMessages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]string, len(s.tracked))
	copy(cp, s.tracked)
	return cp
}

// FullUserInput joins the raw messages with blank lines.
func (s *PromptSession) FullUserInput() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.Join(s.messages, "\n\n")
}

// MessageCount returns the number of raw messages.
func (s *PromptSession) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// WordCount returns the number of whitespace-separated words across all messages.
func (s *PromptSession) WordCount() int {
	return len(strings.Fields(s.FullUserInput()))
}

// CharCount returns the length of the joined input in characters.
func (s *PromptSession) CharCount() int {
	return len([]rune(s.FullUserInput()))
}

// SetRefinedPrompt stores the AI-refined prompt.
func (s *PromptSession) SetRefinedPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refined = prompt
	s.lastActivity = s.now()
}

// SetModel sets the model used for the build.
func (s *PromptSession) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// SelectedModel returns the model, empty for the CLI default.
func (s *PromptSession) SelectedModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// Refined returns the refined prompt, if any.
func (s *PromptSession) Refined() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refined
}

// FinalPrompt returns the refined prompt when present, otherwise the joined input.
func (s *PromptSession) FinalPrompt() string {
	if p := s.Refined(); p != "" {
		return p
	}
	return s.FullUserInput()
}

// IsExpired reports whether the session has been idle longer than its timeout.
func (s *PromptSession) IsExpired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastActivity) > s.timeout
}

// Duration returns how long the session has been open.
func (s *PromptSession) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().Sub(s.StartedAt)
}

type sessionKey struct {
	userID    string
	channelID string
}

// SessionManager holds the active prompt sessions, one per user per channel.
// Sessions live in memory only.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[sessionKey]*PromptSession
	timeout  time.Duration
	bus      domain.EventBus
	logger   *slog.Logger
	now      func() time.Time
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(sm *SessionManager) { sm.now = now }
}

// WithSessionEvents publishes session lifecycle events to bus.
func WithSessionEvents(bus domain.EventBus) SessionOption {
	return func(sm *SessionManager) { sm.bus = bus }
}

// NewSessionManager creates a session manager. timeout <= 0 uses DefaultSessionTimeout.
func NewSessionManager(timeout time.Duration, logger *slog.Logger, opts ...SessionOption) *SessionManager {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	sm := &SessionManager{
		sessions: make(map[sessionKey]*PromptSession),
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Timeout returns the inactivity timeout.
func (sm *SessionManager) Timeout() time.Duration { return sm.timeout }

// Start opens a new session, silently replacing any existing one for the same key.
func (sm *SessionManager) Start(userID, channelID string) *PromptSession {
	s := newPromptSession(userID, channelID, sm.timeout, sm.now)

	sm.mu.Lock()
	_, replaced := sm.sessions[sessionKey{userID, channelID}]
	sm.sessions[sessionKey{userID, channelID}] = s
	sm.mu.Unlock()

	sm.logger.Info("prompt session started", "session_id", s.ID, "user_id", userID, "channel_id", channelID, "replaced", replaced)
	sm.emit(domain.EventSessionStarted, s)
	return s
}

// Get returns the active session for the key. Expired sessions are evicted
// and reported as absent.
func (sm *SessionManager) Get(userID, channelID string) (*PromptSession, bool) {
	key := sessionKey{userID, channelID}
	sm.mu.Lock()
	s, ok := sm.sessions[key]
	if !ok {
		sm.mu.Unlock()
		return nil, false
	}
	if s.IsExpired(sm.now()) {
		delete(sm.sessions, key)
		sm.mu.Unlock()
		sm.logger.Info("prompt session expired", "session_id", s.ID, "user_id", userID, "channel_id", channelID)
		sm.emit(domain.EventSessionExpired, s)
		return nil, false
	}
	sm.mu.Unlock()
	return s, true
}

// End removes and returns the session for the key.
func (sm *SessionManager) End(userID, channelID string) (*PromptSession, bool) {
	key := sessionKey{userID, channelID}
	sm.mu.Lock()
	s, ok := sm.sessions[key]
	if ok {
		delete(sm.sessions, key)
	}
	sm.mu.Unlock()

	if !ok {
		return nil, false
	}
	sm.logger.Info("prompt session ended", "session_id", s.ID, "user_id", userID, "channel_id", channelID,
		"messages", s.MessageCount(), "duration", s.Duration().Round(time.Second))
	sm.emit(domain.EventSessionEnded, s)
	return s, true
}

// Sweep evicts every expired session and returns how many were removed.
func (sm *SessionManager) Sweep() int {
	now := sm.now()
	var expired []*PromptSession

	sm.mu.Lock()
	for key, s := range sm.sessions {
		if s.IsExpired(now) {
			delete(sm.sessions, key)
			expired = append(expired, s)
		}
	}
	sm.mu.Unlock()

	for _, s := range expired {
		sm.emit(domain.EventSessionExpired, s)
	}
	if len(expired) > 0 {
		sm.logger.Info("expired prompt sessions swept", "count", len(expired))
	}
	return len(expired)
}

// Active returns the number of sessions held, expired or not.
func (sm *SessionManager) Active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Reset drops every session without emitting events.
func (sm *SessionManager) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions = make(map[sessionKey]*PromptSession)
}

func (sm *SessionManager) emit(typ domain.EventType, s *PromptSession) {
	if sm.bus == nil {
		return
	}
	sm.bus.Publish(context.Background(), domain.NewEvent(typ, s.ID, map[string]any{
		"user_id":    s.UserID,
		"channel_id": s.ChannelID,
		"messages":   s.MessageCount(),
	}))
}
