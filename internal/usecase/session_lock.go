package usecase

import (
	"context"
	"fmt"
	"sync"
)

// ConversationLocks serializes work on one user's conversation in one
// channel, so messages are refined in the order they arrive and a build
// cannot interleave with a message for the same session.
type ConversationLocks struct {
	mu    sync.Mutex
	locks map[sessionKey]*conversationLock
}

type conversationLock struct {
	ch   chan struct{} // holds one token while locked
	refs int
}

// NewConversationLocks creates an empty lock table.
func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{locks: make(map[sessionKey]*conversationLock)}
}

// Lock blocks until the conversation is free or ctx is done. The returned
// function releases the lock and must be called exactly once.
func (l *ConversationLocks) Lock(ctx context.Context, userID, channelID string) (func(), error) {
	key := sessionKey{userID, channelID}

	l.mu.Lock()
	cl, ok := l.locks[key]
	if !ok {
		cl = &conversationLock{ch: make(chan struct{}, 1)}
		l.locks[key] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-cl.ch
				l.release(key, cl)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, cl)
		return nil, fmt.Errorf("conversation lock: %w", ctx.Err())
	}
}

func (l *ConversationLocks) release(key sessionKey, cl *conversationLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of conversations locked or waited on.
func (l *ConversationLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
