package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationLocksBasic(t *testing.T) {
	l := NewConversationLocks()

	unlock, err := l.Lock(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())

	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, l.Len())
}

func TestConversationLocksSerializeSameConversation(t *testing.T) {
	l := NewConversationLocks()
	unlock1, err := l.Lock(context.Background(), "u1", "c1")
	require.NoError(t, err)

	order := make(chan int, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		unlock2, err := l.Lock(context.Background(), "u1", "c1")
		if !assert.NoError(t, err) {
			return
		}
		order <- 2
		unlock2()
	}()

	time.Sleep(30 * time.Millisecond)
	order <- 1
	unlock1()
	wg.Wait()

	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
	assert.Equal(t, 0, l.Len())
}

func TestConversationLocksIndependentKeys(t *testing.T) {
	l := NewConversationLocks()
	unlockA, err := l.Lock(context.Background(), "u1", "c1")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, k := range [][2]string{{"u2", "c1"}, {"u1", "c2"}} {
		unlock, err := l.Lock(ctx, k[0], k[1])
		require.NoError(t, err, k)
		unlock()
	}
}

func TestConversationLocksContextCancelled(t *testing.T) {
	l := NewConversationLocks()
	unlock, err := l.Lock(context.Background(), "u1", "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "u1", "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, l.Len())

	again, err := l.Lock(context.Background(), "u1", "c1")
	require.NoError(t, err)
	again()
}
