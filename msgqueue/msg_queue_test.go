package msgqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torusresearch/peg-signer/messages"
)

func envelope(t *testing.T, round string, i int) *messages.Envelope {
	env, err := messages.New(round, messages.KindAck, 1, uint32(i), messages.Ack{Status: messages.AckDkgEnd})
	require.NoError(t, err)
	return env
}

func TestMessageQueueDeliversConcurrently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	delivered := map[string]int{}
	q := NewMessageQueue(func(_ context.Context, env *messages.Envelope) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		delivered[env.RoundID]++
		mu.Unlock()
		return nil
	}, Options{Workers: 8, Attempts: 1, Buffer: 4})
	q.RunMsgEngine(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, q.Add(ctx, envelope(t, fmt.Sprintf("round-%d", i%4), i)))
		}(i)
	}
	wg.Wait()
	for i := 0; i < 4; i++ {
		assert.Equal(t, 5, delivered[fmt.Sprintf("round-%d", i)])
	}
}

func TestMessageQueueRetriesTransientFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	q := NewMessageQueue(func(context.Context, *messages.Envelope) error {
		calls++
		if calls < 3 {
			return errors.New("peer unreachable")
		}
		return nil
	}, Options{Workers: 1, Attempts: 5, Delay: time.Millisecond})
	q.RunMsgEngine(ctx)

	require.NoError(t, q.Add(ctx, envelope(t, "round", 0)))
	assert.Equal(t, 3, calls)
}

func TestMessageQueueGivesUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sendErr := errors.New("peer unreachable")
	calls := 0
	q := NewMessageQueue(func(context.Context, *messages.Envelope) error {
		calls++
		return sendErr
	}, Options{Workers: 1, Attempts: 3, Delay: time.Millisecond})
	q.RunMsgEngine(ctx)

	err := q.Add(ctx, envelope(t, "round", 0))
	assert.Equal(t, sendErr, err)
	assert.Equal(t, 3, calls)
}
