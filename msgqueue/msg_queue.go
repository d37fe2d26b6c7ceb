// Package msgqueue delivers outbound envelopes with bounded retries so a slow or
// flapping transport never blocks the protocol loop that produced them.
package msgqueue

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/idmutex"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/telemetry"
)

// SendFunc is usually Transport.Send.
type SendFunc func(ctx context.Context, env *messages.Envelope) error

type Options struct {
	Workers  int
	Attempts uint
	Delay    time.Duration
	Buffer   int
}

func DefaultOptions() Options {
	return Options{Workers: 4, Attempts: 5, Delay: 100 * time.Millisecond, Buffer: 256}
}

type MessageQueue struct {
	queue  chan queuedMsg
	send   SendFunc
	opts   Options
	rounds *idmutex.Keyed
}

type queuedMsg struct {
	env    *messages.Envelope
	result chan error
}

func NewMessageQueue(send SendFunc, opts Options) *MessageQueue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	return &MessageQueue{
		queue:  make(chan queuedMsg, opts.Buffer),
		send:   send,
		opts:   opts,
		rounds: idmutex.NewKeyed(),
	}
}

// Enqueue hands env to the workers without waiting for delivery.
func (q *MessageQueue) Enqueue(ctx context.Context, env *messages.Envelope) error {
	return q.add(ctx, queuedMsg{env: env})
}

// Add enqueues env and waits for the final delivery result.
func (q *MessageQueue) Add(ctx context.Context, env *messages.Envelope) error {
	res := make(chan error, 1)
	if err := q.add(ctx, queuedMsg{env: env, result: res}); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MessageQueue) add(ctx context.Context, m queuedMsg) error {
	select {
	case q.queue <- m:
		telemetry.IncrementCounter(common.TelemetryConstants.MsgQueue.EnqueuedCounter, common.TelemetryConstants.MsgQueue.Prefix)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunMsgEngine starts the workers. They stop when ctx is done. Envelopes of one round are
// delivered in the order they were dequeued.
func (q *MessageQueue) RunMsgEngine(ctx context.Context) {
	for i := 0; i < q.opts.Workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case m := <-q.queue:
					err := q.deliver(ctx, m.env)
					if m.result != nil {
						m.result <- err
					}
				}
			}
		}()
	}
}

func (q *MessageQueue) deliver(ctx context.Context, env *messages.Envelope) error {
	q.rounds.Lock(env.RoundID)
	defer q.rounds.Unlock(env.RoundID)

	err := retry.Do(func() error {
		return q.send(ctx, env)
	},
		retry.Context(ctx),
		retry.Attempts(q.opts.Attempts),
		retry.Delay(q.opts.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			telemetry.IncrementCounter(common.TelemetryConstants.MsgQueue.RetriedCounter, common.TelemetryConstants.MsgQueue.Prefix)
			logging.WithFields(logging.Fields{
				"round":   env.RoundID,
				"kind":    env.Kind,
				"attempt": n,
			}).WithError(err).Debug("retrying send")
		}),
	)
	if err != nil {
		telemetry.IncrementCounter(common.TelemetryConstants.MsgQueue.FailedCounter, common.TelemetryConstants.MsgQueue.Prefix)
		logging.WithFields(logging.Fields{
			"round": env.RoundID,
			"kind":  env.Kind,
		}).WithError(err).Error("could not deliver message")
	}
	return err
}
