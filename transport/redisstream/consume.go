package redisstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaykit/relaykit/logging"
	"github.com/relaykit/relaykit/transport"
)

// subscription drives one queue stream: a poll loop for fresh entries and a
// periodic sweep that reclaims entries another (or a crashed) consumer left
// pending past the visibility timeout.
type subscription struct {
	broker *Broker
	queue  string
	fn     func(transport.Delivery)

	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

var _ transport.Subscription = (*subscription)(nil)

func (s *subscription) run() {
	defer close(s.done)

	cfg := s.broker.cfg
	nextClaim := time.Now().Add(cfg.ClaimInterval)

	// Doubling backoff between failed polls, reset on success.
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		if s.ctx.Err() != nil {
			return
		}

		if time.Now().After(nextClaim) {
			s.sweep()
			nextClaim = time.Now().Add(cfg.ClaimInterval)
		}

		res, err := s.broker.client.XReadGroup(s.ctx, &redis.XReadGroupArgs{
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			Streams:  []string{s.queue, ">"},
			Count:    int64(cfg.Batch),
			Block:    cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timed out with nothing pending; normal idle.
				backoff = 100 * time.Millisecond
				continue
			}
			if errors.Is(err, redis.ErrClosed) {
				s.fail(&transport.ConnectionError{Err: err})
				return
			}

			s.broker.logger.Debug("redisstream read failed, backing off", logging.LogFields{
				"queue": s.queue,
				"delay": backoff.String(),
				"error": err.Error(),
			})
			select {
			case <-time.After(backoff):
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}
			case <-s.ctx.Done():
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if s.ctx.Err() != nil {
					// Unacked entries stay pending for the sweep.
					return
				}
				s.fn(&delivery{
					broker:  s.broker,
					queue:   s.queue,
					entryID: msg.ID,
					values:  msg.Values,
				})
			}
		}
	}
}

// sweep reclaims entries pending longer than the visibility timeout and
// redelivers them through fn. Reclaimed entries report Redelivered and carry
// the group's retry count as the attempt hint.
func (s *subscription) sweep() {
	cfg := s.broker.cfg

	start := "0-0"
	for {
		if s.ctx.Err() != nil {
			return
		}

		msgs, next, err := s.broker.client.XAutoClaim(s.ctx, &redis.XAutoClaimArgs{
			Stream:   s.queue,
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			MinIdle:  cfg.MinIdle,
			Start:    start,
			Count:    int64(cfg.Batch),
		}).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, redis.Nil) {
				s.broker.logger.Debug("redisstream claim sweep failed", logging.LogFields{
					"queue": s.queue,
					"error": err.Error(),
				})
			}
			return
		}

		for _, msg := range msgs {
			if s.ctx.Err() != nil {
				return
			}
			s.fn(&delivery{
				broker:    s.broker,
				queue:     s.queue,
				entryID:   msg.ID,
				values:    msg.Values,
				reclaimed: true,
				attempt:   s.pendingRetryCount(msg.ID),
			})
		}

		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

// pendingRetryCount reads the group's delivery counter for one entry. Returns
// 0 when the lookup fails; the register then falls back on its own tracking.
func (s *subscription) pendingRetryCount(entryID string) int {
	pending, err := s.broker.client.XPendingExt(s.ctx, &redis.XPendingExtArgs{
		Stream: s.queue,
		Group:  s.broker.cfg.Group,
		Start:  entryID,
		End:    entryID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return int(pending[0].RetryCount)
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close stops polling. The in-flight callback finishes; wait on Done.
func (s *subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// delivery adapts one stream entry. Settling is idempotent client-side: XACK
// on an already-acknowledged entry is a no-op.
type delivery struct {
	broker    *Broker
	queue     string
	entryID   string
	values    map[string]any
	reclaimed bool
	attempt   int
}

var _ transport.Delivery = (*delivery)(nil)

func (d *delivery) Body() []byte      { return entryBody(d.values) }
func (d *delivery) MessageID() string { return entryID(d.values) }
func (d *delivery) Redelivered() bool { return d.reclaimed }
func (d *delivery) Attempt() int      { return d.attempt }

func (d *delivery) Ack(ctx context.Context) error {
	return d.broker.client.XAck(ctx, d.queue, d.broker.cfg.Group, d.entryID).Err()
}

// NackRequeue leaves the entry pending; the claim sweep redelivers it once
// it has been idle past the visibility timeout. Streams have no immediate
// negative acknowledgment.
func (d *delivery) NackRequeue(ctx context.Context) error {
	return nil
}

// NackDiscard acknowledges the entry so it never comes back. Streams have no
// native dead-letter routing; the register writes the quarantine copy before
// discarding.
func (d *delivery) NackDiscard(ctx context.Context) error {
	return d.broker.client.XAck(ctx, d.queue, d.broker.cfg.Group, d.entryID).Err()
}
