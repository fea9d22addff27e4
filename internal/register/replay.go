package register

import (
	"context"
	"sync"
	"time"

	"github.com/relaykit/relaykit/internal/register/envelope"
	"github.com/relaykit/relaykit/internal/register/errors"
	"github.com/relaykit/relaykit/logging"
	"github.com/relaykit/relaykit/transport"
)

// replayIdleWindow is how long the quarantine queue may stay silent before a
// replay decides it has drained everything.
const replayIdleWindow = 2 * time.Second

// ReplayQuarantined drains up to limit quarantined envelopes, strips their
// marks, and republishes each to its origin queue through the normal confirm
// path with a reset attempt counter. A limit of 0 means no limit; the replay
// then stops once the quarantine queue stays idle past a short window.
// Returns the number of events replayed.
func (r *Register) ReplayQuarantined(ctx context.Context, limit int) (int, error) {
	if r.isClosed() {
		return 0, errors.ErrRegisterClosed
	}

	rp := &replayer{reg: r, limit: limit, activity: make(chan struct{}, 1)}

	replayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tsub, err := r.broker.Consume(replayCtx, r.conf.QuarantineQueue, rp.handle)
	if err != nil {
		return 0, err
	}

	idle := time.NewTimer(replayIdleWindow)
	defer idle.Stop()

	for {
		select {
		case <-rp.activity:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(replayIdleWindow)
			if limit > 0 && rp.count() >= limit {
				tsub.Close()
				<-tsub.Done()
				return rp.count(), nil
			}
		case <-idle.C:
			tsub.Close()
			<-tsub.Done()
			return rp.count(), nil
		case <-tsub.Done():
			if err := tsub.Err(); err != nil {
				return rp.count(), err
			}
			// A clean stop here means the caller's context ended the
			// subscription underneath us.
			return rp.count(), ctx.Err()
		case <-ctx.Done():
			tsub.Close()
			<-tsub.Done()
			return rp.count(), ctx.Err()
		}
	}
}

// replayer settles quarantine-queue deliveries one at a time.
type replayer struct {
	reg      *Register
	limit    int
	activity chan struct{}

	mu       sync.Mutex
	replayed int
}

func (rp *replayer) count() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.replayed
}

func (rp *replayer) bump() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.replayed++
	return rp.replayed
}

func (rp *replayer) signal() {
	select {
	case rp.activity <- struct{}{}:
	default:
	}
}

func (rp *replayer) handle(d transport.Delivery) {
	r := rp.reg
	defer rp.signal()

	if rp.limit > 0 && rp.count() >= rp.limit {
		// Budget spent; leave the delivery for the next replay.
		d.NackRequeue(context.Background())
		return
	}

	env, err := envelope.Decode(d.Body())
	if err != nil {
		// Already in the dead-letter destination; all that is left is the
		// log line. Ack so a broken copy cannot wedge the replay forever.
		r.logger.Error("undecodable quarantine entry dropped", err, logging.LogFields{
			"message_id": d.MessageID(),
		})
		d.Ack(context.Background())
		return
	}

	origin := r.conf.Queue
	if env.Quarantine != nil && env.Quarantine.OriginQueue != "" {
		origin = env.Quarantine.OriginQueue
	}

	released := env.Released()
	body, err := envelope.Encode(released)
	if err == nil {
		_, err = r.publishWithRetry(context.Background(), origin, transport.Publishing{
			MessageID:   released.ID,
			ContentType: envelope.ContentType,
			Timestamp:   released.CreatedAt,
			Body:        body,
		})
	}
	if err != nil {
		r.logger.Error("replay publish failed, keeping quarantined copy", err, logging.LogFields{
			"event_id": env.ID,
			"origin":   origin,
		})
		d.NackRequeue(context.Background())
		return
	}

	if err := d.Ack(context.Background()); err != nil {
		r.logger.Error("ack after replay failed, copy may repeat", err, logging.LogFields{
			"event_id": env.ID,
		})
	}
	rp.bump()
	r.metrics.RecordReplay(origin)
	r.logger.Info("quarantined event replayed", logging.LogFields{
		"event_id": env.ID,
		"origin":   origin,
	})
}
