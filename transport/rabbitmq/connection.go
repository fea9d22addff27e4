package rabbitmq

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaykit/relaykit/logging"
	"github.com/relaykit/relaykit/transport"
)

// Connection is the slice of *amqp.Connection the manager drives. DialFunc
// returns one; swapping DialFunc swaps the wire.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the slice of *amqp.Channel the pool and subscriptions use.
type Channel interface {
	Confirm(noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (Confirmation, error)
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	IsClosed() bool
	Close() error
}

// Confirmation is a deferred publisher confirm.
type Confirmation interface {
	Done() <-chan struct{}
	Acked() bool
}

// amqpConnection adapts *amqp.Connection to Connection. Only Channel needs
// wrapping; the rest is promoted.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

func (c amqpChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

// redacted masks credentials in a broker URL for log output.
func redacted(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "xxxxx")
		}
	}
	return parsed.String()
}

// connManager owns the single AMQP connection. It dials once up front, then
// watches NotifyClose and redials with the shared backoff schedule until the
// broker comes back or the manager is closed. Callers blocked in current()
// ride out a reconnect without seeing it.
type connManager struct {
	cfg    Config
	logger logging.ServiceLogger

	mu        sync.Mutex
	conn      Connection
	state     transport.State
	ready     chan struct{}
	listeners []transport.StateListener
	lost      []func()
	pending   []transport.State
	notifying bool
	closed    bool

	// stop closes when the manager closes, waking the reconnect loop.
	stop chan struct{}
}

func newConnManager(ctx context.Context, cfg Config, logger logging.ServiceLogger) (*connManager, error) {
	m := &connManager{
		cfg:    cfg,
		logger: logger,
		state:  transport.StateConnecting,
		ready:  make(chan struct{}),
		stop:   make(chan struct{}),
	}

	conn, err := m.dial()
	if err != nil {
		return nil, &transport.ConnectionError{Err: err}
	}

	m.mu.Lock()
	m.conn = conn
	m.setStateLocked(transport.StateReady)
	close(m.ready)
	m.mu.Unlock()

	go m.monitor(conn)
	return m, nil
}

func (m *connManager) dial() (Connection, error) {
	conn, err := DialFunc(m.cfg.URL, amqp.Config{Heartbeat: m.cfg.Heartbeat})
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", redacted(m.cfg.URL), err)
	}
	return conn, nil
}

// monitor waits for the connection to drop and drives the reconnect loop.
// One monitor goroutine is alive per established connection.
func (m *connManager) monitor(conn Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	amqpErr, ok := <-closeCh
	if !ok || amqpErr == nil || m.isClosed() {
		// Deliberate close.
		return
	}

	m.logger.Error("rabbitmq connection lost", amqpErr, logging.LogFields{
		"url": redacted(m.cfg.URL),
	})

	m.mu.Lock()
	m.ready = make(chan struct{})
	m.conn = nil
	m.setStateLocked(transport.StateReconnecting)
	lost := make([]func(), len(m.lost))
	copy(lost, m.lost)
	m.mu.Unlock()

	// Lost hooks run before any redial, so per-connection caches are gone
	// by the time a blocked caller sees the replacement.
	for _, fn := range lost {
		fn()
	}

	m.reconnect()
}

// reconnect redials forever with the shared schedule. Only a manager close
// stops it; the attempt budget applies to operations, not to keeping the
// process-scoped connection alive.
func (m *connManager) reconnect() {
	bo := m.cfg.Retry.NewBackOff()
	for {
		if m.isClosed() {
			return
		}

		conn, err := m.dial()
		if err == nil {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				conn.Close()
				return
			}
			m.conn = conn
			m.setStateLocked(transport.StateReady)
			close(m.ready)
			m.mu.Unlock()

			m.logger.Info("rabbitmq connection re-established", logging.LogFields{
				"url": redacted(m.cfg.URL),
			})
			go m.monitor(conn)
			return
		}

		delay := bo.NextBackOff()
		m.logger.Debug("rabbitmq reconnect failed, backing off", logging.LogFields{
			"delay": delay.String(),
			"error": err.Error(),
		})
		select {
		case <-time.After(delay):
		case <-m.stop:
			return
		}
	}
}

// current blocks until a live connection exists, the context ends, or the
// manager closes.
func (m *connManager) current(ctx context.Context) (Connection, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, transport.ErrClosed
		}
		conn, ready := m.conn, m.ready
		m.mu.Unlock()

		if conn != nil && !conn.IsClosed() {
			return conn, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", transport.ErrUnreachable, ctx.Err())
		}
	}
}

func (m *connManager) onStateChange(l transport.StateListener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// onLost registers a hook run synchronously when the connection drops,
// before the redial loop starts.
func (m *connManager) onLost(fn func()) {
	m.mu.Lock()
	m.lost = append(m.lost, fn)
	m.mu.Unlock()
}

// setStateLocked records the transition and queues it for the notify loop.
// Listeners run outside the lock but always see transitions in order.
func (m *connManager) setStateLocked(s transport.State) {
	if m.state == s {
		return
	}
	m.state = s
	m.pending = append(m.pending, s)
	if m.notifying {
		return
	}
	m.notifying = true
	go m.notifyLoop()
}

func (m *connManager) notifyLoop() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.notifying = false
			m.mu.Unlock()
			return
		}
		s := m.pending[0]
		m.pending = m.pending[1:]
		listeners := make([]transport.StateListener, len(m.listeners))
		copy(listeners, m.listeners)
		m.mu.Unlock()

		for _, l := range listeners {
			l(s)
		}
	}
}

func (m *connManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *connManager) close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.setStateLocked(transport.StateClosed)
	close(m.stop)
	// Wake anyone blocked in current().
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
	m.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// channelPool keeps a bounded set of idle confirm-mode channels over the
// current connection. Channels from a previous connection generation are
// discarded on acquire; a channel returned with an error is closed instead
// of pooled.
type channelPool struct {
	conns *connManager
	size  int

	mu     sync.Mutex
	idle   []Channel
	gen    Connection
	closed bool
}

func newChannelPool(conns *connManager, size int) *channelPool {
	return &channelPool{conns: conns, size: size}
}

func (p *channelPool) acquire(ctx context.Context) (Channel, error) {
	conn, err := p.conns.current(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if p.gen != conn {
		// New connection generation; idle channels are dead.
		for _, ch := range p.idle {
			ch.Close()
		}
		p.idle = nil
		p.gen = conn
	}
	for len(p.idle) > 0 {
		ch := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !ch.IsClosed() {
			p.mu.Unlock()
			return ch, nil
		}
	}
	p.mu.Unlock()

	return p.open(conn)
}

func (p *channelPool) open(conn Connection) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", transport.ErrUnreachable, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: enable confirms: %v", transport.ErrUnreachable, err)
	}
	return ch, nil
}

func (p *channelPool) release(ch Channel, opErr error) {
	if ch == nil {
		return
	}
	if opErr != nil || ch.IsClosed() {
		ch.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle) >= p.size {
		ch.Close()
		return
	}
	p.idle = append(p.idle, ch)
}

func (p *channelPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, ch := range p.idle {
		ch.Close()
	}
	p.idle = nil
}
