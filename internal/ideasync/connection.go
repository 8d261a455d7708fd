package ideasync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBackoffBase      = time.Second
	DefaultBackoffMax       = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Dialer opens one push connection. Implementations must honor ctx.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is a message-oriented duplex connection. Read blocks until a frame
// arrives, the connection fails, or ctx is done.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close() error
}

type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before reconnect attempt n (1-based):
// min(Base*2^(n-1), Max).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	delay := p.Base
	if delay <= 0 {
		delay = DefaultBackoffBase
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

type ConnectionOptions struct {
	Dialer           Dialer
	Backoff          BackoffPolicy
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
	Metrics          *Metrics
	// After replaces time.After for backoff waits.
	After func(time.Duration) <-chan time.Time
	Now   func() time.Time
}

// ConnectionManager owns the lifecycle of a single push connection.
//
// State changes and inbound messages are delivered to observers one at a
// time, in the order they happened. Observers may call Connect or Disconnect;
// the resulting state change is delivered after the observer returns.
// Observers must not call Wait.
type ConnectionManager struct {
	dialer           Dialer
	backoff          BackoffPolicy
	handshakeTimeout time.Duration
	logger           *zap.Logger
	metrics          *Metrics
	after            func(time.Duration) <-chan time.Time
	now              func() time.Time

	mu         sync.Mutex
	state      ConnectionState
	generation uint64
	cancel     context.CancelFunc
	seq        int64
	// outbox holds notifications in the order their changes were made.
	// One goroutine at a time drains it.
	outbox   []notification
	draining bool

	handlersMu      sync.RWMutex
	messageHandlers map[uint64]func(PushMessage)
	stateHandlers   map[uint64]func(ConnectionState)
	nextHandlerID   uint64

	wg sync.WaitGroup
}

type notification struct {
	state *ConnectionState
	msg   *PushMessage
}

func NewConnectionManager(opts ConnectionOptions) *ConnectionManager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.After == nil {
		opts.After = time.After
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ConnectionManager{
		dialer:           opts.Dialer,
		backoff:          opts.Backoff,
		handshakeTimeout: opts.HandshakeTimeout,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		after:            opts.After,
		now:              opts.Now,
		messageHandlers:  map[uint64]func(PushMessage){},
		stateHandlers:    map[uint64]func(ConnectionState){},
	}
}

func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionManager) OnMessage(fn func(PushMessage)) func() {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.messageHandlers[id] = fn
	return func() {
		m.handlersMu.Lock()
		delete(m.messageHandlers, id)
		m.handlersMu.Unlock()
	}
}

func (m *ConnectionManager) OnStateChange(fn func(ConnectionState)) func() {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.stateHandlers[id] = fn
	return func() {
		m.handlersMu.Lock()
		delete(m.stateHandlers, id)
		m.handlersMu.Unlock()
	}
}

// Connect starts connecting as identity. It is a no-op unless the manager is
// Disconnected. Failures are reported through state changes only.
func (m *ConnectionManager) Connect(identity Identity) {
	m.mu.Lock()
	if m.state.Status != Disconnected {
		m.mu.Unlock()
		return
	}
	m.generation++
	gen := m.generation
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.state = ConnectionState{Status: Connecting}
	m.enqueueStateLocked(m.state)
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Debug("push connecting", zap.String("username", identity.Username))
	go m.run(ctx, gen, identity)
	m.flush()
}

// Disconnect tears the connection down and cancels any pending reconnect.
// It does not wait for background goroutines; use Wait for that.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.state.Status == Disconnected {
		m.mu.Unlock()
		return
	}
	m.state = ConnectionState{Status: Disconnected}
	m.enqueueStateLocked(m.state)
	m.mu.Unlock()

	m.logger.Debug("push disconnected")
	m.flush()
}

// Wait blocks until every goroutine started by Connect has returned.
func (m *ConnectionManager) Wait() {
	m.wg.Wait()
}

func (m *ConnectionManager) run(ctx context.Context, gen uint64, identity Identity) {
	defer m.wg.Done()
	attempt := 0
	for {
		conn, err := m.dial(ctx, identity)
		if err == nil {
			if !m.setState(gen, ConnectionState{Status: Connected}) {
				_ = conn.Close()
				return
			}
			attempt = 0
			m.logger.Info("push connected", zap.String("username", identity.Username))
			err = m.readLoop(ctx, gen, conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		delay := m.backoff.Delay(attempt)
		m.metrics.reconnect()
		m.logger.Warn("push connection lost",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("retryIn", delay))
		if !m.setState(gen, ConnectionState{Status: Reconnecting, LastError: classifyError(err), Attempt: attempt}) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.after(delay):
		}
	}
}

func (m *ConnectionManager) dial(ctx context.Context, identity Identity) (Conn, error) {
	if m.dialer == nil {
		return nil, &TransportError{Op: "dial", Err: errors.New("no dialer configured")}
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(handshakeCtx)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	frame, err := registerFrame(identity)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Write(handshakeCtx, frame); err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "register", Err: err}
	}
	return conn, nil
}

func (m *ConnectionManager) readLoop(ctx context.Context, gen uint64, conn Conn) error {
	for {
		payload, err := conn.Read(ctx)
		if err != nil {
			return &TransportError{Op: "read", Err: err}
		}
		if !m.deliverMessage(gen, payload) {
			return nil
		}
	}
}

// setState records state if gen is still current and notifies observers.
func (m *ConnectionManager) setState(gen uint64, state ConnectionState) bool {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return false
	}
	m.state = state
	m.enqueueStateLocked(state)
	m.mu.Unlock()

	m.flush()
	return true
}

func (m *ConnectionManager) deliverMessage(gen uint64, payload []byte) bool {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return false
	}
	m.seq++
	msg := PushMessage{Payload: payload, Seq: m.seq, ReceivedAt: m.now(), gen: gen}
	m.outbox = append(m.outbox, notification{msg: &msg})
	m.mu.Unlock()

	m.flush()
	return true
}

// current reports whether a message stamped with gen belongs to the live
// connection.
func (m *ConnectionManager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

func (m *ConnectionManager) enqueueStateLocked(state ConnectionState) {
	m.outbox = append(m.outbox, notification{state: &state})
}

// flush delivers queued notifications unless another goroutine is already
// draining the outbox, in which case that goroutine delivers them.
func (m *ConnectionManager) flush() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.outbox) > 0 {
		next := m.outbox[0]
		m.outbox[0] = notification{}
		m.outbox = m.outbox[1:]
		if next.msg != nil && next.msg.gen != m.generation {
			continue
		}
		m.mu.Unlock()
		if next.state != nil {
			m.deliverState(*next.state)
		} else {
			m.deliverPush(*next.msg)
		}
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *ConnectionManager) deliverPush(msg PushMessage) {
	m.handlersMu.RLock()
	handlers := make([]func(PushMessage), 0, len(m.messageHandlers))
	for _, fn := range m.messageHandlers {
		handlers = append(handlers, fn)
	}
	m.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (m *ConnectionManager) deliverState(state ConnectionState) {
	m.handlersMu.RLock()
	handlers := make([]func(ConnectionState), 0, len(m.stateHandlers))
	for _, fn := range m.stateHandlers {
		handlers = append(handlers, fn)
	}
	m.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(state)
	}
}

func registerFrame(identity Identity) ([]byte, error) {
	username := strings.TrimSpace(identity.Username)
	if username == "" {
		return nil, &TransportError{Op: "register", Err: errors.New("empty username")}
	}
	data, err := json.Marshal(struct {
		Username string `json:"username"`
	}{Username: username})
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Type: MessageRegisterUser, Data: data})
}

func classifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return ErrorKindTimeout
	case errors.Is(err, ErrMalformedEvent):
		return ErrorKindMalformed
	default:
		return ErrorKindTransport
	}
}
