package ideasync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type Options struct {
	Identity Identity
	// Remote serves submissions and poll fetches. Required.
	Remote Remote
	// Dialer opens the push channel. Nil runs the engine on polling alone.
	Dialer Dialer

	PollInterval     time.Duration
	PollTimeout      time.Duration
	PollJitter       float64
	Backoff          BackoffPolicy
	HandshakeTimeout time.Duration
	RecencyWindow    time.Duration

	Logger  *zap.Logger
	Metrics *Metrics

	Now       func() time.Time
	After     func(time.Duration) <-chan time.Time
	NewTempID func() string
}

type SubmitResult struct {
	ClientTempID string
	// Idea is the confirmed idea, or the optimistic entry when Pending.
	Idea Idea
	// Pending reports that the server could not be reached. The optimistic
	// entry stays in place until push or poll reconciles it.
	Pending bool
}

// Engine wires the connection manager, the poll scheduler and the REST
// client into one reconciliation store. Every inbound message goes through
// Normalize before it reaches the store.
type Engine struct {
	store   *Store
	conn    *ConnectionManager
	poller  *Poller
	remote  Remote
	push    bool
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
	tempID  func() string

	localSeq  atomic.Int64
	submitSeq atomic.Int64
	stateSeq  atomic.Int64

	mu           sync.Mutex
	identity     Identity
	started      bool
	pollInterval time.Duration
}

var errNoRemote = errors.New("ideasync: remote is required")

func New(opts Options) (*Engine, error) {
	if opts.Remote == nil {
		return nil, errNoRemote
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewTempID == nil {
		opts.NewTempID = func() string { return ulid.Make().String() }
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	e := &Engine{
		remote:       opts.Remote,
		push:         opts.Dialer != nil,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		tempID:       opts.NewTempID,
		identity:     Identity{Username: strings.TrimSpace(opts.Identity.Username)},
		pollInterval: opts.PollInterval,
	}
	e.store = NewStore(StoreOptions{
		RecencyWindow: opts.RecencyWindow,
		Now:           opts.Now,
		Logger:        opts.Logger.Named("store"),
		Metrics:       opts.Metrics,
	})
	e.conn = NewConnectionManager(ConnectionOptions{
		Dialer:           opts.Dialer,
		Backoff:          opts.Backoff,
		HandshakeTimeout: opts.HandshakeTimeout,
		Logger:           opts.Logger.Named("push"),
		Metrics:          opts.Metrics,
		After:            opts.After,
		Now:              opts.Now,
	})
	e.poller = NewPoller(PollerOptions{
		Timeout:     opts.PollTimeout,
		JitterRatio: opts.PollJitter,
		Deliver:     func(resp PollResponse) { e.ingest(resp) },
		Logger:      opts.Logger.Named("poll"),
		Metrics:     opts.Metrics,
		After:       opts.After,
		Now:         opts.Now,
	})
	e.conn.OnMessage(func(msg PushMessage) { e.ingest(msg) })
	e.conn.OnStateChange(e.connectionChanged)
	return e, nil
}

// Start connects the push channel and starts the poll fallback.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	identity := e.identity
	interval := e.pollInterval
	e.mu.Unlock()

	e.poller.Start(interval, e.remote.FetchState)
	if e.push {
		e.conn.Connect(identity)
	}
}

// Stop disconnects and halts polling without waiting; Wait blocks until the
// background goroutines are gone.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
	e.conn.Disconnect()
	e.poller.Stop()
}

func (e *Engine) Wait() {
	e.conn.Wait()
	e.poller.Wait()
}

func (e *Engine) View() View {
	return e.store.View()
}

// OnChange registers fn for every published View and returns its
// unsubscribe func. fn may run on push, poll or caller goroutines. It may
// call Stop, Reset, SwitchIdentity or Submit; it must not call Wait, which
// would wait on the goroutine running fn.
func (e *Engine) OnChange(fn func(View)) func() {
	return e.store.OnChange(fn)
}

func (e *Engine) ConnectionState() ConnectionState {
	return e.conn.State()
}

func (e *Engine) PollStats() PollStats {
	return e.poller.Stats()
}

// Reset clears ideas, metrics and presence, for example on logout.
func (e *Engine) Reset() {
	e.store.Reset()
}

// SwitchIdentity drops all state belonging to the previous user and, if the
// engine is running, reconnects the push channel as the new one.
func (e *Engine) SwitchIdentity(identity Identity) {
	identity.Username = strings.TrimSpace(identity.Username)
	e.mu.Lock()
	e.identity = identity
	started := e.started
	e.mu.Unlock()

	e.conn.Disconnect()
	e.store.Reset()
	if started && e.push {
		e.conn.Connect(identity)
	}
}

func (e *Engine) SetPollInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	e.mu.Lock()
	e.pollInterval = interval
	e.mu.Unlock()
	e.poller.SetInterval(interval)
}

// Refresh fetches the full state once, regardless of connection status.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.poller.Once(ctx, e.remote.FetchState)
}

// Submit shows text optimistically and sends it to the server. A refusal
// rolls the entry back and returns *SubmissionRejectedError carrying the
// original text. When the server cannot be reached the entry stays pending
// and Submit reports Pending without an error; the server deduplicates
// retries by client temp id.
func (e *Engine) Submit(ctx context.Context, text, authorID string) (SubmitResult, error) {
	author := strings.TrimSpace(authorID)
	if author == "" {
		e.mu.Lock()
		author = e.identity.Username
		e.mu.Unlock()
	}
	trimmed := normalizeText(text)
	if trimmed == "" || author == "" {
		e.metrics.submission("invalid")
		return SubmitResult{}, &SubmissionRejectedError{
			Text:     text,
			AuthorID: author,
			Reason:   "idea text and username are required",
		}
	}

	intent := LocalIntent{
		Kind:         IntentSubmit,
		Text:         trimmed,
		AuthorID:     author,
		ClientTempID: e.tempID(),
		Seq:          e.localSeq.Add(1),
		At:           e.now(),
	}
	if err := e.ingest(intent); err != nil {
		return SubmitResult{}, err
	}
	result := SubmitResult{ClientTempID: intent.ClientTempID}

	body, err := e.remote.SubmitIdea(ctx, SubmitRequest{
		IdeaText:     trimmed,
		Username:     author,
		ClientTempID: intent.ClientTempID,
	})
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && isRejection(httpErr.StatusCode) {
			e.rollback(intent)
			e.metrics.submission("rejected")
			return result, &SubmissionRejectedError{
				Text:         text,
				AuthorID:     author,
				ClientTempID: intent.ClientTempID,
				StatusCode:   httpErr.StatusCode,
				Reason:       httpErr.Message,
			}
		}
		e.logger.Warn("submission left pending",
			zap.String("clientTempId", intent.ClientTempID),
			zap.Error(err))
		e.metrics.submission("pending")
		return e.pending(result), nil
	}

	events, err := Normalize(SubmitResponse{
		Body:       body,
		Intent:     intent,
		Seq:        e.submitSeq.Add(1),
		ReceivedAt: e.now(),
	})
	if err != nil {
		var rejected *SubmissionRejectedError
		if errors.As(err, &rejected) {
			rejected.Text = text
			e.rollback(intent)
			e.metrics.submission("rejected")
			return result, rejected
		}
		e.logger.Warn("unreadable submit response, leaving entry pending",
			zap.String("clientTempId", intent.ClientTempID),
			zap.Error(err))
		e.metrics.dropped("malformed")
		e.metrics.submission("pending")
		return e.pending(result), nil
	}
	e.store.Apply(events...)
	e.metrics.submission("confirmed")
	result.Idea, _ = e.store.View().FindByTempID(intent.ClientTempID)
	return result, nil
}

func (e *Engine) pending(result SubmitResult) SubmitResult {
	result.Pending = true
	result.Idea, _ = e.store.View().FindByTempID(result.ClientTempID)
	return result
}

func (e *Engine) rollback(intent LocalIntent) {
	rollback := intent
	rollback.Kind = IntentRollback
	rollback.Seq = e.localSeq.Add(1)
	rollback.At = e.now()
	_ = e.ingest(rollback)
}

func (e *Engine) connectionChanged(state ConnectionState) {
	e.poller.SetConnected(state.Status == Connected)
	_ = e.ingest(StateChange{State: state, Seq: e.stateSeq.Add(1), ReceivedAt: e.now()})
}

// ingest normalizes raw and applies the result. Malformed input is logged
// and dropped.
func (e *Engine) ingest(raw Raw) error {
	events, err := Normalize(raw)
	if err != nil {
		e.logger.Warn("dropping inbound message",
			zap.String("channel", string(raw.rawChannel())),
			zap.Error(err))
		e.metrics.dropped("malformed")
		if raw.rawChannel() == ChannelPush {
			state := e.conn.State()
			state.LastError = ErrorKindMalformed
			e.store.Apply(Event{
				Kind:       ConnectionChanged,
				Channel:    ChannelPush,
				Seq:        e.stateSeq.Add(1),
				ReceivedAt: e.now(),
				Connection: &state,
			})
		}
		return err
	}
	// Frames from a connection torn down after they were read are dropped.
	if msg, ok := raw.(PushMessage); ok && msg.gen != 0 {
		e.store.applyIf(func() bool { return e.conn.current(msg.gen) }, events...)
		return nil
	}
	e.store.Apply(events...)
	return nil
}

func isRejection(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}
