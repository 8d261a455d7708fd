package ideasync

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 10 * time.Second
)

// FetchFunc retrieves one full state snapshot.
type FetchFunc func(ctx context.Context) ([]byte, error)

type PollerOptions struct {
	Timeout time.Duration
	// JitterRatio spreads ticks by +/- ratio of the interval; 0 disables it.
	JitterRatio float64
	// Deliver receives every successful fetch. Calls are serialized.
	Deliver func(PollResponse)
	Logger  *zap.Logger
	Metrics *Metrics
	After   func(time.Duration) <-chan time.Time
	Now     func() time.Time
	Sample  func() float64
}

type PollStats struct {
	Ticks     int
	Suspended int
	Skipped   int
	Delivered int
	Failures  int
	Timeouts  int
	Discarded int
}

// Poller fetches full state on a fixed interval while the push channel is
// down. At most one fetch is in flight, scheduled or explicit; ticks that
// find one running are skipped rather than queued.
type Poller struct {
	timeout     time.Duration
	jitterRatio float64
	deliver     func(PollResponse)
	logger      *zap.Logger
	metrics     *Metrics
	after       func(time.Duration) <-chan time.Time
	now         func() time.Time
	sample      func() float64

	deliverMu sync.Mutex

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	interval   time.Duration
	connected  bool
	inFlight   bool
	flight     uint64
	idle       chan struct{}
	seq        int64
	stats      PollStats

	wg sync.WaitGroup
}

func NewPoller(opts PollerOptions) *Poller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPollTimeout
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
	if opts.Sample == nil {
		opts.Sample = rand.Float64
	}
	if opts.Deliver == nil {
		opts.Deliver = func(PollResponse) {}
	}
	return &Poller{
		timeout:     opts.Timeout,
		jitterRatio: clampJitterRatio(opts.JitterRatio),
		deliver:     opts.Deliver,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		after:       opts.After,
		now:         opts.Now,
		sample:      opts.Sample,
	}
}

// Start begins polling with fetch every interval. Calling Start on a running
// poller replaces the previous schedule; its in-flight result is discarded.
func (p *Poller) Start(interval time.Duration, fetch FetchFunc) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.generation++
	gen := p.generation
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.interval = interval
	p.releaseLocked(p.flight)
	p.wg.Add(1)
	go p.loop(ctx, gen, fetch)
}

// Stop halts polling. Results of fetches already in flight are discarded.
// It does not wait; use Wait for that.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.releaseLocked(p.flight)
}

func (p *Poller) Wait() {
	p.wg.Wait()
}

// SetConnected suspends polling while the push channel is connected.
func (p *Poller) SetConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	p.mu.Unlock()
}

// SetInterval changes the tick interval, effective from the next tick.
func (p *Poller) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = interval
	p.mu.Unlock()
}

func (p *Poller) Stats() PollStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Once fetches immediately, outside the schedule, and hands the result to
// Deliver like a scheduled tick would. If a fetch is already in flight, Once
// waits for it to finish before starting its own.
func (p *Poller) Once(ctx context.Context, fetch FetchFunc) error {
	p.mu.Lock()
	for p.inFlight {
		idle := p.idle
		p.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return &TransportError{Op: "poll", Err: ctx.Err()}
		}
		p.mu.Lock()
	}
	token := p.claimLocked()
	p.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	body, err := fetch(fetchCtx)
	p.release(token)
	if err != nil {
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: poll exceeded %s", ErrTimeout, p.timeout)
		}
		return &TransportError{Op: "poll", Err: err}
	}

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.mu.Lock()
	p.seq++
	resp := PollResponse{Body: body, Seq: p.seq, ReceivedAt: p.now()}
	p.stats.Delivered++
	p.mu.Unlock()

	p.metrics.poll("delivered")
	p.deliver(resp)
	return nil
}

func (p *Poller) loop(ctx context.Context, gen uint64, fetch FetchFunc) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		interval := p.interval
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-p.after(jitteredIntervalWithSample(interval, p.jitterRatio, p.sample())):
		}
		p.tick(ctx, gen, fetch)
	}
}

func (p *Poller) tick(ctx context.Context, gen uint64, fetch FetchFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		return
	}
	p.stats.Ticks++
	if p.connected {
		p.stats.Suspended++
		p.metrics.poll("suspended")
		return
	}
	if p.inFlight {
		p.stats.Skipped++
		p.metrics.poll("skipped")
		p.logger.Debug("poll still in flight, skipping tick")
		return
	}
	token := p.claimLocked()
	p.wg.Add(1)
	go p.fetch(ctx, gen, token, fetch)
}

// claimLocked marks a fetch as in flight and returns the token that
// releases it.
func (p *Poller) claimLocked() uint64 {
	p.flight++
	p.inFlight = true
	p.idle = make(chan struct{})
	return p.flight
}

func (p *Poller) release(token uint64) {
	p.mu.Lock()
	p.releaseLocked(token)
	p.mu.Unlock()
}

// releaseLocked clears the in-flight mark if token still owns it.
func (p *Poller) releaseLocked(token uint64) {
	if !p.inFlight || token != p.flight {
		return
	}
	p.inFlight = false
	close(p.idle)
}

func (p *Poller) fetch(ctx context.Context, gen, token uint64, fetch FetchFunc) {
	defer p.wg.Done()

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	body, err := fetch(fetchCtx)
	timedOut := errors.Is(fetchCtx.Err(), context.DeadlineExceeded)
	cancel()
	// The slot frees before delivery so a listener may call Once.
	p.release(token)
	if err != nil {
		p.fail(gen, err, timedOut)
		return
	}

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.mu.Lock()
	if gen != p.generation {
		p.stats.Discarded++
		p.mu.Unlock()
		p.metrics.poll("discarded")
		return
	}
	p.seq++
	resp := PollResponse{Body: body, Seq: p.seq, ReceivedAt: p.now()}
	p.stats.Delivered++
	p.mu.Unlock()

	p.metrics.poll("delivered")
	p.deliver(resp)
}

func (p *Poller) fail(gen uint64, err error, timedOut bool) {
	p.mu.Lock()
	if gen != p.generation {
		p.stats.Discarded++
		p.mu.Unlock()
		return
	}
	if timedOut {
		p.stats.Timeouts++
	} else {
		p.stats.Failures++
	}
	p.mu.Unlock()

	if timedOut {
		p.metrics.poll("timeout")
		p.logger.Warn("poll timed out", zap.Error(fmt.Errorf("%w: exceeded %s", ErrTimeout, p.timeout)))
		return
	}
	p.metrics.poll("failed")
	p.logger.Warn("poll failed", zap.Error(&TransportError{Op: "poll", Err: err}))
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	delay := time.Duration(float64(base) * (1 + (sample*2-1)*jitterRatio))
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
