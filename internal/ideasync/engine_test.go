package ideasync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeRemote struct {
	mu       sync.Mutex
	submits  []SubmitRequest
	submitFn func(SubmitRequest) ([]byte, error)
	state    []byte
	stateErr error
}

func (r *fakeRemote) SubmitIdea(_ context.Context, req SubmitRequest) ([]byte, error) {
	r.mu.Lock()
	r.submits = append(r.submits, req)
	fn := r.submitFn
	r.mu.Unlock()
	return fn(req)
}

func (r *fakeRemote) FetchState(context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.stateErr
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func sequentialTempIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("tmp-%d", n)
	}
}

func TestEngineSubmitReconcilesOptimisticEntry(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var optimisticView View
	var engine *Engine
	remote := &fakeRemote{}
	remote.submitFn = func(req SubmitRequest) ([]byte, error) {
		optimisticView = engine.View()
		return []byte(fmt.Sprintf(`{"success":true,"idea":{"id":"42","text":%q,"username":%q,"timestamp":"2026-03-14T09:00:01Z","diversity_score":0.73},
			"diversity_metrics":{"score":0.73,"category_breakdown":{"tech":1},"sample_count":1,"computed_at":"2026-03-14T09:00:01Z"}}`,
			req.IdeaText, req.Username)), nil
	}
	var err error
	engine, err = New(Options{
		Identity:  Identity{Username: "alice"},
		Remote:    remote,
		Now:       fixedClock(now),
		NewTempID: sequentialTempIDs(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	result, err := engine.Submit(context.Background(), "A mobile app for X", "alice")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if len(optimisticView.Ideas) != 1 || optimisticView.Ideas[0].ID != "" || optimisticView.Ideas[0].Text != "A mobile app for X" {
		t.Fatalf("expected one unconfirmed entry before the round trip, got %+v", optimisticView.Ideas)
	}

	view := engine.View()
	if len(view.Ideas) != 1 {
		t.Fatalf("expected exactly one entry after confirmation, got %+v", view.Ideas)
	}
	idea := view.Ideas[0]
	if idea.ID != "42" || idea.ClientTempID != "tmp-1" || idea.DiversityScore == nil || *idea.DiversityScore != 0.73 {
		t.Fatalf("unexpected confirmed idea: %+v", idea)
	}
	if result.Pending || result.Idea.ID != "42" || result.ClientTempID != "tmp-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if view.Metrics == nil || view.Metrics.Score != 0.73 {
		t.Fatalf("expected metrics from submit response, got %+v", view.Metrics)
	}
	if got := remote.submits[0]; got.ClientTempID != "tmp-1" {
		t.Fatalf("expected temp id to be sent as idempotency token, got %+v", got)
	}

	// A push echo of the same idea must not duplicate it.
	engine.ingest(PushMessage{Payload: []byte(`{"type":"new_idea","data":{"idea":{"id":"42","text":"A mobile app for X","username":"alice","timestamp":"2026-03-14T09:00:01Z"}}}`), Seq: 1})
	if n := len(engine.View().Ideas); n != 1 {
		t.Fatalf("expected push echo to collapse, got %d ideas", n)
	}
}

func TestEngineSubmitRejectionRollsBack(t *testing.T) {
	remote := &fakeRemote{submitFn: func(SubmitRequest) ([]byte, error) {
		return nil, &HTTPError{StatusCode: http.StatusBadRequest, Message: "Idea text is required"}
	}}
	engine, err := New(Options{Identity: Identity{Username: "alice"}, Remote: remote})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	_, err = engine.Submit(context.Background(), "  Keep my text  ", "")
	var rejected *SubmissionRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected SubmissionRejectedError, got %v", err)
	}
	if rejected.Text != "  Keep my text  " || rejected.AuthorID != "alice" || rejected.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
	if n := len(engine.View().Ideas); n != 0 {
		t.Fatalf("expected optimistic entry rolled back, got %d ideas", n)
	}
}

func TestEngineSubmitRejectsEmptyTextLocally(t *testing.T) {
	remote := &fakeRemote{submitFn: func(SubmitRequest) ([]byte, error) {
		t.Fatalf("empty submission must not reach the server")
		return nil, nil
	}}
	engine, err := New(Options{Remote: remote})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	_, err = engine.Submit(context.Background(), "   ", "alice")
	if !errors.Is(err, ErrSubmissionRejected) {
		t.Fatalf("expected ErrSubmissionRejected, got %v", err)
	}
	if engine.View().Version != 0 {
		t.Fatalf("expected no store change")
	}
}

func TestEngineSubmitTransportFailureLeavesPending(t *testing.T) {
	remote := &fakeRemote{submitFn: func(SubmitRequest) ([]byte, error) {
		return nil, &TransportError{Op: "POST /api/submit_idea", Err: errors.New("connection reset")}
	}}
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	engine, err := New(Options{Remote: remote, Now: fixedClock(now), NewTempID: sequentialTempIDs()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	result, err := engine.Submit(context.Background(), "Offline idea", "bob")
	if err != nil {
		t.Fatalf("expected no error for transport failure, got %v", err)
	}
	if !result.Pending || result.Idea.ClientTempID != "tmp-1" || result.Idea.Confirmed() {
		t.Fatalf("expected pending optimistic entry, got %+v", result)
	}

	// A later poll reconciles it by author and text.
	remote.state = []byte(`{"ideas":[{"id":"7","text":"Offline idea","username":"bob","timestamp":"2026-03-14T09:00:02Z"}]}`)
	if err := engine.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	view := engine.View()
	if len(view.Ideas) != 1 || view.Ideas[0].ID != "7" || view.Ideas[0].ClientTempID != "tmp-1" {
		t.Fatalf("expected poll to confirm the pending entry, got %+v", view.Ideas)
	}
}

func TestEngineDropsMalformedPushAndFlagsConnection(t *testing.T) {
	engine, err := New(Options{Remote: &fakeRemote{}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.ingest(PushMessage{Payload: []byte(`{"type":"new_idea","data":{}}`)}); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	view := engine.View()
	if len(view.Ideas) != 0 || view.Connection.LastError != ErrorKindMalformed {
		t.Fatalf("unexpected view after malformed push: %+v", view)
	}
}

func TestEngineEndToEndOverPushAndPoll(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	remote := &fakeRemote{state: []byte(`{"ideas":[{"id":"p1","text":"From poll","username":"bob","timestamp":"2026-03-14T08:00:00Z"}],"active_users":["bob"]}`)}
	dialer := &scriptedDialer{failures: 1}
	dialGate := make(chan time.Time)
	ticker := newManualTicker()
	engine, err := New(Options{
		Identity:     Identity{Username: "alice"},
		Remote:       remote,
		Dialer:       dialer,
		PollInterval: 5 * time.Second,
		Backoff:      BackoffPolicy{Base: time.Second},
		After: func(d time.Duration) <-chan time.Time {
			if d == time.Second {
				return dialGate
			}
			return ticker.ticks
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	var changes atomic.Int32
	engine.OnChange(func(View) { changes.Add(1) })

	engine.Start()
	require.Eventually(t, func() bool {
		return engine.ConnectionState().Status == Reconnecting
	}, 2*time.Second, 5*time.Millisecond)

	// Push is down: the poll fallback fills the view.
	ticker.tick(t)
	require.Eventually(t, func() bool { return len(engine.View().Ideas) == 1 }, 2*time.Second, 5*time.Millisecond)
	if diff := cmp.Diff([]string{"bob"}, engine.View().ActiveUsers); diff != "" {
		t.Fatalf("unexpected presence (-want +got):\n%s", diff)
	}

	// Let the reconnect proceed.
	dialGate <- time.Now()
	require.Eventually(t, func() bool { return engine.ConnectionState().Status == Connected }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return engine.View().Connection.Status == Connected }, 2*time.Second, 5*time.Millisecond)

	dialer.lastConn().frames <- []byte(`{"type":"new_idea","data":{"idea":{"id":"n1","text":"Pushed","username":"carol","timestamp":"2026-03-14T09:00:00Z"},"diversity_metrics":{"score":0.5,"computed_at":"2026-03-14T09:00:00Z"}}}`)
	require.Eventually(t, func() bool { return len(engine.View().Ideas) == 2 }, 2*time.Second, 5*time.Millisecond)
	if head := engine.View().Ideas[0]; head.ID != "n1" {
		t.Fatalf("expected newest pushed idea first, got %+v", head)
	}

	// Polling is suspended while connected.
	before := engine.PollStats().Delivered
	ticker.tick(t)
	require.Eventually(t, func() bool { return engine.PollStats().Suspended >= 1 }, 2*time.Second, 5*time.Millisecond)
	if engine.PollStats().Delivered != before {
		t.Fatalf("expected no poll delivery while connected")
	}

	engine.Stop()
	engine.Wait()
	if engine.ConnectionState().Status != Disconnected {
		t.Fatalf("expected Disconnected after Stop")
	}
	if changes.Load() == 0 {
		t.Fatalf("expected change notifications")
	}
}

func TestEngineSwitchIdentityResetsState(t *testing.T) {
	remote := &fakeRemote{state: []byte(`{"ideas":[{"id":"1","text":"x","username":"bob","timestamp":"2026-03-14T08:00:00Z"}],"diversity_metrics":{"score":0.2,"computed_at":"2026-03-14T08:00:00Z"}}`)}
	engine, err := New(Options{Identity: Identity{Username: "alice"}, Remote: remote})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	engine.SwitchIdentity(Identity{Username: "bob"})
	view := engine.View()
	if len(view.Ideas) != 0 || view.Metrics != nil {
		t.Fatalf("expected empty view after identity switch, got %+v", view)
	}
}

func TestNewRequiresRemote(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without remote")
	}
}

func TestEngineListenerMayStopEngine(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	remote := &fakeRemote{state: []byte(`{"ideas":[]}`)}
	dialer := &scriptedDialer{}
	engine, err := New(Options{
		Identity:     Identity{Username: "alice"},
		Remote:       remote,
		Dialer:       dialer,
		PollInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	stopped := make(chan struct{})
	var once sync.Once
	engine.OnChange(func(v View) {
		if _, ok := v.FindByTempID("srv:bye"); ok {
			once.Do(func() {
				engine.SwitchIdentity(Identity{Username: "bob"})
				engine.Stop()
				close(stopped)
			})
		}
	})

	engine.Start()
	require.Eventually(t, func() bool { return engine.ConnectionState().Status == Connected }, 2*time.Second, 5*time.Millisecond)
	dialer.lastConn().frames <- []byte(`{"type":"new_idea","data":{"idea":{"id":"bye","text":"Log out","username":"alice","timestamp":"2026-03-14T09:00:00Z"}}}`)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener calling Stop from a push delivery deadlocked")
	}
	engine.Wait()
	if engine.ConnectionState().Status != Disconnected {
		t.Fatalf("expected Disconnected, got %s", engine.ConnectionState().Status)
	}
	require.Eventually(t, func() bool { return engine.View().Connection.Status == Disconnected }, 2*time.Second, 5*time.Millisecond)
}

func TestEngineDropsFramesFromTornDownConnection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := &scriptedDialer{}
	engine, err := New(Options{
		Identity:     Identity{Username: "alice"},
		Remote:       &fakeRemote{state: []byte(`{"ideas":[]}`)},
		Dialer:       dialer,
		PollInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.Start()
	require.Eventually(t, func() bool { return engine.ConnectionState().Status == Connected }, 2*time.Second, 5*time.Millisecond)

	engine.conn.mu.Lock()
	oldGen := engine.conn.generation
	engine.conn.mu.Unlock()
	engine.SwitchIdentity(Identity{Username: "bob"})

	frame := []byte(`{"type":"new_idea","data":{"idea":{"id":"late","text":"Stale","username":"alice","timestamp":"2026-03-14T09:00:00Z"}}}`)
	if err := engine.ingest(PushMessage{Payload: frame, Seq: 1, gen: oldGen}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(engine.View().Ideas) != 0 {
		t.Fatalf("expected frame from the old connection to be dropped, got %+v", engine.View().Ideas)
	}

	engine.Stop()
	engine.Wait()
}
