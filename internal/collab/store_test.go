package collab

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type failingStateBackend struct {
	mu       sync.Mutex
	failNext bool
	saves    int
}

func (b *failingStateBackend) Load() (*persistedState, error) { return nil, nil }

func (b *failingStateBackend) Save(*persistedState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	if b.failNext {
		b.failNext = false
		return errors.New("disk full")
	}
	return nil
}

func newTestCollabStore(t *testing.T, opts StoreOptions) *Store {
	t.Helper()
	if opts.Now == nil {
		base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		var mu sync.Mutex
		tick := 0
		opts.Now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		}
	}
	if opts.NewID == nil {
		var mu sync.Mutex
		n := 0
		opts.NewID = func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("idea-%d", n)
		}
	}
	store, err := NewStoreWithOptions(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSubmitAssignsIDScoreAndMetrics(t *testing.T) {
	store := newTestCollabStore(t, StoreOptions{})

	result, err := store.Submit("  Solar powered bus stops  ", " ana ", "tmp-1")
	require.NoError(t, err)
	require.True(t, result.Created)
	require.Equal(t, "idea-1", result.Idea.ID)
	require.Equal(t, "Solar powered bus stops", result.Idea.Text)
	require.Equal(t, "ana", result.Idea.Username)
	require.Equal(t, "tmp-1", result.Idea.ClientTempID)
	require.NotNil(t, result.Idea.DiversityScore)
	require.Equal(t, 1, result.Metrics.SampleCount)
	require.Equal(t, 1.0, result.Metrics.CategoryBreakdown["environment"])

	got, err := store.Get("idea-1")
	require.NoError(t, err)
	require.Equal(t, result.Idea, got)
	require.Equal(t, 1, store.ActiveUserCount())
}

func TestStoreSubmitValidation(t *testing.T) {
	store := newTestCollabStore(t, StoreOptions{MaxTextLength: 10})

	cases := []struct {
		text, user string
	}{
		{"", "ana"},
		{"   ", "ana"},
		{"idea", ""},
		{"far too long for the limit", "ana"},
	}
	for _, tc := range cases {
		_, err := store.Submit(tc.text, tc.user, "")
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Submit(%q, %q) expected invalid input, got %v", tc.text, tc.user, err)
		}
		var validation *ValidationError
		if !errors.As(err, &validation) || validation.Message == "" {
			t.Fatalf("expected ValidationError with message, got %v", err)
		}
	}
	if store.Count() != 0 {
		t.Fatalf("expected no ideas stored, got %d", store.Count())
	}
}

func TestStoreSubmitDeduplicatesClientTempID(t *testing.T) {
	store := newTestCollabStore(t, StoreOptions{})

	first, err := store.Submit("Community tool library", "ben", "tmp-9")
	require.NoError(t, err)
	second, err := store.Submit("Community tool library", "ben", "tmp-9")
	require.NoError(t, err)

	require.False(t, second.Created)
	require.Equal(t, first.Idea, second.Idea)
	require.Equal(t, 1, store.Count())

	third, err := store.Submit("Community tool library", "ben", "")
	require.NoError(t, err)
	require.True(t, third.Created, "submissions without a temp id are never deduplicated")
	require.Equal(t, 2, store.Count())
}

func TestStoreSubmitRollsBackWhenPersistFails(t *testing.T) {
	backend := &failingStateBackend{failNext: true}
	store := newTestCollabStore(t, StoreOptions{StateBackend: backend})

	events, cancel := store.Subscribe()
	defer cancel()
	<-events

	if _, err := store.Submit("Rooftop gardens", "cy", "tmp-1"); err == nil {
		t.Fatalf("expected persist failure to surface")
	}
	if store.Count() != 0 {
		t.Fatalf("expected failed submit to be rolled back, got %d ideas", store.Count())
	}
	select {
	case ev := <-events:
		t.Fatalf("expected no broadcast for a failed submit, got %+v", ev)
	default:
	}

	result, err := store.Submit("Rooftop gardens", "cy", "tmp-1")
	require.NoError(t, err)
	require.True(t, result.Created, "temp id must be released after rollback")
}

func TestStoreSnapshotNewestFirst(t *testing.T) {
	store := newTestCollabStore(t, StoreOptions{})
	for _, text := range []string{"first", "second", "third"} {
		_, err := store.Submit(text, "ana", "")
		require.NoError(t, err)
	}
	_, err := store.RegisterUser("ben")
	require.NoError(t, err)

	snapshot := store.Snapshot()
	texts := make([]string, 0, len(snapshot.Ideas))
	for _, idea := range snapshot.Ideas {
		texts = append(texts, idea.Text)
	}
	if diff := cmp.Diff([]string{"third", "second", "first"}, texts); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ana", "ben"}, snapshot.ActiveUsers); diff != "" {
		t.Fatalf("unexpected active users (-want +got):\n%s", diff)
	}
	require.NotNil(t, snapshot.DiversityMetrics)
	require.Equal(t, 3, snapshot.DiversityMetrics.SampleCount)
}

func TestStoreSubscribeDeliversInitialStateFirst(t *testing.T) {
	store := newTestCollabStore(t, StoreOptions{})
	_, err := store.Submit("Existing idea", "ana", "")
	require.NoError(t, err)

	events, cancel := store.Subscribe()
	defer cancel()

	first := <-events
	require.Equal(t, EventInitialState, first.Type)
	snapshot, ok := first.Data.(Snapshot)
	require.True(t, ok, "initial_state carries a Snapshot, got %T", first.Data)
	require.Len(t, snapshot.Ideas, 1)

	_, err = store.Submit("Fresh idea", "ben", "tmp-2")
	require.NoError(t, err)
	next := <-events
	require.Equal(t, EventNewIdea, next.Type)
	payload, ok := next.Data.(NewIdeaPayload)
	require.True(t, ok)
	require.Equal(t, "Fresh idea", payload.Idea.Text)
	require.Equal(t, "tmp-2", payload.Idea.ClientTempID)
	require.NotNil(t, payload.DiversityMetrics)

	_, err = store.RegisterUser("cy")
	require.NoError(t, err)
	joined := <-events
	require.Equal(t, EventUserJoined, joined.Type)
	require.Equal(t, UserJoinedPayload{Username: "cy", ActiveUsers: []string{"ana", "ben", "cy"}}, joined.Data)
}

func TestStoreRegisterUserRejectsBlank(t *testing.T) {
	store := newTestCollabStore(t, StoreOptions{})
	if _, err := store.RegisterUser("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestStoreBroadcastDropsForSlowSubscriber(t *testing.T) {
	store := newTestCollabStore(t, StoreOptions{SubscriberBuffer: 2})
	events, cancel := store.Subscribe()
	defer cancel()

	for i := 0; i < 4; i++ {
		_, err := store.Submit(fmt.Sprintf("idea %d", i), "ana", "")
		require.NoError(t, err)
	}
	// initial_state plus one new_idea fit; the remaining three are dropped.
	require.Equal(t, uint64(3), store.DroppedEvents())
	require.Equal(t, EventInitialState, (<-events).Type)
	require.Equal(t, EventNewIdea, (<-events).Type)
}

func TestStoreCancelAndCloseSubscribers(t *testing.T) {
	store := newTestCollabStore(t, StoreOptions{})

	a, cancelA := store.Subscribe()
	b, cancelB := store.Subscribe()
	defer cancelB()
	<-a
	<-b

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Fatalf("expected cancelled subscriber channel to be closed")
	}

	require.NoError(t, store.Close())
	if _, ok := <-b; ok {
		t.Fatalf("expected Close to close remaining subscribers")
	}
	if _, err := store.Submit("late", "ana", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}

	late, cancelLate := store.Subscribe()
	defer cancelLate()
	if ev := <-late; ev.Type != EventInitialState {
		t.Fatalf("expected initial_state even after close, got %+v", ev)
	}
	if _, ok := <-late; ok {
		t.Fatalf("expected subscription after close to be closed")
	}
}

func TestStoreRestoresFromFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ideas.json")

	first := newTestCollabStore(t, StoreOptions{StateBackend: NewJSONFileStateBackend(path)})
	_, err := first.Submit("Neighborhood repair cafe", "ana", "tmp-1")
	require.NoError(t, err)
	_, err = first.Submit("Shared cargo bikes", "ben", "tmp-2")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestCollabStore(t, StoreOptions{
		StateBackend: NewJSONFileStateBackend(path),
		NewID:        func() string { return "never-used" },
	})
	require.Equal(t, 2, second.Count())
	again, err := second.Submit("Shared cargo bikes", "ben", "tmp-2")
	require.NoError(t, err)
	require.False(t, again.Created)
	require.Equal(t, "idea-2", again.Idea.ID)

	// Presence is not persisted.
	require.Equal(t, 0, second.ActiveUserCount())
}

func TestStoreGetUnknown(t *testing.T) {
	store := NewStore()
	defer store.Close()
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreConcurrentSubmits(t *testing.T) {
	store := newTestCollabStore(t, StoreOptions{StateBackend: NewInMemoryStateBackend(), SubscriberBuffer: 256})
	events, cancel := store.Subscribe()
	defer cancel()
	<-events

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Submit(fmt.Sprintf("idea %d", i), "ana", fmt.Sprintf("tmp-%d", i%25))
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 25, store.Count())
	require.Len(t, events, 25)
}
