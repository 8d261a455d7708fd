package collab

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("store closed")
)

// ValidationError reports a submission the store refuses to accept.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Push message types sent to subscribers.
const (
	EventInitialState = "initial_state"
	EventNewIdea      = "new_idea"
	EventUserJoined   = "user_joined"
)

type Idea struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	Username       string    `json:"username"`
	Timestamp      time.Time `json:"timestamp"`
	DiversityScore *float64  `json:"diversity_score,omitempty"`
	ClientTempID   string    `json:"client_temp_id,omitempty"`
}

type DiversityMetrics struct {
	Score             float64            `json:"score"`
	CategoryBreakdown map[string]float64 `json:"category_breakdown"`
	SampleCount       int                `json:"sample_count"`
	ComputedAt        time.Time          `json:"computed_at"`
}

type Snapshot struct {
	Ideas            []Idea            `json:"ideas"`
	DiversityMetrics *DiversityMetrics `json:"diversity_metrics"`
	ActiveUsers      []string          `json:"active_users"`
}

type NewIdeaPayload struct {
	Idea             Idea              `json:"idea"`
	DiversityMetrics *DiversityMetrics `json:"diversity_metrics"`
}

type UserJoinedPayload struct {
	Username    string   `json:"username"`
	ActiveUsers []string `json:"active_users"`
}

// Event is one push message. Data is one of Snapshot, NewIdeaPayload or
// UserJoinedPayload.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type SubmitResult struct {
	Idea    Idea
	Metrics DiversityMetrics
	// Created is false when the submission repeated a client temp id the
	// store had already accepted.
	Created bool
}

type StoreOptions struct {
	StateBackend StateBackend
	Scorer       Scorer
	Now          func() time.Time
	NewID        func() string
	Logger       *zap.Logger
	// SubscriberBuffer is the per-subscriber queue length; subscribers that
	// fall further behind lose events.
	SubscriberBuffer int
	// MaxTextLength bounds idea text in runes; 0 means no limit.
	MaxTextLength int
}

type persistedState struct {
	Ideas     []Idea            `json:"ideas"`
	TempIndex map[string]string `json:"tempIndex"`
}

type Store struct {
	backend       StateBackend
	scorer        Scorer
	now           func() time.Time
	newID         func() string
	logger        *zap.Logger
	subBuffer     int
	maxTextLength int

	mu          sync.RWMutex
	ideas       []Idea
	byID        map[string]int
	tempIndex   map[string]string
	activeUsers map[string]struct{}
	closed      bool

	subsMu      sync.Mutex
	subscribers map[uint64]chan Event
	nextSubID   uint64
	dropped     uint64
}

func NewStore() *Store {
	store, _ := NewStoreWithOptions(StoreOptions{})
	return store
}

// NewStoreWithOptions builds a store and restores ideas from the state
// backend, if one is configured.
func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	if opts.Scorer == nil {
		opts.Scorer = KeywordScorer{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	s := &Store{
		backend:       opts.StateBackend,
		scorer:        opts.Scorer,
		now:           opts.Now,
		newID:         opts.NewID,
		logger:        opts.Logger,
		subBuffer:     opts.SubscriberBuffer,
		maxTextLength: opts.MaxTextLength,
		byID:          map[string]int{},
		tempIndex:     map[string]string{},
		activeUsers:   map[string]struct{}{},
		subscribers:   map[uint64]chan Event{},
	}
	if err := s.restore(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) restore() error {
	if s.backend == nil {
		return nil
	}
	state, err := s.backend.Load()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	for _, idea := range state.Ideas {
		if idea.ID == "" {
			continue
		}
		if _, exists := s.byID[idea.ID]; exists {
			continue
		}
		s.byID[idea.ID] = len(s.ideas)
		s.ideas = append(s.ideas, idea)
	}
	for tempID, id := range state.TempIndex {
		if _, ok := s.byID[id]; ok {
			s.tempIndex[tempID] = id
		}
	}
	s.logger.Info("restored ideas from state backend", zap.Int("ideas", len(s.ideas)))
	return nil
}

// Submit validates and stores one idea and broadcasts it to subscribers.
// Resubmitting with a client temp id that was already accepted returns the
// stored idea without creating a duplicate.
func (s *Store) Submit(text, username, clientTempID string) (SubmitResult, error) {
	text = strings.TrimSpace(text)
	username = strings.TrimSpace(username)
	clientTempID = strings.TrimSpace(clientTempID)
	if text == "" || username == "" {
		return SubmitResult{}, &ValidationError{Field: "idea_text", Message: "idea_text and username cannot be empty"}
	}
	if s.maxTextLength > 0 && len([]rune(text)) > s.maxTextLength {
		return SubmitResult{}, &ValidationError{Field: "idea_text", Message: "idea_text is too long"}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SubmitResult{}, ErrClosed
	}
	if clientTempID != "" {
		if id, ok := s.tempIndex[clientTempID]; ok {
			idea := s.ideas[s.byID[id]]
			metrics := s.metricsLocked()
			s.mu.Unlock()
			return SubmitResult{Idea: idea, Metrics: metrics}, nil
		}
	}

	score := s.scorer.Score(text)
	idea := Idea{
		ID:             s.newID(),
		Text:           text,
		Username:       username,
		Timestamp:      s.now().UTC(),
		DiversityScore: &score,
		ClientTempID:   clientTempID,
	}
	s.byID[idea.ID] = len(s.ideas)
	s.ideas = append(s.ideas, idea)
	if clientTempID != "" {
		s.tempIndex[clientTempID] = idea.ID
	}
	s.activeUsers[username] = struct{}{}
	metrics := s.metricsLocked()
	if err := s.persistLocked(); err != nil {
		s.removeLastLocked(clientTempID)
		s.mu.Unlock()
		return SubmitResult{}, err
	}
	s.mu.Unlock()

	s.logger.Debug("idea stored",
		zap.String("id", idea.ID),
		zap.String("username", idea.Username),
		zap.String("clientTempId", clientTempID))
	s.broadcast(Event{Type: EventNewIdea, Data: NewIdeaPayload{Idea: idea, DiversityMetrics: &metrics}})
	return SubmitResult{Idea: idea, Metrics: metrics, Created: true}, nil
}

// RegisterUser marks username active and announces it to subscribers.
func (s *Store) RegisterUser(username string) ([]string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, &ValidationError{Field: "username", Message: "username cannot be empty"}
	}
	s.mu.Lock()
	s.activeUsers[username] = struct{}{}
	users := s.activeUsersLocked()
	s.mu.Unlock()

	s.broadcast(Event{Type: EventUserJoined, Data: UserJoinedPayload{Username: username, ActiveUsers: users}})
	return users, nil
}

// Snapshot returns every idea newest first, plus current metrics and
// presence.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ideas := make([]Idea, len(s.ideas))
	copy(ideas, s.ideas)
	sort.SliceStable(ideas, func(i, j int) bool {
		return ideas[i].Timestamp.After(ideas[j].Timestamp)
	})
	metrics := s.metricsLocked()
	return Snapshot{Ideas: ideas, DiversityMetrics: &metrics, ActiveUsers: s.activeUsersLocked()}
}

func (s *Store) Get(id string) (Idea, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return Idea{}, ErrNotFound
	}
	return s.ideas[idx], nil
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ideas)
}

func (s *Store) ActiveUserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activeUsers)
}

// DroppedEvents counts events discarded because a subscriber was full.
func (s *Store) DroppedEvents() uint64 {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return s.dropped
}

// Subscribe registers a push subscriber. The first event on the returned
// channel is always the initial_state snapshot. The channel is closed by
// the returned cancel func or by Close.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, s.subBuffer)

	// Holding subsMu across the snapshot keeps a concurrent broadcast from
	// landing before initial_state.
	s.subsMu.Lock()
	ch <- Event{Type: EventInitialState, Data: s.Snapshot()}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		s.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			if existing, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(existing)
			}
			s.subsMu.Unlock()
		})
	}
}

// Close disconnects every subscriber and releases the state backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.subsMu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.subsMu.Unlock()

	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) broadcast(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.dropped++
			s.logger.Warn("subscriber queue full, dropping event",
				zap.Uint64("subscriber", id),
				zap.String("type", ev.Type))
		}
	}
}

func (s *Store) metricsLocked() DiversityMetrics {
	texts := make([]string, len(s.ideas))
	for i, idea := range s.ideas {
		texts[i] = idea.Text
	}
	return computeMetrics(texts, s.scorer, s.now().UTC())
}

func (s *Store) activeUsersLocked() []string {
	users := make([]string, 0, len(s.activeUsers))
	for user := range s.activeUsers {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

func (s *Store) persistLocked() error {
	if s.backend == nil {
		return nil
	}
	state := &persistedState{
		Ideas:     append([]Idea(nil), s.ideas...),
		TempIndex: make(map[string]string, len(s.tempIndex)),
	}
	for k, v := range s.tempIndex {
		state.TempIndex[k] = v
	}
	return s.backend.Save(state)
}

func (s *Store) removeLastLocked(clientTempID string) {
	last := s.ideas[len(s.ideas)-1]
	delete(s.byID, last.ID)
	s.ideas = s.ideas[:len(s.ideas)-1]
	if clientTempID != "" {
		delete(s.tempIndex, clientTempID)
	}
}
