package ideasync

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const DefaultRecencyWindow = 2 * time.Minute

type StoreOptions struct {
	// RecencyWindow bounds how old an optimistic entry may be and still be
	// matched by author and text against a confirmed idea.
	RecencyWindow time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
	Metrics       *Metrics
}

// Store is the reconciliation store: the single mutable holder of ideas,
// metrics, presence and connection status. Writers are serialized; readers
// get the last published immutable View without locking.
type Store struct {
	recencyWindow time.Duration
	now           func() time.Time
	logger        *zap.Logger
	metrics       *Metrics

	mu          sync.Mutex
	entries     []entry
	metricsSnap *MetricsSnapshot
	connection  ConnectionState
	activeUsers []string
	version     uint64
	arrivals    uint64

	view atomic.Pointer[View]

	listenersMu    sync.RWMutex
	listeners      map[uint64]func(View)
	nextListenerID uint64
}

type entry struct {
	idea    Idea
	channel Channel
	seq     int64
	arrival uint64
}

func NewStore(opts StoreOptions) *Store {
	if opts.RecencyWindow <= 0 {
		opts.RecencyWindow = DefaultRecencyWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Store{
		recencyWindow: opts.RecencyWindow,
		now:           opts.Now,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		listeners:     map[uint64]func(View){},
	}
	s.view.Store(&View{Ideas: []Idea{}})
	return s
}

// View returns a private copy of the last published snapshot.
func (s *Store) View() View {
	return s.view.Load().clone()
}

// OnChange registers fn to be called with the new View after every apply or
// reset that changed state. Listeners run on the goroutine that applied the
// change and may be invoked concurrently from different channels; use
// View.Version to discard stale notifications.
func (s *Store) OnChange(fn func(View)) func() {
	if fn == nil {
		return func() {}
	}
	s.listenersMu.Lock()
	id := s.nextListenerID
	s.nextListenerID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// Apply applies a batch of events atomically: readers observe either none or
// all of them. Events the store cannot place are logged and skipped, and a
// batch that leaves the state unchanged publishes nothing.
func (s *Store) Apply(events ...Event) {
	s.applyIf(nil, events...)
}

// applyIf applies events only if guard, evaluated under the write lock,
// reports true.
func (s *Store) applyIf(guard func() bool, events ...Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	if guard != nil && !guard() {
		s.mu.Unlock()
		s.metrics.dropped("stale_push")
		return
	}
	changed := false
	for _, ev := range events {
		if s.applyLocked(ev) {
			changed = true
			s.metrics.applied(ev.Kind)
		}
	}
	var published View
	if changed {
		published = s.publishLocked()
	}
	s.mu.Unlock()
	if changed {
		s.notify(published)
	}
}

// Reset drops all ideas, metrics and presence in one step. Connection status
// is kept since it describes the transport, not the data.
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries = nil
	s.metricsSnap = nil
	s.activeUsers = nil
	published := s.publishLocked()
	s.mu.Unlock()
	s.notify(published)
}

func (s *Store) applyLocked(ev Event) bool {
	switch ev.Kind {
	case IdeaOptimistic:
		if ev.Idea == nil {
			return s.reject(ev, "missing idea")
		}
		s.insertAt(0, s.newEntry(ev))
		return true
	case IdeaConfirmed:
		if ev.Idea == nil || ev.Idea.ID == "" {
			return s.reject(ev, "confirmed idea without id")
		}
		return s.confirmLocked(ev)
	case IdeaRejected:
		if ev.Idea == nil {
			return s.reject(ev, "missing idea")
		}
		return s.rollbackLocked(ev)
	case MetricsUpdated:
		if ev.Metrics == nil {
			return s.reject(ev, "missing metrics")
		}
		if s.metricsSnap != nil && ev.Metrics.ComputedAt.Before(s.metricsSnap.ComputedAt) {
			s.logger.Debug("dropping stale metrics snapshot",
				zap.String("channel", string(ev.Channel)),
				zap.Time("computedAt", ev.Metrics.ComputedAt),
				zap.Time("currentComputedAt", s.metricsSnap.ComputedAt))
			s.metrics.dropped("stale_metrics")
			return false
		}
		if s.metricsSnap != nil && s.metricsSnap.equal(*ev.Metrics) {
			return false
		}
		snapshot := ev.Metrics.clone()
		s.metricsSnap = &snapshot
		return true
	case ConnectionChanged:
		if ev.Connection == nil {
			return s.reject(ev, "missing connection state")
		}
		if s.connection == *ev.Connection {
			return false
		}
		s.connection = *ev.Connection
		return true
	case PresenceChanged:
		if s.activeUsers != nil && slices.Equal(s.activeUsers, ev.ActiveUsers) {
			return false
		}
		users := make([]string, len(ev.ActiveUsers))
		copy(users, ev.ActiveUsers)
		s.activeUsers = users
		return true
	default:
		return s.reject(ev, "unknown event kind")
	}
}

func (s *Store) confirmLocked(ev Event) bool {
	incoming := ev.Idea.clone()

	if idx := s.indexOfID(incoming.ID); idx >= 0 {
		current := s.entries[idx].idea
		if incoming.DiversityScore == nil {
			incoming.DiversityScore = current.DiversityScore
		}
		incoming.ClientTempID = current.ClientTempID
		if incoming.equal(current) {
			return false
		}
		s.entries[idx].idea = incoming
		return true
	}

	idx := s.indexOfPendingTempID(incoming.ClientTempID)
	if idx < 0 {
		idx = s.indexOfPendingMatch(incoming)
	}
	if idx >= 0 {
		incoming.ClientTempID = s.entries[idx].idea.ClientTempID
		s.entries[idx].idea = incoming
		return true
	}

	if incoming.ClientTempID == "" {
		incoming.ClientTempID = "srv:" + incoming.ID
	}
	e := s.newEntry(ev)
	e.idea = incoming
	s.insertAt(s.insertIndex(e), e)
	return true
}

func (s *Store) rollbackLocked(ev Event) bool {
	idx := s.indexOfPendingTempID(ev.Idea.ClientTempID)
	if idx < 0 {
		s.logger.Debug("rollback target not pending",
			zap.String("clientTempId", ev.Idea.ClientTempID))
		s.metrics.dropped("rollback_unmatched")
		return false
	}
	s.entries = append(s.entries[:idx:idx], s.entries[idx+1:]...)
	return true
}

func (s *Store) indexOfID(id string) int {
	for i, e := range s.entries {
		if e.idea.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexOfPendingTempID(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, e := range s.entries {
		if !e.idea.Confirmed() && e.idea.ClientTempID == tempID {
			return i
		}
	}
	return -1
}

// indexOfPendingMatch finds the oldest unconfirmed entry from the same author
// with identical trimmed text that is still inside the recency window.
func (s *Store) indexOfPendingMatch(incoming Idea) int {
	text := normalizeText(incoming.Text)
	cutoff := s.now().Add(-s.recencyWindow)
	for i := len(s.entries) - 1; i >= 0; i-- {
		candidate := s.entries[i].idea
		if candidate.Confirmed() || candidate.AuthorID != incoming.AuthorID {
			continue
		}
		if normalizeText(candidate.Text) != text {
			continue
		}
		if candidate.SubmittedAt.Before(cutoff) {
			continue
		}
		return i
	}
	return -1
}

// insertIndex keeps newest-first order by SubmittedAt. Equal timestamps from
// the same channel are ordered by ascending Seq; anything else lands after
// the existing entries it ties with.
func (s *Store) insertIndex(e entry) int {
	for i, cur := range s.entries {
		if e.idea.SubmittedAt.After(cur.idea.SubmittedAt) {
			return i
		}
		if e.idea.SubmittedAt.Equal(cur.idea.SubmittedAt) && e.channel == cur.channel && e.seq < cur.seq {
			return i
		}
	}
	return len(s.entries)
}

func (s *Store) insertAt(idx int, e entry) {
	s.entries = append(s.entries, entry{})
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = e
}

func (s *Store) newEntry(ev Event) entry {
	s.arrivals++
	return entry{idea: ev.Idea.clone(), channel: ev.Channel, seq: ev.Seq, arrival: s.arrivals}
}

func (s *Store) reject(ev Event, reason string) bool {
	s.logger.Warn("ignoring event",
		zap.String("kind", ev.Kind.String()),
		zap.String("channel", string(ev.Channel)),
		zap.Int64("seq", ev.Seq),
		zap.String("reason", reason))
	s.metrics.dropped("unplaceable")
	return false
}

func (s *Store) publishLocked() View {
	s.version++
	ideas := make([]Idea, len(s.entries))
	for i, e := range s.entries {
		ideas[i] = e.idea.clone()
	}
	next := View{
		Ideas:      ideas,
		Connection: s.connection,
		Version:    s.version,
	}
	if s.metricsSnap != nil {
		snapshot := s.metricsSnap.clone()
		next.Metrics = &snapshot
	}
	if s.activeUsers != nil {
		next.ActiveUsers = append([]string(nil), s.activeUsers...)
	}
	s.view.Store(&next)
	return next
}

func (s *Store) notify(v View) {
	s.listenersMu.RLock()
	listeners := make([]func(View), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(v.clone())
	}
}
