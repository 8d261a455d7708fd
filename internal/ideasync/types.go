package ideasync

import (
	"strings"
	"time"
)

type ConnStatus int

const (
	Disconnected ConnStatus = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrorKind classifies the last failure seen by a channel. The empty value
// means no failure has been recorded since the last successful connect.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTransport ErrorKind = "transport"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindMalformed ErrorKind = "malformed"
)

type ConnectionState struct {
	Status    ConnStatus `json:"status"`
	LastError ErrorKind  `json:"lastError,omitempty"`
	Attempt   int        `json:"attempt"`
}

// Idea is a single brainstorming entry. ID stays empty until the server has
// confirmed the idea; ClientTempID is always set and is stable across the
// optimistic-to-confirmed transition.
type Idea struct {
	ID             string    `json:"id,omitempty"`
	ClientTempID   string    `json:"clientTempId"`
	Text           string    `json:"text"`
	AuthorID       string    `json:"authorId"`
	SubmittedAt    time.Time `json:"submittedAt"`
	DiversityScore *float64  `json:"diversityScore,omitempty"`
}

func (i Idea) Confirmed() bool {
	return i.ID != ""
}

func (i Idea) equal(o Idea) bool {
	if i.ID != o.ID || i.ClientTempID != o.ClientTempID || i.Text != o.Text || i.AuthorID != o.AuthorID {
		return false
	}
	if !i.SubmittedAt.Equal(o.SubmittedAt) {
		return false
	}
	if i.DiversityScore == nil || o.DiversityScore == nil {
		return i.DiversityScore == o.DiversityScore
	}
	return *i.DiversityScore == *o.DiversityScore
}

func (i Idea) clone() Idea {
	if i.DiversityScore != nil {
		score := *i.DiversityScore
		i.DiversityScore = &score
	}
	return i
}

type MetricsSnapshot struct {
	Score             float64            `json:"score"`
	CategoryBreakdown map[string]float64 `json:"categoryBreakdown"`
	SampleCount       int                `json:"sampleCount"`
	ComputedAt        time.Time          `json:"computedAt"`
}

func (m MetricsSnapshot) equal(o MetricsSnapshot) bool {
	if m.Score != o.Score || m.SampleCount != o.SampleCount || !m.ComputedAt.Equal(o.ComputedAt) {
		return false
	}
	if len(m.CategoryBreakdown) != len(o.CategoryBreakdown) {
		return false
	}
	for category, share := range m.CategoryBreakdown {
		if other, ok := o.CategoryBreakdown[category]; !ok || other != share {
			return false
		}
	}
	return true
}

func (m MetricsSnapshot) clone() MetricsSnapshot {
	if m.CategoryBreakdown != nil {
		breakdown := make(map[string]float64, len(m.CategoryBreakdown))
		for k, v := range m.CategoryBreakdown {
			breakdown[k] = v
		}
		m.CategoryBreakdown = breakdown
	}
	return m
}

type EventKind int

const (
	IdeaOptimistic EventKind = iota + 1
	IdeaConfirmed
	IdeaRejected
	MetricsUpdated
	ConnectionChanged
	PresenceChanged
)

func (k EventKind) String() string {
	switch k {
	case IdeaOptimistic:
		return "idea_optimistic"
	case IdeaConfirmed:
		return "idea_confirmed"
	case IdeaRejected:
		return "idea_rejected"
	case MetricsUpdated:
		return "metrics_updated"
	case ConnectionChanged:
		return "connection_changed"
	case PresenceChanged:
		return "presence_changed"
	default:
		return "unknown"
	}
}

// Channel identifies where an event came from. Sequence numbers are only
// comparable between events of the same channel.
type Channel string

const (
	ChannelLocal  Channel = "local"
	ChannelPush   Channel = "push"
	ChannelPoll   Channel = "poll"
	ChannelSubmit Channel = "submit"
)

// Event is the canonical, normalized form of everything the store applies.
// Which payload field is set depends on Kind:
//
//	IdeaOptimistic, IdeaConfirmed, IdeaRejected -> Idea
//	MetricsUpdated                              -> Metrics
//	ConnectionChanged                           -> Connection
//	PresenceChanged                             -> ActiveUsers
type Event struct {
	Kind       EventKind
	Channel    Channel
	Seq        int64
	ReceivedAt time.Time

	Idea        *Idea
	Metrics     *MetricsSnapshot
	Connection  *ConnectionState
	ActiveUsers []string
}

// View is a snapshot of the store. Every View handed out is a deep copy, so
// callers may modify it without affecting the store or other readers.
type View struct {
	Ideas       []Idea           `json:"ideas"`
	Metrics     *MetricsSnapshot `json:"metrics,omitempty"`
	Connection  ConnectionState  `json:"connection"`
	ActiveUsers []string         `json:"activeUsers,omitempty"`
	Version     uint64           `json:"version"`
}

func (v View) clone() View {
	out := v
	out.Ideas = make([]Idea, len(v.Ideas))
	for i, idea := range v.Ideas {
		out.Ideas[i] = idea.clone()
	}
	if v.Metrics != nil {
		snapshot := v.Metrics.clone()
		out.Metrics = &snapshot
	}
	if v.ActiveUsers != nil {
		out.ActiveUsers = append([]string(nil), v.ActiveUsers...)
	}
	return out
}

// FindByTempID returns the idea carrying the given client temp id.
func (v View) FindByTempID(clientTempID string) (Idea, bool) {
	for _, idea := range v.Ideas {
		if idea.ClientTempID == clientTempID {
			return idea, true
		}
	}
	return Idea{}, false
}

type Identity struct {
	Username string `json:"username"`
}

func normalizeText(text string) string {
	return strings.TrimSpace(text)
}
