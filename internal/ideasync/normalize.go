package ideasync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Push message types of the collaboration channel.
const (
	MessageRegisterUser = "register_user"
	MessageInitialState = "initial_state"
	MessageNewIdea      = "new_idea"
	MessageUserJoined   = "user_joined"
)

// Raw is any inbound shape the normalizer understands: PushMessage,
// PollResponse, SubmitResponse, LocalIntent or StateChange.
type Raw interface {
	rawChannel() Channel
}

// PushMessage is one frame received on the push channel. Seq and ReceivedAt
// are stamped by the connection manager.
type PushMessage struct {
	Payload    []byte
	Seq        int64
	ReceivedAt time.Time

	gen uint64
}

type PollResponse struct {
	Body       []byte
	Seq        int64
	ReceivedAt time.Time
}

// SubmitResponse is the REST echo of a submission, paired with the intent
// that produced it so ideas from servers that only return an id can still be
// reconstructed.
type SubmitResponse struct {
	Body       []byte
	Intent     LocalIntent
	Seq        int64
	ReceivedAt time.Time
}

type IntentKind int

const (
	IntentSubmit IntentKind = iota + 1
	IntentRollback
)

type LocalIntent struct {
	Kind         IntentKind
	Text         string
	AuthorID     string
	ClientTempID string
	Seq          int64
	At           time.Time
}

type StateChange struct {
	State      ConnectionState
	Seq        int64
	ReceivedAt time.Time
}

func (PushMessage) rawChannel() Channel    { return ChannelPush }
func (PollResponse) rawChannel() Channel   { return ChannelPoll }
func (SubmitResponse) rawChannel() Channel { return ChannelSubmit }
func (LocalIntent) rawChannel() Channel    { return ChannelLocal }
func (StateChange) rawChannel() Channel    { return ChannelPush }

type wireEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireIdea struct {
	ID             string   `json:"id"`
	Text           string   `json:"text"`
	Username       string   `json:"username"`
	Timestamp      string   `json:"timestamp"`
	DiversityScore *float64 `json:"diversity_score"`
	ClientTempID   string   `json:"client_temp_id"`
}

type wireMetrics struct {
	Score             float64            `json:"score"`
	CategoryBreakdown map[string]float64 `json:"category_breakdown"`
	SampleCount       int                `json:"sample_count"`
	ComputedAt        string             `json:"computed_at"`
}

type wireState struct {
	Ideas            []wireIdea   `json:"ideas"`
	DiversityMetrics *wireMetrics `json:"diversity_metrics"`
	ActiveUsers      []string     `json:"active_users"`
}

type wireNewIdea struct {
	Idea             wireIdea     `json:"idea"`
	DiversityMetrics *wireMetrics `json:"diversity_metrics"`
}

type wireUserJoined struct {
	Username    string   `json:"username"`
	ActiveUsers []string `json:"active_users"`
}

type wireSubmitResponse struct {
	Success          bool         `json:"success"`
	Idea             *wireIdea    `json:"idea"`
	IdeaID           string       `json:"idea_id"`
	Timestamp        string       `json:"timestamp"`
	DiversityMetrics *wireMetrics `json:"diversity_metrics"`
	Error            string       `json:"error"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Normalize maps one inbound message onto canonical events. It has no side
// effects; a single raw message may expand into several events (a full state
// snapshot yields one IdeaConfirmed per idea plus metrics and presence).
// Failures wrap ErrMalformedEvent, except a 2xx submit response carrying
// success=false, which yields a *SubmissionRejectedError.
func Normalize(raw Raw) ([]Event, error) {
	switch r := raw.(type) {
	case PushMessage:
		return normalizePush(r)
	case PollResponse:
		return normalizePoll(r)
	case SubmitResponse:
		return normalizeSubmit(r)
	case LocalIntent:
		return normalizeIntent(r)
	case StateChange:
		state := r.State
		return []Event{{
			Kind:       ConnectionChanged,
			Channel:    ChannelPush,
			Seq:        r.Seq,
			ReceivedAt: r.ReceivedAt,
			Connection: &state,
		}}, nil
	case nil:
		return nil, malformed(ChannelLocal, "nil input", nil)
	default:
		return nil, malformed(raw.rawChannel(), fmt.Sprintf("unsupported input %T", raw), nil)
	}
}

func normalizePush(msg PushMessage) ([]Event, error) {
	if len(msg.Payload) == 0 {
		return nil, malformed(ChannelPush, "empty frame", nil)
	}
	if err := validatePayload(schemaEnvelope, msg.Payload); err != nil {
		return nil, malformed(ChannelPush, "invalid envelope", err)
	}
	var envelope wireEnvelope
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		return nil, malformed(ChannelPush, "decode envelope", err)
	}
	data := []byte(envelope.Data)
	if len(data) == 0 {
		return nil, malformed(ChannelPush, envelope.Type+" without data", nil)
	}
	stamp := eventStamp{channel: ChannelPush, seq: msg.Seq, receivedAt: msg.ReceivedAt}

	switch envelope.Type {
	case MessageInitialState:
		return stateEvents(stamp, data)
	case MessageNewIdea:
		if err := validatePayload(schemaNewIdea, data); err != nil {
			return nil, malformed(ChannelPush, "invalid new_idea", err)
		}
		var payload wireNewIdea
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, malformed(ChannelPush, "decode new_idea", err)
		}
		idea, err := payload.Idea.toIdea()
		if err != nil {
			return nil, malformed(ChannelPush, "new_idea timestamp", err)
		}
		events := []Event{stamp.ideaEvent(IdeaConfirmed, idea)}
		if payload.DiversityMetrics != nil {
			metrics, err := payload.DiversityMetrics.toSnapshot()
			if err != nil {
				return nil, malformed(ChannelPush, "new_idea metrics", err)
			}
			events = append(events, stamp.metricsEvent(metrics))
		}
		return events, nil
	case MessageUserJoined:
		if err := validatePayload(schemaUserJoined, data); err != nil {
			return nil, malformed(ChannelPush, "invalid user_joined", err)
		}
		var payload wireUserJoined
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, malformed(ChannelPush, "decode user_joined", err)
		}
		users := payload.ActiveUsers
		if users == nil {
			users = []string{strings.TrimSpace(payload.Username)}
		}
		return []Event{stamp.presenceEvent(users)}, nil
	default:
		return nil, malformed(ChannelPush, fmt.Sprintf("unknown message type %q", envelope.Type), nil)
	}
}

func normalizePoll(resp PollResponse) ([]Event, error) {
	if len(resp.Body) == 0 {
		return nil, malformed(ChannelPoll, "empty body", nil)
	}
	return stateEvents(eventStamp{channel: ChannelPoll, seq: resp.Seq, receivedAt: resp.ReceivedAt}, resp.Body)
}

func stateEvents(stamp eventStamp, data []byte) ([]Event, error) {
	if err := validatePayload(schemaState, data); err != nil {
		return nil, malformed(stamp.channel, "invalid state", err)
	}
	var state wireState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, malformed(stamp.channel, "decode state", err)
	}
	events := make([]Event, 0, len(state.Ideas)+2)
	for _, raw := range state.Ideas {
		idea, err := raw.toIdea()
		if err != nil {
			return nil, malformed(stamp.channel, "idea timestamp", err)
		}
		events = append(events, stamp.ideaEvent(IdeaConfirmed, idea))
	}
	if state.DiversityMetrics != nil {
		metrics, err := state.DiversityMetrics.toSnapshot()
		if err != nil {
			return nil, malformed(stamp.channel, "metrics", err)
		}
		events = append(events, stamp.metricsEvent(metrics))
	}
	if state.ActiveUsers != nil {
		events = append(events, stamp.presenceEvent(state.ActiveUsers))
	}
	return events, nil
}

func normalizeSubmit(resp SubmitResponse) ([]Event, error) {
	if len(resp.Body) == 0 {
		return nil, malformed(ChannelSubmit, "empty body", nil)
	}
	if err := validatePayload(schemaSubmitResponse, resp.Body); err != nil {
		return nil, malformed(ChannelSubmit, "invalid submit response", err)
	}
	var payload wireSubmitResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, malformed(ChannelSubmit, "decode submit response", err)
	}
	if !payload.Success {
		return nil, &SubmissionRejectedError{
			Text:         resp.Intent.Text,
			AuthorID:     resp.Intent.AuthorID,
			ClientTempID: resp.Intent.ClientTempID,
			Reason:       payload.Error,
		}
	}
	stamp := eventStamp{channel: ChannelSubmit, seq: resp.Seq, receivedAt: resp.ReceivedAt}

	var idea Idea
	switch {
	case payload.Idea != nil:
		converted, err := payload.Idea.toIdea()
		if err != nil {
			return nil, malformed(ChannelSubmit, "idea timestamp", err)
		}
		idea = converted
	case strings.TrimSpace(payload.IdeaID) != "":
		submittedAt := resp.ReceivedAt
		if strings.TrimSpace(payload.Timestamp) != "" {
			ts, err := parseTimestamp(payload.Timestamp)
			if err != nil {
				return nil, malformed(ChannelSubmit, "timestamp", err)
			}
			submittedAt = ts
		}
		idea = Idea{
			ID:          strings.TrimSpace(payload.IdeaID),
			Text:        normalizeText(resp.Intent.Text),
			AuthorID:    strings.TrimSpace(resp.Intent.AuthorID),
			SubmittedAt: submittedAt,
		}
	default:
		return nil, malformed(ChannelSubmit, "response carries neither idea nor idea_id", nil)
	}
	// The response answers this exact intent, so the temp id is known even
	// when the server does not echo it.
	if idea.ClientTempID == "" {
		idea.ClientTempID = resp.Intent.ClientTempID
	}

	events := []Event{stamp.ideaEvent(IdeaConfirmed, idea)}
	if payload.DiversityMetrics != nil {
		metrics, err := payload.DiversityMetrics.toSnapshot()
		if err != nil {
			return nil, malformed(ChannelSubmit, "metrics", err)
		}
		events = append(events, stamp.metricsEvent(metrics))
	}
	return events, nil
}

func normalizeIntent(intent LocalIntent) ([]Event, error) {
	stamp := eventStamp{channel: ChannelLocal, seq: intent.Seq, receivedAt: intent.At}
	tempID := strings.TrimSpace(intent.ClientTempID)
	if tempID == "" {
		return nil, malformed(ChannelLocal, "missing client temp id", nil)
	}
	switch intent.Kind {
	case IntentSubmit:
		text := normalizeText(intent.Text)
		author := strings.TrimSpace(intent.AuthorID)
		if text == "" {
			return nil, malformed(ChannelLocal, "missing idea text", nil)
		}
		if author == "" {
			return nil, malformed(ChannelLocal, "missing author", nil)
		}
		return []Event{stamp.ideaEvent(IdeaOptimistic, Idea{
			ClientTempID: tempID,
			Text:         text,
			AuthorID:     author,
			SubmittedAt:  intent.At,
		})}, nil
	case IntentRollback:
		return []Event{stamp.ideaEvent(IdeaRejected, Idea{ClientTempID: tempID})}, nil
	default:
		return nil, malformed(ChannelLocal, fmt.Sprintf("unknown intent kind %d", intent.Kind), nil)
	}
}

type eventStamp struct {
	channel    Channel
	seq        int64
	receivedAt time.Time
}

func (s eventStamp) ideaEvent(kind EventKind, idea Idea) Event {
	return Event{Kind: kind, Channel: s.channel, Seq: s.seq, ReceivedAt: s.receivedAt, Idea: &idea}
}

func (s eventStamp) metricsEvent(metrics MetricsSnapshot) Event {
	return Event{Kind: MetricsUpdated, Channel: s.channel, Seq: s.seq, ReceivedAt: s.receivedAt, Metrics: &metrics}
}

func (s eventStamp) presenceEvent(users []string) Event {
	cleaned := make([]string, 0, len(users))
	for _, user := range users {
		if user = strings.TrimSpace(user); user != "" {
			cleaned = append(cleaned, user)
		}
	}
	return Event{Kind: PresenceChanged, Channel: s.channel, Seq: s.seq, ReceivedAt: s.receivedAt, ActiveUsers: cleaned}
}

func (w wireIdea) toIdea() (Idea, error) {
	submittedAt, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return Idea{}, err
	}
	return Idea{
		ID:             strings.TrimSpace(w.ID),
		ClientTempID:   strings.TrimSpace(w.ClientTempID),
		Text:           normalizeText(w.Text),
		AuthorID:       strings.TrimSpace(w.Username),
		SubmittedAt:    submittedAt,
		DiversityScore: w.DiversityScore,
	}, nil
}

func (w wireMetrics) toSnapshot() (MetricsSnapshot, error) {
	computedAt, err := parseTimestamp(w.ComputedAt)
	if err != nil {
		return MetricsSnapshot{}, err
	}
	breakdown := make(map[string]float64, len(w.CategoryBreakdown))
	for category, share := range w.CategoryBreakdown {
		breakdown[category] = share
	}
	return MetricsSnapshot{
		Score:             w.Score,
		CategoryBreakdown: breakdown,
		SampleCount:       w.SampleCount,
		ComputedAt:        computedAt,
	}, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
