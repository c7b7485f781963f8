// Package events broadcasts pipeline progress to interested subscribers.
//
// The pipeline publishes three kinds of events per session: progress
// transitions with a completion fraction, per-artifact transcript updates,
// and a summary update when the final insight is stored. Subscribers
// (websocket connections, tests) receive events for a single session.
//
// Delivery is best-effort: a subscriber that cannot keep up has events
// dropped rather than blocking the pipeline.
package events

import (
	"sync"
	"time"

	"github.com/callgist/callgist/internal/insight"
)

// Type discriminates event payloads on the wire.
type Type string

// Event types.
const (
	TypeProgress   Type = "progress"
	TypeTranscript Type = "transcript"
	TypeSummary    Type = "summary"
)

// Terminal progress stages.
const (
	StageCompleted = "completed"
	StageError     = "error"
)

// Event is one broadcast message. Fields beyond Type and SessionID are
// populated depending on Type.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	// Progress fields.
	Stage    string  `json:"stage,omitempty"`
	Fraction float64 `json:"fraction"`

	// Transcript fields.
	ArtifactIndex int    `json:"artifact_index,omitempty"`
	Text          string `json:"text,omitempty"`

	// Summary field.
	Record *insight.Record `json:"record,omitempty"`
}

// subscriber is one registered event channel.
type subscriber struct {
	id int
	ch chan Event
}

// Publisher fans events out to per-session subscribers. The zero value is
// not usable; call NewPublisher. All methods are safe for concurrent use.
type Publisher struct {
	mu     sync.Mutex
	nextID int
	subs   map[string][]subscriber

	// last progress per session, used to drop duplicate or regressing
	// transitions so subscribers observe a monotonic sequence.
	last map[string]Event

	now func() time.Time
}

// NewPublisher creates an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		subs: make(map[string][]subscriber),
		last: make(map[string]Event),
		now:  time.Now,
	}
}

// Subscribe registers interest in events for sessionID. The returned
// channel is buffered; events are dropped when the buffer is full. The
// cancel function removes the subscription and closes the channel.
func (p *Publisher) Subscribe(sessionID string) (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	sub := subscriber{id: p.nextID, ch: make(chan Event, 64)}
	p.subs[sessionID] = append(p.subs[sessionID], sub)

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		list := p.subs[sessionID]
		for i, s := range list {
			if s.id == sub.id {
				p.subs[sessionID] = append(list[:i], list[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// PublishProgress broadcasts a progress transition. A transition is
// published at most once per stage, and a fraction lower than the last
// published one is dropped; the error stage is exempt so a failing run can
// always report (error, 0).
func (p *Publisher) PublishProgress(sessionID, stage string, fraction float64) {
	p.mu.Lock()
	last, seen := p.last[sessionID]
	if stage != StageError && seen {
		if last.Stage == stage || fraction < last.Fraction {
			p.mu.Unlock()
			return
		}
	}
	ev := Event{
		Type:      TypeProgress,
		SessionID: sessionID,
		Timestamp: p.now(),
		Stage:     stage,
		Fraction:  fraction,
	}
	p.last[sessionID] = ev
	p.broadcastLocked(sessionID, ev)
	p.mu.Unlock()
}

// PublishTranscript broadcasts the transcript of one processed artifact.
func (p *Publisher) PublishTranscript(sessionID string, artifactIndex int, text string) {
	p.mu.Lock()
	p.broadcastLocked(sessionID, Event{
		Type:          TypeTranscript,
		SessionID:     sessionID,
		Timestamp:     p.now(),
		ArtifactIndex: artifactIndex,
		Text:          text,
	})
	p.mu.Unlock()
}

// PublishSummary broadcasts the stored final insight.
func (p *Publisher) PublishSummary(sessionID string, rec insight.Record) {
	p.mu.Lock()
	p.broadcastLocked(sessionID, Event{
		Type:      TypeSummary,
		SessionID: sessionID,
		Timestamp: p.now(),
		Record:    &rec,
	})
	p.mu.Unlock()
}

// Forget drops progress tracking state for a finished session. Existing
// subscriptions stay open until their cancel functions run.
func (p *Publisher) Forget(sessionID string) {
	p.mu.Lock()
	delete(p.last, sessionID)
	p.mu.Unlock()
}

func (p *Publisher) broadcastLocked(sessionID string, ev Event) {
	for _, sub := range p.subs[sessionID] {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber; drop rather than stall the pipeline.
		}
	}
}
