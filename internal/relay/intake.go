// ABOUTME: Intake of asynchronous provider callback events
// ABOUTME: Decodes the loose webhook body into tagged variants, then validates, persists and fans out

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deskrelay/deskrelay/internal/fanout"
	"github.com/deskrelay/deskrelay/internal/metrics"
	"github.com/deskrelay/deskrelay/internal/store"
)

// EnvelopeKind tags the decoded variants of a provider callback body.
type EnvelopeKind int

const (
	// KindOther covers anything the relay does not act on.
	KindOther EnvelopeKind = iota
	// KindChallenge is the provider's endpoint verification handshake.
	KindChallenge
	// KindMessage is a message event from the workspace.
	KindMessage
)

// MessageEvent is a message posted in the provider workspace.
type MessageEvent struct {
	ID        string // provider-assigned event/message id
	ThreadRef string // thread the message replies to, empty for top-level
	UserID    string // provider user id of the author
	Text      string
	BotID     string // non-empty when a bot (including this relay) authored it
}

// EventEnvelope is a provider callback decoded once at the intake boundary.
// Exactly one of Challenge or Message is meaningful, selected by Kind.
type EventEnvelope struct {
	Kind      EnvelopeKind
	Challenge string
	Message   *MessageEvent
}

// ParseEventEnvelope decodes a raw webhook body into a tagged envelope.
// Unrecognized shapes decode to KindOther rather than failing; only malformed
// JSON is an error.
func ParseEventEnvelope(body []byte) (*EventEnvelope, error) {
	var raw struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		Event     *struct {
			Type     string `json:"type"`
			TS       string `json:"ts"`
			ThreadTS string `json:"thread_ts"`
			User     string `json:"user"`
			Text     string `json:"text"`
			BotID    string `json:"bot_id"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}

	switch {
	case raw.Type == "url_verification":
		return &EventEnvelope{Kind: KindChallenge, Challenge: raw.Challenge}, nil
	case raw.Event != nil && raw.Event.Type == "message":
		return &EventEnvelope{
			Kind: KindMessage,
			Message: &MessageEvent{
				ID:        raw.Event.TS,
				ThreadRef: raw.Event.ThreadTS,
				UserID:    raw.Event.User,
				Text:      raw.Event.Text,
				BotID:     raw.Event.BotID,
			},
		}, nil
	}
	return &EventEnvelope{Kind: KindOther}, nil
}

// IngestResult reports how a callback was handled. Challenge is the echo
// value for verification handshakes; Processed is true only when an event was
// persisted and fanned out. Dropped events are not errors.
type IngestResult struct {
	Challenge string
	Processed bool
}

// Ingest handles one provider callback. Operator replies inside a known
// thread are persisted and pushed to the thread owner's observers; everything
// else is a deliberate no-op so untracked workspace traffic and the relay's
// own posts cannot loop back in.
func (s *Service) Ingest(ctx context.Context, env *EventEnvelope) (*IngestResult, error) {
	switch env.Kind {
	case KindChallenge:
		metrics.EventsIngested.WithLabelValues("challenge").Inc()
		return &IngestResult{Challenge: env.Challenge}, nil

	case KindMessage:
		return s.ingestMessage(ctx, env.Message)

	default:
		metrics.EventsIngested.WithLabelValues("ignored").Inc()
		return &IngestResult{}, nil
	}
}

func (s *Service) ingestMessage(ctx context.Context, ev *MessageEvent) (*IngestResult, error) {
	if ev.BotID != "" {
		// Bot-originated, possibly our own relay post echoed back
		metrics.EventsIngested.WithLabelValues("ignored").Inc()
		return &IngestResult{}, nil
	}
	if ev.ThreadRef == "" {
		// Top-level workspace messages are outside the tracked thread set
		s.logger.Debug("ignoring event without thread reference", "event_id", ev.ID)
		metrics.EventsIngested.WithLabelValues("ignored").Inc()
		return &IngestResult{}, nil
	}
	// Check without marking: the id is only marked once the event has been
	// persisted, so a failed attempt stays retriable when Slack redelivers.
	if s.seen != nil && s.seen.Contains(ev.ID) {
		s.logger.Debug("ignoring redelivered event", "event_id", ev.ID)
		metrics.EventsIngested.WithLabelValues("duplicate").Inc()
		return &IngestResult{}, nil
	}

	known, err := s.store.ThreadExists(ctx, ev.ThreadRef)
	if err != nil {
		return nil, fmt.Errorf("checking thread: %w", err)
	}
	if !known {
		s.logger.Warn("event references unknown thread",
			"event_id", ev.ID,
			"thread_id", ev.ThreadRef)
		metrics.EventsIngested.WithLabelValues("unknown_thread").Inc()
		return &IngestResult{}, nil
	}

	author, err := s.provider.UserDisplayName(ctx, ev.UserID)
	if err != nil {
		// Best effort: a failed lookup keeps the raw id as the author
		s.logger.Warn("resolving author display name",
			"user_id", ev.UserID,
			"error", err)
		author = ev.UserID
	}

	msg := &store.Message{
		ID:       ev.ID,
		ThreadID: ev.ThreadRef,
		Author:   author,
		Text:     ev.Text,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			// Already persisted by an earlier delivery whose cache entry is
			// gone; acknowledge as a duplicate rather than failing forever.
			if s.seen != nil {
				s.seen.Mark(ev.ID)
			}
			metrics.EventsIngested.WithLabelValues("duplicate").Inc()
			return &IngestResult{}, nil
		}
		return nil, fmt.Errorf("recording event: %w", err)
	}
	if s.seen != nil {
		s.seen.Mark(ev.ID)
	}

	// Observers are keyed by the end-user who owns the thread, which is the
	// author of its root message (root id == thread id).
	root, err := s.store.GetMessage(ctx, ev.ThreadRef)
	if err != nil {
		return nil, fmt.Errorf("resolving thread owner: %w", err)
	}
	s.notifier.Deliver(root.Author, fanout.Payload{Text: ev.Text, User: ev.UserID})

	metrics.EventsIngested.WithLabelValues("processed").Inc()
	s.logger.Debug("provider event ingested",
		"event_id", ev.ID,
		"thread_id", ev.ThreadRef,
		"author", author)

	return &IngestResult{Processed: true}, nil
}
