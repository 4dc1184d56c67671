// ABOUTME: Relay service orchestrating inbound message submission
// ABOUTME: Resolve thread -> dispatch to the chat provider -> persist -> fan out to observers

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/deskrelay/deskrelay/internal/dedupe"
	"github.com/deskrelay/deskrelay/internal/fanout"
	"github.com/deskrelay/deskrelay/internal/metrics"
	"github.com/deskrelay/deskrelay/internal/store"
)

// Provider is the external chat workspace the relay dispatches to.
type Provider interface {
	// PostMessage posts text to a channel. A non-empty threadRef makes the
	// message a threaded reply. Returns the provider-assigned message id.
	PostMessage(ctx context.Context, channel, text, threadRef string) (string, error)

	// UserDisplayName resolves a provider user id to a human-readable name.
	UserDisplayName(ctx context.Context, userID string) (string, error)
}

// Notifier pushes payloads to live observers. fanout.Registry satisfies it.
type Notifier interface {
	Deliver(userID string, payload fanout.Payload) int
}

// Options tunes the relay service. Zero values select defaults.
type Options struct {
	// RecencyWindow bounds how old a user's last thread may be and still
	// receive their next message. Defaults to DefaultRecencyWindow.
	RecencyWindow time.Duration

	// DispatchTimeout bounds each provider call so a stalled dispatch fails
	// instead of hanging the submission. Zero disables the bound.
	DispatchTimeout time.Duration
}

// Service routes inbound user messages into provider threads and ingests the
// provider's asynchronous reply events.
type Service struct {
	store           store.Store
	provider        Provider
	resolver        *Resolver
	notifier        Notifier
	seen            *dedupe.Cache
	dispatchTimeout time.Duration
	logger          *slog.Logger
}

// NewService creates a relay service. seen may be nil to disable webhook
// redelivery suppression; pass nil logger for default.
func NewService(st store.Store, provider Provider, notifier Notifier, seen *dedupe.Cache, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:           st,
		provider:        provider,
		resolver:        NewResolver(st, opts.RecencyWindow),
		notifier:        notifier,
		seen:            seen,
		dispatchTimeout: opts.DispatchTimeout,
		logger:          logger.With("component", "relay"),
	}
}

// SubmitRequest is an inbound message from an external end-user.
type SubmitRequest struct {
	UserID   string // opaque end-user identifier
	Username string // display name shown to operators
	Email    string // contact info shown to operators
	Channel  string // provider channel to post into
	Text     string
}

// SubmitResult reports where a submitted message landed.
type SubmitResult struct {
	ThreadID  string
	MessageID string
	NewThread bool
}

// Submit relays one user message into the provider workspace.
//
// The provider dispatch is the commit point: nothing is persisted or fanned
// out unless the provider confirmed the send. The converse gap is real and
// deliberately loud: a message that was dispatched but failed to persist is
// reported as an error naming the orphaned provider message id.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if req.Text == "" {
		return nil, fmt.Errorf("message text is required")
	}

	threadID, found, err := s.resolver.Resolve(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolving thread: %w", err)
	}

	// A brand-new thread carries the sender's identity in the visible text;
	// the provider has no structured sender metadata for external users.
	text := req.Text
	threadRef := threadID
	if !found {
		text = fmt.Sprintf("New message from [%s] (email: %s, id: %s): %s",
			req.Username, req.Email, req.UserID, req.Text)
		threadRef = ""
	}

	messageID, err := s.dispatch(ctx, req.Channel, text, threadRef)
	if err != nil {
		metrics.MessagesSubmitted.WithLabelValues("dispatch_error").Inc()
		return nil, fmt.Errorf("dispatching to provider: %w", err)
	}

	// The root message of a new thread identifies the thread
	if !found {
		threadID = messageID
	}

	msg := &store.Message{
		ID:       messageID,
		ThreadID: threadID,
		Author:   req.UserID,
		Text:     req.Text,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		// Dispatched but not recorded: surfaced, never swallowed. There is
		// no compensation; the provider message stands without a row.
		metrics.MessagesSubmitted.WithLabelValues("persist_error").Inc()
		s.logger.Error("message dispatched but not recorded",
			"message_id", messageID,
			"thread_id", threadID,
			"user_id", req.UserID,
			"error", err)
		return nil, fmt.Errorf("message %s dispatched but not recorded: %w", messageID, err)
	}

	s.notifier.Deliver(req.UserID, fanout.Payload{Text: req.Text, User: req.UserID})

	result := "threaded"
	if !found {
		result = "new_thread"
	}
	metrics.MessagesSubmitted.WithLabelValues(result).Inc()

	s.logger.Debug("message relayed",
		"message_id", messageID,
		"thread_id", threadID,
		"user_id", req.UserID,
		"new_thread", !found)

	return &SubmitResult{
		ThreadID:  threadID,
		MessageID: messageID,
		NewThread: !found,
	}, nil
}

// dispatch calls the provider with the configured timeout bound.
func (s *Service) dispatch(ctx context.Context, channel, text, threadRef string) (string, error) {
	if s.dispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.dispatchTimeout)
		defer cancel()
	}
	return s.provider.PostMessage(ctx, channel, text, threadRef)
}
