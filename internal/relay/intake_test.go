// ABOUTME: Tests for provider callback intake
// ABOUTME: Covers envelope decoding, challenge echo, filtering and unknown-thread handling

package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/deskrelay/internal/dedupe"
	"github.com/deskrelay/deskrelay/internal/store"
)

func TestParseEventEnvelope_Challenge(t *testing.T) {
	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)

	env, err := ParseEventEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, KindChallenge, env.Kind)
	assert.Equal(t, "abc123", env.Challenge)
}

func TestParseEventEnvelope_MessageEvent(t *testing.T) {
	body := []byte(`{
		"type": "event_callback",
		"event": {
			"type": "message",
			"ts": "1700000010.000200",
			"thread_ts": "1700000001.000100",
			"user": "U777",
			"text": "how can I help?"
		}
	}`)

	env, err := ParseEventEnvelope(body)
	require.NoError(t, err)
	require.Equal(t, KindMessage, env.Kind)
	assert.Equal(t, "1700000010.000200", env.Message.ID)
	assert.Equal(t, "1700000001.000100", env.Message.ThreadRef)
	assert.Equal(t, "U777", env.Message.UserID)
	assert.Equal(t, "how can I help?", env.Message.Text)
	assert.Empty(t, env.Message.BotID)
}

func TestParseEventEnvelope_NonMessageEventIsOther(t *testing.T) {
	body := []byte(`{"type":"event_callback","event":{"type":"reaction_added","ts":"1.2"}}`)

	env, err := ParseEventEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, KindOther, env.Kind)
}

func TestParseEventEnvelope_MalformedJSON(t *testing.T) {
	_, err := ParseEventEnvelope([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestIngest_ChallengeEchoesWithoutStateChange(t *testing.T) {
	svc, mock, _, notifier := newTestService(t)

	result, err := svc.Ingest(context.Background(), &EventEnvelope{Kind: KindChallenge, Challenge: "echo-me"})
	require.NoError(t, err)
	assert.Equal(t, "echo-me", result.Challenge)
	assert.False(t, result.Processed)

	exists, err := mock.ThreadExists(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, notifier.all())
}

func TestIngest_KnownThreadReplyIsPersistedAndFannedOut(t *testing.T) {
	svc, mock, provider, notifier := newTestService(t)
	provider.names["U777"] = "casey"
	ctx := context.Background()

	// Existing thread owned by visitor-10
	require.NoError(t, mock.AppendMessage(ctx, &store.Message{
		ID: "root.10", ThreadID: "root.10", Author: "visitor-10", Text: "hello",
	}))

	result, err := svc.Ingest(ctx, &EventEnvelope{Kind: KindMessage, Message: &MessageEvent{
		ID: "reply.10", ThreadRef: "root.10", UserID: "U777", Text: "hi, checking now",
	}})
	require.NoError(t, err)
	assert.True(t, result.Processed)

	messages, err := mock.ThreadMessages(ctx, "root.10")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "casey", messages[1].Author, "author is the resolved display name")
	assert.Equal(t, "hi, checking now", messages[1].Text)

	// The push goes to the thread owner's observers
	deliveries := notifier.all()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "visitor-10", deliveries[0].userID)
	assert.Equal(t, "hi, checking now", deliveries[0].payload.Text)
	assert.Equal(t, "U777", deliveries[0].payload.User)
}

func TestIngest_UnknownThreadIsDropped(t *testing.T) {
	svc, mock, _, notifier := newTestService(t)
	ctx := context.Background()

	result, err := svc.Ingest(ctx, &EventEnvelope{Kind: KindMessage, Message: &MessageEvent{
		ID: "reply.11", ThreadRef: "untracked.thread", UserID: "U777", Text: "hello?",
	}})
	require.NoError(t, err)
	assert.False(t, result.Processed)

	// No row was written
	_, err = mock.GetMessage(ctx, "reply.11")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, notifier.all())
}

func TestIngest_BotEventsAreIgnored(t *testing.T) {
	svc, mock, _, notifier := newTestService(t)
	ctx := context.Background()

	require.NoError(t, mock.AppendMessage(ctx, &store.Message{
		ID: "root.12", ThreadID: "root.12", Author: "visitor-12", Text: "hello",
	}))

	result, err := svc.Ingest(ctx, &EventEnvelope{Kind: KindMessage, Message: &MessageEvent{
		ID: "echo.12", ThreadRef: "root.12", UserID: "UBOT", Text: "hello", BotID: "B999",
	}})
	require.NoError(t, err)
	assert.False(t, result.Processed, "bot events must not loop back in")
	assert.Empty(t, notifier.all())
}

func TestIngest_TopLevelMessageIsIgnored(t *testing.T) {
	svc, _, _, notifier := newTestService(t)

	result, err := svc.Ingest(context.Background(), &EventEnvelope{Kind: KindMessage, Message: &MessageEvent{
		ID: "top.13", UserID: "U777", Text: "random channel chatter",
	}})
	require.NoError(t, err)
	assert.False(t, result.Processed)
	assert.Empty(t, notifier.all())
}

func TestIngest_RedeliveredEventIsSuppressed(t *testing.T) {
	mock := store.NewMockStore()
	provider := newScriptedProvider()
	provider.names["U777"] = "casey"
	notifier := &recordingNotifier{}
	seen := dedupe.New(time.Minute, 100)
	defer seen.Close()
	svc := NewService(mock, provider, notifier, seen, Options{RecencyWindow: time.Hour}, nil)

	ctx := context.Background()
	require.NoError(t, mock.AppendMessage(ctx, &store.Message{
		ID: "root.14", ThreadID: "root.14", Author: "visitor-14", Text: "hello",
	}))

	env := &EventEnvelope{Kind: KindMessage, Message: &MessageEvent{
		ID: "reply.14", ThreadRef: "root.14", UserID: "U777", Text: "on it",
	}}

	first, err := svc.Ingest(ctx, env)
	require.NoError(t, err)
	assert.True(t, first.Processed)

	second, err := svc.Ingest(ctx, env)
	require.NoError(t, err)
	assert.False(t, second.Processed, "redelivery must be a no-op")

	messages, err := mock.ThreadMessages(ctx, "root.14")
	require.NoError(t, err)
	assert.Len(t, messages, 2, "the reply is stored exactly once")
	assert.Len(t, notifier.all(), 1)
}

// flakyStore fails the first AppendMessage, then delegates.
type flakyStore struct {
	*store.MockStore
	failures int
}

func (s *flakyStore) AppendMessage(ctx context.Context, msg *store.Message) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	return s.MockStore.AppendMessage(ctx, msg)
}

func TestIngest_FailedPersistStaysRetriable(t *testing.T) {
	mock := store.NewMockStore()
	flaky := &flakyStore{MockStore: mock, failures: 1}
	provider := newScriptedProvider()
	provider.names["U777"] = "casey"
	notifier := &recordingNotifier{}
	seen := dedupe.New(time.Minute, 100)
	defer seen.Close()
	svc := NewService(flaky, provider, notifier, seen, Options{RecencyWindow: time.Hour}, nil)

	ctx := context.Background()
	require.NoError(t, mock.AppendMessage(ctx, &store.Message{
		ID: "root.16", ThreadID: "root.16", Author: "visitor-16", Text: "hello",
	}))

	env := &EventEnvelope{Kind: KindMessage, Message: &MessageEvent{
		ID: "reply.16", ThreadRef: "root.16", UserID: "U777", Text: "retried reply",
	}}

	// A transient store failure surfaces as an error so Slack redelivers
	_, err := svc.Ingest(ctx, env)
	require.Error(t, err)

	// The redelivery must not be suppressed as a duplicate
	result, err := svc.Ingest(ctx, env)
	require.NoError(t, err)
	assert.True(t, result.Processed, "redelivery after a failed persist is processed")

	msg, err := mock.GetMessage(ctx, "reply.16")
	require.NoError(t, err)
	assert.Equal(t, "retried reply", msg.Text)
	assert.Len(t, notifier.all(), 1)
}

func TestIngest_PersistedEventRedeliveredAfterCacheExpiry(t *testing.T) {
	mock := store.NewMockStore()
	provider := newScriptedProvider()
	provider.names["U777"] = "casey"
	notifier := &recordingNotifier{}
	seen := dedupe.New(time.Minute, 100)
	defer seen.Close()
	svc := NewService(mock, provider, notifier, seen, Options{RecencyWindow: time.Hour}, nil)

	ctx := context.Background()
	require.NoError(t, mock.AppendMessage(ctx, &store.Message{
		ID: "root.17", ThreadID: "root.17", Author: "visitor-17", Text: "hello",
	}))
	// The reply is already stored but its cache entry is gone (expired or
	// restart). The redelivery must acknowledge, not fail forever.
	require.NoError(t, mock.AppendMessage(ctx, &store.Message{
		ID: "reply.17", ThreadID: "root.17", Author: "casey", Text: "done",
	}))

	result, err := svc.Ingest(ctx, &EventEnvelope{Kind: KindMessage, Message: &MessageEvent{
		ID: "reply.17", ThreadRef: "root.17", UserID: "U777", Text: "done",
	}})
	require.NoError(t, err)
	assert.False(t, result.Processed)
	assert.Empty(t, notifier.all(), "no second fanout for an already-stored reply")

	messages, err := mock.ThreadMessages(ctx, "root.17")
	require.NoError(t, err)
	assert.Len(t, messages, 2, "stored exactly once")
}

func TestIngest_DisplayNameLookupFallsBackToID(t *testing.T) {
	svc, mock, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, mock.AppendMessage(ctx, &store.Message{
		ID: "root.15", ThreadID: "root.15", Author: "visitor-15", Text: "hello",
	}))

	// provider has no name for U888, lookup fails
	result, err := svc.Ingest(ctx, &EventEnvelope{Kind: KindMessage, Message: &MessageEvent{
		ID: "reply.15", ThreadRef: "root.15", UserID: "U888", Text: "hi",
	}})
	require.NoError(t, err)
	assert.True(t, result.Processed)

	msg, err := mock.GetMessage(ctx, "reply.15")
	require.NoError(t, err)
	assert.Equal(t, "U888", msg.Author)
}

func TestIngest_OtherEnvelopeIsNoOp(t *testing.T) {
	svc, _, _, notifier := newTestService(t)

	result, err := svc.Ingest(context.Background(), &EventEnvelope{Kind: KindOther})
	require.NoError(t, err)
	assert.False(t, result.Processed)
	assert.Empty(t, notifier.all())
}
