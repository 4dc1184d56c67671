// ABOUTME: Tests for the inbound submission path
// ABOUTME: Covers new-thread creation, thread affinity, dispatch failure and the orphan gap

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/deskrelay/internal/fanout"
	"github.com/deskrelay/deskrelay/internal/store"
)

// scriptedProvider fakes the chat workspace with canned ids and errors.
type scriptedProvider struct {
	mu    sync.Mutex
	calls []providerCall
	next  int
	err   error
	names map[string]string
}

type providerCall struct {
	channel   string
	text      string
	threadRef string
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{names: make(map[string]string)}
}

func (p *scriptedProvider) PostMessage(ctx context.Context, channel, text, threadRef string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.calls = append(p.calls, providerCall{channel: channel, text: text, threadRef: threadRef})
	p.next++
	return fmt.Sprintf("1700000000.%06d", p.next), nil
}

func (p *scriptedProvider) UserDisplayName(ctx context.Context, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name, ok := p.names[userID]; ok {
		return name, nil
	}
	return "", errors.New("user_not_found")
}

func (p *scriptedProvider) lastCall(t *testing.T) providerCall {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.calls, "expected a provider dispatch")
	return p.calls[len(p.calls)-1]
}

// recordingNotifier captures fanout deliveries.
type recordingNotifier struct {
	mu         sync.Mutex
	deliveries []recordedDelivery
}

type recordedDelivery struct {
	userID  string
	payload fanout.Payload
}

func (n *recordingNotifier) Deliver(userID string, payload fanout.Payload) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, recordedDelivery{userID: userID, payload: payload})
	return 1
}

func (n *recordingNotifier) all() []recordedDelivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]recordedDelivery(nil), n.deliveries...)
}

func newTestService(t *testing.T) (*Service, *store.MockStore, *scriptedProvider, *recordingNotifier) {
	t.Helper()
	mock := store.NewMockStore()
	provider := newScriptedProvider()
	notifier := &recordingNotifier{}
	svc := NewService(mock, provider, notifier, nil, Options{RecencyWindow: time.Hour}, nil)
	return svc, mock, provider, notifier
}

func TestSubmit_FirstMessageStartsThread(t *testing.T) {
	svc, mock, provider, notifier := newTestService(t)
	ctx := context.Background()

	result, err := svc.Submit(ctx, &SubmitRequest{
		UserID:   "visitor-1",
		Username: "Ana",
		Email:    "ana@example.com",
		Channel:  "C123",
		Text:     "hello",
	})
	require.NoError(t, err)
	assert.True(t, result.NewThread)
	assert.Equal(t, result.MessageID, result.ThreadID, "new thread is rooted at its own message id")

	// The new top-level post carries the sender's identity
	call := provider.lastCall(t)
	assert.Empty(t, call.threadRef)
	assert.Contains(t, call.text, "Ana")
	assert.Contains(t, call.text, "ana@example.com")
	assert.Contains(t, call.text, "visitor-1")
	assert.True(t, strings.HasSuffix(call.text, "hello"))

	// Exactly one message persisted, with the undecorated text
	messages, err := mock.ThreadMessages(ctx, result.ThreadID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Text)
	assert.Equal(t, "visitor-1", messages[0].Author)
	assert.Equal(t, messages[0].ID, messages[0].ThreadID)
	assert.False(t, messages[0].CreatedAt.IsZero())

	// Live observers got the push
	deliveries := notifier.all()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "visitor-1", deliveries[0].userID)
	assert.Equal(t, fanout.Payload{Text: "hello", User: "visitor-1"}, deliveries[0].payload)
}

func TestSubmit_SecondMessageContinuesThread(t *testing.T) {
	svc, mock, provider, notifier := newTestService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, &SubmitRequest{
		UserID: "visitor-2", Username: "Bo", Email: "bo@example.com", Channel: "C123", Text: "hello",
	})
	require.NoError(t, err)

	second, err := svc.Submit(ctx, &SubmitRequest{
		UserID: "visitor-2", Username: "Bo", Email: "bo@example.com", Channel: "C123", Text: "world",
	})
	require.NoError(t, err)

	assert.False(t, second.NewThread)
	assert.Equal(t, first.ThreadID, second.ThreadID)

	// The continuation went out as a threaded reply with the raw text
	call := provider.lastCall(t)
	assert.Equal(t, first.ThreadID, call.threadRef)
	assert.Equal(t, "world", call.text)

	messages, err := mock.ThreadMessages(ctx, first.ThreadID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, first.ThreadID, messages[1].ThreadID)

	deliveries := notifier.all()
	require.Len(t, deliveries, 2)
	assert.Equal(t, "world", deliveries[1].payload.Text)
}

func TestSubmit_StaleThreadStartsNewOne(t *testing.T) {
	svc, mock, _, _ := newTestService(t)
	ctx := context.Background()

	// Prior thread older than the one-hour window
	mock.AppendMessageAt(&store.Message{
		ID: "stale.root", ThreadID: "stale.root", Author: "visitor-3", Text: "long ago",
	}, time.Now().UTC().Add(-2*time.Hour))

	result, err := svc.Submit(ctx, &SubmitRequest{
		UserID: "visitor-3", Username: "Cy", Email: "cy@example.com", Channel: "C123", Text: "back again",
	})
	require.NoError(t, err)
	assert.True(t, result.NewThread)
	assert.NotEqual(t, "stale.root", result.ThreadID)
}

func TestSubmit_DispatchFailureLeavesNoTrace(t *testing.T) {
	svc, mock, provider, notifier := newTestService(t)
	provider.err = errors.New("channel_not_found")

	_, err := svc.Submit(context.Background(), &SubmitRequest{
		UserID: "visitor-4", Username: "Di", Email: "di@example.com", Channel: "C404", Text: "hello?",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.err)

	// Nothing persisted, nothing fanned out
	_, storeErr := mock.LatestThreadForUser(context.Background(), "visitor-4")
	assert.ErrorIs(t, storeErr, store.ErrNotFound)
	assert.Empty(t, notifier.all())
}

func TestSubmit_PersistFailureReportsOrphan(t *testing.T) {
	mock := store.NewMockStore()
	provider := newScriptedProvider()
	notifier := &recordingNotifier{}
	failing := &appendFailingStore{MockStore: mock, err: errors.New("disk full")}
	svc := NewService(failing, provider, notifier, nil, Options{RecencyWindow: time.Hour}, nil)

	_, err := svc.Submit(context.Background(), &SubmitRequest{
		UserID: "visitor-5", Username: "Ed", Email: "ed@example.com", Channel: "C123", Text: "hello",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, failing.err)
	assert.Contains(t, err.Error(), "dispatched but not recorded")

	// The dispatch happened; the gap is surfaced, not rolled back
	provider.lastCall(t)
	assert.Empty(t, notifier.all(), "no fanout for a message that was not recorded")
}

func TestSubmit_RejectsEmptyInput(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, &SubmitRequest{Text: "no user"})
	assert.Error(t, err)

	_, err = svc.Submit(ctx, &SubmitRequest{UserID: "visitor-6"})
	assert.Error(t, err)
}

// appendFailingStore fails AppendMessage while delegating everything else.
type appendFailingStore struct {
	*store.MockStore
	err error
}

func (s *appendFailingStore) AppendMessage(ctx context.Context, msg *store.Message) error {
	return s.err
}
