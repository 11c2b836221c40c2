package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irisorigin/iris/internal/ai"
	"github.com/irisorigin/iris/internal/channel"
	"github.com/irisorigin/iris/internal/conversation"
	"github.com/irisorigin/iris/internal/outbound"
	"github.com/irisorigin/iris/internal/queue"
)

type memoryStore struct {
	mu            sync.Mutex
	conversations map[string]conversation.Conversation
	messages      map[string]conversation.Message
	outbound      []conversation.Message
	nextID        int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		conversations: map[string]conversation.Conversation{},
		messages:      map[string]conversation.Message{},
	}
}

func (s *memoryStore) addConversation(conv conversation.Conversation) conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return conv
}

func (s *memoryStore) addMessage(msg conversation.Message) conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.CreatedAt = time.Now().Add(time.Duration(len(s.messages)) * time.Millisecond)
	s.messages[msg.ID] = msg
	return msg
}

func (s *memoryStore) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return conv, nil
}

func (s *memoryStore) GetMessage(ctx context.Context, id string) (conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return conversation.Message{}, conversation.ErrNotFound
	}
	return msg, nil
}

func (s *memoryStore) GetOrCreate(ctx context.Context, accountID string, platform channel.ChannelType, externalID string) (conversation.Conversation, error) {
	return conversation.Conversation{}, errors.New("not used")
}

func (s *memoryStore) InsertMessageIfAbsent(ctx context.Context, msg conversation.NewMessage) (conversation.Message, bool, error) {
	return conversation.Message{}, false, errors.New("not used")
}

func (s *memoryStore) RecordOutbound(ctx context.Context, conversationID, senderType, content string) (conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg := conversation.Message{
		ID:             "out-" + content[:min(4, len(content))],
		ConversationID: conversationID,
		SenderType:     senderType,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	s.outbound = append(s.outbound, msg)
	return msg, nil
}

func (s *memoryStore) UpdateStatus(ctx context.Context, conversationID, status, reason string) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	if err := conversation.ValidateTransition(conv.Status, status); err != nil {
		return conversation.Conversation{}, err
	}
	conv.Status = status
	conv.AIEnabled = status != conversation.StatusEscalated
	conv.EscalationReason = reason
	s.conversations[conversationID] = conv
	return conv, nil
}

func (s *memoryStore) SetAIEnabled(ctx context.Context, conversationID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[conversationID]
	conv.AIEnabled = enabled
	s.conversations[conversationID] = conv
	return nil
}

func (s *memoryStore) SetMessageProcessing(ctx context.Context, messageID, status, intent string, sentiment *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return conversation.ErrNotFound
	}
	msg.ProcessingStatus = status
	if intent != "" {
		msg.Intent = intent
	}
	if sentiment != nil {
		msg.SentimentScore = sentiment
	}
	s.messages[messageID] = msg
	return nil
}

func (s *memoryStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []conversation.Message
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.Before(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memoryStore) CloseInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *memoryStore) List(ctx context.Context, filter conversation.ListFilter) ([]conversation.Conversation, error) {
	return nil, nil
}

func (s *memoryStore) Stats(ctx context.Context) (conversation.Stats, error) {
	return conversation.Stats{}, nil
}

type fakeAccounts struct{}

func (fakeAccounts) GetAccountByID(ctx context.Context, id string) (channel.Account, error) {
	return channel.Account{ID: id, Platform: channel.ChannelType("messenger"), ExternalAccountID: "page-1"}, nil
}

type fakeCompleter struct {
	mu         sync.Mutex
	completion ai.Completion
	err        error
	calls      int
}

func (c *fakeCompleter) Complete(ctx context.Context, req ai.Request) (ai.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.completion, c.err
}

type fakeSender struct {
	mu   sync.Mutex
	sent []channel.OutboundMessage
	err  error
}

func (s *fakeSender) Send(ctx context.Context, account channel.Account, msg channel.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, msg := range s.sent {
		out = append(out, msg.Text)
	}
	return out
}

type recordingNotifier struct {
	mu      sync.Mutex
	reasons []string
}

func (n *recordingNotifier) NotifyHandoff(ctx context.Context, conv conversation.Conversation, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, reason)
}

type fixture struct {
	store     *memoryStore
	jobs      *queue.MemoryQueue
	completer *fakeCompleter
	sender    *fakeSender
	notifier  *recordingNotifier
	orch      *Orchestrator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemoryStore(),
		jobs:      queue.NewMemoryQueue(queue.Options{BaseBackoff: time.Millisecond}),
		completer: &fakeCompleter{},
		sender:    &fakeSender{},
		notifier:  &recordingNotifier{},
	}
	f.orch = NewOrchestrator(nil, f.store, fakeAccounts{}, f.jobs, f.completer, f.sender,
		outbound.NewCache(1<<20, time.Minute), testPolicy(), f.notifier, opts)
	return f
}

func (f *fixture) seed(t *testing.T, status string) queue.Job {
	t.Helper()
	f.store.addConversation(conversation.Conversation{
		ID:                     "conv-1",
		AccountID:              "acc-1",
		Platform:               channel.ChannelType("messenger"),
		ExternalConversationID: "user-9",
		Status:                 status,
		AIEnabled:              status != conversation.StatusEscalated,
	})
	f.store.addMessage(conversation.Message{
		ID:               "msg-1",
		ConversationID:   "conv-1",
		SenderType:       conversation.SenderUser,
		Content:          "my order never arrived",
		ProcessingStatus: conversation.ProcessingPending,
	})
	job, err := f.jobs.Enqueue(context.Background(), queue.EnqueueRequest{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		MaxAttempts:    3,
	})
	require.NoError(t, err)
	leased, ok, err := f.jobs.Dequeue(context.Background(), "test", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, leased.ID)
	return leased
}

func TestProcessJob_AutoRespond(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{SendHandoffAck: true, HandoffAckText: "Connecting you to an agent."})
	f.completer.completion = ai.Completion{
		Reply: "It is on the way.", Intent: "greeting", Confidence: 0.9, SentimentScore: 0.1,
		QuickReplies: []string{"Track order", "Contact agent"},
	}
	job := f.seed(t, conversation.StatusActive)

	require.NoError(t, f.orch.ProcessJob(context.Background(), job))

	assert.Equal(t, []string{"It is on the way."}, f.sender.texts())
	require.Len(t, f.sender.sent, 1)
	require.Len(t, f.sender.sent[0].QuickReplies, 2)
	assert.Equal(t, "Track order", f.sender.sent[0].QuickReplies[0].Label)
	require.Len(t, f.store.outbound, 1)
	assert.Equal(t, conversation.SenderAI, f.store.outbound[0].SenderType)
	msg := f.store.messages["msg-1"]
	assert.Equal(t, conversation.ProcessingCompleted, msg.ProcessingStatus)
	assert.Equal(t, "greeting", msg.Intent)
	conv := f.store.conversations["conv-1"]
	assert.Equal(t, conversation.StatusActive, conv.Status)
	assert.Empty(t, f.notifier.reasons)
}

func TestProcessJob_EscalatesOnLowConfidence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{SendHandoffAck: true, HandoffAckText: "Connecting you to an agent."})
	f.completer.completion = ai.Completion{Reply: "maybe?", Intent: "greeting", Confidence: 0.1}
	job := f.seed(t, conversation.StatusActive)

	require.NoError(t, f.orch.ProcessJob(context.Background(), job))

	conv := f.store.conversations["conv-1"]
	assert.Equal(t, conversation.StatusEscalated, conv.Status)
	assert.False(t, conv.AIEnabled)
	assert.Equal(t, ReasonLowConfidence, conv.EscalationReason)
	assert.Equal(t, []string{ReasonLowConfidence}, f.notifier.reasons)
	assert.Equal(t, []string{"Connecting you to an agent."}, f.sender.texts())
}

func TestProcessJob_EscalatedConversationSuppressesReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{ProcessEscalated: true})
	f.completer.completion = ai.Completion{
		Reply: "automated answer", Intent: "greeting", Confidence: 0.9,
	}
	job := f.seed(t, conversation.StatusEscalated)

	require.NoError(t, f.orch.ProcessJob(context.Background(), job))

	assert.Empty(t, f.sender.texts(), "escalated conversations never get automated replies")
	msg := f.store.messages["msg-1"]
	assert.Equal(t, conversation.ProcessingCompleted, msg.ProcessingStatus)
	assert.Equal(t, "greeting", msg.Intent, "analysis still recorded for the agent")
	assert.Equal(t, 1, f.completer.calls)
}

func TestProcessJob_EscalatedSkippedEntirelyWhenDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{ProcessEscalated: false})
	job := f.seed(t, conversation.StatusEscalated)

	require.NoError(t, f.orch.ProcessJob(context.Background(), job))

	assert.Zero(t, f.completer.calls, "no model call for skipped conversations")
	assert.Equal(t, conversation.ProcessingCompleted, f.store.messages["msg-1"].ProcessingStatus)
}

func TestProcessJob_ReopensClosedConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.completer.completion = ai.Completion{Reply: "welcome back", Intent: "greeting", Confidence: 0.9}
	job := f.seed(t, conversation.StatusClosed)

	require.NoError(t, f.orch.ProcessJob(context.Background(), job))

	conv := f.store.conversations["conv-1"]
	assert.Equal(t, conversation.StatusActive, conv.Status)
	assert.Equal(t, []string{"welcome back"}, f.sender.texts())
}

func TestHandleJob_ExhaustedRetriesForceEscalation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{
		FallbackText: "We are experiencing technical difficulty. An agent will follow up with you shortly.",
	})
	f.completer.err = errors.New("service down")
	ctx := context.Background()

	f.store.addConversation(conversation.Conversation{
		ID: "conv-1", AccountID: "acc-1",
		Platform:               channel.ChannelType("messenger"),
		ExternalConversationID: "user-9",
		Status:                 conversation.StatusActive,
		AIEnabled:              true,
	})
	f.store.addMessage(conversation.Message{
		ID: "msg-1", ConversationID: "conv-1",
		SenderType: conversation.SenderUser, Content: "hello",
		ProcessingStatus: conversation.ProcessingPending,
	})
	_, err := f.jobs.Enqueue(ctx, queue.EnqueueRequest{
		MessageID: "msg-1", ConversationID: "conv-1", MaxAttempts: 2,
	})
	require.NoError(t, err)

	// Drive both attempts through the failure path.
	for attempt := 0; attempt < 2; attempt++ {
		time.Sleep(5 * time.Millisecond)
		job, ok, err := f.jobs.Dequeue(ctx, "test", time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d should be runnable", attempt+1)
		f.orch.handleJob(ctx, job)
	}

	conv := f.store.conversations["conv-1"]
	assert.Equal(t, conversation.StatusEscalated, conv.Status)
	assert.Equal(t, ReasonRetriesExhausted, conv.EscalationReason)
	assert.Equal(t, conversation.ProcessingFailed, f.store.messages["msg-1"].ProcessingStatus)
	assert.Contains(t, f.sender.texts()[0], "technical difficulty")
	assert.Equal(t, []string{ReasonRetriesExhausted}, f.notifier.reasons)
}

func TestProcessJob_RepliesWhenMessageOutOfHistoryWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{HistoryTurns: 2})
	f.completer.completion = ai.Completion{Reply: "Answering the backlog.", Intent: "greeting", Confidence: 0.9}
	job := f.seed(t, conversation.StatusActive)

	// A burst of newer traffic pushes the job's message out of the recent
	// window before a worker gets to it.
	for _, id := range []string{"msg-2", "msg-3"} {
		f.store.addMessage(conversation.Message{
			ID: id, ConversationID: "conv-1",
			SenderType: conversation.SenderUser, Content: "any update?",
			ProcessingStatus: conversation.ProcessingPending,
		})
	}

	require.NoError(t, f.orch.ProcessJob(context.Background(), job))

	assert.Equal(t, []string{"Answering the backlog."}, f.sender.texts())
	assert.Equal(t, conversation.ProcessingCompleted, f.store.messages["msg-1"].ProcessingStatus)
}

func TestReapExpired_FinalAttemptLeaseStillFallsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{
		FallbackText: "We are experiencing technical difficulty. An agent will follow up with you shortly.",
	})
	ctx := context.Background()
	now := time.Date(2025, 1, 17, 9, 30, 0, 0, time.UTC)
	f.jobs.SetClock(func() time.Time { return now })

	f.store.addConversation(conversation.Conversation{
		ID: "conv-1", AccountID: "acc-1",
		Platform:               channel.ChannelType("messenger"),
		ExternalConversationID: "user-9",
		Status:                 conversation.StatusActive,
		AIEnabled:              true,
	})
	f.store.addMessage(conversation.Message{
		ID: "msg-1", ConversationID: "conv-1",
		SenderType: conversation.SenderUser, Content: "hello",
		ProcessingStatus: conversation.ProcessingPending,
	})
	_, err := f.jobs.Enqueue(ctx, queue.EnqueueRequest{
		MessageID: "msg-1", ConversationID: "conv-1", MaxAttempts: 1,
	})
	require.NoError(t, err)

	// The worker leases the only attempt and then dies without settling it.
	_, ok, err := f.jobs.Dequeue(ctx, "crashed", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	now = now.Add(time.Minute)

	require.NoError(t, f.orch.ReapExpired(ctx))

	conv := f.store.conversations["conv-1"]
	assert.Equal(t, conversation.StatusEscalated, conv.Status)
	assert.Equal(t, ReasonRetriesExhausted, conv.EscalationReason)
	assert.Equal(t, conversation.ProcessingFailed, f.store.messages["msg-1"].ProcessingStatus)
	require.NotEmpty(t, f.sender.texts())
	assert.Contains(t, f.sender.texts()[0], "technical difficulty")
	assert.Equal(t, []string{ReasonRetriesExhausted}, f.notifier.reasons)
}

func TestProcessJob_CacheShortCircuitsRepeatPrompts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.completer.completion = ai.Completion{Reply: "Our hours are 9-18.", Intent: "greeting", Confidence: 0.9}
	job := f.seed(t, conversation.StatusActive)

	require.NoError(t, f.orch.ProcessJob(context.Background(), job))
	require.Equal(t, 1, f.completer.calls)

	// A second conversation asking the same thing hits the cache.
	f.store.addConversation(conversation.Conversation{
		ID: "conv-2", AccountID: "acc-1",
		Platform:               channel.ChannelType("messenger"),
		ExternalConversationID: "user-10",
		Status:                 conversation.StatusActive,
		AIEnabled:              true,
	})
	f.store.addMessage(conversation.Message{
		ID: "msg-2", ConversationID: "conv-2",
		SenderType: conversation.SenderUser, Content: "my order never arrived",
		ProcessingStatus: conversation.ProcessingPending,
	})
	_, err := f.jobs.Enqueue(context.Background(), queue.EnqueueRequest{
		MessageID: "msg-2", ConversationID: "conv-2",
	})
	require.NoError(t, err)
	job2, ok, err := f.jobs.Dequeue(context.Background(), "test", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.orch.ProcessJob(context.Background(), job2))
	assert.Equal(t, 1, f.completer.calls, "identical prompt must be served from cache")
	assert.Len(t, f.sender.texts(), 2)
}
