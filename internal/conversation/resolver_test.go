package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irisorigin/iris/internal/channel"
)

type fakeStore struct {
	Store
	conversations map[string]Conversation
	messages      map[string]Message
	nextConvID    int
	nextMsgID     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: map[string]Conversation{},
		messages:      map[string]Message{},
	}
}

func (f *fakeStore) GetOrCreate(ctx context.Context, accountID string, platform channel.ChannelType, externalID string) (Conversation, error) {
	key := platform.String() + ":" + externalID
	if conv, ok := f.conversations[key]; ok {
		return conv, nil
	}
	f.nextConvID++
	conv := Conversation{
		ID:                     "conv-" + string(rune('0'+f.nextConvID)),
		AccountID:              accountID,
		Platform:               platform,
		ExternalConversationID: externalID,
		Status:                 StatusActive,
		AIEnabled:              true,
	}
	f.conversations[key] = conv
	return conv, nil
}

func (f *fakeStore) InsertMessageIfAbsent(ctx context.Context, msg NewMessage) (Message, bool, error) {
	key := msg.Platform.String() + ":" + msg.ExternalMessageID
	if existing, ok := f.messages[key]; ok {
		return existing, false, nil
	}
	f.nextMsgID++
	stored := Message{
		ID:                "msg-" + string(rune('0'+f.nextMsgID)),
		ConversationID:    msg.ConversationID,
		Platform:          msg.Platform,
		ExternalMessageID: msg.ExternalMessageID,
		SenderType:        msg.SenderType,
		Content:           msg.Content,
		ProcessingStatus:  ProcessingPending,
		CreatedAt:         msg.OccurredAt,
	}
	f.messages[key] = stored
	return stored, true, nil
}

func testEvent(id string) channel.InboundEvent {
	return channel.InboundEvent{
		Platform:               channel.ChannelType("messenger"),
		Type:                   channel.EventMessage,
		ExternalEventID:        id,
		ExternalConversationID: "user-9",
		ExternalSenderID:       "user-9",
		OccurredAt:             time.Now().UTC(),
		Content:                channel.Content{Text: "hello", MessageType: channel.MessageText},
	}
}

func TestResolve_CreatesConversationAndMessage(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	resolver := NewResolver(nil, store)

	res, err := resolver.Resolve(context.Background(), channel.Account{ID: "acc-1"}, testEvent("m-1"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, StatusActive, res.Conversation.Status)
	assert.Equal(t, res.Conversation.ID, res.Message.ConversationID)
	assert.Equal(t, SenderUser, res.Message.SenderType)
	assert.Equal(t, ProcessingPending, res.Message.ProcessingStatus)
}

func TestResolve_ReusesConversation(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	resolver := NewResolver(nil, store)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, channel.Account{ID: "acc-1"}, testEvent("m-1"))
	require.NoError(t, err)
	second, err := resolver.Resolve(ctx, channel.Account{ID: "acc-1"}, testEvent("m-2"))
	require.NoError(t, err)

	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.NotEqual(t, first.Message.ID, second.Message.ID)
}

func TestResolve_DuplicateEventAbsorbed(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	resolver := NewResolver(nil, store)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, channel.Account{ID: "acc-1"}, testEvent("m-1"))
	require.NoError(t, err)
	redelivered, err := resolver.Resolve(ctx, channel.Account{ID: "acc-1"}, testEvent("m-1"))
	require.NoError(t, err)

	assert.True(t, redelivered.Duplicate)
	assert.Equal(t, first.Message.ID, redelivered.Message.ID)
	assert.Len(t, store.messages, 1)
}

func TestResolve_RejectsMissingIDs(t *testing.T) {
	t.Parallel()
	resolver := NewResolver(nil, newFakeStore())

	event := testEvent("m-1")
	event.ExternalEventID = ""
	_, err := resolver.Resolve(context.Background(), channel.Account{}, event)
	assert.Error(t, err)

	event = testEvent("m-2")
	event.ExternalConversationID = ""
	_, err = resolver.Resolve(context.Background(), channel.Account{}, event)
	assert.Error(t, err)
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StatusActive, StatusEscalated, true},
		{StatusActive, StatusClosed, true},
		{StatusEscalated, StatusActive, true},
		{StatusEscalated, StatusClosed, true},
		{StatusClosed, StatusActive, true},
		{StatusClosed, StatusEscalated, false},
		{StatusActive, StatusActive, true},
		{StatusClosed, StatusClosed, true},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestContainmentRate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, ContainmentRate(0, 0))
	assert.Equal(t, 1.0, ContainmentRate(10, 0))
	assert.Equal(t, 0.75, ContainmentRate(3, 1))
}
