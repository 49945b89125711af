package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

func TestHub_ConnectGreetsAndOpensDefaultFeedOnce(t *testing.T) {
	env := newTestEnv(t)

	id, socket := env.connect(t, "alice")
	env.connect(t, "bob")

	f := socket.last(t)
	assert.Equal(t, domain.FrameConnectionEstablished, f.Type)
	assert.Equal(t, id, f.ConnectionID)
	assert.Equal(t, "lobby", f.Channel)
	assert.Equal(t, "alice", f.Identity)
	assert.Equal(t, []string{"lobby"}, env.feeds.calls())
}

func TestHub_ConnectRejectsMissingIdentity(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.hub.Connect(t.Context(), "", &fakeSocket{})
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
	assert.Zero(t, env.hub.Registry().Count())
}

func TestHub_SubscribeUnsubscribeDriveFeedTransitions(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.connect(t, "alice")
	bob, _ := env.connect(t, "bob")

	_, err := env.hub.Subscribe(t.Context(), alice, "general", false)
	require.NoError(t, err)
	_, err = env.hub.Subscribe(t.Context(), bob, "general", false)
	require.NoError(t, err)
	require.NoError(t, env.hub.Unsubscribe(t.Context(), alice, "general"))
	require.NoError(t, env.hub.Unsubscribe(t.Context(), bob, "general"))

	assert.Equal(t, []string{"lobby", "general", "general"}, env.feeds.calls())
	assert.False(t, env.hub.Membership().HasMembers("general"))
}

func TestHub_SubscribeReturnsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.history.msgs = []domain.ChatMessage{
		{ID: "1", Channel: "general"},
		{ID: "2", Channel: "other"},
		{ID: "3", Channel: "general"},
		{ID: "4", Channel: "general"},
	}
	id, _ := env.connect(t, "alice")

	msgs, err := env.hub.Subscribe(t.Context(), id, "general", true)
	require.NoError(t, err)

	require.Len(t, msgs, 2)
	assert.Equal(t, "3", msgs[0].ID)
	assert.Equal(t, "4", msgs[1].ID)
}

func TestHub_SubscribeSurvivesHistoryFailure(t *testing.T) {
	env := newTestEnv(t)
	env.history.err = errors.New("store down")
	id, _ := env.connect(t, "alice")

	msgs, err := env.hub.Subscribe(t.Context(), id, "general", true)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.True(t, env.hub.Registry().Holds(id, "general"))
}

func TestHub_EvictRemovesConnectionAndClosesVacatedFeeds(t *testing.T) {
	env := newTestEnv(t)
	alice, socket := env.connect(t, "alice")
	bob, _ := env.connect(t, "bob")
	_, _ = env.hub.Subscribe(t.Context(), alice, "general", false)
	_, _ = env.hub.Subscribe(t.Context(), bob, "design", false)

	env.hub.Evict(t.Context(), alice, "client disconnected")
	env.hub.Evict(t.Context(), alice, "client disconnected")

	_, ok := env.hub.Registry().Get(alice)
	assert.False(t, ok)
	closed, _ := socket.isClosed()
	assert.True(t, closed)
	assert.False(t, env.hub.Membership().HasMembers("general"))
	assert.Contains(t, env.hub.Membership().MembersOf("lobby"), "bob")
	assert.Equal(t, []string{"lobby", "general", "design", "general"}, env.feeds.calls())
}

func TestHub_ChatIsLeftToTheFeedWhenSupported(t *testing.T) {
	env := newTestEnv(t)
	id, socket := env.connect(t, "alice")
	socket.reset()

	require.NoError(t, env.hub.SubmitChat(t.Context(), id, "lobby", json.RawMessage(`{"text":"hi"}`)))

	require.Len(t, env.processor.chats, 1)
	assert.Equal(t, "alice", env.processor.chats[0].Sender)
	assert.Empty(t, socket.frames, "the change feed delivers the message")
}

func TestHub_ChatIsBroadcastLocallyWhenDegraded(t *testing.T) {
	env := newTestEnv(t)
	env.feeds.supported = false
	id, socket := env.connect(t, "alice")
	_, bob := env.connect(t, "bob")
	socket.reset()
	bob.reset()

	require.NoError(t, env.hub.SubmitChat(t.Context(), id, "lobby", json.RawMessage(`{"text":"hi"}`)))

	f := bob.last(t)
	assert.Equal(t, domain.FrameRealtimeUpdate, f.Type)
	assert.Equal(t, "m-1", f.MessageID)
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	assert.Equal(t, "alice", msg.Sender)
	assert.JSONEq(t, `{"text":"hi"}`, string(msg.Body))
}

func TestHub_ChatRequiresSubscription(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.connect(t, "alice")

	err := env.hub.SubmitChat(t.Context(), id, "general", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrNotSubscribed)
	assert.Empty(t, env.processor.chats)
}

func TestHub_TypingReachesChannelMembers(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.connect(t, "alice")
	_, bob := env.connect(t, "bob")
	bob.reset()

	require.NoError(t, env.hub.Typing(alice, "lobby"))

	f := bob.last(t)
	assert.Equal(t, domain.FrameTyping, f.Type)
	assert.Equal(t, "alice", f.Identity)
}

func TestHub_ReadReceiptGoesToRecipientOnly(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.connect(t, "alice")
	_, bob := env.connect(t, "bob")
	_, carol := env.connect(t, "carol")
	bob.reset()
	carol.reset()

	require.NoError(t, env.hub.ReadReceipt(t.Context(), alice, "bob", "m-9"))

	f := bob.last(t)
	assert.Equal(t, domain.FrameReadReceipt, f.Type)
	assert.Equal(t, "alice", f.Identity)
	assert.Equal(t, "m-9", f.MessageID)
	assert.Empty(t, carol.frames)
	require.Len(t, env.processor.receipts, 1)

	assert.ErrorIs(t, env.hub.ReadReceipt(t.Context(), alice, "", "m-9"), domain.ErrInvalidTarget)
}

func TestHub_HandleFrameRepliesToRequester(t *testing.T) {
	env := newTestEnv(t)
	env.history.msgs = []domain.ChatMessage{{ID: "old", Channel: "general"}}
	id, socket := env.connect(t, "alice")

	tests := []struct {
		name    string
		frame   string
		want    string
		message string
	}{
		{"subscribe", `{"type":"subscribe","channel":"general","fetchHistory":true}`, domain.FrameSubscriptionConfirmed, ""},
		{"unsubscribe", `{"type":"unsubscribe","channel":"general"}`, domain.FrameUnsubscriptionConfirmed, ""},
		{"unsubscribe again", `{"type":"unsubscribe","channel":"general"}`, domain.FrameError, errMsgNotSubscribed},
		{"empty channel", `{"type":"subscribe","channel":""}`, domain.FrameError, errMsgInvalidChannel},
		{"garbage", `not json`, domain.FrameError, errMsgInvalidFrame},
		{"unknown", `{"type":"dance"}`, domain.FrameError, errMsgUnknownType},
		{"chat elsewhere", `{"type":"chat","channel":"general","data":{}}`, domain.FrameError, errMsgNotSubscribed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			socket.reset()
			env.hub.HandleFrame(t.Context(), id, socket, []byte(tt.frame))

			f := socket.last(t)
			assert.Equal(t, tt.want, f.Type)
			assert.Equal(t, tt.message, f.Message)
		})
	}
}

func TestHub_HandleFrameSubscribeIncludesHistory(t *testing.T) {
	env := newTestEnv(t)
	env.history.msgs = []domain.ChatMessage{{ID: "old", Channel: "general"}}
	id, socket := env.connect(t, "alice")
	socket.reset()

	env.hub.HandleFrame(t.Context(), id, socket, []byte(`{"type":"subscribe","channel":"general","fetchHistory":true}`))

	f := socket.last(t)
	require.Len(t, f.History, 1)
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(f.History[0], &msg))
	assert.Equal(t, "old", msg.ID)
}

func TestHub_HandleFramePongMarksAlive(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.connect(t, "alice")
	env.hub.Registry().Sweep()

	env.hub.HandleFrame(t.Context(), id, &fakeSocket{}, []byte(`{"type":"pong"}`))

	info, _ := env.hub.Registry().Get(id)
	assert.True(t, info.Alive)
}

func TestHub_ProcessorFailureIsReported(t *testing.T) {
	env := newTestEnv(t)
	env.processor.err = errors.New("db down")
	id, socket := env.connect(t, "alice")
	socket.reset()

	env.hub.HandleFrame(t.Context(), id, socket, []byte(`{"type":"chat","channel":"lobby","data":{"text":"hi"}}`))

	f := socket.last(t)
	assert.Equal(t, domain.FrameError, f.Type)
	assert.Equal(t, errMsgProcessing, f.Message)
}

func TestHub_StoreCallsAreBounded(t *testing.T) {
	processor := &fakeProcessor{stalled: true}
	history := &fakeHistory{stalled: true}
	h := New(Deps{
		Feeds:     &fakeFeeds{supported: true},
		Processor: processor,
		History:   history,
	}, Options{StoreTimeout: 20 * time.Millisecond})

	id, err := h.Connect(context.Background(), "alice", &fakeSocket{})
	require.NoError(t, err)
	_, err = h.Connect(context.Background(), "bob", &fakeSocket{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := h.SubmitChat(context.Background(), id, "lobby", json.RawMessage(`{"text":"hi"}`))
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		err = h.ReadReceipt(context.Background(), id, "bob", "m-1")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		msgs, err := h.Subscribe(context.Background(), id, "design", true)
		assert.NoError(t, err)
		assert.Nil(t, msgs)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("store calls were not bounded by StoreTimeout")
	}
}

func TestValidateChannel(t *testing.T) {
	long := make([]byte, maxChannelLength+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		channel string
		valid   bool
	}{
		{"general", true},
		{"team-42_ops", true},
		{"", false},
		{"has space", false},
		{"tab\there", false},
		{string(long), false},
	}
	for _, tt := range tests {
		err := ValidateChannel(tt.channel)
		if tt.valid {
			assert.NoError(t, err, tt.channel)
		} else {
			assert.ErrorIs(t, err, domain.ErrInvalidChannel, tt.channel)
		}
	}
}

func TestHub_StatsReportsConnectionsAndChannels(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.connect(t, "alice")
	_, _ = env.hub.Subscribe(t.Context(), id, "general", false)
	env.clock.Advance(time.Second)

	stats := env.hub.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, []string{"general", "lobby"}, stats.Channels)
}
