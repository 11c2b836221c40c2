package outbound

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irisorigin/iris/internal/channel"
)

func TestLimiterRegistry_ConservesRate(t *testing.T) {
	t.Parallel()
	registry := NewLimiterRegistry(60)

	// Burst allowance covers one minute; the 61st immediate send must block.
	key := "messenger:page-1"
	allowed := 0
	for i := 0; i < 70; i++ {
		if registry.Allow(key, 60) {
			allowed++
		}
	}
	assert.Equal(t, 60, allowed)

	// Separate accounts get separate buckets.
	assert.True(t, registry.Allow("messenger:page-2", 60))
}

func TestLimiterRegistry_WaitHonorsContext(t *testing.T) {
	t.Parallel()
	registry := NewLimiterRegistry(1)
	key := "line:bot-1"
	require.True(t, registry.Allow(key, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := registry.Wait(ctx, key, 1)
	assert.Error(t, err, "exhausted bucket must respect context deadline")
}

func TestCache_LRUEviction(t *testing.T) {
	t.Parallel()
	// Budget fits exactly two 10-byte entries (5-byte key + 5-byte value).
	cache := NewCache(20, time.Minute)
	cache.Set("key-a", "aaaaa")
	cache.Set("key-b", "bbbbb")
	assert.Equal(t, int64(20), cache.UsedBytes())

	// Touch a so b is the cold entry.
	_, ok := cache.Get("key-a")
	require.True(t, ok)

	cache.Set("key-c", "ccccc")
	_, ok = cache.Get("key-b")
	assert.False(t, ok, "least recently used entry must be evicted")
	_, ok = cache.Get("key-a")
	assert.True(t, ok)
	_, ok = cache.Get("key-c")
	assert.True(t, ok)
	assert.Equal(t, int64(20), cache.UsedBytes())
}

func TestCache_TTLExpiry(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 17, 9, 30, 0, 0, time.UTC)
	cache := NewCache(1024, time.Minute)
	cache.SetClock(func() time.Time { return now })

	cache.Set("key", "value")
	_, ok := cache.Get("key")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get("key")
	assert.False(t, ok, "entry past its TTL must miss")
	assert.Zero(t, cache.Len())
	assert.Zero(t, cache.UsedBytes())
}

func TestCache_OversizeValueNotCached(t *testing.T) {
	t.Parallel()
	cache := NewCache(8, time.Minute)
	cache.Set("key", "far-too-large-for-the-budget")
	assert.Zero(t, cache.Len())
}

type echoAdapter struct {
	endpoint string
}

func (a *echoAdapter) Type() channel.ChannelType { return channel.ChannelType("echo") }

func (a *echoAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:         channel.ChannelType("echo"),
		DisplayName:  "Echo",
		Capabilities: channel.Capabilities{channel.MessageText: true},
	}
}

func (a *echoAdapter) Render(account channel.Account, msg channel.OutboundMessage) (channel.SendPayload, error) {
	return channel.SendPayload{Endpoint: a.endpoint, Body: []byte(msg.Text)}, nil
}

func newEchoSender(t *testing.T, status int, hits *atomic.Int64) *HTTPSender {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	registry := channel.NewRegistry()
	registry.MustRegister(&echoAdapter{endpoint: server.URL})
	return NewHTTPSender(nil, registry, SenderOptions{Timeout: time.Second})
}

func testMessage() channel.OutboundMessage {
	return channel.OutboundMessage{
		Platform:  channel.ChannelType("echo"),
		Recipient: "user-1",
		Type:      channel.MessageText,
		Text:      "hello",
	}
}

func TestSend_Success(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	sender := newEchoSender(t, http.StatusOK, &hits)
	err := sender.Send(context.Background(), channel.Account{ID: "a1"}, testMessage())
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestSend_TransientVsPermanent(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusBadGateway, false},
		{"bad request", http.StatusBadRequest, true},
		{"unauthorized", http.StatusUnauthorized, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sender := newEchoSender(t, tc.status, nil)
			err := sender.Send(context.Background(), channel.Account{ID: "a1"}, testMessage())
			require.Error(t, err)
			assert.Equal(t, tc.permanent, isPermanent(err),
				"status %d permanence classification", tc.status)
		})
	}
}

func TestSend_UnknownPlatformIsPermanent(t *testing.T) {
	t.Parallel()
	sender := NewHTTPSender(nil, channel.NewRegistry(), SenderOptions{})
	err := sender.Send(context.Background(), channel.Account{}, testMessage())
	require.Error(t, err)
	assert.True(t, isPermanent(err))
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
