package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete(t *testing.T) {
	t.Parallel()
	var gotReq Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/complete", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(Completion{
			Reply:          "เราได้รับเรื่องแล้วค่ะ",
			Intent:         "complaint",
			SentimentScore: -0.4,
			Confidence:     0.9,
		})
	}))
	defer server.Close()

	completer := NewHTTPCompleter(nil, HTTPOptions{
		BaseURL:  server.URL,
		APIKey:   "test-key",
		Language: "th",
	})
	completion, err := completer.Complete(context.Background(), Request{
		ConversationID: "conv-1",
		Message:        "ของยังไม่ถึงเลย",
		History:        []Turn{{Role: RoleUser, Content: "สวัสดีครับ"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "complaint", completion.Intent)
	assert.Equal(t, 0.9, completion.Confidence)
	assert.Equal(t, "th", gotReq.Language, "default language fills empty requests")
	assert.Len(t, gotReq.History, 1)
}

func TestComplete_MalformedBodyDegradesToZeroConfidence(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not json"))
	}))
	defer server.Close()

	completer := NewHTTPCompleter(nil, HTTPOptions{BaseURL: server.URL})
	completion, err := completer.Complete(context.Background(), Request{Message: "hi"})
	require.NoError(t, err, "malformed success body must not surface as an error")
	assert.Zero(t, completion.Confidence)
	assert.Empty(t, completion.Reply)
}

func TestComplete_ServerErrorIsRetryable(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	completer := NewHTTPCompleter(nil, HTTPOptions{BaseURL: server.URL})
	_, err := completer.Complete(context.Background(), Request{Message: "hi"})
	assert.Error(t, err)
}

func TestComplete_Timeout(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	completer := NewHTTPCompleter(nil, HTTPOptions{
		BaseURL: server.URL,
		Timeout: 20 * time.Millisecond,
	})
	_, err := completer.Complete(context.Background(), Request{Message: "hi"})
	assert.Error(t, err)
}

func TestComplete_ClampsOutOfRangeScores(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reply":"ok","confidence":1.7,"sentiment_score":-3.2}`))
	}))
	defer server.Close()

	completer := NewHTTPCompleter(nil, HTTPOptions{BaseURL: server.URL})
	completion, err := completer.Complete(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, completion.Confidence)
	assert.Equal(t, -1.0, completion.SentimentScore)
}
