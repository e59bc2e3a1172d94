package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanobot-oss/gateway/pkg/bus"
	"github.com/nanobot-oss/gateway/pkg/channels"
)

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{}, bus.NewMessageBus())
	require.Error(t, err)
}

func TestNewDefaultsGatewayURL(t *testing.T) {
	ch, err := New(Config{Token: "tok"}, bus.NewMessageBus())
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.discord.gg/?v=10&encoding=json", ch.cfg.GatewayURL)
	assert.Equal(t, "discord", ch.Name())
	assert.False(t, ch.IsRunning())
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain name", "cat.png", "cat.png"},
		{"path traversal", "../../etc/passwd", "passwd"},
		{"embedded slash", "a/b/c.png", "c.png"},
		{"embedded backslash", `a\b\c.png`, "c.png"},
		{"empty name", "", "attachment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeFilename(tt.input))
		})
	}
}

func TestHandleMessageCreateFiltersBotAuthors(t *testing.T) {
	b := bus.NewMessageBus()
	ch, err := New(Config{Token: "tok"}, b)
	require.NoError(t, err)
	ch.ctx = context.Background()

	ch.handleMessageCreate(messageCreatePayload{
		ID:        "m1",
		ChannelID: "c1",
		Content:   "hello",
		Author:    author{ID: "bot1", Bot: true},
	})

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, ok := b.ConsumeInbound(timeoutCtx)
	assert.False(t, ok)
}

func TestHandleMessageCreatePublishesInbound(t *testing.T) {
	b := bus.NewMessageBus()
	ch, err := New(Config{Token: "tok"}, b)
	require.NoError(t, err)
	ch.ctx = context.Background()

	ch.handleMessageCreate(messageCreatePayload{
		ID:        "m1",
		ChannelID: "c1",
		Content:   "hello",
		Author:    author{ID: "u1"},
	})

	msg, ok := b.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "discord:c1", msg.SessionKey())
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "m1", msg.Metadata["message_id"])

	ch.stopTyping("c1")
}

func TestHandleMessageCreateRejectsDisallowedSenderBeforeSideEffects(t *testing.T) {
	b := bus.NewMessageBus()
	ch, err := New(Config{Token: "tok", AllowFrom: []string{"allowed-user"}}, b)
	require.NoError(t, err)
	ch.ctx = context.Background()

	ch.handleMessageCreate(messageCreatePayload{
		ID:        "m1",
		ChannelID: "c1",
		Content:   "hello",
		Author:    author{ID: "stranger"},
		Attachments: []attachment{
			{ID: "a1", Filename: "cat.png", URL: "http://example.invalid/cat.png", Size: 10},
		},
	})

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, ok := b.ConsumeInbound(timeoutCtx)
	assert.False(t, ok, "disallowed sender's message must never reach the bus")

	ch.typingMu.Lock()
	defer ch.typingMu.Unlock()
	assert.Empty(t, ch.typing, "disallowed sender must never start a typing task")
}

func TestReadRetryAfterParsesBody(t *testing.T) {
	r := strings.NewReader(`{"retry_after":2.5}`)
	assert.Equal(t, 2.5, readRetryAfter(r))
}

func TestReadRetryAfterDefaultsOnGarbage(t *testing.T) {
	r := strings.NewReader(`not json`)
	assert.Equal(t, 1.0, readRetryAfter(r))
}

func TestSendFailsWhenNotRunning(t *testing.T) {
	b := bus.NewMessageBus()
	ch, err := New(Config{Token: "tok"}, b)
	require.NoError(t, err)

	err = ch.Send(context.Background(), bus.OutboundMessage{ChatID: "c1", Content: "hi"})
	assert.ErrorIs(t, err, channels.ErrNotRunning)
}

// TestSendRetriesOnRateLimitThenSucceeds drives the full 429/retry_after
// loop (spec §8 scenario 2) against a real HTTP server standing in for
// Discord's REST API: it rejects the first two attempts with 429 and a
// tiny retry_after, then accepts the third.
func TestSendRetriesOnRateLimitThenSucceeds(t *testing.T) {
	var attempts int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&attempts, 1)
		if n < maxSendAttempts {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]float64{"retry_after": 0.01})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	b := bus.NewMessageBus()
	ch, err := New(Config{Token: "tok"}, b)
	require.NoError(t, err)
	ch.apiBase = server.URL
	ch.SetRunning(true)

	err = ch.Send(context.Background(), bus.OutboundMessage{ChatID: "c1", Content: "hi"})
	require.NoError(t, err)
	assert.EqualValues(t, maxSendAttempts, atomic.LoadInt64(&attempts))
}

// TestSendReturnsRateLimitAfterExhaustingRetries confirms the adapter
// gives up and surfaces ErrRateLimit once every attempt is 429'd, rather
// than retrying forever.
func TestSendReturnsRateLimitAfterExhaustingRetries(t *testing.T) {
	var attempts int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]float64{"retry_after": 0.01})
	}))
	defer server.Close()

	b := bus.NewMessageBus()
	ch, err := New(Config{Token: "tok"}, b)
	require.NoError(t, err)
	ch.apiBase = server.URL
	ch.SetRunning(true)

	err = ch.Send(context.Background(), bus.OutboundMessage{ChatID: "c1", Content: "hi"})
	assert.ErrorIs(t, err, channels.ErrRateLimit)
	assert.EqualValues(t, maxSendAttempts, atomic.LoadInt64(&attempts))
}
