// Package discord implements the archetype-A "self-driven websocket" channel
// adapter (spec §4.3): a long-lived bidirectional gateway connection with
// opcode-based control, plus a REST surface for sends.
package discord

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nanobot-oss/gateway/pkg/bus"
	"github.com/nanobot-oss/gateway/pkg/channels"
	"github.com/nanobot-oss/gateway/pkg/logger"
)

const (
	component = "discord"

	apiBase = "https://discord.com/api/v10"

	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10

	reconnectBackoff = 5 * time.Second
	typingInterval   = 8 * time.Second
	maxSendAttempts  = 3

	maxAttachmentBytes = 20 * 1024 * 1024 // 20 MiB, per spec §9 design notes
)

// Config is the adapter's configuration surface (spec §6): a bot token,
// the gateway websocket URL, the gateway intents bitmask, and the common
// enabled/allow_from fields.
type Config struct {
	Enabled    bool
	Token      string
	GatewayURL string
	Intents    int
	AllowFrom  []string

	// HTTPTimeout overrides the default 30s REST send timeout (spec §5).
	HTTPTimeout time.Duration
}

type gatewayFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloPayload struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval"`
}

type attachment struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type author struct {
	ID  string `json:"id"`
	Bot bool   `json:"bot"`
}

type messageReference struct {
	ID string `json:"id"`
}

type messageCreatePayload struct {
	ID                string            `json:"id"`
	ChannelID         string            `json:"channel_id"`
	GuildID           string            `json:"guild_id"`
	Content           string            `json:"content"`
	Author            author            `json:"author"`
	Attachments       []attachment      `json:"attachments"`
	ReferencedMessage *messageReference `json:"referenced_message"`
}

// Channel is the archetype-A adapter. It owns one websocket connection at a
// time plus an HTTP client for REST sends; Start runs the reconnect loop
// until Stop is called.
type Channel struct {
	*channels.BaseChannel
	cfg    Config
	http   *http.Client
	ctx    context.Context
	cancel context.CancelFunc

	// apiBase is the REST API origin; overridable (package-internal tests
	// only) to point Send at an httptest.Server instead of Discord itself.
	apiBase string

	connMu sync.Mutex
	conn   *websocket.Conn
	seq    atomic.Pointer[int64] // written by the gateway reader, read by the heartbeat ticker

	hbCancel func()

	typingMu sync.Mutex
	typing   map[string]func() // chat_id -> stop
}

// New constructs a Discord archetype-A channel. messageBus is where
// accepted inbound messages are published.
func New(cfg Config, messageBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token required")
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", messageBus, cfg.AllowFrom),
		cfg:         cfg,
		http:        &http.Client{Timeout: timeout},
		typing:      make(map[string]func()),
		apiBase:     apiBase,
	}, nil
}

// Start implements the reconnect loop described in spec §4.3: connect,
// run the gateway loop until it exits (error, RECONNECT, INVALID_SESSION,
// or a transport failure), then back off 5s and reconnect, until Stop is
// called.
func (c *Channel) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.SetRunning(true)

	go c.runLoop()
	return nil
}

func (c *Channel) runLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		logger.InfoC(component, "connecting to gateway")
		conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.cfg.GatewayURL, nil)
		if err != nil {
			logger.WarnCF(component, "gateway dial failed", map[string]any{"error": err.Error()})
			if c.sleepOrStop(reconnectBackoff) {
				return
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.gatewayLoop(conn)

		c.stopHeartbeat()
		conn.Close()

		select {
		case <-c.ctx.Done():
			return
		default:
		}
		logger.InfoC(component, "reconnecting to gateway in 5s")
		if c.sleepOrStop(reconnectBackoff) {
			return
		}
	}
}

// sleepOrStop sleeps for d unless the adapter is stopped first; it returns
// true if Stop fired during the sleep (so the caller should exit rather
// than reconnect).
func (c *Channel) sleepOrStop(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return true
	case <-t.C:
		return false
	}
}

func (c *Channel) gatewayLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				logger.WarnCF(component, "gateway read error", map[string]any{"error": err.Error()})
			}
			return
		}

		var frame gatewayFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.WarnCF(component, "invalid gateway frame", map[string]any{"error": err.Error()})
			continue
		}
		if frame.S != nil {
			s := *frame.S
			c.seq.Store(&s)
		}

		switch frame.Op {
		case opHello:
			var hello helloPayload
			_ = json.Unmarshal(frame.D, &hello)
			c.startHeartbeat(conn, time.Duration(hello.HeartbeatIntervalMS)*time.Millisecond)
			c.identify(conn)
		case opDispatch:
			if frame.T == "MESSAGE_CREATE" {
				var payload messageCreatePayload
				if err := json.Unmarshal(frame.D, &payload); err != nil {
					logger.WarnCF(component, "invalid MESSAGE_CREATE payload", map[string]any{"error": err.Error()})
					continue
				}
				c.handleMessageCreate(payload)
			}
		case opReconnect:
			logger.InfoC(component, "gateway requested reconnect")
			return
		case opInvalidSession:
			logger.WarnC(component, "gateway invalid session")
			return
		}
	}
}

func (c *Channel) identify(conn *websocket.Conn) {
	payload := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   c.cfg.Token,
			"intents": c.cfg.Intents,
			"properties": map[string]string{
				"os":      "nanobot-gateway",
				"browser": "nanobot-gateway",
				"device":  "nanobot-gateway",
			},
		},
	}
	data, _ := json.Marshal(payload)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.WarnCF(component, "identify send failed", map[string]any{"error": err.Error()})
	}
}

func (c *Channel) startHeartbeat(conn *websocket.Conn, interval time.Duration) {
	c.stopHeartbeat()

	done := make(chan struct{})
	c.hbCancel = func() { close(done) }

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				payload := map[string]any{"op": opHeartbeat, "d": c.seq.Load()}
				data, _ := json.Marshal(payload)
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					logger.WarnCF(component, "heartbeat send failed", map[string]any{"error": err.Error()})
					return
				}
			}
		}
	}()
}

func (c *Channel) stopHeartbeat() {
	if c.hbCancel != nil {
		c.hbCancel()
		c.hbCancel = nil
	}
}

func (c *Channel) handleMessageCreate(payload messageCreatePayload) {
	if payload.Author.Bot {
		return
	}
	if payload.Author.ID == "" || payload.ChannelID == "" {
		return
	}
	if !c.IsAllowed(payload.Author.ID) {
		logger.WarnCF(component, "access denied", map[string]any{"sender_id": payload.Author.ID})
		return
	}

	contentParts := []string{}
	if payload.Content != "" {
		contentParts = append(contentParts, payload.Content)
	}

	media := make([]string, 0, len(payload.Attachments))
	for _, att := range payload.Attachments {
		if att.Size > 0 && att.Size > maxAttachmentBytes {
			contentParts = append(contentParts, "[too large]")
			continue
		}
		path, err := c.downloadAttachment(payload.Author.ID, att)
		if err != nil {
			logger.WarnCF(component, "attachment download failed", map[string]any{"error": err.Error()})
			contentParts = append(contentParts, "[download failed]")
			continue
		}
		media = append(media, path)
		contentParts = append(contentParts, "[attachment: "+path+"]")
	}

	metadata := map[string]string{
		"message_id": payload.ID,
		"guild_id":   payload.GuildID,
	}
	if payload.ReferencedMessage != nil {
		metadata["reply_to"] = payload.ReferencedMessage.ID
	}

	c.startTyping(payload.ChannelID)

	content := strings.Join(contentParts, "\n")
	if content == "" {
		content = "[empty message]"
	}

	c.HandleMessage(c.ctx, payload.Author.ID, payload.ChannelID, content, media, metadata)
}

// downloadAttachment fetches att to the per-user media directory
// (~/.nanobot/media/), sanitizing the filename (path separators replaced).
func (c *Channel) downloadAttachment(senderID string, att attachment) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	mediaDir := filepath.Join(home, ".nanobot", "media")
	if err := os.MkdirAll(mediaDir, 0o700); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discord: attachment fetch status %d", resp.StatusCode)
	}

	safe := sanitizeFilename(att.Filename)
	id := att.ID
	if id == "" {
		id = uniqueSuffix()
	}
	localPath := filepath.Join(mediaDir, id+"_"+safe)

	f, err := os.Create(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(localPath)
		return "", err
	}

	return localPath, nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" {
		name = "attachment"
	}
	return name
}

func uniqueSuffix() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// startTyping begins (or restarts) a periodic typing indicator for
// chatID, re-pinging every 8s. A new start cancels any prior typing task
// for the same conversation — at most one runs at a time.
func (c *Channel) startTyping(chatID string) {
	c.stopTyping(chatID)

	done := make(chan struct{})
	c.typingMu.Lock()
	c.typing[chatID] = func() { close(done) }
	c.typingMu.Unlock()

	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		c.sendTypingPing(chatID)
		for {
			select {
			case <-done:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.sendTypingPing(chatID)
			}
		}
	}()
}

func (c *Channel) stopTyping(chatID string) {
	c.typingMu.Lock()
	stop, ok := c.typing[chatID]
	delete(c.typing, chatID)
	c.typingMu.Unlock()
	if ok {
		stop()
	}
}

func (c *Channel) sendTypingPing(chatID string) {
	url := fmt.Sprintf("%s/channels/%s/typing", c.apiBase, chatID)
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bot "+c.cfg.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// Send posts msg to the REST send endpoint. On a 429 it honors the
// server-provided retry_after exactly, retrying up to 3 attempts total;
// any other failure is logged and dropped.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return channels.ErrNotRunning
	}
	defer c.stopTyping(msg.ChatID)

	body := map[string]any{"content": msg.Content}
	if msg.ReplyTo != "" {
		body["message_reference"] = map[string]string{"message_id": msg.ReplyTo}
		body["allowed_mentions"] = map[string]bool{"replied_user": false}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("discord: encode payload: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages", c.apiBase, msg.ChatID)

	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.cfg.Token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", channels.ErrTemporary, err)
			logger.WarnCF(component, "send error", map[string]any{"error": err.Error()})
			break
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := readRetryAfter(resp.Body)
			resp.Body.Close()
			logger.WarnCF(component, "rate limited", map[string]any{"retry_after": retryAfter})
			lastErr = channels.ErrRateLimit
			if attempt < maxSendAttempts {
				time.Sleep(time.Duration(retryAfter * float64(time.Second)))
			}
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("%w: status %d", channels.ErrSendFailed, resp.StatusCode)
			break
		}
		return nil
	}

	logger.ErrorCF(component, "send failed after retries", map[string]any{
		"chat_id": msg.ChatID,
		"error":   lastErr.Error(),
	})
	return lastErr
}

func readRetryAfter(r io.Reader) float64 {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	data, _ := io.ReadAll(r)
	if err := json.Unmarshal(data, &body); err != nil || body.RetryAfter <= 0 {
		return 1.0
	}
	return body.RetryAfter
}

// Stop cancels background work and closes the connection. Idempotent.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}

	c.typingMu.Lock()
	for _, stop := range c.typing {
		stop()
	}
	c.typing = make(map[string]func())
	c.typingMu.Unlock()

	c.stopHeartbeat()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	return nil
}
