// Package feishu implements the archetype-B "SDK-bridged websocket"
// channel adapter (spec §4.4): the Lark/Feishu SDK owns its own
// websocket connection and goroutine; every event it delivers is bridged
// onto a single cooperative-scheduler goroutine before this adapter
// touches the bus or the dedup cache.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/nanobot-oss/gateway/pkg/bus"
	"github.com/nanobot-oss/gateway/pkg/channels"
	"github.com/nanobot-oss/gateway/pkg/logger"
)

const component = "feishu"

// msgTypePlaceholder maps a non-text Feishu message type to the display
// placeholder forwarded as InboundMessage content, mirroring the archetype
// B "placeholder for unsupported message types" requirement in spec §4.4.
var msgTypePlaceholder = map[string]string{
	"image":   "[image]",
	"audio":   "[audio]",
	"file":    "[file]",
	"sticker": "[sticker]",
}

// tableRE matches a full markdown table (header row, separator row, one or
// more data rows) so it can be rendered as a Feishu interactive-card table
// element instead of flattened markdown text.
var tableRE = regexp.MustCompile(`(?m)((?:^[ \t]*\|.+\|[ \t]*\n)(?:^[ \t]*\|[-:\s|]+\|[ \t]*\n)(?:^[ \t]*\|.+\|[ \t]*\n?)+)`)

// Config is the adapter's configuration surface (spec §6): Feishu app
// credentials plus the common enabled/allow_from fields.
type Config struct {
	Enabled   bool
	AppID     string
	AppSecret string
	AllowFrom []string
}

// bridgedEvent is what the SDK's own callback goroutine pushes onto the
// scheduler channel; the scheduler goroutine is the only place that ever
// touches c.dedup or publishes to the bus.
type bridgedEvent struct {
	messageID string
	senderID  string
	chatID    string
	chatType  string
	msgType   string
	content   string
	isBot     bool
}

// Channel is the archetype-B adapter.
type Channel struct {
	*channels.BaseChannel
	cfg    Config
	client *lark.Client
	wsCli  *larkws.Client

	ctx    context.Context
	cancel context.CancelFunc

	events chan bridgedEvent
	dedup  *dedupCache

	wg sync.WaitGroup
}

// New constructs a Feishu archetype-B channel. messageBus is where
// accepted inbound messages are published.
func New(cfg Config, messageBus *bus.MessageBus) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu: app_id and app_secret required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("feishu", messageBus, cfg.AllowFrom),
		cfg:         cfg,
		events:      make(chan bridgedEvent, 256),
		dedup:       newDedupCache(),
	}, nil
}

// Start builds the Lark REST client, registers the event handler, and
// launches the SDK's websocket client as a daemon goroutine — it owns its
// own connection lifecycle entirely. A second goroutine, the cooperative
// scheduler, is the sole consumer of the bridge channel and the sole
// owner of the dedup cache and bus publication.
func (c *Channel) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.client = lark.NewClient(c.cfg.AppID, c.cfg.AppSecret)

	handler := larkcore.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
			c.bridgeEvent(event)
			return nil
		})

	c.wsCli = larkws.NewClient(
		c.cfg.AppID,
		c.cfg.AppSecret,
		larkws.WithEventHandler(handler),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := c.wsCli.Start(c.ctx); err != nil && c.ctx.Err() == nil {
			logger.ErrorCF(component, "websocket client exited", map[string]any{"error": err.Error()})
		}
	}()
	go func() {
		defer c.wg.Done()
		c.scheduler()
	}()

	c.SetRunning(true)
	logger.InfoC(component, "started, websocket owned by SDK client")
	return nil
}

// bridgeEvent runs on the SDK's own callback goroutine. It does the
// minimum parsing needed to hand a plain value to the scheduler — it
// never touches the dedup cache or the bus directly.
func (c *Channel) bridgeEvent(event *larkim.P2MessageReceiveV1) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return
	}
	msg := event.Event.Message
	sender := event.Event.Sender

	ev := bridgedEvent{
		messageID: strOrEmpty(msg.MessageId),
		chatID:    strOrEmpty(msg.ChatId),
		chatType:  strOrEmpty(msg.ChatType),
		msgType:   strOrEmpty(msg.MessageType),
	}
	if sender != nil {
		ev.isBot = strOrEmpty(sender.SenderType) == "bot"
		if sender.SenderId != nil {
			ev.senderID = strOrEmpty(sender.SenderId.OpenId)
		}
	}

	switch ev.msgType {
	case "text":
		ev.content = extractText(strOrEmpty(msg.Content))
	default:
		if placeholder, ok := msgTypePlaceholder[ev.msgType]; ok {
			ev.content = placeholder
		} else {
			ev.content = "[" + ev.msgType + "]"
		}
	}

	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func extractText(raw string) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return raw
	}
	return body.Text
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// scheduler is the single goroutine that ever mutates the dedup cache or
// publishes onto the bus for this adapter — the discipline spec §4.4
// requires: SDK-thread events are bridged here, never processed in place.
func (c *Channel) scheduler() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.process(ev)
		}
	}
}

func (c *Channel) process(ev bridgedEvent) {
	if ev.messageID == "" {
		return
	}
	if c.dedup.SeenOrAdd(ev.messageID) {
		return
	}
	if ev.isBot {
		return
	}
	if ev.content == "" {
		return
	}

	c.addReactionBestEffort(ev.messageID)

	replyChat := ev.senderID
	if ev.chatType == "group" {
		replyChat = ev.chatID
	}

	c.HandleMessage(c.ctx, ev.senderID, replyChat, ev.content, nil, map[string]string{
		"message_id": ev.messageID,
		"chat_type":  ev.chatType,
		"msg_type":   ev.msgType,
	})
}

// addReactionBestEffort marks a message as seen with a thumbsup reaction.
// Failure is logged, never surfaced — the reaction is cosmetic.
func (c *Channel) addReactionBestEffort(messageID string) {
	if c.client == nil {
		return
	}
	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(messageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().EmojiType("THUMBSUP").Build()).
			Build()).
		Build()

	resp, err := c.client.Im.V1.MessageReaction.Create(c.ctx, req)
	if err != nil {
		logger.WarnCF(component, "reaction request failed", map[string]any{"error": err.Error()})
		return
	}
	if resp != nil && !resp.Success() {
		logger.WarnCF(component, "reaction rejected", map[string]any{"code": resp.Code, "msg": resp.Msg})
	}
}

// Send renders msg.Content as a Feishu interactive card — markdown text
// interleaved with any markdown tables detected in it, each rendered as a
// native table element — and posts it via the REST API.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return channels.ErrNotRunning
	}

	receiveIDType := "open_id"
	if strings.HasPrefix(msg.ChatID, "oc_") {
		receiveIDType = "chat_id"
	}

	card := map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"elements": buildCardElements(msg.Content),
	}
	content, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("feishu: encode card: %w", err)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(msg.ChatID).
			MsgType("interactive").
			Content(string(content)).
			Build()).
		Build()

	resp, err := c.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", channels.ErrTemporary, err)
	}
	if !resp.Success() {
		return fmt.Errorf("%w: code=%d msg=%s", channels.ErrSendFailed, resp.Code, resp.Msg)
	}
	return nil
}

// buildCardElements splits content into alternating markdown and table
// card elements, preserving order — any markdown tables are rendered
// natively; everything else stays as markdown.
func buildCardElements(content string) []map[string]any {
	var elements []map[string]any
	lastEnd := 0

	for _, loc := range tableRE.FindAllStringIndex(content, -1) {
		before := strings.TrimSpace(content[lastEnd:loc[0]])
		if before != "" {
			elements = append(elements, map[string]any{"tag": "markdown", "content": before})
		}
		tableText := content[loc[0]:loc[1]]
		if table := parseMarkdownTable(tableText); table != nil {
			elements = append(elements, table)
		} else {
			elements = append(elements, map[string]any{"tag": "markdown", "content": tableText})
		}
		lastEnd = loc[1]
	}

	remaining := strings.TrimSpace(content[lastEnd:])
	if remaining != "" {
		elements = append(elements, map[string]any{"tag": "markdown", "content": remaining})
	}
	if len(elements) == 0 {
		elements = append(elements, map[string]any{"tag": "markdown", "content": content})
	}
	return elements
}

func parseMarkdownTable(tableText string) map[string]any {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(tableText), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) < 3 {
		return nil
	}

	splitRow := func(l string) []string {
		l = strings.Trim(l, "|")
		parts := strings.Split(l, "|")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		return parts
	}

	headers := splitRow(lines[0])
	columns := make([]map[string]any, len(headers))
	for i, h := range headers {
		columns[i] = map[string]any{
			"tag":          "column",
			"name":         fmt.Sprintf("c%d", i),
			"display_name": h,
			"width":        "auto",
		}
	}

	rows := make([]map[string]any, 0, len(lines)-2)
	for _, l := range lines[2:] {
		cells := splitRow(l)
		row := make(map[string]any, len(headers))
		for i := range headers {
			if i < len(cells) {
				row[fmt.Sprintf("c%d", i)] = cells[i]
			} else {
				row[fmt.Sprintf("c%d", i)] = ""
			}
		}
		rows = append(rows, row)
	}

	return map[string]any{
		"tag":       "table",
		"page_size": len(rows) + 1,
		"columns":   columns,
		"rows":      rows,
	}
}

// Stop cancels the scheduler and the SDK's websocket client, and waits
// for both background goroutines to exit.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return nil
}
