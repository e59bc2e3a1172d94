// Package channels defines the channel contract (§4.2) shared by every
// transport-specific adapter, plus the BaseChannel template that each
// concrete adapter embeds.
package channels

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nanobot-oss/gateway/pkg/bus"
	"github.com/nanobot-oss/gateway/pkg/logger"
)

// Channel is the capability set every adapter implements. The manager
// treats all adapters uniformly through this interface; it never reaches
// into adapter-specific state.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel implements the parts of the contract that are identical
// across adapters: the running flag, the allow-list gate, and the
// HandleMessage template method that applies the gate and publishes
// onto the bus. Concrete adapters embed *BaseChannel and implement
// Start/Stop/Send themselves.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowList []string
	running   atomic.Bool
}

// NewBaseChannel constructs a BaseChannel for the given adapter name,
// bus, and allow-list. An empty allowList admits every sender.
func NewBaseChannel(name string, messageBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       messageBus,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning flips the observable liveness flag. Concrete adapters call
// this from Start/Stop.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// IsAllowed is the allow-list gate: an empty list admits everyone;
// otherwise senderID (or, for a composite id "a|b", either part
// individually) must appear in the list.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	parts := []string{senderID}
	if idx := strings.Index(senderID, "|"); idx >= 0 {
		for _, p := range strings.Split(senderID, "|") {
			if p != "" {
				parts = append(parts, p)
			}
		}
	}

	for _, allowed := range c.allowList {
		for _, p := range parts {
			if p == allowed {
				return true
			}
		}
	}
	return false
}

// HandleMessage is the template method every adapter calls on ingress: it
// applies the allow-list, builds the InboundMessage, and publishes it onto
// the bus. Rejected senders are dropped silently here — they never reach
// the bus (spec §7, Validation failure).
func (c *BaseChannel) HandleMessage(
	ctx context.Context,
	senderID, chatID, content string,
	media []string,
	metadata map[string]string,
) {
	if !c.IsAllowed(senderID) {
		logger.WarnCF("channels", "access denied", map[string]any{
			"channel":   c.name,
			"sender_id": senderID,
		})
		return
	}

	msg := bus.InboundMessage{
		Channel:   c.name,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
		Media:     media,
		Metadata:  metadata,
	}

	if err := c.bus.PublishInbound(ctx, msg); err != nil {
		logger.ErrorCF("channels", "failed to publish inbound message", map[string]any{
			"channel": c.name,
			"chat_id": chatID,
			"error":   err.Error(),
		})
	}
}
