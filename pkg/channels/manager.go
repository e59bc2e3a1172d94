package channels

import (
	"context"
	"sync"
	"time"

	"github.com/nanobot-oss/gateway/pkg/bus"
	"github.com/nanobot-oss/gateway/pkg/logger"
)

const (
	outboundConsumeTimeout = time.Second
	stopTimeout            = 10 * time.Second
)

// ChannelStatus is one adapter's entry in a Manager status snapshot.
type ChannelStatus struct {
	Name    string
	Enabled bool
	Running bool
}

// Factory constructs a channel adapter. It returns (nil, nil) when the
// adapter's optional backing dependency is unavailable — that is a skip,
// not a failure — and a non-nil error only for a genuine construction
// failure (e.g. a config value that could never work).
type Factory func(messageBus *bus.MessageBus) (Channel, error)

// Manager owns every configured adapter plus the outbound dispatcher
// (spec §4.5). It never holds cross-adapter locks; each adapter confines
// its own state to itself.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	channels map[string]Channel
	enabled  map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager enumerates the given factories under a capability probe: a
// factory returning (nil, nil) is skipped with a warning; a non-nil error
// is a construction failure logged the same way. Every other factory's
// adapter is registered and enabled.
func NewManager(messageBus *bus.MessageBus, factories map[string]Factory) *Manager {
	m := &Manager{
		bus:      messageBus,
		channels: make(map[string]Channel),
		enabled:  make(map[string]bool),
	}

	for name, factory := range factories {
		ch, err := factory(messageBus)
		if err != nil {
			logger.WarnCF("manager", "channel construction failed, skipping", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			continue
		}
		if ch == nil {
			logger.WarnCF("manager", "channel unavailable, skipping", map[string]any{"channel": name})
			continue
		}
		m.channels[name] = ch
		m.enabled[name] = true
	}

	return m
}

// StartAll launches every registered adapter as an independent supervised
// goroutine and starts the outbound dispatcher. One adapter failing to
// start is logged and does not prevent the others from starting.
func (m *Manager) StartAll(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		name, ch := name, ch
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := ch.Start(ctx); err != nil {
				logger.ErrorCF("manager", "channel failed to start", map[string]any{
					"channel": name,
					"error":   err.Error(),
				})
			}
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatchOutbound(ctx)
	}()
}

// dispatchOutbound is the single outbound loop described in spec §4.5: it
// consumes from the bus with a bounded wait (so cancellation is timely),
// looks up the target adapter by channel name, and invokes Send. Unknown
// channels and send errors are logged; neither stops the loop, and per-
// channel ordering is preserved because this is the only consumer of the
// outbound queue.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		waitCtx, cancel := context.WithTimeout(ctx, outboundConsumeTimeout)
		msg, ok := m.bus.ConsumeOutbound(waitCtx)
		cancel()
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		ch := m.lookup(msg.Channel)
		if ch == nil {
			logger.WarnCF("manager", "outbound message for unknown channel", map[string]any{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
			})
			continue
		}

		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("manager", "send failed", map[string]any{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}

func (m *Manager) lookup(name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[name]
}

// StopAll cancels the dispatcher and stops every adapter. Errors from an
// individual Stop are logged, never propagated — a misbehaving adapter
// must not prevent the others from shutting down.
func (m *Manager) StopAll(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	chans := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		chans[name] = ch
	}
	m.mu.RUnlock()

	for name, ch := range chans {
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		if err := ch.Stop(stopCtx); err != nil {
			logger.WarnCF("manager", "channel stop error", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
		}
		cancel()
	}

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(stopTimeout):
		logger.WarnC("manager", "timed out waiting for channel goroutines to exit")
	}
}

// GetStatus returns an enabled-and-running snapshot per channel.
func (m *Manager) GetStatus() []ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ChannelStatus, 0, len(m.channels))
	for name, ch := range m.channels {
		statuses = append(statuses, ChannelStatus{
			Name:    name,
			Enabled: m.enabled[name],
			Running: ch.IsRunning(),
		})
	}
	return statuses
}

// Channel looks up a registered adapter by name, for callers (e.g. a CLI
// status command) that need direct access rather than the summarized
// GetStatus view. The bool is false if no such adapter was registered.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}
