// Package heartbeat implements the periodic workspace check-in service
// (spec §4.7): on each tick it reads a workspace HEARTBEAT.md file and, if
// it has actionable content, wakes the agent with a fixed prompt.
package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nanobot-oss/gateway/pkg/logger"
)

const component = "heartbeat"

// DefaultInterval is the tick period used when none is configured.
const DefaultInterval = 30 * time.Minute

// Prompt is sent to the installed handler on every non-skipped tick.
const Prompt = `Read HEARTBEAT.md in your workspace (if it exists).
Follow any instructions or tasks listed there.
If nothing needs attention, reply with just: HEARTBEAT_OK`

// okToken is matched case-insensitively and with underscores ignored
// against the handler's response (spec §4.7).
const okToken = "HEARTBEATOK"

// skipCheckboxLines are the only checkbox forms that count as "no
// actionable content" — an unchecked or checked box with no trailing text.
var skipCheckboxLines = map[string]bool{
	"- [ ]": true, "* [ ]": true,
	"- [x]": true, "* [x]": true,
}

// OnHeartbeat is the narrow external contract: given the fixed prompt,
// produce the agent's reply.
type OnHeartbeat func(ctx context.Context, prompt string) (string, error)

// Service ticks on a configurable period, reading HEARTBEAT.md from
// workspace and invoking the installed handler when it has content.
type Service struct {
	workspace   string
	interval    time.Duration
	enabled     bool
	onHeartbeat OnHeartbeat

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Service. interval<=0 uses DefaultInterval.
func New(workspace string, interval time.Duration, enabled bool, onHeartbeat OnHeartbeat) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		workspace:   workspace,
		interval:    interval,
		enabled:     enabled,
		onHeartbeat: onHeartbeat,
	}
}

func (s *Service) heartbeatFile() string {
	return filepath.Join(s.workspace, "HEARTBEAT.md")
}

// Start launches the tick loop. Disabled mode is a no-op (spec §4.7).
func (s *Service) Start(ctx context.Context) {
	if !s.enabled {
		logger.InfoC(component, "heartbeat disabled")
		return
	}

	s.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	logger.InfoCF(component, "heartbeat started", map[string]any{"interval": s.interval.String()})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the tick loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (s *Service) tick(ctx context.Context) {
	content, err := s.readHeartbeatFile()
	if err != nil {
		logger.WarnCF(component, "failed to read heartbeat file", map[string]any{"error": err.Error()})
		return
	}

	if isHeartbeatEmpty(content) {
		logger.DebugC(component, "no tasks, heartbeat file empty")
		return
	}

	logger.InfoC(component, "checking for tasks")
	if s.onHeartbeat == nil {
		return
	}

	response, err := s.onHeartbeat(ctx, Prompt)
	if err != nil {
		logger.ErrorCF(component, "heartbeat execution failed", map[string]any{"error": err.Error()})
		return
	}

	if isOKResponse(response) {
		logger.InfoC(component, "ok, no action needed")
	} else {
		logger.InfoC(component, "completed task")
	}
}

// TriggerNow invokes the handler immediately and unconditionally,
// bypassing the empty-file skip check.
func (s *Service) TriggerNow(ctx context.Context) (string, error) {
	if s.onHeartbeat == nil {
		return "", nil
	}
	return s.onHeartbeat(ctx, Prompt)
}

func (s *Service) readHeartbeatFile() (string, error) {
	data, err := os.ReadFile(s.heartbeatFile())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// isHeartbeatEmpty reports whether content has no actionable lines: every
// non-blank line is a heading, an HTML comment, or an empty checkbox.
func isHeartbeatEmpty(content string) bool {
	if strings.TrimSpace(content) == "" {
		return true
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "<!--") || skipCheckboxLines[line] {
			continue
		}
		return false
	}
	return true
}

func isOKResponse(response string) bool {
	normalized := strings.ToUpper(strings.ReplaceAll(response, "_", ""))
	return strings.Contains(normalized, okToken)
}
