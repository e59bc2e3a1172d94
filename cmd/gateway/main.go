// Command gateway starts the multi-channel chat-agent gateway: it wires
// the message bus, the configured channel adapters, the persistent cron
// service, and the heartbeat service together around a narrow agent
// contract, then runs until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanobot-oss/gateway/pkg/agent"
	"github.com/nanobot-oss/gateway/pkg/bus"
	"github.com/nanobot-oss/gateway/pkg/channels"
	"github.com/nanobot-oss/gateway/pkg/channels/discord"
	"github.com/nanobot-oss/gateway/pkg/channels/feishu"
	"github.com/nanobot-oss/gateway/pkg/config"
	"github.com/nanobot-oss/gateway/pkg/cron"
	"github.com/nanobot-oss/gateway/pkg/heartbeat"
	"github.com/nanobot-oss/gateway/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		debug      bool
		logFilter  string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the channel gateway",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return gatewayCmd(configPath, debug, logFilter)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&logFilter, "log-filter", "", "Filter logs by component (comma separated)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "gateway.json", "Path to config file")

	return cmd
}

func gatewayCmd(configPath string, debug bool, logFilter string) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("debug logging enabled")
	}
	if logFilter != "" {
		logger.SetComponentFilter(logFilter)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Log.Level == "debug" && !debug {
		logger.SetLevel(logger.DEBUG)
	}
	if cfg.Log.Component != "" && logFilter == "" {
		logger.SetComponentFilter(cfg.Log.Component)
	}
	if cfg.Log.FilePath != "" {
		if err := logger.EnableFileLogging(cfg.Log.FilePath); err != nil {
			return fmt.Errorf("enable file logging: %w", err)
		}
	}

	msgBus := bus.NewMessageBus()
	loop := agent.NewEcho()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runInboundLoop(ctx, msgBus, loop)

	cronStorePath := cfg.Cron.StorePath
	if !filepath.IsAbs(cronStorePath) {
		cronStorePath = filepath.Join(cfg.Workspace, cronStorePath)
	}
	cronService := cron.NewService(cronStorePath, func(job *cron.CronJob) (string, error) {
		return runCronJob(ctx, loop, msgBus, job)
	})

	heartbeatService := heartbeat.New(cfg.Workspace, cfg.Heartbeat.Interval, cfg.Heartbeat.Enabled,
		func(ctx context.Context, prompt string) (string, error) {
			return loop.ProcessDirect(ctx, prompt, "heartbeat:direct", "heartbeat", "direct")
		})

	manager := channels.NewManager(msgBus, map[string]channels.Factory{
		"discord": func(b *bus.MessageBus) (channels.Channel, error) {
			if !cfg.Channels.Discord.Enabled {
				return nil, nil
			}
			return discord.New(discord.Config{
				Enabled:     true,
				Token:       cfg.Channels.Discord.Token,
				GatewayURL:  cfg.Channels.Discord.GatewayURL,
				Intents:     cfg.Channels.Discord.Intents,
				AllowFrom:   cfg.Channels.Discord.AllowFrom,
				HTTPTimeout: 30 * time.Second,
			}, b)
		},
		"feishu": func(b *bus.MessageBus) (channels.Channel, error) {
			if !cfg.Channels.Feishu.Enabled {
				return nil, nil
			}
			return feishu.New(feishu.Config{
				Enabled:   true,
				AppID:     cfg.Channels.Feishu.AppID,
				AppSecret: cfg.Channels.Feishu.AppSecret,
				AllowFrom: cfg.Channels.Feishu.AllowFrom,
			}, b)
		},
	})

	if err := cronService.Start(); err != nil {
		fmt.Printf("error starting cron service: %v\n", err)
	} else {
		fmt.Println("cron service started")
	}

	heartbeatService.Start(ctx)
	fmt.Println("heartbeat service started")

	manager.StartAll(ctx)
	for _, status := range manager.GetStatus() {
		fmt.Printf("channel %s: enabled=%v\n", status.Name, status.Enabled)
	}

	fmt.Println("gateway running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	fmt.Println("shutting down...")
	cancel()
	msgBus.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	manager.StopAll(shutdownCtx)
	heartbeatService.Stop()
	cronService.Stop()

	fmt.Println("gateway stopped")
	return nil
}

// runInboundLoop is the single consumer of the inbound queue: every
// message that clears an adapter's allow-list gate is handed to the
// agent's DirectProcessor, and any non-empty reply is published back onto
// the outbound queue addressed to the originating channel and chat.
func runInboundLoop(ctx context.Context, msgBus *bus.MessageBus, loop *agent.Loop) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		reply, err := loop.ProcessDirect(ctx, msg.Content, msg.SessionKey(), msg.Channel, msg.ChatID)
		if err != nil {
			logger.ErrorCF("gateway", "agent processing failed", map[string]any{
				"channel": msg.Channel, "chat_id": msg.ChatID, "error": err.Error(),
			})
			continue
		}
		if reply == "" {
			continue
		}

		out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply}
		if err := msgBus.PublishOutbound(ctx, out); err != nil {
			logger.ErrorCF("gateway", "failed to publish reply", map[string]any{
				"channel": msg.Channel, "chat_id": msg.ChatID, "error": err.Error(),
			})
		}
	}
}

// runCronJob implements the job.payload.deliver contract (spec §6): a job
// always invokes the agent with its message; if deliver is set, the
// result is also published to the named channel/chat as an outbound
// message.
func runCronJob(ctx context.Context, loop *agent.Loop, msgBus *bus.MessageBus, job *cron.CronJob) (string, error) {
	sessionKey := "cron:" + job.ID
	channel, chatID := job.Payload.Channel, job.Payload.To
	if channel == "" || chatID == "" {
		channel, chatID = "cron", job.ID
	}

	result, err := loop.ProcessDirect(ctx, job.Payload.Message, sessionKey, channel, chatID)
	if err != nil {
		return "", err
	}

	if job.Payload.Deliver && job.Payload.Channel != "" && job.Payload.To != "" && result != "" {
		out := bus.OutboundMessage{Channel: job.Payload.Channel, ChatID: job.Payload.To, Content: result}
		if err := msgBus.PublishOutbound(ctx, out); err != nil {
			logger.ErrorCF("cron", "failed to deliver job result", map[string]any{
				"job_id": job.ID, "error": err.Error(),
			})
		}
	}

	return result, nil
}
