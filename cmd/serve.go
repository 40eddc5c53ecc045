package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replydesk/internal/buffer"
	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/channels/evolution"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/conversation"
	"github.com/nextlevelbuilder/replydesk/internal/dedup"
	"github.com/nextlevelbuilder/replydesk/internal/delivery"
	"github.com/nextlevelbuilder/replydesk/internal/escalation"
	"github.com/nextlevelbuilder/replydesk/internal/gateway"
	httpapi "github.com/nextlevelbuilder/replydesk/internal/http"
	"github.com/nextlevelbuilder/replydesk/internal/maintenance"
	"github.com/nextlevelbuilder/replydesk/internal/orchestrator"
	"github.com/nextlevelbuilder/replydesk/internal/pipeline"
	"github.com/nextlevelbuilder/replydesk/internal/tracing"
	"github.com/nextlevelbuilder/replydesk/internal/webhook"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("replydesk starting", "version", Version, "protocol", protocol.ProtocolVersion, "config_hash", cfg.Hash())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	bufStore, bufProbe, closeBufStore, err := newBufferStore(cfg)
	if err != nil {
		return fmt.Errorf("buffer store: %w", err)
	}
	defer closeBufStore()

	// Side tasks: webhook logs, support notifications.
	msgBus := bus.New(4, 512)
	msgBus.Start(ctx)

	collab := newCollaborators(cfg)
	convs := conversation.NewService(stores.Conversations, cfg.Sessions.IdleTimeoutDuration())

	engine := escalation.NewEngine(escalation.Deps{
		Records:       stores.Escalations,
		Conversations: convs,
		Intent:        collab.intent,
		Notifier:      collab.notifier,
		Tasks:         msgBus,
		Events:        msgBus,
	}, escalation.Options{
		DefaultMessage:      cfg.Escalation.DefaultMessage,
		DefaultReviewNotice: cfg.Escalation.DefaultReviewNotice,
		NoticeWindow:        cfg.Escalation.NoticeWindowDuration(),
		CacheTTL:            cfg.Escalation.CacheTTLDuration(),
		SnapshotTurns:       cfg.Escalation.SnapshotTurns,
	})

	orch := orchestrator.New(orchestrator.Deps{
		Conversations:       convs,
		Escalations:         engine,
		Instances:           stores.Instances,
		Completer:           collab.completer,
		Knowledge:           collab.knowledge,
		Prompt:              collab.prompt,
		PersonalityPrimary:  collab.personalityPrimary,
		PersonalityFallback: collab.personalityFallback,
	}, orchestrator.Options{
		LookupTimeout:       cfg.Orchestrator.LookupTimeout(),
		HistoryTurns:        cfg.Orchestrator.HistoryTurns,
		DuplicateThreshold:  cfg.Orchestrator.DuplicateThreshold,
		GreetingPhrases:     cfg.Orchestrator.GreetingPhrases,
		DefaultBaseURL:      defaultBaseURL(cfg),
		DefaultReviewNotice: cfg.Escalation.DefaultReviewNotice,
		DefaultEscalation:   cfg.Escalation.DefaultMessage,
	})

	evo := evolution.NewClient(defaultBaseURL(cfg), cfg.Evolution.APIKey, 30*time.Second)
	sender := delivery.NewManager(evo, delivery.Options{
		MaxChunk:   cfg.Delivery.MaxChunkChars,
		ChunkDelay: cfg.Delivery.ChunkDelay(),
		SendRPS:    cfg.Delivery.SendRPS,
	})

	var pipe *pipeline.Pipeline
	var buffers *buffer.Manager
	if cfg.Buffer.Enabled() {
		buffers = buffer.NewManager(bufStore, buffer.Options{
			Window:           cfg.Buffer.Window(),
			MaxBatch:         cfg.Buffer.MaxBatch,
			ResetOnMessage:   cfg.Buffer.ResetsOnMessage(),
			MediaPlaceholder: cfg.Buffer.MediaPlaceholder,
		}, func(ctx context.Context, msgs []buffer.BufferedMessage) error {
			// Buffers adopted from a stopped process.
			return pipe.ProcessBatch(ctx, msgs)
		})
	} else {
		slog.Info("buffering disabled, messages are processed inline")
	}

	pipe = pipeline.New(pipeline.Deps{
		Buffers:       buffers,
		Conversations: convs,
		Escalation:    engine,
		Generator:     orch,
		Sender:        sender,
		Instances:     stores.Instances,
		Batches:       stores.Batches,
		Logs:          stores.WebhookLogs,
		Transcriber:   collab.transcriber,
		Tasks:         msgBus,
		Events:        msgBus,
		Seen:          dedup.NewMessageIDCache(0, 0),
	}, pipeline.Options{
		IgnoreGroups:   cfg.Gateway.IgnoreGroups,
		DefaultBaseURL: defaultBaseURL(cfg),
		MaxChunk:       cfg.Delivery.MaxChunkChars,
	})

	msgBus.Subscribe("log", func(ev bus.Event) {
		slog.Debug("event", "name", ev.Name, "payload", ev.Payload)
	})

	chans := channels.NewManager()
	if err := registerFeeds(chans, cfg, pipe); err != nil {
		return err
	}
	chans.StartAll(ctx)

	server := gateway.NewServer(cfg, chans)
	server.SetWebhookHandler(httpapi.NewWebhookHandler(pipe, cfg.Gateway.MaxBodyBytes))
	server.SetEscalationsHandler(httpapi.NewEscalationsHandler(engine, cfg.Gateway.Token))
	if bufProbe != nil {
		server.AddCheck("redis", bufProbe)
	}

	if buffers != nil {
		go maintenance.Every(ctx, cfg.Buffer.SweepInterval(), maintenance.SweepBuffers(buffers))
	}
	if cfg.Maintenance.Enabled() {
		sched, err := maintenance.New(cfg.Maintenance.Schedule,
			maintenance.ExpireSessions(convs),
			maintenance.PruneWebhookLogs(stores.WebhookLogs, cfg.Maintenance.WebhookLogRetentionDuration()),
			maintenance.PruneBatches(stores.Batches, cfg.Maintenance.BatchRetentionDuration()),
		)
		if err != nil {
			return err
		}
		go sched.Run(ctx)
	}

	serveErr := server.Start(ctx)
	if serveErr != nil {
		slog.Error("gateway stopped", "error", serveErr)
		stop()
	}

	shutdown(cfg, pipe, buffers, chans, msgBus, shutdownTracing)
	return serveErr
}

// shutdown flushes everything still buffered, then stops feeds, side tasks
// and tracing, in that order.
func shutdown(cfg *config.Config, pipe *pipeline.Pipeline, buffers *buffer.Manager, chans *channels.Manager, msgBus *bus.Bus, shutdownTracing func(context.Context) error) {
	slog.Info("replydesk shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := chans.StopAll(ctx); err != nil {
		slog.Warn("channels stop", "error", err)
	}
	if buffers != nil {
		if err := buffers.Stop(ctx); err != nil {
			slog.Warn("buffer stop", "error", err)
		}
		n, err := pipe.Flush(ctx)
		if err != nil {
			slog.Warn("buffer flush on shutdown", "error", err)
		}
		slog.Info("buffers flushed on shutdown", "count", n)
	}
	if err := msgBus.Stop(ctx); err != nil {
		slog.Warn("bus stop", "error", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}
}

// registerFeeds adds one websocket feed per configured instance. Feeds
// deliver the same events as webhooks for gateways that cannot call out.
func registerFeeds(chans *channels.Manager, cfg *config.Config, pipe *pipeline.Pipeline) error {
	if cfg.Evolution.WebsocketURL == "" {
		return nil
	}
	handle := func(ctx context.Context, ev webhook.Event) {
		if _, err := pipe.HandleEvent(ctx, ev); err != nil {
			slog.Warn("feed.event_failed", "instance", ev.Instance(), "event", ev.Kind(), "error", err)
		}
	}
	instances := cfg.Evolution.Instances
	if len(instances) == 0 {
		instances = []string{""}
	}
	for _, inst := range instances {
		feed, err := evolution.NewFeed(cfg.Evolution.WebsocketURL, inst, cfg.Evolution.APIKey, handle)
		if err != nil {
			return fmt.Errorf("feed %q: %w", inst, err)
		}
		chans.RegisterChannel(feed)
	}
	return nil
}

func defaultBaseURL(cfg *config.Config) string {
	if cfg.Orchestrator.DefaultBaseURL != "" {
		return cfg.Orchestrator.DefaultBaseURL
	}
	return cfg.Evolution.BaseURL
}
