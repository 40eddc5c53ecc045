package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/buffer"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/escalation"
	"github.com/nextlevelbuilder/replydesk/internal/orchestrator"
	"github.com/nextlevelbuilder/replydesk/internal/providers"
	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/internal/store/memory"
	"github.com/nextlevelbuilder/replydesk/internal/store/pg"
	"github.com/nextlevelbuilder/replydesk/internal/store/sqlite"
)

// openStores creates the storage backends for the configured mode and seeds
// instance configs from the config file.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	if cfg.IsManagedMode() {
		if err := checkSchemaOrAutoUpgrade(cfg.Database.PostgresDSN); err != nil {
			return nil, err
		}
		stores, err := pg.NewPGStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
		if err != nil {
			return nil, err
		}
		for i := range cfg.Instances {
			inst := cfg.Instances[i]
			if err := stores.Instances.Put(ctx, &inst); err != nil {
				stores.Close()
				return nil, fmt.Errorf("seed instance %q: %w", inst.InstanceID, err)
			}
		}
		slog.Info("stores ready", "mode", "managed", "seeded_instances", len(cfg.Instances))
		return stores, nil
	}

	stores := memory.NewStores(cfg.Instances...)
	if path := cfg.Database.SQLitePath; path != "" {
		sq, err := sqlite.Open(config.ExpandHome(path))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		stores.WebhookLogs = sq
		stores.Batches = sq.Batches()
		stores.Close = sq.Close
	}
	slog.Info("stores ready", "mode", "standalone", "instances", len(cfg.Instances), "sqlite", cfg.Database.SQLitePath)
	return stores, nil
}

// newBufferStore returns the buffer backend plus a health probe and closer.
// The probe is nil for the in-memory store.
func newBufferStore(cfg *config.Config) (buffer.Store, func(context.Context) error, func() error, error) {
	if cfg.Buffer.Store != "redis" {
		return buffer.NewMemoryStore(), nil, func() error { return nil }, nil
	}
	rdb, err := buffer.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	slog.Info("buffer store ready", "store", "redis", "addr", cfg.Redis.Addr)
	probe := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	return buffer.NewRedisStore(rdb, cfg.Redis.Prefix), probe, rdb.Close, nil
}

// collaborators are the external JSON services. Disabled ones are nil.
type collaborators struct {
	completer           providers.Completer
	transcriber         *providers.Transcriber
	knowledge           orchestrator.KnowledgeSearcher
	prompt              orchestrator.PromptBuilder
	personalityPrimary  orchestrator.PersonalityClassifier
	personalityFallback orchestrator.PersonalityClassifier
	intent              escalation.IntentAnalyzer
	notifier            escalation.Notifier
}

func newCollaborators(cfg *config.Config) collaborators {
	p := cfg.Providers
	const timeout = 15 * time.Second

	c := collaborators{
		completer: providers.NewOpenAIProvider("completion", p.Completion.APIKey, p.Completion.APIBase, p.Completion.Model).
			WithRetry(providers.DefaultRetryConfig()),
		transcriber: providers.NewTranscriber(p.Transcription.URL, p.Transcription.APIKey, p.Transcription.Timeout(60*time.Second)),
	}
	if k := providers.NewKnowledgeClient(p.Knowledge.URL, p.Knowledge.APIKey, p.Knowledge.Timeout(timeout)); k.Enabled() {
		c.knowledge = k
	}
	if pc := providers.NewPromptClient(p.Prompt.URL, p.Prompt.APIKey, p.Prompt.Timeout(timeout)); pc.Enabled() {
		c.prompt = pc
	}
	if pc := providers.NewPersonalityClient(p.PersonalityPrimary.URL, p.PersonalityPrimary.APIKey, p.PersonalityPrimary.Timeout(timeout)); pc.Enabled() {
		c.personalityPrimary = pc
	}
	if pc := providers.NewPersonalityClient(p.PersonalityFallback.URL, p.PersonalityFallback.APIKey, p.PersonalityFallback.Timeout(timeout)); pc.Enabled() {
		c.personalityFallback = pc
	}
	if ic := providers.NewIntentClient(p.Intent.URL, p.Intent.APIKey, p.Intent.Timeout(timeout)); ic.Enabled() {
		c.intent = ic
	}
	if n := providers.NewNotifier(p.Notify.URL, p.Notify.APIKey, p.Notify.Timeout(timeout)); n.Enabled() {
		c.notifier = n
	}

	slog.Info("collaborators configured",
		"model", p.Completion.Model,
		"transcription", c.transcriber.Enabled(),
		"knowledge", c.knowledge != nil,
		"prompt", c.prompt != nil,
		"personality", c.personalityPrimary != nil,
		"intent", c.intent != nil,
		"notify", c.notifier != nil,
	)
	return c
}
