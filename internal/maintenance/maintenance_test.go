package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/internal/store/memory"
)

func TestNewRejectsInvalidSchedule(t *testing.T) {
	if _, err := New("every now and then"); err == nil {
		t.Fatal("want error for invalid cron expression")
	}
}

func TestNext(t *testing.T) {
	s, err := New("*/5 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	ref := time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC)
	next, err := s.Next(ref)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestRunOnceContinuesPastFailure(t *testing.T) {
	var ran []string
	job := func(name string, err error) Job {
		return Job{Name: name, Run: func(context.Context) error {
			ran = append(ran, name)
			return err
		}}
	}
	s, _ := New("* * * * *", job("a", nil), job("b", errors.New("boom")), job("c", nil))

	err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatal("want joined error")
	}
	if len(ran) != 3 {
		t.Errorf("ran = %v, want all three jobs", ran)
	}
}

type countingExpirer struct{ n int64 }

func (c countingExpirer) ExpireIdle(context.Context) (int64, error) { return c.n, nil }

func TestHousekeepingJobs(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()

	old := time.Now().Add(-48 * time.Hour)
	stores.WebhookLogs.Append(ctx, &store.WebhookLog{ID: uuid.New(), InstanceID: "shop", CreatedAt: old})
	stores.WebhookLogs.Append(ctx, &store.WebhookLog{ID: uuid.New(), InstanceID: "shop", CreatedAt: time.Now()})
	stores.Batches.Claim(ctx, store.ProcessedBatch{BatchID: "b1", ProcessedAt: old})

	s, err := New("*/5 * * * *",
		ExpireSessions(countingExpirer{n: 2}),
		PruneWebhookLogs(stores.WebhookLogs, 24*time.Hour),
		PruneBatches(stores.Batches, 24*time.Hour),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	logs, _ := stores.WebhookLogs.Recent(ctx, "shop", 10)
	if len(logs) != 1 {
		t.Errorf("logs after prune = %d, want 1", len(logs))
	}
	claimed, _ := stores.Batches.Claim(ctx, store.ProcessedBatch{BatchID: "b1", ProcessedAt: time.Now()})
	if !claimed {
		t.Error("pruned batch id should be claimable again")
	}
}
