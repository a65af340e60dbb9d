package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/bus"
	"github.com/nidhogg/gambit/internal/store"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testStore, err = store.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

func TestMigrateIsRerunSafe(t *testing.T) {
	// TestMain already migrated once; a second pass must skip the
	// ledgered files instead of re-executing them.
	if err := testStore.Migrate(context.Background(), "../../migrations"); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestRunArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()

	run := &store.Run{
		ID:       uuid.New().String(),
		Strategy: "chain",
		Input:    "write a report",
		Output:   "the report",
		Success:  true,
		Detail:   json.RawMessage(`{"steps":3}`),
		Duration: 1500 * time.Millisecond,
	}
	if err := testStore.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := testStore.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Strategy != "chain" || got.Output != "the report" || !got.Success {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v, want 1.5s", got.Duration)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not populated")
	}

	var detail struct {
		Steps int `json:"steps"`
	}
	if err := json.Unmarshal(got.Detail, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Steps != 3 {
		t.Errorf("detail steps = %d, want 3", detail.Steps)
	}
}

func TestListRunsByStrategy(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		run := &store.Run{
			ID:       uuid.New().String(),
			Strategy: "vote",
			Input:    fmt.Sprintf("question %d", i),
			Success:  true,
		}
		if err := testStore.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	runs, err := testStore.ListRuns(ctx, "vote", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d vote runs, want 3", len(runs))
	}
	for _, r := range runs {
		if r.Strategy != "vote" {
			t.Errorf("filter returned strategy %q", r.Strategy)
		}
	}

	limited, err := testStore.ListRuns(ctx, "vote", 2)
	if err != nil {
		t.Fatalf("ListRuns limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d runs with limit 2", len(limited))
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := bus.New(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	defer b.Close()

	events := b.Subscribe(ctx)
	// Subscribe tails from now; give the reader a moment to attach
	// before publishing.
	time.Sleep(500 * time.Millisecond)

	want := &bus.RunEvent{
		RunID:    uuid.New().String(),
		Strategy: "agent",
		Status:   "finished",
	}
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-events:
		if got.RunID != want.RunID || got.Strategy != "agent" || got.Status != "finished" {
			t.Errorf("event mismatch: %+v", got)
		}
		if got.Timestamp.IsZero() {
			t.Error("timestamp not set on publish")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for run event")
	}
}
