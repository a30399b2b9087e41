package ops

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/homestack/homestack/internal/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBCounter uint64

func setupTracker(t *testing.T) *Tracker {
	t.Helper()
	id := atomic.AddUint64(&testDBCounter, 1)
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:ops_%d?mode=memory&cache=shared", id)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&model.Operation{}); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return NewTracker(db, NewBus(slog.Default()), slog.Default())
}

func TestOperationLifecycle(t *testing.T) {
	tr := setupTracker(t)

	op, err := tr.Create("nextcloud", model.ActionInstall)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if op.Status != model.OpStatusQueued {
		t.Fatalf("new operation should be queued, got %s", op.Status)
	}

	if err := tr.Start(op.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Step(op.ID, "pull-images", 20); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if err := tr.Succeed(op.ID); err != nil {
		t.Fatalf("Succeed: %v", err)
	}

	got, err := tr.Get(op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.OpStatusSuccess {
		t.Errorf("expected success, got %s", got.Status)
	}
	if got.ProgressPercent != 100 {
		t.Errorf("success must pin progress to 100, got %d", got.ProgressPercent)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("start and finish timestamps must be set")
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	tr := setupTracker(t)

	op, _ := tr.Create("jellyfin", model.ActionInstall)
	if err := tr.Start(op.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tr.Step(op.ID, "pull-images", 60)
	// A lower value must not move the bar backwards.
	tr.Step(op.ID, "pull-images", 35)

	got, _ := tr.Get(op.ID)
	if got.ProgressPercent != 60 {
		t.Errorf("expected progress to hold at 60, got %d", got.ProgressPercent)
	}

	tr.Step(op.ID, "verify-running", 250)
	got, _ = tr.Get(op.ID)
	if got.ProgressPercent != 100 {
		t.Errorf("progress must be capped at 100, got %d", got.ProgressPercent)
	}
}

func TestTerminalOperationIsImmutable(t *testing.T) {
	tr := setupTracker(t)

	op, _ := tr.Create("gitea", model.ActionStop)
	tr.Start(op.ID)
	if err := tr.Fail(op.ID, "compose apply failed"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	if err := tr.Step(op.ID, "late-step", 99); err == nil {
		t.Error("step on a terminal operation must be rejected")
	}
	if err := tr.Succeed(op.ID); err == nil {
		t.Error("finishing a terminal operation again must be rejected")
	}

	got, _ := tr.Get(op.ID)
	if got.Status != model.OpStatusError || got.ErrorMessage != "compose apply failed" {
		t.Errorf("terminal state must not change, got %s %q", got.Status, got.ErrorMessage)
	}
}

func TestStartRequiresQueued(t *testing.T) {
	tr := setupTracker(t)

	op, _ := tr.Create("gitea", model.ActionStart)
	if err := tr.Start(op.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Start(op.ID); err == nil {
		t.Error("starting a running operation must be rejected")
	}
}

func TestFailBeforeStart(t *testing.T) {
	tr := setupTracker(t)

	// Startup recovery marks queued orphans as failed without starting them.
	op, _ := tr.Create("gitea", model.ActionRestart)
	if err := tr.Fail(op.ID, "interrupted by panel restart"); err != nil {
		t.Fatalf("Fail on queued operation: %v", err)
	}
	got, _ := tr.Get(op.ID)
	if got.Status != model.OpStatusError {
		t.Errorf("expected error status, got %s", got.Status)
	}
}

func TestEventsFollowPersistedState(t *testing.T) {
	tr := setupTracker(t)

	op, _ := tr.Create("nextcloud", model.ActionInstall)

	var events []Event
	unsub := tr.Subscribe(op.ID, func(ev Event) { events = append(events, ev) })
	defer unsub()

	tr.Start(op.ID)
	tr.Step(op.ID, "normalize-storage", 15)
	tr.Succeed(op.ID)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].Type != EventStep || events[1].Operation.CurrentStep != "normalize-storage" {
		t.Errorf("unexpected step event %+v", events[1])
	}
	last := events[len(events)-1]
	if last.Type != EventCompleted || last.Operation.Status != model.OpStatusSuccess {
		t.Errorf("final event must carry the terminal snapshot, got %+v", last)
	}

	// A late subscriber sees the terminal event immediately.
	var replayed []Event
	unsub2 := tr.Subscribe(op.ID, func(ev Event) { replayed = append(replayed, ev) })
	defer unsub2()
	if len(replayed) != 1 || replayed[0].Type != EventCompleted {
		t.Errorf("expected terminal event replay, got %+v", replayed)
	}
}

func TestActiveForApp(t *testing.T) {
	tr := setupTracker(t)

	if _, ok := tr.ActiveForApp("nextcloud"); ok {
		t.Fatal("no operation should be active yet")
	}

	op, _ := tr.Create("nextcloud", model.ActionInstall)
	active, ok := tr.ActiveForApp("nextcloud")
	if !ok || active.ID != op.ID {
		t.Fatal("queued operation should count as active")
	}

	tr.Start(op.ID)
	if _, ok := tr.ActiveForApp("nextcloud"); !ok {
		t.Fatal("running operation should count as active")
	}

	tr.Succeed(op.ID)
	if _, ok := tr.ActiveForApp("nextcloud"); ok {
		t.Fatal("terminal operation must not count as active")
	}
}

func TestListRecentByApp(t *testing.T) {
	tr := setupTracker(t)

	for i := 0; i < 3; i++ {
		op, _ := tr.Create("nextcloud", model.ActionRestart)
		tr.Start(op.ID)
		tr.Succeed(op.ID)
	}
	tr.Create("other", model.ActionInstall)

	ops, err := tr.ListRecentByApp("nextcloud", 2)
	if err != nil {
		t.Fatalf("ListRecentByApp: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(ops))
	}
	for _, op := range ops {
		if op.AppID != "nextcloud" {
			t.Errorf("foreign operation leaked into the listing: %+v", op)
		}
	}
}
