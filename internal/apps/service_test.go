package apps

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/homestack/homestack/internal/catalog"
	"github.com/homestack/homestack/internal/docker"
	"github.com/homestack/homestack/internal/model"
	"github.com/homestack/homestack/internal/ops"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBCounter uint64

// fakeRuntime records control-plane calls and answers with configurable
// behavior. The zero value succeeds everything and reports running stacks.
type fakeRuntime struct {
	mu    sync.Mutex
	calls []string

	pullFunc  func(ctx context.Context, refStr string, onEvent func(docker.PullEvent)) error
	applyErr  error
	stopErr   error
	stateFunc func(stackName string) (string, error)
	digest    string
	teardown  []bool // removeVolumes values seen
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRuntime) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) Pull(ctx context.Context, refStr string, onEvent func(docker.PullEvent)) error {
	f.record("pull " + refStr)
	if f.pullFunc != nil {
		return f.pullFunc(ctx, refStr, onEvent)
	}
	return nil
}

func (f *fakeRuntime) ApplyStack(ctx context.Context, composePath string) error {
	f.record("apply")
	return f.applyErr
}

func (f *fakeRuntime) TearDownStack(ctx context.Context, composePath string, removeVolumes bool) error {
	f.record("teardown")
	f.mu.Lock()
	f.teardown = append(f.teardown, removeVolumes)
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) StartStack(ctx context.Context, composePath string) error {
	f.record("start")
	return nil
}

func (f *fakeRuntime) StopStack(ctx context.Context, composePath string) error {
	f.record("stop")
	return f.stopErr
}

func (f *fakeRuntime) RestartStack(ctx context.Context, composePath string) error {
	f.record("restart")
	return nil
}

func (f *fakeRuntime) StackState(ctx context.Context, stackName string) (string, error) {
	if f.stateFunc != nil {
		return f.stateFunc(stackName)
	}
	return docker.StateRunning, nil
}

func (f *fakeRuntime) LocalImageDigest(ctx context.Context, refStr string) (string, error) {
	return f.digest, nil
}

// fakeCatalog serves a fixed template set.
type fakeCatalog struct {
	templates []catalog.Template
	stackFile string
}

func (f *fakeCatalog) ListTemplates(ctx context.Context, bypassCache bool) ([]catalog.Template, error) {
	return f.templates, nil
}

func (f *fakeCatalog) FetchStackFile(ctx context.Context, t *catalog.Template) (string, error) {
	if f.stackFile == "" {
		return "", fmt.Errorf("no stack file for %s", t.AppID)
	}
	return f.stackFile, nil
}

func setupService(t *testing.T, runtime *fakeRuntime, cat Catalog) (*Service, *ops.Tracker, *gorm.DB) {
	t.Helper()
	id := atomic.AddUint64(&testDBCounter, 1)
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:apps_%d?mode=memory&cache=shared", id)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&model.InstalledStack{}, &model.CustomApp{}, &model.Operation{}); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	tracker := ops.NewTracker(db, ops.NewBus(slog.Default()), slog.Default())
	svc := NewService(db, tracker, runtime, cat, t.TempDir(), t.TempDir(), slog.Default())
	svc.verifyTimeout = 200 * time.Millisecond
	svc.verifyPoll = 10 * time.Millisecond
	return svc, tracker, db
}

// waitTerminal polls until the operation finishes.
func waitTerminal(t *testing.T, tracker *ops.Tracker, opID string) *model.Operation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		op, err := tracker.Get(opID)
		if err != nil {
			t.Fatalf("Get operation: %v", err)
		}
		if op.Terminal() {
			return op
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation %s still %s after timeout", opID, op.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLaunchFailsOperationWhenStartIsRejected(t *testing.T) {
	svc, tracker, _ := setupService(t, &fakeRuntime{}, &fakeCatalog{})

	op, err := tracker.Create("uptime-kuma", model.ActionStart)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// A second Start is rejected, so the launched goroutine cannot run its
	// action; the operation must still end up terminal.
	if err := tracker.Start(op.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	svc.launch(op, time.Second, func(ctx context.Context) error { return nil })

	done := waitTerminal(t, tracker, op.ID)
	if done.Status != model.OpStatusError {
		t.Fatalf("operation should be failed, got %s", done.Status)
	}
	if !strings.Contains(done.ErrorMessage, "failed to start") {
		t.Errorf("unexpected error message %q", done.ErrorMessage)
	}
}

func TestRecoverFailsOrphanedOperations(t *testing.T) {
	svc, tracker, _ := setupService(t, &fakeRuntime{}, &fakeCatalog{})

	queued, _ := tracker.Create("a", model.ActionInstall)
	running, _ := tracker.Create("b", model.ActionStop)
	tracker.Start(running.ID)
	done, _ := tracker.Create("c", model.ActionStart)
	tracker.Start(done.ID)
	tracker.Succeed(done.ID)

	if err := svc.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	for _, id := range []string{queued.ID, running.ID} {
		op, _ := tracker.Get(id)
		if op.Status != model.OpStatusError {
			t.Errorf("operation %s should be failed after recovery, got %s", id, op.Status)
		}
	}
	op, _ := tracker.Get(done.ID)
	if op.Status != model.OpStatusSuccess {
		t.Errorf("terminal operation must be untouched, got %s", op.Status)
	}
}
