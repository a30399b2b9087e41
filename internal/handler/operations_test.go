package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/homestack/homestack/internal/model"
	"github.com/homestack/homestack/internal/ops"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBCounter uint64

func openOpsDB(t *testing.T) *gorm.DB {
	t.Helper()
	id := atomic.AddUint64(&testDBCounter, 1)
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:handler_%d?mode=memory&cache=shared", id)), &gorm.Config{
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
	return db
}

func setupOpsHandler(t *testing.T) (*OperationsHandler, *ops.Tracker) {
	t.Helper()
	tracker := ops.NewTracker(openOpsDB(t), ops.NewBus(slog.Default()), slog.Default())
	return NewOperationsHandler(tracker), tracker
}

func newOpsRouter(h *OperationsHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/operations/:id", h.Get)
	r.GET("/api/operations/:id/ws", h.StreamWS)
	r.GET("/api/apps/:appId/operations", h.ListByApp)
	return r
}

func TestGetOperation(t *testing.T) {
	h, tracker := setupOpsHandler(t)
	r := newOpsRouter(h)

	op, _ := tracker.Create("nextcloud", model.ActionInstall)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/operations/"+op.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got model.Operation
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != op.ID || got.Status != model.OpStatusQueued {
		t.Errorf("unexpected payload %+v", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/operations/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown operation, got %d", w.Code)
	}
}

func TestListOperationsByApp(t *testing.T) {
	h, tracker := setupOpsHandler(t)
	r := newOpsRouter(h)

	for i := 0; i < 3; i++ {
		op, _ := tracker.Create("nextcloud", model.ActionRestart)
		tracker.Start(op.ID)
		tracker.Succeed(op.ID)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/apps/nextcloud/operations?limit=2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Operations []model.Operation `json:"operations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Operations) != 2 {
		t.Errorf("expected limit to apply, got %d", len(body.Operations))
	}
}

func TestStreamWSDeliversEventsUntilTerminal(t *testing.T) {
	h, tracker := setupOpsHandler(t)
	r := newOpsRouter(h)

	op, _ := tracker.Create("nextcloud", model.ActionInstall)
	tracker.Start(op.ID)

	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/operations/" + op.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscription replays the start event first.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first ops.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read replayed event: %v", err)
	}
	if first.Operation.ID != op.ID || first.Operation.Status != model.OpStatusRunning {
		t.Errorf("unexpected replayed event %+v", first)
	}

	tracker.Step(op.ID, "pull-images", 40)
	var step ops.Event
	if err := conn.ReadJSON(&step); err != nil {
		t.Fatalf("read step event: %v", err)
	}
	if step.Type != ops.EventStep || step.Operation.ProgressPercent != 40 {
		t.Errorf("unexpected step event %+v", step)
	}

	tracker.Succeed(op.ID)
	var last ops.Event
	if err := conn.ReadJSON(&last); err != nil {
		t.Fatalf("read terminal event: %v", err)
	}
	if last.Type != ops.EventCompleted {
		t.Errorf("unexpected terminal event %+v", last)
	}

	// The server closes the stream after the terminal event.
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close after the terminal event")
	}
}

func TestStreamWSFinishedOperationAfterRestart(t *testing.T) {
	db := openOpsDB(t)

	// Finish the operation, then build a fresh tracker over the same
	// records. Its bus has no retained event, like after a process restart.
	old := ops.NewTracker(db, ops.NewBus(slog.Default()), slog.Default())
	op, _ := old.Create("nextcloud", model.ActionInstall)
	old.Start(op.ID)
	old.Succeed(op.ID)

	h := NewOperationsHandler(ops.NewTracker(db, ops.NewBus(slog.Default()), slog.Default()))
	srv := httptest.NewServer(newOpsRouter(h))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/operations/" + op.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev ops.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read snapshot event: %v", err)
	}
	if ev.Type != ops.EventCompleted || ev.Operation.Status != model.OpStatusSuccess {
		t.Errorf("unexpected snapshot event %+v", ev)
	}

	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close after the snapshot")
	}
}

func TestStreamWSUnknownOperation(t *testing.T) {
	h, _ := setupOpsHandler(t)
	r := newOpsRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/operations/nope/ws", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
