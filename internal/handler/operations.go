package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/homestack/homestack/internal/model"
	"github.com/homestack/homestack/internal/ops"
)

// OperationsHandler exposes operation records and their live event stream.
type OperationsHandler struct {
	tracker *ops.Tracker
}

// NewOperationsHandler creates an OperationsHandler.
func NewOperationsHandler(tracker *ops.Tracker) *OperationsHandler {
	return &OperationsHandler{tracker: tracker}
}

// Get returns one operation record.
func (h *OperationsHandler) Get(c *gin.Context) {
	op, err := h.tracker.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Operation not found"})
		return
	}
	c.JSON(http.StatusOK, op)
}

// ListByApp returns an app's recent operations, newest first.
func (h *OperationsHandler) ListByApp(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	operations, err := h.tracker.ListRecentByApp(c.Param("appId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": operations})
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.HasSuffix(origin, "://"+r.Host)
	},
}

// StreamWS streams one operation's events over a WebSocket. The latest known
// event is delivered first, then every future event until the operation
// reaches a terminal state or the client disconnects.
func (h *OperationsHandler) StreamWS(c *gin.Context) {
	op, err := h.tracker.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Operation not found"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// After a process restart the bus holds no event for the operation, so
	// synthesize a snapshot from the record; a terminal record gets its
	// final event and the stream closes right away.
	if _, ok := h.tracker.LatestEvent(op.ID); !ok {
		typ := ops.EventStep
		switch op.Status {
		case model.OpStatusSuccess:
			typ = ops.EventCompleted
		case model.OpStatusError:
			typ = ops.EventFailed
		}
		payload, err := json.Marshal(ops.Event{Type: typ, Operation: *op, Timestamp: time.Now()})
		if err == nil {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
		if op.Terminal() {
			return
		}
	}

	events := make(chan ops.Event, 16)
	unsubscribe := h.tracker.Subscribe(op.ID, func(ev ops.Event) {
		select {
		case events <- ev:
		default: // slow client; it re-fetches the record on reconnect
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			if ev.Operation.Status == model.OpStatusSuccess || ev.Operation.Status == model.OpStatusError {
				return
			}
		}
	}
}
