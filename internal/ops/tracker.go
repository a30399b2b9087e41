// Package ops tracks lifecycle operations as durable, observable state
// machines: queued → running → success | error.
package ops

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/homestack/homestack/internal/model"
	"gorm.io/gorm"
)

// Tracker creates and advances operation records. Every transition is
// persisted before the corresponding event is published, so a subscriber
// reacting to an event never reads stale state. Terminal operations are
// immutable.
type Tracker struct {
	db     *gorm.DB
	bus    *Bus
	logger *slog.Logger

	// Serializes read-modify-write transitions across goroutines.
	mu sync.Mutex
}

// NewTracker creates a Tracker.
func NewTracker(db *gorm.DB, bus *Bus, logger *slog.Logger) *Tracker {
	return &Tracker{db: db, bus: bus, logger: logger}
}

// Create records a new queued operation for an app action.
func (t *Tracker) Create(appID, action string) (*model.Operation, error) {
	op := &model.Operation{
		ID:     uuid.NewString(),
		AppID:  appID,
		Action: action,
		Status: model.OpStatusQueued,
	}
	if err := t.db.Create(op).Error; err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}
	return op, nil
}

// Start moves a queued operation to running. An operation that never leaves
// queued indicates the orchestrator crashed before starting work.
func (t *Tracker) Start(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, err := t.get(id)
	if err != nil {
		return err
	}
	if op.Status != model.OpStatusQueued {
		return fmt.Errorf("operation %s is %s, not queued", id, op.Status)
	}

	now := time.Now()
	op.Status = model.OpStatusRunning
	op.StartedAt = &now
	if err := t.db.Save(op).Error; err != nil {
		return err
	}
	t.publish(EventStep, op)
	return nil
}

// Step records progress on a running operation. Progress is monotonic: a
// lower percentage than the recorded one is raised to it. Updates to a
// terminal operation are rejected, never applied.
func (t *Tracker) Step(id, step string, percent int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, err := t.get(id)
	if err != nil {
		return err
	}
	if op.Status != model.OpStatusRunning {
		return fmt.Errorf("operation %s is %s, cannot record step", id, op.Status)
	}

	if percent < op.ProgressPercent {
		percent = op.ProgressPercent
	}
	if percent > 100 {
		percent = 100
	}
	op.CurrentStep = step
	op.ProgressPercent = percent
	if err := t.db.Save(op).Error; err != nil {
		return err
	}
	t.publish(EventStep, op)

	t.logger.Info("operation step",
		"operation", op.ID,
		"app_id", op.AppID,
		"action", op.Action,
		"step", step,
		"percent", percent,
	)
	return nil
}

// Succeed finishes a running operation successfully.
func (t *Tracker) Succeed(id string) error {
	return t.finish(id, model.OpStatusSuccess, "")
}

// Fail finishes a running (or still queued) operation with an error message.
func (t *Tracker) Fail(id, errorMessage string) error {
	return t.finish(id, model.OpStatusError, errorMessage)
}

func (t *Tracker) finish(id, status, errorMessage string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, err := t.get(id)
	if err != nil {
		return err
	}
	if op.Terminal() {
		return fmt.Errorf("operation %s already finished as %s", id, op.Status)
	}

	now := time.Now()
	op.Status = status
	op.ErrorMessage = errorMessage
	op.FinishedAt = &now
	if status == model.OpStatusSuccess {
		op.ProgressPercent = 100
	}
	if err := t.db.Save(op).Error; err != nil {
		return err
	}

	eventType := EventCompleted
	if status == model.OpStatusError {
		eventType = EventFailed
		t.logger.Error("operation failed",
			"operation", op.ID,
			"app_id", op.AppID,
			"action", op.Action,
			"step", op.CurrentStep,
			"err", errorMessage,
		)
	} else {
		t.logger.Info("operation completed",
			"operation", op.ID,
			"app_id", op.AppID,
			"action", op.Action,
		)
	}
	t.publish(eventType, op)
	return nil
}

// Get returns an operation by ID.
func (t *Tracker) Get(id string) (*model.Operation, error) {
	return t.get(id)
}

// ListRecentByApp returns an app's operations, newest first.
func (t *Tracker) ListRecentByApp(appID string, limit int) ([]model.Operation, error) {
	if limit <= 0 {
		limit = 20
	}
	var operations []model.Operation
	err := t.db.Where("app_id = ?", appID).
		Order("created_at DESC").
		Limit(limit).
		Find(&operations).Error
	return operations, err
}

// ActiveForApp returns the app's non-terminal operation, if one exists.
func (t *Tracker) ActiveForApp(appID string) (*model.Operation, bool) {
	var op model.Operation
	err := t.db.Where("app_id = ? AND status IN ?", appID,
		[]string{model.OpStatusQueued, model.OpStatusRunning}).
		Order("created_at DESC").
		First(&op).Error
	if err != nil {
		return nil, false
	}
	return &op, true
}

// Subscribe registers a handler for one operation's events; the latest known
// event is replayed first. The returned function unsubscribes.
func (t *Tracker) Subscribe(operationID string, handler Handler) func() {
	return t.bus.Subscribe(operationID, handler)
}

// LatestEvent is a synchronous peek at the operation's most recent event.
func (t *Tracker) LatestEvent(operationID string) (Event, bool) {
	return t.bus.Latest(operationID)
}

func (t *Tracker) get(id string) (*model.Operation, error) {
	var op model.Operation
	if err := t.db.Where("id = ?", id).First(&op).Error; err != nil {
		return nil, fmt.Errorf("operation %s: %w", id, err)
	}
	return &op, nil
}

func (t *Tracker) publish(eventType string, op *model.Operation) {
	t.bus.Publish(Event{
		Type:      eventType,
		Operation: *op,
		Timestamp: time.Now(),
	})
}
