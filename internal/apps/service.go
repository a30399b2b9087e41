// Package apps is the lifecycle orchestrator: it resolves compose sources,
// normalizes storage, drives image pulls and the runtime control plane, and
// records every action as a tracked operation.
package apps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/homestack/homestack/internal/apperr"
	"github.com/homestack/homestack/internal/catalog"
	"github.com/homestack/homestack/internal/compose"
	"github.com/homestack/homestack/internal/docker"
	"github.com/homestack/homestack/internal/model"
	"github.com/homestack/homestack/internal/ops"
	"gorm.io/gorm"
)

// Runtime is the container runtime control plane the orchestrator drives.
// *docker.Client implements it.
type Runtime interface {
	Pull(ctx context.Context, refStr string, onEvent func(docker.PullEvent)) error
	ApplyStack(ctx context.Context, composePath string) error
	TearDownStack(ctx context.Context, composePath string, removeVolumes bool) error
	StartStack(ctx context.Context, composePath string) error
	StopStack(ctx context.Context, composePath string) error
	RestartStack(ctx context.Context, composePath string) error
	StackState(ctx context.Context, stackName string) (string, error)
	LocalImageDigest(ctx context.Context, refStr string) (string, error)
}

// Catalog is the template source the orchestrator resolves installs against.
// *catalog.Client implements it.
type Catalog interface {
	ListTemplates(ctx context.Context, bypassCache bool) ([]catalog.Template, error)
	FetchStackFile(ctx context.Context, t *catalog.Template) (string, error)
}

// Service coordinates all lifecycle actions. At most one operation per app
// may be active at a time; a second request is rejected with
// operation_conflict before any operation record is created.
type Service struct {
	db      *gorm.DB
	tracker *ops.Tracker
	runtime Runtime
	catalog Catalog
	logger  *slog.Logger

	stacksRoot  string
	appDataRoot string

	// remoteDigest is swappable in tests; defaults to the registry HEAD call.
	remoteDigest func(ctx context.Context, refStr string) (string, error)

	installTimeout time.Duration
	controlTimeout time.Duration
	verifyTimeout  time.Duration
	verifyPoll     time.Duration

	activeMu sync.Mutex
	active   map[string]bool
}

// NewService creates the orchestrator.
func NewService(db *gorm.DB, tracker *ops.Tracker, runtime Runtime, cat Catalog, stacksRoot, appDataRoot string, logger *slog.Logger) *Service {
	return &Service{
		db:             db,
		tracker:        tracker,
		runtime:        runtime,
		catalog:        cat,
		logger:         logger,
		stacksRoot:     stacksRoot,
		appDataRoot:    appDataRoot,
		remoteDigest:   docker.RemoteImageDigest,
		installTimeout: 30 * time.Minute,
		controlTimeout: 5 * time.Minute,
		verifyTimeout:  90 * time.Second,
		verifyPoll:     2 * time.Second,
		active:         make(map[string]bool),
	}
}

// Recover marks operations left non-terminal by a previous process as failed.
// Call once at startup, before accepting new actions.
func (s *Service) Recover() error {
	return s.db.Model(&model.Operation{}).
		Where("status IN ?", []string{model.OpStatusQueued, model.OpStatusRunning}).
		Updates(map[string]interface{}{
			"status":        model.OpStatusError,
			"error_message": "interrupted by panel restart",
		}).Error
}

// ListInstalled returns all installed stacks with live runtime status.
func (s *Service) ListInstalled(ctx context.Context) ([]model.InstalledStack, error) {
	var stacks []model.InstalledStack
	if err := s.db.Order("app_id ASC").Find(&stacks).Error; err != nil {
		return nil, err
	}
	for i := range stacks {
		state, err := s.runtime.StackState(ctx, stacks[i].StackName)
		if err != nil {
			stacks[i].Status = model.StackStatusUnknown
			continue
		}
		if state == docker.StateRunning {
			stacks[i].Status = model.StackStatusInstalled
		}
	}
	return stacks, nil
}

// GetInstalled returns one installed stack by app ID.
func (s *Service) GetInstalled(appID string) (*model.InstalledStack, error) {
	var stack model.InstalledStack
	if err := s.db.Where("app_id = ?", appID).First(&stack).Error; err != nil {
		return nil, err
	}
	return &stack, nil
}

// SettingsRequest updates mutable fields of an installed stack.
type SettingsRequest struct {
	DisplayName string            `json:"display_name"`
	IconURL     string            `json:"icon_url"`
	WebUIPort   int               `json:"web_ui_port"`
	Env         map[string]string `json:"env"`
}

// UpdateSettings mutates an installed stack's presentation and environment.
// Port and env changes take effect on the next redeploy.
func (s *Service) UpdateSettings(appID string, req SettingsRequest) (*model.InstalledStack, error) {
	stack, err := s.GetInstalled(appID)
	if err != nil {
		return nil, err
	}

	if req.DisplayName != "" {
		stack.DisplayName = req.DisplayName
	}
	if req.IconURL != "" {
		stack.IconURL = req.IconURL
	}
	if req.WebUIPort != 0 {
		stack.WebUIPort = req.WebUIPort
	}
	if req.Env != nil {
		encoded, err := json.Marshal(req.Env)
		if err != nil {
			return nil, err
		}
		stack.EnvJSON = string(encoded)
		if err := writeEnvFile(filepath.Dir(stack.ComposePath), req.Env); err != nil {
			return nil, err
		}
	}
	if err := s.db.Save(stack).Error; err != nil {
		return nil, err
	}
	return stack, nil
}

// begin enforces the one-active-operation-per-app invariant and creates the
// operation record. Callers must eventually release via the launch wrapper.
func (s *Service) begin(appID, action string) (*model.Operation, error) {
	s.activeMu.Lock()
	if s.active[appID] {
		s.activeMu.Unlock()
		return nil, apperr.New(apperr.CodeOperationConflict, fmt.Sprintf("an operation is already in progress for %s", appID))
	}
	s.active[appID] = true
	s.activeMu.Unlock()

	// A non-terminal record can also linger from a concurrent writer.
	if op, busy := s.tracker.ActiveForApp(appID); busy {
		s.release(appID)
		return nil, apperr.New(apperr.CodeOperationConflict,
			fmt.Sprintf("operation %s (%s) is already in progress for %s", op.ID, op.Action, appID))
	}

	op, err := s.tracker.Create(appID, action)
	if err != nil {
		s.release(appID)
		return nil, err
	}
	return op, nil
}

func (s *Service) release(appID string) {
	s.activeMu.Lock()
	delete(s.active, appID)
	s.activeMu.Unlock()
}

// launch runs one lifecycle action in its own goroutine with a bounded
// context. Failures, timeouts, and panics all end in a terminal operation
// state; nothing is left running forever.
func (s *Service) launch(op *model.Operation, timeout time.Duration, fn func(ctx context.Context) error) {
	go func() {
		defer s.release(op.AppID)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("lifecycle action panicked", "operation", op.ID, "panic", r)
				s.tracker.Fail(op.ID, fmt.Sprintf("internal error: %v", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.tracker.Start(op.ID); err != nil {
			s.logger.Error("cannot start operation", "operation", op.ID, "err", err)
			// Leave no queued orphan behind for Recover to sweep up later.
			s.tracker.Fail(op.ID, "failed to start: "+err.Error())
			return
		}
		if err := fn(ctx); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				err = fmt.Errorf("timed out after %s: %w", timeout, err)
			}
			s.tracker.Fail(op.ID, err.Error())
			return
		}
		s.tracker.Succeed(op.ID)
	}()
}

// step records progress and fails loudly in logs only; a broken tracker write
// must not abort the action itself.
func (s *Service) step(op *model.Operation, name string, percent int) {
	if err := s.tracker.Step(op.ID, name, percent); err != nil {
		s.logger.Error("record step", "operation", op.ID, "step", name, "err", err)
	}
}

// stackDir returns the directory holding a stack's compose file.
func (s *Service) stackDir(stackName string) string {
	return filepath.Join(s.stacksRoot, stackName)
}

// uniqueStackName sanitizes name and suffixes it until it does not collide
// with a stack owned by a different app.
func (s *Service) uniqueStackName(appID, name string) string {
	base := compose.SanitizeStackName(name)
	if base == "" {
		base = compose.SanitizeStackName(appID)
	}
	candidate := base
	for i := 2; ; i++ {
		var existing model.InstalledStack
		err := s.db.Where("stack_name = ? AND app_id <> ?", candidate, appID).First(&existing).Error
		if err != nil {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

// writeEnvFile writes the stack's .env beside its compose file.
func writeEnvFile(dir string, env map[string]string) error {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}
	return os.WriteFile(filepath.Join(dir, ".env"), []byte(b.String()), 0644)
}
