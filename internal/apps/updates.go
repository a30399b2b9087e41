package apps

import (
	"context"
	"fmt"
	"os"

	"github.com/homestack/homestack/internal/compose"
	"github.com/homestack/homestack/internal/model"
	"github.com/robfig/cron/v3"
)

// CheckUpdates compares the installed stack's primary image digest against
// the registry. The comparison is recorded on the InstalledStack; nothing in
// the runtime is mutated.
func (s *Service) CheckUpdates(appID string) (*model.Operation, error) {
	stack, err := s.GetInstalled(appID)
	if err != nil {
		return nil, err
	}
	op, err := s.begin(appID, model.ActionCheckUpdates)
	if err != nil {
		return nil, err
	}
	s.launch(op, s.controlTimeout, func(ctx context.Context) error {
		return s.runCheckUpdates(ctx, op, stack)
	})
	return op, nil
}

func (s *Service) runCheckUpdates(ctx context.Context, op *model.Operation, stack *model.InstalledStack) error {
	image, err := s.primaryImage(stack)
	if err != nil {
		return err
	}

	s.step(op, "inspect-local-digest", 20)
	local, err := s.runtime.LocalImageDigest(ctx, image)
	if err != nil {
		return fmt.Errorf("inspect local digest: %w", err)
	}

	s.step(op, "fetch-remote-digest", 60)
	remote, err := s.remoteDigest(ctx, image)
	if err != nil {
		return fmt.Errorf("fetch remote digest: %w", err)
	}

	s.step(op, "compare", 90)
	stack.LocalDigest = local
	stack.RemoteDigest = remote
	stack.IsUpToDate = local == "" || local == remote
	return s.db.Save(stack).Error
}

// primaryImage returns the image of the stack's primary service.
func (s *Service) primaryImage(stack *model.InstalledStack) (string, error) {
	raw, err := os.ReadFile(stack.ComposePath)
	if err != nil {
		return "", fmt.Errorf("read compose file: %w", err)
	}
	parsed := compose.Parse(string(raw))
	if parsed == nil {
		return "", fmt.Errorf("stored compose file for %s is not parseable", stack.AppID)
	}
	_, svc, ok := compose.PrimaryService(parsed, stack.AppID)
	if !ok || svc.Image == "" {
		return "", fmt.Errorf("no primary image for %s", stack.AppID)
	}
	return svc.Image, nil
}

// BatchResult is the per-app outcome of a batch update check.
type BatchResult struct {
	AppID       string `json:"app_id"`
	OperationID string `json:"operation_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CheckAllUpdates launches an update check per installed app. Each check is
// independent: one app's failure or conflict is recorded for that app and the
// batch continues.
func (s *Service) CheckAllUpdates() ([]BatchResult, error) {
	var stacks []model.InstalledStack
	if err := s.db.Order("app_id ASC").Find(&stacks).Error; err != nil {
		return nil, err
	}

	results := make([]BatchResult, 0, len(stacks))
	for _, stack := range stacks {
		res := BatchResult{AppID: stack.AppID}
		op, err := s.CheckUpdates(stack.AppID)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.OperationID = op.ID
		}
		results = append(results, res)
	}
	return results, nil
}

// UpdateScheduler runs periodic batch update checks.
type UpdateScheduler struct {
	cron *cron.Cron
	svc  *Service
}

// NewUpdateScheduler wires the batch check onto a cron spec. An empty spec
// disables scheduling.
func NewUpdateScheduler(svc *Service, spec string) (*UpdateScheduler, error) {
	sched := &UpdateScheduler{cron: cron.New(), svc: svc}
	if spec == "" {
		return sched, nil
	}
	_, err := sched.cron.AddFunc(spec, func() {
		results, err := svc.CheckAllUpdates()
		if err != nil {
			svc.logger.Error("scheduled update check failed", "err", err)
			return
		}
		svc.logger.Info("scheduled update check launched", "apps", len(results))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid update cron spec %q: %w", spec, err)
	}
	return sched, nil
}

// Start begins scheduling.
func (u *UpdateScheduler) Start() { u.cron.Start() }

// Stop halts scheduling; running checks finish on their own.
func (u *UpdateScheduler) Stop() { u.cron.Stop() }
