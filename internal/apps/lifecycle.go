package apps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/homestack/homestack/internal/apperr"
	"github.com/homestack/homestack/internal/catalog"
	"github.com/homestack/homestack/internal/compose"
	"github.com/homestack/homestack/internal/docker"
	"github.com/homestack/homestack/internal/model"
)

// InstallOptions carries per-install user choices.
type InstallOptions struct {
	Env             map[string]string `json:"env"`
	WebUIPort       int               `json:"web_ui_port"`
	StorageStrategy string            `json:"storage_strategy"` // defaults to app_target_path
}

// Install resolves the app's compose source, normalizes it, pulls images,
// applies the stack, and verifies it comes up. Returns the queued operation.
func (s *Service) Install(appID string, opts InstallOptions) (*model.Operation, error) {
	op, err := s.begin(appID, model.ActionInstall)
	if err != nil {
		return nil, err
	}
	s.launch(op, s.installTimeout, func(ctx context.Context) error {
		return s.runInstall(ctx, op, appID, opts, nil)
	})
	return op, nil
}

// Redeploy re-applies an installed stack using its existing identity:
// same stack name, same compose path, fresh images.
func (s *Service) Redeploy(appID string) (*model.Operation, error) {
	stack, err := s.GetInstalled(appID)
	if err != nil {
		return nil, err
	}
	op, err := s.begin(appID, model.ActionRedeploy)
	if err != nil {
		return nil, err
	}
	s.launch(op, s.installTimeout, func(ctx context.Context) error {
		opts := InstallOptions{WebUIPort: stack.WebUIPort}
		if stack.EnvJSON != "" {
			json.Unmarshal([]byte(stack.EnvJSON), &opts.Env)
		}
		return s.runInstall(ctx, op, appID, opts, stack)
	})
	return op, nil
}

// runInstall is the shared install/redeploy pipeline. existing is nil for a
// fresh install and the current record for a redeploy.
func (s *Service) runInstall(ctx context.Context, op *model.Operation, appID string, opts InstallOptions, existing *model.InstalledStack) error {
	var (
		composeText string
		displayName string
		iconURL     string
		stackName   string
	)

	if existing != nil {
		// Redeploy reuses the stored compose document; there is no
		// resolve-template step.
		stackName = existing.StackName
		displayName = existing.DisplayName
		iconURL = existing.IconURL
		raw, err := os.ReadFile(existing.ComposePath)
		if err != nil {
			return fmt.Errorf("read compose file: %w", err)
		}
		composeText = string(raw)
	} else {
		s.step(op, "resolve-template", 5)
		src, err := s.resolveSource(ctx, appID)
		if err != nil {
			return err
		}
		composeText = src.composeText
		displayName = src.displayName
		iconURL = src.iconURL
		if opts.WebUIPort == 0 {
			opts.WebUIPort = src.webUIPort
		}
		if opts.Env == nil {
			opts.Env = src.envDefaults
		}
		stackName = s.uniqueStackName(appID, appID)
	}

	s.step(op, "normalize-storage", 15)
	if opts.WebUIPort > 0 {
		composeText = compose.OverrideWebPort(composeText, opts.WebUIPort)
	}
	strategy := opts.StorageStrategy
	if strategy == "" {
		strategy = compose.StrategyAppTargetPath
	}
	normalized, bindDirs, err := compose.NormalizeStorage(composeText, s.appDataRoot, compose.StorageOptions{
		AppID:    appID,
		Strategy: strategy,
	})
	if err != nil {
		return err
	}
	for _, dir := range bindDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create bind mount dir %s: %w", dir, err)
		}
	}

	stackDirPath := s.stackDir(stackName)
	if err := os.MkdirAll(stackDirPath, 0755); err != nil {
		return fmt.Errorf("create stack dir: %w", err)
	}
	composePath := filepath.Join(stackDirPath, "docker-compose.yml")
	if err := os.WriteFile(composePath, []byte(normalized), 0644); err != nil {
		return fmt.Errorf("write compose file: %w", err)
	}
	if err := writeEnvFile(stackDirPath, opts.Env); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}

	s.step(op, "pull-images", 20)
	if err := s.pullImages(ctx, op, appID, normalized); err != nil {
		return err
	}

	s.step(op, "apply-stack", 80)
	if err := s.runtime.ApplyStack(ctx, composePath); err != nil {
		return apperr.Wrap(apperr.CodeApplyFailed, "apply stack "+stackName, err)
	}

	s.step(op, "verify-running", 90)
	if err := s.verifyState(ctx, stackName, docker.StateRunning); err != nil {
		return err
	}

	return s.saveInstalled(appID, stackName, composePath, displayName, iconURL, opts, existing)
}

// installSource is a resolved compose origin: custom app or catalog template.
type installSource struct {
	composeText string
	displayName string
	iconURL     string
	webUIPort   int
	envDefaults map[string]string
}

// resolveSource prefers a registered custom app; otherwise the catalog.
func (s *Service) resolveSource(ctx context.Context, appID string) (*installSource, error) {
	var custom model.CustomApp
	if err := s.db.Where("app_id = ?", appID).First(&custom).Error; err == nil {
		return &installSource{
			composeText: custom.ComposeContent,
			displayName: custom.DisplayName,
			iconURL:     custom.IconURL,
			webUIPort:   custom.WebUIPort,
		}, nil
	}

	templates, err := s.catalog.ListTemplates(ctx, false)
	if err != nil {
		return nil, err
	}
	tmpl := catalog.FindTemplate(templates, appID)
	if tmpl == nil {
		return nil, fmt.Errorf("no template or custom app named %q", appID)
	}
	text, err := s.catalog.FetchStackFile(ctx, tmpl)
	if err != nil {
		return nil, fmt.Errorf("fetch stack file: %w", err)
	}

	env := make(map[string]string, len(tmpl.Env))
	for _, e := range tmpl.Env {
		if e.Default != "" {
			env[e.Name] = e.Default
		}
	}
	return &installSource{
		composeText: text,
		displayName: tmpl.DisplayName,
		iconURL:     tmpl.LogoURL,
		envDefaults: env,
	}, nil
}

// pullImages pulls every image referenced by the compose document, mapping
// per-layer progress into the 20-75% band of the operation.
func (s *Service) pullImages(ctx context.Context, op *model.Operation, appID, composeText string) error {
	parsed := compose.Parse(composeText)
	if parsed == nil {
		return apperr.New(apperr.CodeInvalidSource, "normalized compose document is not parseable")
	}

	var images []string
	for _, name := range parsed.ServiceOrder {
		if img := parsed.Services[name].Image; img != "" {
			images = append(images, img)
		}
	}

	for i, img := range images {
		base := 20 + (55*i)/len(images)
		span := 55 / len(images)
		progress := docker.NewPullProgress()
		err := s.runtime.Pull(ctx, img, func(ev docker.PullEvent) {
			progress.Observe(ev)
			s.step(op, "pull-images", base+span*progress.Percent()/100)
		})
		if err != nil {
			return err
		}
		s.step(op, "pull-images", base+span)
	}
	return nil
}

// verifyState polls the runtime until the stack reports the wanted state or
// the verification window closes.
func (s *Service) verifyState(ctx context.Context, stackName, want string) error {
	deadline := time.Now().Add(s.verifyTimeout)
	for {
		state, err := s.runtime.StackState(ctx, stackName)
		if err == nil && state == want {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.New(apperr.CodeVerifyTimeout,
				fmt.Sprintf("stack %s did not reach %s within %s", stackName, want, s.verifyTimeout))
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.CodeVerifyTimeout, "verify "+stackName, ctx.Err())
		case <-time.After(s.verifyPoll):
		}
	}
}

func (s *Service) saveInstalled(appID, stackName, composePath, displayName, iconURL string, opts InstallOptions, existing *model.InstalledStack) error {
	now := time.Now()
	stack := existing
	if stack == nil {
		// Reuse the record if the app was installed before; app_id is the
		// natural key and never duplicates.
		var prior model.InstalledStack
		if err := s.db.Where("app_id = ?", appID).First(&prior).Error; err == nil {
			stack = &prior
		} else {
			stack = &model.InstalledStack{AppID: appID, InstalledAt: &now}
		}
	}

	stack.StackName = stackName
	stack.ComposePath = composePath
	if displayName != "" {
		stack.DisplayName = displayName
	}
	if iconURL != "" {
		stack.IconURL = iconURL
	}
	stack.WebUIPort = opts.WebUIPort
	stack.Status = model.StackStatusInstalled
	if stack.InstalledAt == nil {
		stack.InstalledAt = &now
	}
	if opts.Env != nil {
		encoded, _ := json.Marshal(opts.Env)
		stack.EnvJSON = string(encoded)
	}
	return s.db.Save(stack).Error
}

// Uninstall tears the stack down and optionally removes its data directory.
func (s *Service) Uninstall(appID string, removeData bool) (*model.Operation, error) {
	stack, err := s.GetInstalled(appID)
	if err != nil {
		return nil, err
	}
	op, err := s.begin(appID, model.ActionUninstall)
	if err != nil {
		return nil, err
	}
	s.launch(op, s.controlTimeout, func(ctx context.Context) error {
		// Data directories must be derived before teardown removes the
		// compose file.
		dataDirs := s.dataDirs(stack.ComposePath)

		s.step(op, "stop-stack", 20)
		if err := s.runtime.StopStack(ctx, stack.ComposePath); err != nil {
			// Stop failures are tolerated: down removes containers anyway.
			s.logger.Warn("stop before uninstall failed", "app_id", appID, "err", err)
		}

		s.step(op, "remove-stack", 50)
		if err := s.runtime.TearDownStack(ctx, stack.ComposePath, removeData); err != nil {
			return apperr.Wrap(apperr.CodeApplyFailed, "tear down stack "+stack.StackName, err)
		}
		os.RemoveAll(filepath.Dir(stack.ComposePath))

		if removeData {
			s.step(op, "remove-data", 80)
			for _, dir := range dataDirs {
				os.RemoveAll(dir)
			}
			os.RemoveAll(filepath.Join(s.appDataRoot, appID))
		}

		return s.db.Delete(&model.InstalledStack{}, stack.ID).Error
	})
	return op, nil
}

// dataDirs returns the bind-mount sources of a stack's compose file that
// live under appDataRoot. Stacks normalized with the legacy strategy keep
// their data at appDataRoot/<volumeName> rather than under the app ID, so
// deletion has to follow the mounts, not the ID.
func (s *Service) dataDirs(composePath string) []string {
	raw, err := os.ReadFile(composePath)
	if err != nil {
		return nil
	}
	parsed := compose.Parse(string(raw))
	if parsed == nil {
		return nil
	}
	root := filepath.Clean(s.appDataRoot)
	seen := make(map[string]bool)
	var dirs []string
	for _, name := range parsed.ServiceOrder {
		for _, v := range parsed.Services[name].Volumes {
			host, _, ok := strings.Cut(v, ":")
			if !ok {
				continue
			}
			host = filepath.Clean(host)
			if host == root || seen[host] || !strings.HasPrefix(host, root+string(os.PathSeparator)) {
				continue
			}
			seen[host] = true
			dirs = append(dirs, host)
		}
	}
	return dirs
}

// Start starts an installed stack.
func (s *Service) Start(appID string) (*model.Operation, error) {
	return s.controlAction(appID, model.ActionStart)
}

// Stop stops an installed stack.
func (s *Service) Stop(appID string) (*model.Operation, error) {
	return s.controlAction(appID, model.ActionStop)
}

// Restart restarts an installed stack.
func (s *Service) Restart(appID string) (*model.Operation, error) {
	return s.controlAction(appID, model.ActionRestart)
}

func (s *Service) controlAction(appID, action string) (*model.Operation, error) {
	stack, err := s.GetInstalled(appID)
	if err != nil {
		return nil, err
	}
	op, err := s.begin(appID, action)
	if err != nil {
		return nil, err
	}
	s.launch(op, s.controlTimeout, func(ctx context.Context) error {
		s.step(op, "apply-stack-state", 30)

		var want string
		var runErr error
		switch action {
		case model.ActionStart:
			want = docker.StateRunning
			runErr = s.runtime.StartStack(ctx, stack.ComposePath)
		case model.ActionStop:
			want = docker.StateStopped
			runErr = s.runtime.StopStack(ctx, stack.ComposePath)
		case model.ActionRestart:
			want = docker.StateRunning
			runErr = s.runtime.RestartStack(ctx, stack.ComposePath)
		}
		if runErr != nil {
			return apperr.Wrap(apperr.CodeApplyFailed, action+" stack "+stack.StackName, runErr)
		}
		return s.verifyState(ctx, stack.StackName, want)
	})
	return op, nil
}
