package customapp

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/homestack/homestack/internal/apperr"
	"github.com/homestack/homestack/internal/compose"
	"github.com/homestack/homestack/internal/model"
	"gorm.io/gorm"
)

// RegisterRequest is the input for registering a custom app.
type RegisterRequest struct {
	AppID       string `json:"app_id"`
	DisplayName string `json:"display_name" binding:"required"`
	Description string `json:"description"`
	IconURL     string `json:"icon_url"`
	SourceType  string `json:"source_type" binding:"required"` // compose | run_command
	SourceText  string `json:"source_text" binding:"required"`
	WebUI       string `json:"web_ui"` // port, host:port, or URL
}

// Registrar stores user-authored app definitions. Definitions are keyed by
// app ID; registering again with the same ID replaces the previous one.
type Registrar struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewRegistrar creates a Registrar.
func NewRegistrar(db *gorm.DB, logger *slog.Logger) *Registrar {
	return &Registrar{db: db, logger: logger}
}

// Register validates the request, derives the compose content, and upserts
// the custom app. All input validation happens here, before any lifecycle
// operation exists.
func (r *Registrar) Register(req RegisterRequest) (*model.CustomApp, error) {
	appID := compose.SanitizeStackName(req.AppID)
	if appID == "" {
		appID = compose.SanitizeStackName(req.DisplayName)
	}
	if appID == "" {
		return nil, apperr.New(apperr.CodeInvalidSource, "cannot derive an app id")
	}

	var composeContent string
	switch req.SourceType {
	case model.CustomSourceRunCommand:
		converted, err := ConvertRunCommand(req.SourceText, req.DisplayName)
		if err != nil {
			return nil, err
		}
		composeContent = converted
	case model.CustomSourceCompose:
		if compose.Parse(req.SourceText) == nil {
			return nil, apperr.New(apperr.CodeInvalidSource, "compose document is not parseable")
		}
		composeContent = req.SourceText
	default:
		return nil, apperr.New(apperr.CodeInvalidSource, fmt.Sprintf("unknown source type %q", req.SourceType))
	}

	port, err := ExtractWebPort(req.WebUI)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		port = detectWebPort(composeContent, appID)
	}

	app := &model.CustomApp{
		AppID:          appID,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		IconURL:        req.IconURL,
		SourceType:     req.SourceType,
		SourceText:     req.SourceText,
		ComposeContent: composeContent,
		WebUIPort:      port,
	}

	var existing model.CustomApp
	err = r.db.Where("app_id = ?", appID).First(&existing).Error
	switch {
	case err == nil:
		app.ID = existing.ID
		app.CreatedAt = existing.CreatedAt
		if err := r.db.Save(app).Error; err != nil {
			return nil, fmt.Errorf("update custom app: %w", err)
		}
	case err == gorm.ErrRecordNotFound:
		if err := r.db.Create(app).Error; err != nil {
			return nil, fmt.Errorf("create custom app: %w", err)
		}
	default:
		return nil, err
	}

	r.logger.Info("custom app registered", "app_id", appID, "source_type", req.SourceType)
	return app, nil
}

// List returns all custom apps.
func (r *Registrar) List() ([]model.CustomApp, error) {
	var apps []model.CustomApp
	err := r.db.Order("app_id ASC").Find(&apps).Error
	return apps, err
}

// Get returns a custom app by app ID.
func (r *Registrar) Get(appID string) (*model.CustomApp, error) {
	var app model.CustomApp
	if err := r.db.Where("app_id = ?", appID).First(&app).Error; err != nil {
		return nil, err
	}
	return &app, nil
}

// Delete removes a custom app definition. The installed stack, if any, is
// untouched; uninstalling is a separate lifecycle action.
func (r *Registrar) Delete(appID string) error {
	return r.db.Where("app_id = ?", appID).Delete(&model.CustomApp{}).Error
}

// detectWebPort falls back to the first numeric host port of the primary
// service when the user did not specify a web UI address.
func detectWebPort(composeContent, appID string) int {
	parsed := compose.Parse(composeContent)
	if parsed == nil {
		return 0
	}
	_, svc, ok := compose.PrimaryService(parsed, appID)
	if !ok {
		return 0
	}
	for _, mapping := range svc.Ports {
		host, _, found := strings.Cut(mapping, ":")
		if !found {
			continue
		}
		if port, err := parsePort(host); err == nil {
			return port
		}
	}
	return 0
}
