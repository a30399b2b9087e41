package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/homestack/homestack/internal/apperr"
	"github.com/homestack/homestack/internal/apps"
	"github.com/homestack/homestack/internal/catalog"
	"github.com/homestack/homestack/internal/customapp"
	"github.com/homestack/homestack/internal/model"
)

// AppsHandler exposes the catalog, custom apps, and lifecycle actions.
type AppsHandler struct {
	svc       *apps.Service
	catalog   *catalog.Client
	registrar *customapp.Registrar
}

// NewAppsHandler creates an AppsHandler.
func NewAppsHandler(svc *apps.Service, cat *catalog.Client, registrar *customapp.Registrar) *AppsHandler {
	return &AppsHandler{svc: svc, catalog: cat, registrar: registrar}
}

// errStatus maps the engine's error codes onto HTTP statuses.
func errStatus(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeInvalidSource:
		return http.StatusBadRequest
	case apperr.CodeOperationConflict:
		return http.StatusConflict
	case apperr.CodeCatalogUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ============ Catalog ============

// ListTemplates returns the catalog templates.
func (h *AppsHandler) ListTemplates(c *gin.Context) {
	bypass := c.Query("refresh") == "true"
	templates, err := h.catalog.ListTemplates(c.Request.Context(), bypass)
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error(), "code": apperr.CodeOf(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

// ============ Custom Apps ============

// RegisterCustomApp registers or replaces a user-authored app definition.
func (h *AppsHandler) RegisterCustomApp(c *gin.Context) {
	var req customapp.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	app, err := h.registrar.Register(req)
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error(), "code": apperr.CodeOf(err)})
		return
	}
	c.JSON(http.StatusCreated, app)
}

// ListCustomApps returns all custom app definitions.
func (h *AppsHandler) ListCustomApps(c *gin.Context) {
	list, err := h.registrar.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"apps": list})
}

// DeleteCustomApp removes a custom app definition.
func (h *AppsHandler) DeleteCustomApp(c *gin.Context) {
	if err := h.registrar.Delete(c.Param("appId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Custom app deleted"})
}

// ============ Installed Apps ============

// ListInstalled returns all installed stacks with live status.
func (h *AppsHandler) ListInstalled(c *gin.Context) {
	stacks, err := h.svc.ListInstalled(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"apps": stacks})
}

// GetInstalled returns one installed stack.
func (h *AppsHandler) GetInstalled(c *gin.Context) {
	stack, err := h.svc.GetInstalled(c.Param("appId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "App not installed"})
		return
	}
	c.JSON(http.StatusOK, stack)
}

// UpdateSettings mutates an installed stack's settings.
func (h *AppsHandler) UpdateSettings(c *gin.Context) {
	var req apps.SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stack, err := h.svc.UpdateSettings(c.Param("appId"), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stack)
}

// ============ Lifecycle Actions ============

// Install starts an install operation for an app.
func (h *AppsHandler) Install(c *gin.Context) {
	var opts apps.InstallOptions
	if err := c.ShouldBindJSON(&opts); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op, err := h.svc.Install(c.Param("appId"), opts)
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error(), "code": apperr.CodeOf(err)})
		return
	}
	c.JSON(http.StatusAccepted, op)
}

// Uninstall starts an uninstall operation.
func (h *AppsHandler) Uninstall(c *gin.Context) {
	removeData := c.Query("remove_data") == "true"
	op, err := h.svc.Uninstall(c.Param("appId"), removeData)
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error(), "code": apperr.CodeOf(err)})
		return
	}
	c.JSON(http.StatusAccepted, op)
}

// Start starts a stack.
func (h *AppsHandler) Start(c *gin.Context) { h.control(c, h.svc.Start) }

// Stop stops a stack.
func (h *AppsHandler) Stop(c *gin.Context) { h.control(c, h.svc.Stop) }

// Restart restarts a stack.
func (h *AppsHandler) Restart(c *gin.Context) { h.control(c, h.svc.Restart) }

// Redeploy re-applies a stack with fresh images.
func (h *AppsHandler) Redeploy(c *gin.Context) { h.control(c, h.svc.Redeploy) }

// CheckUpdates launches a digest comparison for one app.
func (h *AppsHandler) CheckUpdates(c *gin.Context) { h.control(c, h.svc.CheckUpdates) }

// CheckAllUpdates launches a digest comparison for every installed app.
func (h *AppsHandler) CheckAllUpdates(c *gin.Context) {
	results, err := h.svc.CheckAllUpdates()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"results": results})
}

func (h *AppsHandler) control(c *gin.Context, action func(string) (*model.Operation, error)) {
	op, err := action(c.Param("appId"))
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error(), "code": apperr.CodeOf(err)})
		return
	}
	c.JSON(http.StatusAccepted, op)
}
