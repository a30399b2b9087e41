package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/homestack/homestack/internal/apps"
	"github.com/homestack/homestack/internal/auth"
	"github.com/homestack/homestack/internal/catalog"
	"github.com/homestack/homestack/internal/config"
	"github.com/homestack/homestack/internal/customapp"
	"github.com/homestack/homestack/internal/database"
	"github.com/homestack/homestack/internal/docker"
	"github.com/homestack/homestack/internal/handler"
	"github.com/homestack/homestack/internal/ops"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Initialize database
	db := database.Init(cfg.DBPath)

	// Connect to the container runtime
	runtime, err := docker.NewClient(cfg.DockerSocket, logger.With("component", "docker"))
	if err != nil {
		log.Fatalf("Failed to create Docker client: %v", err)
	}
	defer runtime.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := runtime.Ping(ctx); err != nil {
		log.Printf("⚠️  Docker daemon not reachable: %v", err)
	}
	cancel()

	// Initialize services
	bus := ops.NewBus(logger.With("component", "ops"))
	tracker := ops.NewTracker(db, bus, logger.With("component", "ops"))
	cat := catalog.NewClient(cfg.CatalogURL, cfg.CatalogTTL, logger.With("component", "catalog"))
	registrar := customapp.NewRegistrar(db, logger.With("component", "customapp"))
	appSvc := apps.NewService(db, tracker, runtime, cat, cfg.StacksRoot, cfg.AppDataRoot, logger.With("component", "apps"))

	// Fail operations a previous process left behind
	if err := appSvc.Recover(); err != nil {
		log.Printf("⚠️  Failed to recover stale operations: %v", err)
	}

	// Background update checks
	scheduler, err := apps.NewUpdateScheduler(appSvc, cfg.UpdateCron)
	if err != nil {
		log.Fatalf("Failed to create update scheduler: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Setup Gin
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))

	// ============ API Routes ============
	api := r.Group("/api")

	// Public routes (no auth required)
	authH := handler.NewAuthHandler(db, cfg)
	api.POST("/auth/login", authH.Login)
	api.POST("/auth/setup", authH.Setup)
	api.GET("/auth/need-setup", authH.NeedSetup)

	// Protected routes (JWT required)
	protected := api.Group("")
	protected.Use(auth.Middleware(cfg.JWTSecret))

	protected.GET("/auth/me", authH.Me)

	// Catalog and custom apps
	appsH := handler.NewAppsHandler(appSvc, cat, registrar)
	protected.GET("/templates", appsH.ListTemplates)
	protected.GET("/custom-apps", appsH.ListCustomApps)
	protected.POST("/custom-apps", appsH.RegisterCustomApp)
	protected.DELETE("/custom-apps/:appId", appsH.DeleteCustomApp)

	// Installed apps and lifecycle
	protected.GET("/apps", appsH.ListInstalled)
	protected.GET("/apps/:appId", appsH.GetInstalled)
	protected.PATCH("/apps/:appId/settings", appsH.UpdateSettings)
	protected.POST("/apps/:appId/install", appsH.Install)
	protected.POST("/apps/:appId/uninstall", appsH.Uninstall)
	protected.POST("/apps/:appId/start", appsH.Start)
	protected.POST("/apps/:appId/stop", appsH.Stop)
	protected.POST("/apps/:appId/restart", appsH.Restart)
	protected.POST("/apps/:appId/redeploy", appsH.Redeploy)
	protected.POST("/apps/:appId/check-updates", appsH.CheckUpdates)
	protected.POST("/updates/check-all", appsH.CheckAllUpdates)

	// Operations
	opsH := handler.NewOperationsHandler(tracker)
	protected.GET("/operations/:id", opsH.Get)
	protected.GET("/operations/:id/ws", opsH.StreamWS)
	protected.GET("/apps/:appId/operations", opsH.ListByApp)

	// Start server
	addr := ":" + cfg.Port
	log.Printf("🚀 HomeStack starting on http://localhost%s", addr)
	log.Printf("📁 Data directory: %s", cfg.DataDir)

	if err := r.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
