package customapp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/homestack/homestack/internal/apperr"
	"github.com/homestack/homestack/internal/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBCounter uint64

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	id := atomic.AddUint64(&testDBCounter, 1)
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:customapp_%d?mode=memory&cache=shared", id)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&model.CustomApp{}); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}

func TestRegisterComposeSource(t *testing.T) {
	r := NewRegistrar(setupTestDB(t), slog.Default())

	app, err := r.Register(RegisterRequest{
		DisplayName: "Uptime Kuma",
		SourceType:  model.CustomSourceCompose,
		SourceText:  "services:\n  uptime-kuma:\n    image: louislam/uptime-kuma:1\n    ports:\n      - 3001:3001\n",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if app.AppID != "uptime-kuma" {
		t.Errorf("app id should be derived from the display name, got %q", app.AppID)
	}
	if app.ComposeContent != app.SourceText {
		t.Error("compose source should be stored verbatim")
	}
	if app.WebUIPort != 3001 {
		t.Errorf("web port should be detected from the primary service, got %d", app.WebUIPort)
	}
}

func TestRegisterRunCommandSource(t *testing.T) {
	r := NewRegistrar(setupTestDB(t), slog.Default())

	app, err := r.Register(RegisterRequest{
		AppID:       "Vaultwarden",
		DisplayName: "Vaultwarden",
		SourceType:  model.CustomSourceRunCommand,
		SourceText:  "docker run -d --name vaultwarden -p 8222:80 vaultwarden/server:latest",
		WebUI:       "http://nas.local:8222",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if app.AppID != "vaultwarden" {
		t.Errorf("unexpected app id %q", app.AppID)
	}
	if app.ComposeContent == app.SourceText || app.ComposeContent == "" {
		t.Error("run command should be converted into a compose document")
	}
	if app.WebUIPort != 8222 {
		t.Errorf("explicit web_ui should win, got %d", app.WebUIPort)
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	db := setupTestDB(t)
	r := NewRegistrar(db, slog.Default())

	req := RegisterRequest{
		DisplayName: "Gitea",
		SourceType:  model.CustomSourceCompose,
		SourceText:  "services:\n  gitea:\n    image: gitea/gitea:1.22\n",
	}
	first, err := r.Register(req)
	if err != nil {
		t.Fatalf("first Register: %v", err)
	}

	req.SourceText = "services:\n  gitea:\n    image: gitea/gitea:1.23\n"
	second, err := r.Register(req)
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if second.ID != first.ID {
		t.Error("re-registering the same app id must update in place")
	}

	var count int64
	db.Model(&model.CustomApp{}).Count(&count)
	if count != 1 {
		t.Errorf("expected a single row, got %d", count)
	}

	got, err := r.Get("gitea")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SourceText != req.SourceText {
		t.Error("stored definition was not replaced")
	}
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	r := NewRegistrar(setupTestDB(t), slog.Default())

	cases := []RegisterRequest{
		{DisplayName: "!!!", SourceType: model.CustomSourceCompose, SourceText: "services:\n  a:\n    image: x\n"},
		{DisplayName: "App", SourceType: model.CustomSourceCompose, SourceText: "not a compose doc"},
		{DisplayName: "App", SourceType: "helm_chart", SourceText: "whatever"},
		{DisplayName: "App", SourceType: model.CustomSourceRunCommand, SourceText: "docker ps"},
		{DisplayName: "App", SourceType: model.CustomSourceCompose, SourceText: "services:\n  a:\n    image: x\n", WebUI: "70000"},
	}
	for i, req := range cases {
		_, err := r.Register(req)
		if err == nil {
			t.Errorf("case %d: expected error", i)
			continue
		}
		var appErr *apperr.Error
		if !errors.As(err, &appErr) || appErr.Code != apperr.CodeInvalidSource {
			t.Errorf("case %d: expected invalid_source, got %v", i, err)
		}
	}
}

func TestDeleteCustomApp(t *testing.T) {
	r := NewRegistrar(setupTestDB(t), slog.Default())

	_, err := r.Register(RegisterRequest{
		DisplayName: "Temp",
		SourceType:  model.CustomSourceCompose,
		SourceText:  "services:\n  temp:\n    image: busybox\n",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Delete("temp"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get("temp"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("expected record to be gone, got %v", err)
	}
}
