package database

import (
	"log"

	"github.com/homestack/homestack/internal/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Init initializes the SQLite database and runs auto-migration
func Init(dbPath string) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Enable WAL mode for better concurrent read performance
	sqlDB, _ := db.DB()
	sqlDB.Exec("PRAGMA journal_mode=WAL")
	sqlDB.Exec("PRAGMA foreign_keys=ON")

	// Auto-migrate all models
	err = db.AutoMigrate(
		&model.User{},
		&model.InstalledStack{},
		&model.CustomApp{},
		&model.Operation{},
		&model.Setting{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Seed default settings
	db.Where("key = ?", "storage_strategy").FirstOrCreate(&model.Setting{Key: "storage_strategy", Value: "app_target_path"})
	db.Where("key = ?", "auto_check_updates").FirstOrCreate(&model.Setting{Key: "auto_check_updates", Value: "true"})

	log.Println("Database initialized successfully")
	return db
}
