package model

import (
	"time"
)

// User represents a panel administrator
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	Password  string    `gorm:"not null" json:"-"` // bcrypt hash, never exposed in JSON
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InstalledStack statuses.
const (
	StackStatusNotInstalled = "not_installed"
	StackStatusInstalled    = "installed"
	StackStatusError        = "error"
	StackStatusUnknown      = "unknown"
)

// InstalledStack is the persisted record of a deployed app. Exactly one row
// may exist per AppID; uninstall followed by reinstall reuses or replaces it.
type InstalledStack struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	AppID        string     `gorm:"uniqueIndex;not null;size:128" json:"app_id"`
	StackName    string     `gorm:"uniqueIndex;not null;size:128" json:"stack_name"`
	ComposePath  string     `gorm:"size:512" json:"compose_path"`
	DisplayName  string     `gorm:"size:255" json:"display_name"`
	IconURL      string     `gorm:"size:512" json:"icon_url"`
	WebUIPort    int        `json:"web_ui_port"`
	EnvJSON      string     `gorm:"type:text" json:"env_json"` // map[string]string encoded as JSON
	Status       string     `gorm:"size:16;default:unknown" json:"status"`
	IsUpToDate   bool       `gorm:"default:true" json:"is_up_to_date"`
	LocalDigest  string     `gorm:"size:128" json:"local_digest"`
	RemoteDigest string     `gorm:"size:128" json:"remote_digest"`
	InstalledAt  *time.Time `json:"installed_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// CustomApp source types.
const (
	CustomSourceCompose    = "compose"
	CustomSourceRunCommand = "run_command"
)

// CustomApp is a user-authored app definition. Re-registration with the same
// AppID replaces the definition; custom apps are never auto-deleted.
type CustomApp struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	AppID          string    `gorm:"uniqueIndex;not null;size:128" json:"app_id"`
	DisplayName    string    `gorm:"size:255" json:"display_name"`
	Description    string    `gorm:"size:1024" json:"description"`
	IconURL        string    `gorm:"size:512" json:"icon_url"`
	SourceType     string    `gorm:"not null;size:16" json:"source_type"` // compose | run_command
	SourceText     string    `gorm:"type:text;not null" json:"source_text"`
	ComposeContent string    `gorm:"type:text;not null" json:"compose_content"` // derived, always compose text
	WebUIPort      int       `json:"web_ui_port"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Operation statuses and actions.
const (
	OpStatusQueued  = "queued"
	OpStatusRunning = "running"
	OpStatusSuccess = "success"
	OpStatusError   = "error"
)

const (
	ActionInstall      = "install"
	ActionUninstall    = "uninstall"
	ActionStart        = "start"
	ActionStop         = "stop"
	ActionRestart      = "restart"
	ActionRedeploy     = "redeploy"
	ActionCheckUpdates = "check-updates"
)

// Operation is a tracked, persisted instance of one lifecycle action.
// Once Status reaches success or error the record is terminal and immutable.
type Operation struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"` // UUID
	AppID           string     `gorm:"index;not null;size:128" json:"app_id"`
	Action          string     `gorm:"not null;size:16" json:"action"`
	Status          string     `gorm:"not null;size:16;default:queued" json:"status"`
	ProgressPercent int        `gorm:"default:0" json:"progress_percent"`
	CurrentStep     string     `gorm:"size:64" json:"current_step"`
	ErrorMessage    string     `gorm:"size:1024" json:"error_message"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Terminal reports whether the operation has reached a final state.
func (o *Operation) Terminal() bool {
	return o.Status == OpStatusSuccess || o.Status == OpStatusError
}

// Setting is a key-value store for panel settings
type Setting struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"`
	Value     string    `gorm:"size:1024" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
