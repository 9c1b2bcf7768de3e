// Package database provides storage backends for the task manager.
package database

import (
	"errors"
	"time"

	"github.com/c0deirl/taskapp2/internal/model"
)

// ErrNotFound is returned for point lookups of absent rows.
var ErrNotFound = errors.New("database: not found")

// Capabilities describes which optional reminder columns the deployed schema
// actually has. Deployed databases may lag the expected column set, so the
// dispatch path asks for this descriptor instead of inspecting raw schema
// metadata itself. It is computed on demand and never cached, since table
// alteration is a rare administrative event.
type Capabilities struct {
	// RemindAtColumn is the column holding the target instant: "remind_at"
	// (canonical), "when_at" (legacy), or "" when absent entirely.
	RemindAtColumn string
	HasSent        bool
	HasSentAt      bool
	HasTopic       bool
	HasServerURL   bool
}

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// Capabilities inspects the reminders table and reports which optional
	// columns are present.
	Capabilities() (Capabilities, error)

	// Task operations
	CreateTask(title, notes string, dueAt *time.Time) (int64, error)
	GetTask(id int64) (*model.Task, error)
	ListTasks() ([]model.Task, error)
	UpdateTask(id int64, title, notes string, dueAt *time.Time) error
	DeleteTask(id int64) error
	TaskExists(id int64) (bool, error)

	// Reminder operations
	CreateReminder(r *model.Reminder) (int64, error)
	GetReminder(id int64) (*model.Reminder, error)
	ListReminders(taskID int64) ([]model.Reminder, error)
	ListAllReminders() ([]model.Reminder, error)
	DeleteReminder(id int64) error

	// ListDueUnsent returns reminders whose target instant has passed and
	// whose sent flag is unset, joined with the parent task, ordered by
	// target instant. Missing schema columns degrade the scan rather than
	// failing it: without a sent column every row is a candidate, without a
	// target-instant column every row is due.
	ListDueUnsent(now time.Time) ([]model.DueReminder, error)

	// MarkSent idempotently flags a reminder as delivered. Marking a row
	// that has vanished, or a schema without the sent column, is a no-op
	// success.
	MarkSent(id int64, sentAt time.Time) error

	// Settings operations. Values are stored JSON-encoded; absence of a key
	// means "use the built-in default".
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	DeleteSetting(key string) error
	SettingsSnapshot() (map[string]string, error)

	// User operations
	GetUser(username string) (*model.User, error)
	CreateUser(username, passwordHash string) error
}
