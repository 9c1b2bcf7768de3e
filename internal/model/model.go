// Package model defines shared data structures.
package model

import "time"

// Task is a single to-do item. Deleting a task cascades to its reminders.
type Task struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Reminder schedules a notification for its parent task.
// RemindAt is the instant at which dispatch becomes eligible; once Sent is
// true the reminder is never reconsidered.
type Reminder struct {
	ID        int64      `json:"id"`
	TaskID    int64      `json:"task_id"`
	Channel   string     `json:"channel"`
	RemindAt  time.Time  `json:"remind_at"`
	Template  string     `json:"template,omitempty"`
	ServerURL string     `json:"server_url,omitempty"` // per-reminder ntfy server override
	Topic     string     `json:"topic,omitempty"`      // per-reminder ntfy topic override
	Sent      bool       `json:"sent"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// DueReminder is a reminder joined with its parent task, as consumed by the
// dispatch loop.
type DueReminder struct {
	Reminder
	TaskTitle string `json:"task_title"`
	TaskNotes string `json:"task_notes,omitempty"`
}

// TaskWithReminders embeds a task's reminders for the /tasks-embed endpoint.
type TaskWithReminders struct {
	Task
	Reminders []Reminder `json:"reminders"`
}

// User is a basic-auth account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
}

// Channel constants. Only ntfy push is implemented.
const (
	ChannelNtfy = "ntfy"
)

// Settings key constants.
const (
	SettingNtfyServer   = "ntfy_server"
	SettingNtfyTopic    = "ntfy_topic"
	SettingAppTitle     = "app_title"
	SettingLogoPath     = "logo_path"
	SettingPollInterval = "poll_interval_seconds"
)
