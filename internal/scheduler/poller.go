// Package scheduler runs the background loop that dispatches due reminders.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deirl/taskapp2/internal/model"
	"github.com/c0deirl/taskapp2/internal/notify"
	"github.com/charmbracelet/log"
)

// DefaultInterval between dispatch ticks.
const DefaultInterval = 60 * time.Second

// startupDelay before the first tick, so schema setup finishes first.
const startupDelay = 2 * time.Second

// Store is the slice of the database layer the poller needs.
type Store interface {
	ListDueUnsent(now time.Time) ([]model.DueReminder, error)
	MarkSent(id int64, sentAt time.Time) error
	SettingsSnapshot() (map[string]string, error)
}

// Notifier publishes a single notification.
type Notifier interface {
	Send(ctx context.Context, server, topic, title, body string) (bool, error)
}

// Poller periodically scans for due, unsent reminders and dispatches them.
// Delivery is at-least-once: a reminder is marked sent only after the remote
// acknowledged, and a failed attempt is retried on the next tick.
type Poller struct {
	store    Store
	notifier Notifier
	logger   *log.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Bool

	now func() time.Time
}

// NewPoller creates a background poller.
func NewPoller(store Store, notifier Notifier, logger *log.Logger) *Poller {
	if logger == nil {
		logger = log.Default()
	}
	return &Poller{
		store:    store,
		notifier: notifier,
		logger:   logger,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the polling loop. The first tick runs after a short startup
// delay to cover reminders that became due while the process was down.
func (p *Poller) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p.logger.Info("reminder poller started", "interval", interval)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case <-p.stopChan:
			return
		case <-time.After(startupDelay):
		}
		p.tick(context.Background())

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.tick(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight tick to finish naturally.
func (p *Poller) Stop() {
	close(p.stopChan)
	p.wg.Wait()
	p.logger.Info("reminder poller stopped")
}

// tick scans for due reminders and dispatches each independently. Only one
// tick runs at a time; a trigger arriving mid-tick is skipped, not queued.
func (p *Poller) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Warn("previous dispatch tick still running; skipping")
		return
	}
	defer p.inFlight.Store(false)

	now := p.now().UTC()
	due, err := p.store.ListDueUnsent(now)
	if err != nil {
		p.logger.Error("due-reminder scan failed; aborting tick", "err", err)
		return
	}
	if len(due) == 0 {
		return
	}

	// Settings are read once and held fixed for the whole batch.
	settings, err := p.store.SettingsSnapshot()
	if err != nil {
		p.logger.Error("settings snapshot failed; aborting tick", "err", err)
		return
	}

	p.logger.Info("dispatching due reminders", "count", len(due))
	for _, r := range due {
		p.dispatch(ctx, r, settings, now)
	}
}

// dispatch sends one reminder. Any failure leaves the reminder pending for
// the next tick and never aborts the rest of the batch.
func (p *Poller) dispatch(ctx context.Context, r model.DueReminder, settings map[string]string, now time.Time) {
	if r.Channel != model.ChannelNtfy {
		p.logger.Warn("unsupported reminder channel; leaving unsent", "reminder", r.ID, "channel", r.Channel)
		return
	}

	server := r.ServerURL
	if server == "" {
		server = settings[model.SettingNtfyServer]
	}
	if server == "" {
		server = notify.DefaultServer
	}

	topic := r.Topic
	if topic == "" {
		topic = settings[model.SettingNtfyTopic]
	}
	if topic == "" {
		p.logger.Warn("reminder has no topic and no default is configured; leaving unsent", "reminder", r.ID)
		return
	}

	title, body := composeMessage(r)

	ok, err := p.notifier.Send(ctx, server, topic, title, body)
	if err != nil {
		p.logger.Error("notification send failed; will retry next tick", "reminder", r.ID, "err", err)
		return
	}
	if !ok {
		p.logger.Warn("notification rejected by server; will retry next tick", "reminder", r.ID)
		return
	}

	// Mark sent only after confirmed delivery.
	if err := p.store.MarkSent(r.ID, now); err != nil {
		p.logger.Error("failed to mark reminder sent", "reminder", r.ID, "err", err)
		return
	}
	p.logger.Info("reminder dispatched", "reminder", r.ID, "task", r.TaskID)
}

// composeMessage builds the notification title and body from the reminder
// template, falling back to the task's notes, then a minimal task line.
func composeMessage(r model.DueReminder) (title, body string) {
	taskTitle := r.TaskTitle
	if taskTitle == "" {
		taskTitle = "task"
	}
	title = "Reminder: " + taskTitle

	switch {
	case r.Template != "":
		body = r.Template
	case r.TaskNotes != "":
		body = r.TaskNotes + "\n\nTask: " + taskTitle
	default:
		body = "Task: " + taskTitle
	}
	return title, body
}
