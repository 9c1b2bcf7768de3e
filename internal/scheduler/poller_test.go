package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c0deirl/taskapp2/internal/model"
	"github.com/charmbracelet/log"
)

type fakeStore struct {
	mu       sync.Mutex
	due      []model.DueReminder
	settings map[string]string
	marked   []int64
	scanErr  error
	snapErr  error
	markErr  error
}

func (f *fakeStore) ListDueUnsent(now time.Time) ([]model.DueReminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	out := make([]model.DueReminder, len(f.due))
	copy(out, f.due)
	return out, nil
}

func (f *fakeStore) MarkSent(id int64, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	for i := range f.due {
		if f.due[i].ID == id {
			f.due = append(f.due[:i], f.due[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeStore) SettingsSnapshot() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	out := make(map[string]string, len(f.settings))
	for k, v := range f.settings {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) markedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.marked))
	copy(out, f.marked)
	return out
}

type sentCall struct {
	server, topic, title, body string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []sentCall
	ok    bool
	err   error
	// failFirst makes only the first send fail.
	failFirst bool
	block     chan struct{}
}

func (f *fakeNotifier) Send(ctx context.Context, server, topic, title, body string) (bool, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{server, topic, title, body})
	if f.failFirst && len(f.calls) == 1 {
		return false, errors.New("boom")
	}
	return f.ok, f.err
}

func (f *fakeNotifier) sent() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func dueReminder(id int64) model.DueReminder {
	return model.DueReminder{
		Reminder: model.Reminder{
			ID:       id,
			TaskID:   1,
			Channel:  model.ChannelNtfy,
			RemindAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		TaskTitle: "Water plants",
		TaskNotes: "the ferns too",
	}
}

func discardLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestTickDispatchesAndMarksSent(t *testing.T) {
	store := &fakeStore{
		due:      []model.DueReminder{dueReminder(1)},
		settings: map[string]string{model.SettingNtfyTopic: "alerts"},
	}
	notifier := &fakeNotifier{ok: true}
	p := NewPoller(store, notifier, discardLogger())

	p.tick(context.Background())

	calls := notifier.sent()
	if len(calls) != 1 {
		t.Fatalf("expected 1 send, got %d", len(calls))
	}
	if calls[0].topic != "alerts" {
		t.Fatalf("unexpected topic %q", calls[0].topic)
	}
	if calls[0].title != "Reminder: Water plants" {
		t.Fatalf("unexpected title %q", calls[0].title)
	}
	if got := store.markedIDs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected reminder 1 marked sent, got %v", got)
	}
}

func TestFailedDispatchStaysPending(t *testing.T) {
	store := &fakeStore{
		due:      []model.DueReminder{dueReminder(1)},
		settings: map[string]string{model.SettingNtfyTopic: "alerts"},
	}
	notifier := &fakeNotifier{ok: false}
	p := NewPoller(store, notifier, discardLogger())

	p.tick(context.Background())
	if got := store.markedIDs(); len(got) != 0 {
		t.Fatalf("rejected send must not mark sent, got %v", got)
	}

	// At-least-once: the same reminder is attempted again next tick.
	notifier.ok = true
	p.tick(context.Background())
	if len(notifier.sent()) != 2 {
		t.Fatalf("expected a retry on the next tick, got %d sends", len(notifier.sent()))
	}
	if got := store.markedIDs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected mark after successful retry, got %v", got)
	}
}

func TestMissingTopicSkipsWithWarning(t *testing.T) {
	store := &fakeStore{
		due:      []model.DueReminder{dueReminder(1)},
		settings: map[string]string{},
	}
	notifier := &fakeNotifier{ok: true}

	var buf bytes.Buffer
	logger := log.New(&buf)
	p := NewPoller(store, notifier, logger)

	p.tick(context.Background())

	if len(notifier.sent()) != 0 {
		t.Fatal("reminder without topic must not be dispatched")
	}
	if len(store.markedIDs()) != 0 {
		t.Fatal("reminder without topic must stay unsent")
	}
	if !strings.Contains(buf.String(), "no topic") {
		t.Fatalf("expected a missing-topic warning, log was: %s", buf.String())
	}
}

func TestUnsupportedChannelSkips(t *testing.T) {
	r := dueReminder(1)
	r.Channel = "email"
	store := &fakeStore{
		due:      []model.DueReminder{r},
		settings: map[string]string{model.SettingNtfyTopic: "alerts"},
	}
	notifier := &fakeNotifier{ok: true}
	p := NewPoller(store, notifier, discardLogger())

	p.tick(context.Background())

	if len(notifier.sent()) != 0 {
		t.Fatal("unsupported channel must not be dispatched")
	}
	if len(store.markedIDs()) != 0 {
		t.Fatal("unsupported channel must stay unsent")
	}
}

func TestEndpointAndTopicResolutionOrder(t *testing.T) {
	perReminder := dueReminder(1)
	perReminder.ServerURL = "https://ntfy.mine.example"
	perReminder.Topic = "override"

	fromSettings := dueReminder(2)
	bare := dueReminder(3)

	store := &fakeStore{
		due: []model.DueReminder{perReminder, fromSettings, bare},
		settings: map[string]string{
			model.SettingNtfyServer: "https://ntfy.global.example",
			model.SettingNtfyTopic:  "global",
		},
	}
	notifier := &fakeNotifier{ok: true}
	p := NewPoller(store, notifier, discardLogger())

	p.tick(context.Background())

	calls := notifier.sent()
	if len(calls) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(calls))
	}
	if calls[0].server != "https://ntfy.mine.example" || calls[0].topic != "override" {
		t.Fatalf("per-reminder override not honored: %+v", calls[0])
	}
	if calls[1].server != "https://ntfy.global.example" || calls[1].topic != "global" {
		t.Fatalf("settings fallback not honored: %+v", calls[1])
	}
	if calls[2].server != "https://ntfy.global.example" {
		t.Fatalf("global server expected for bare reminder: %+v", calls[2])
	}

	// Without a settings server either, the built-in default applies.
	store2 := &fakeStore{
		due:      []model.DueReminder{dueReminder(4)},
		settings: map[string]string{model.SettingNtfyTopic: "alerts"},
	}
	notifier2 := &fakeNotifier{ok: true}
	NewPoller(store2, notifier2, discardLogger()).tick(context.Background())
	if calls := notifier2.sent(); len(calls) != 1 || calls[0].server != "https://ntfy.sh" {
		t.Fatalf("built-in default server expected: %+v", calls)
	}
}

func TestBatchContinuesAfterFailure(t *testing.T) {
	store := &fakeStore{
		due:      []model.DueReminder{dueReminder(1), dueReminder(2)},
		settings: map[string]string{model.SettingNtfyTopic: "alerts"},
	}
	notifier := &fakeNotifier{ok: true, failFirst: true}
	p := NewPoller(store, notifier, discardLogger())

	p.tick(context.Background())

	if len(notifier.sent()) != 2 {
		t.Fatalf("failure of one candidate must not abort the batch, got %d sends", len(notifier.sent()))
	}
	if got := store.markedIDs(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("only the successful candidate should be marked, got %v", got)
	}
}

func TestScanErrorAbortsTick(t *testing.T) {
	store := &fakeStore{
		scanErr:  errors.New("db locked"),
		settings: map[string]string{model.SettingNtfyTopic: "alerts"},
	}
	notifier := &fakeNotifier{ok: true}
	p := NewPoller(store, notifier, discardLogger())

	p.tick(context.Background())
	if len(notifier.sent()) != 0 {
		t.Fatal("a failed scan must abort the tick")
	}

	// The next tick is independent.
	store.mu.Lock()
	store.scanErr = nil
	store.due = []model.DueReminder{dueReminder(1)}
	store.mu.Unlock()
	p.tick(context.Background())
	if len(notifier.sent()) != 1 {
		t.Fatal("tick after a failed scan should proceed normally")
	}
}

func TestSnapshotErrorAbortsTick(t *testing.T) {
	store := &fakeStore{
		due:     []model.DueReminder{dueReminder(1)},
		snapErr: errors.New("db locked"),
	}
	notifier := &fakeNotifier{ok: true}
	NewPoller(store, notifier, discardLogger()).tick(context.Background())
	if len(notifier.sent()) != 0 {
		t.Fatal("a failed settings snapshot must abort the tick")
	}
}

func TestOverlappingTickSuppressed(t *testing.T) {
	block := make(chan struct{})
	store := &fakeStore{
		due:      []model.DueReminder{dueReminder(1)},
		settings: map[string]string{model.SettingNtfyTopic: "alerts"},
	}
	notifier := &fakeNotifier{ok: true, block: block}
	p := NewPoller(store, notifier, discardLogger())

	done := make(chan struct{})
	go func() {
		p.tick(context.Background())
		close(done)
	}()

	// Give the first tick time to reach the blocked send, then trigger a
	// second tick; it must return without doing any work.
	time.Sleep(50 * time.Millisecond)
	p.tick(context.Background())
	if len(notifier.sent()) != 0 {
		t.Fatal("overlapping tick performed work while another was in flight")
	}

	close(block)
	<-done
	if len(notifier.sent()) != 1 {
		t.Fatalf("expected exactly one send, got %d", len(notifier.sent()))
	}
}

func TestStartStop(t *testing.T) {
	store := &fakeStore{settings: map[string]string{}}
	p := NewPoller(store, &fakeNotifier{ok: true}, discardLogger())
	p.Start(time.Hour)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return promptly")
	}
}

func TestComposeMessage(t *testing.T) {
	r := dueReminder(1)
	title, body := composeMessage(r)
	if title != "Reminder: Water plants" {
		t.Fatalf("unexpected title %q", title)
	}
	if body != "the ferns too\n\nTask: Water plants" {
		t.Fatalf("unexpected body %q", body)
	}

	r.Template = "Don't forget!"
	if _, body = composeMessage(r); body != "Don't forget!" {
		t.Fatalf("template should win, got %q", body)
	}

	r.Template = ""
	r.TaskNotes = ""
	if _, body = composeMessage(r); body != "Task: Water plants" {
		t.Fatalf("fallback body mismatch: %q", body)
	}

	r.TaskTitle = ""
	title, _ = composeMessage(r)
	if title != "Reminder: task" {
		t.Fatalf("fallback title mismatch: %q", title)
	}
}
