// Package server provides the HTTP server and handlers.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c0deirl/taskapp2/internal/auth"
	"github.com/c0deirl/taskapp2/internal/database"
	"github.com/c0deirl/taskapp2/internal/model"
	"github.com/c0deirl/taskapp2/internal/timeinput"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// maxLogoSize caps logo uploads at 2 MiB.
const maxLogoSize = 2 << 20

// Server is the main HTTP server.
type Server struct {
	store      database.Store
	logger     *log.Logger
	uploadsDir string
	router     chi.Router
}

// New creates a new server. Uploaded files are written under uploadsDir and
// served at /uploads/.
func New(store database.Store, logger *log.Logger, uploadsDir string) (*Server, error) {
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		store:      store,
		logger:     logger,
		uploadsDir: uploadsDir,
	}
	s.setupRoutes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", s.handleHealth)

	// Serve uploaded files.
	r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.uploadsDir))))

	// API.
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(s.store))

		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSaveSettings)
		r.Post("/settings/logo", s.handleUploadLogo)

		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks-embed", s.handleTasksEmbed)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Put("/tasks/{taskID}", s.handleUpdateTask)
		r.Delete("/tasks/{taskID}", s.handleDeleteTask)

		r.Get("/tasks/{taskID}/reminders", s.handleListReminders)
		r.Post("/tasks/{taskID}/reminders", s.handleCreateReminder)
		r.Delete("/reminders/{reminderID}", s.handleDeleteReminder)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true, "ts": time.Now().UTC().Format(time.RFC3339)})
}

// --- Settings Handlers ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.store.SettingsSnapshot()
	if err != nil {
		http.Error(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	out := make(map[string]any)
	for _, key := range []string{model.SettingNtfyServer, model.SettingNtfyTopic, model.SettingAppTitle, model.SettingLogoPath} {
		if v, ok := snapshot[key]; ok {
			out[key] = v
		} else {
			out[key] = nil
		}
	}
	s.respondJSON(w, http.StatusOK, out)
}

// handleSaveSettings upserts the provided keys; explicit null deletes a key.
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]*string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	allowed := map[string]bool{
		model.SettingNtfyServer: true,
		model.SettingNtfyTopic:  true,
		model.SettingAppTitle:   true,
	}
	for key, value := range req {
		if !allowed[key] {
			continue
		}
		var err error
		if value == nil {
			err = s.store.DeleteSetting(key)
		} else {
			err = s.store.SetSetting(key, *value)
		}
		if err != nil {
			http.Error(w, "Failed to save", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadLogo(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxLogoSize); err != nil {
		http.Error(w, "Invalid upload", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("logo")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name, err := s.saveUpload(file, header)
	if err != nil {
		s.logger.Error("logo upload failed", "err", err)
		http.Error(w, "Upload failed", http.StatusInternalServerError)
		return
	}
	logoPath := "/uploads/" + name
	if err := s.store.SetSetting(model.SettingLogoPath, logoPath); err != nil {
		http.Error(w, "Failed to save", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"logo_path": logoPath})
}

func (s *Server) saveUpload(file multipart.File, header *multipart.FileHeader) (string, error) {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp":
	default:
		return "", fmt.Errorf("unsupported file extension %q", ext)
	}
	name := uuid.NewString() + ext
	dst, err := os.Create(filepath.Join(s.uploadsDir, name))
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, io.LimitReader(file, maxLogoSize)); err != nil {
		return "", err
	}
	return name, nil
}

// --- Task Handlers ---

type taskRequest struct {
	Title string `json:"title"`
	Notes string `json:"notes"`
	DueAt any    `json:"due_at"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		http.Error(w, "Failed to list tasks", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	s.respondJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}
	dueAt, ok := s.optionalTime(w, req.DueAt)
	if !ok {
		return
	}
	id, err := s.store.CreateTask(req.Title, req.Notes, dueAt)
	if err != nil {
		http.Error(w, "Failed to create task", http.StatusInternalServerError)
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		http.Error(w, "Failed to load task", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "taskID")
	if !ok {
		return
	}
	task, err := s.store.GetTask(id)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to load task", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "taskID")
	if !ok {
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}
	dueAt, ok := s.optionalTime(w, req.DueAt)
	if !ok {
		return
	}
	err := s.store.UpdateTask(id, req.Title, req.Notes, dueAt)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to update task", http.StatusInternalServerError)
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		http.Error(w, "Failed to load task", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "taskID")
	if !ok {
		return
	}
	if err := s.store.DeleteTask(id); err != nil {
		http.Error(w, "Failed to delete task", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTasksEmbed(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		http.Error(w, "Failed to list tasks", http.StatusInternalServerError)
		return
	}
	reminders, err := s.store.ListAllReminders()
	if err != nil {
		http.Error(w, "Failed to list reminders", http.StatusInternalServerError)
		return
	}
	byTask := make(map[int64][]model.Reminder)
	for _, rem := range reminders {
		byTask[rem.TaskID] = append(byTask[rem.TaskID], rem)
	}
	out := make([]model.TaskWithReminders, 0, len(tasks))
	for _, t := range tasks {
		rems := byTask[t.ID]
		if rems == nil {
			rems = []model.Reminder{}
		}
		out = append(out, model.TaskWithReminders{Task: t, Reminders: rems})
	}
	s.respondJSON(w, http.StatusOK, out)
}

// --- Reminder Handlers ---

type reminderRequest struct {
	RemindAt  any    `json:"remind_at"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Channel   string `json:"channel"`
	Template  string `json:"template"`
	ServerURL string `json:"server_url"`
	Topic     string `json:"topic"`
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.pathID(w, r, "taskID")
	if !ok {
		return
	}
	reminders, err := s.store.ListReminders(taskID)
	if err != nil {
		http.Error(w, "Failed to list reminders", http.StatusInternalServerError)
		return
	}
	if reminders == nil {
		reminders = []model.Reminder{}
	}
	s.respondJSON(w, http.StatusOK, reminders)
}

func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.pathID(w, r, "taskID")
	if !ok {
		return
	}
	exists, err := s.store.TaskExists(taskID)
	if err != nil {
		http.Error(w, "Failed to look up task", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}

	var req reminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	// Accept remind_at as epoch number, ISO/naive string, or separate
	// date+time fields. An unparseable value rejects the whole request.
	var remindAt time.Time
	if req.RemindAt != nil {
		remindAt, err = timeinput.Normalize(req.RemindAt)
	} else if req.Date != "" || req.Time != "" {
		remindAt, err = timeinput.NormalizeDateTime(req.Date, req.Time)
	} else {
		err = timeinput.ErrInvalidTimeInput
	}
	if err != nil {
		http.Error(w, "Invalid reminder time", http.StatusBadRequest)
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = model.ChannelNtfy
	}
	reminder := &model.Reminder{
		TaskID:    taskID,
		Channel:   channel,
		RemindAt:  remindAt,
		Template:  req.Template,
		ServerURL: req.ServerURL,
		Topic:     req.Topic,
	}
	id, err := s.store.CreateReminder(reminder)
	if err != nil {
		http.Error(w, "Failed to create reminder", http.StatusInternalServerError)
		return
	}
	created, err := s.store.GetReminder(id)
	if err != nil {
		http.Error(w, "Failed to load reminder", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, created)
}

func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "reminderID")
	if !ok {
		return
	}
	if err := s.store.DeleteReminder(id); err != nil {
		http.Error(w, "Failed to delete reminder", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// optionalTime normalizes an optional time value, writing a 400 on bad input.
func (s *Server) optionalTime(w http.ResponseWriter, v any) (*time.Time, bool) {
	if v == nil {
		return nil, true
	}
	ts, err := timeinput.Normalize(v)
	if err != nil {
		http.Error(w, "Invalid time value", http.StatusBadRequest)
		return nil, false
	}
	return &ts, true
}
