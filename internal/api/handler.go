package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gocloud.dev/blob"

	"github.com/eugenenazirov/gaekit/internal/auth"
	"github.com/eugenenazirov/gaekit/internal/logging"
	"github.com/eugenenazirov/gaekit/internal/middleware"
	"github.com/eugenenazirov/gaekit/internal/migrations"
	"github.com/eugenenazirov/gaekit/internal/mutex"
	"github.com/eugenenazirov/gaekit/internal/storage"
	"github.com/eugenenazirov/gaekit/internal/tasks"
)

// MigrationRunner runs and reports registered migrations.
type MigrationRunner interface {
	IDs() []string
	List(ctx context.Context) ([]migrations.Result, error)
	Pending(ctx context.Context) ([]string, error)
	Bootstrap(ctx context.Context) error
	Run(ctx context.Context, id string) error
}

// Mutexes inspects and force-releases mutexes.
type Mutexes interface {
	Get(ctx context.Context, id string) (*mutex.Record, error)
	Release(ctx context.Context, id string) error
}

// Files serves objects from the default bucket.
type Files interface {
	Reader(ctx context.Context, name string) (*blob.Reader, error)
	SignedURL(ctx context.Context, name string) (string, error)
}

// Deps are the services the handlers delegate to. Files may be nil when no
// bucket is configured.
type Deps struct {
	Migrations MigrationRunner
	Queue      tasks.Queue
	Mutexes    Mutexes
	Files      Files
}

// Handler exposes the toolkit services over HTTP.
type Handler struct {
	deps   Deps
	logger *zap.Logger

	clock func() time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(deps Deps, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		deps:   deps,
		logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) log(r *http.Request) *zap.Logger {
	return logging.FromContext(r.Context(), h.logger)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	})
}

// handleCronMigrations runs pending migrations. App Engine cron only
// records the status code, so failures surface as 500.
func (h *Handler) handleCronMigrations(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Migrations.Bootstrap(r.Context()); err != nil {
		h.log(r).Error("migration bootstrap failed", zap.Error(err))
		middleware.WriteInternalError(w, err)
		return
	}
	h.writeMigrations(w, r, http.StatusOK)
}

// handleTaskMigration runs one migration from a task. Non-2xx answers make
// Cloud Tasks retry, except for unknown ids which are dropped with 404.
func (h *Handler) handleTaskMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logger := h.log(r)
	if info, ok := middleware.TaskFromContext(r.Context()); ok {
		logger = logger.With(zap.String("queue", info.QueueName), zap.String("task", info.TaskName), zap.Int("retry", info.RetryCount))
	}

	err := h.deps.Migrations.Run(r.Context(), id)
	switch {
	case err == nil:
		middleware.WriteJSON(w, http.StatusOK, statusResponse{Status: "completed", ID: id})
	case errors.Is(err, migrations.ErrUnknownMigration):
		middleware.WriteError(w, http.StatusNotFound, "Unknown migration", err.Error())
	case errors.Is(err, migrations.ErrRunning):
		logger.Info("migration mutex busy, task will be retried", zap.String("migration", id))
		middleware.WriteError(w, http.StatusConflict, "Migrations running", err.Error())
	default:
		logger.Error("migration task failed", zap.String("migration", id), zap.Error(err))
		middleware.WriteInternalError(w, err)
	}
}

func (h *Handler) handleListMigrations(w http.ResponseWriter, r *http.Request) {
	h.writeMigrations(w, r, http.StatusOK)
}

func (h *Handler) writeMigrations(w http.ResponseWriter, r *http.Request, status int) {
	results, err := h.deps.Migrations.List(r.Context())
	if err != nil {
		middleware.WriteInternalError(w, err)
		return
	}
	pending, err := h.deps.Migrations.Pending(r.Context())
	if err != nil {
		middleware.WriteInternalError(w, err)
		return
	}
	if results == nil {
		results = []migrations.Result{}
	}
	if pending == nil {
		pending = []string{}
	}
	middleware.WriteJSON(w, status, migrationsResponse{
		Registered: h.deps.Migrations.IDs(),
		Pending:    pending,
		Results:    results,
	})
}

// handleEnqueueMigration queues a forced run of one migration.
func (h *Handler) handleEnqueueMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	known := false
	for _, registered := range h.deps.Migrations.IDs() {
		if registered == id {
			known = true
			break
		}
	}
	if !known {
		middleware.WriteError(w, http.StatusNotFound, "Unknown migration", "no migration registered as "+id)
		return
	}

	if err := h.deps.Queue.Enqueue(r.Context(), "/migrations/"+id); err != nil {
		h.log(r).Error("failed to enqueue migration", zap.String("migration", id), zap.Error(err))
		middleware.WriteInternalError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, statusResponse{Status: "enqueued", ID: id})
}

func (h *Handler) handleGetMutex(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.deps.Mutexes.Get(r.Context(), id)
	if err != nil {
		middleware.WriteInternalError(w, err)
		return
	}
	if rec == nil {
		middleware.WriteError(w, http.StatusNotFound, "Unknown mutex", "no mutex named "+id)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, rec)
}

// handleReleaseMutex force-releases a mutex left behind by a crashed
// instance.
func (h *Handler) handleReleaseMutex(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.deps.Mutexes.Release(r.Context(), id); err != nil {
		middleware.WriteInternalError(w, err)
		return
	}
	h.log(r).Warn("mutex released manually", zap.String("mutex", id))
	middleware.WriteJSON(w, http.StatusOK, statusResponse{Status: "released", ID: id})
}

func (h *Handler) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "Unauthorized", "no verified identity")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, whoAmIResponse{
		Subject:  id.Subject,
		Email:    id.Email,
		Issuer:   id.Issuer,
		Audience: id.Audience,
		Expiry:   id.Expiry,
	})
}

func (h *Handler) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	name, ok := h.fileName(w, r)
	if !ok {
		return
	}

	reader, err := h.deps.Files.Reader(r.Context(), name)
	if err != nil {
		h.writeFileError(w, err)
		return
	}
	defer reader.Close()

	if ct := reader.ContentType(); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Last-Modified", reader.ModTime().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		h.log(r).Warn("file download interrupted", zap.String("file", name), zap.Error(err))
	}
}

func (h *Handler) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	name, ok := h.fileName(w, r)
	if !ok {
		return
	}

	url, err := h.deps.Files.SignedURL(r.Context(), name)
	if err != nil {
		h.writeFileError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, signedURLResponse{Name: name, URL: url})
}

func (h *Handler) fileName(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.deps.Files == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Storage unavailable", "no bucket configured")
		return "", false
	}
	name := strings.TrimPrefix(r.PathValue("name"), "/")
	if name == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request", "file name is required")
		return "", false
	}
	return name, true
}

func (h *Handler) writeFileError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "File not found", err.Error())
		return
	}
	middleware.WriteInternalError(w, err)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type statusResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

type migrationsResponse struct {
	Registered []string            `json:"registered"`
	Pending    []string            `json:"pending"`
	Results    []migrations.Result `json:"results"`
}

type whoAmIResponse struct {
	Subject  string    `json:"subject"`
	Email    string    `json:"email"`
	Issuer   string    `json:"issuer"`
	Audience []string  `json:"audience,omitempty"`
	Expiry   time.Time `json:"expiry,omitzero"`
}

type signedURLResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}
