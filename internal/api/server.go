package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"erpsync/internal/api/middleware"
	"erpsync/internal/pkg/queue"
	"erpsync/internal/progress"
	"erpsync/internal/syncer"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Syncer starts manual runs.
type Syncer interface {
	Trigger(ctx context.Context, p syncer.Params) (string, error)
	Running() []syncer.Type
}

// QueueStats exposes the manual-run worker queue counters.
type QueueStats interface {
	Stats() queue.Stats
}

// TaskReader exposes the progress tracker.
type TaskReader interface {
	Get(id string) (progress.SyncTask, error)
	List() []progress.SyncTask
	Sweep(now time.Time) int
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server is the operator HTTP surface: trigger runs, poll their progress.
type Server struct {
	logger    *slog.Logger
	router    *gin.Engine
	syncer    Syncer
	tasks     TaskReader
	checks    map[string]HealthCheck
	queue     QueueStats
	jwtSecret string
}

func NewServer(logger *slog.Logger, jwtSecret string, s Syncer, tasks TaskReader, checks map[string]HealthCheck) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	srv := &Server{
		logger:    logger,
		router:    r,
		syncer:    s,
		tasks:     tasks,
		checks:    checks,
		jwtSecret: jwtSecret,
	}
	srv.registerRoutes()
	return srv
}

// SetQueue adds the worker queue counters to /healthz.
func (s *Server) SetQueue(q QueueStats) {
	s.queue = q
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	sync := s.router.Group("/sync")
	sync.GET("/tasks", s.handleListTasks)
	sync.GET("/tasks/:id", s.handleGetTask)

	authed := sync.Group("/")
	authed.Use(middleware.AuthMiddleware(s.jwtSecret))
	authed.POST("/:type", s.handleTrigger)
}

// StartJanitor sweeps expired tasks until ctx is done.
func (s *Server) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in task janitor", slog.Any("panic", r))
			}
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := s.tasks.Sweep(now); n > 0 {
					s.logger.Info("expired sync tasks removed", slog.Int("count", n))
				}
			}
		}
	}()
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	body := gin.H{"status": "ok"}
	if s.queue != nil {
		body["queue"] = s.queue.Stats()
	}
	if len(failed) > 0 {
		body["status"] = "error"
		body["failed"] = failed
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks := s.tasks.List()
	if typ := strings.TrimSpace(c.Query("type")); typ != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Type == typ {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	running := s.syncer.Running()
	if running == nil {
		running = []syncer.Type{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "running": running})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.tasks.Get(c.Param("id"))
	if errors.Is(err, progress.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

// triggerRequest is the optional body of POST /sync/:type.
type triggerRequest struct {
	Mode string `json:"mode"` // full / incremental
	From string `json:"from"` // YYYY-MM-DD, sales only
	To   string `json:"to"`
}

type triggerResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

const dateLayout = "2006-01-02"

func (s *Server) handleTrigger(c *gin.Context) {
	typ, err := syncer.ParseType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p, err := buildParams(typ, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.syncer.Trigger(c.Request.Context(), p)
	switch {
	case errors.Is(err, syncer.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, syncer.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case errors.Is(err, syncer.ErrUnknownType):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("trigger sync failed",
			slog.String("sync_type", string(typ)),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trigger failed"})
		return
	}

	operator, _ := c.Get("operator")
	s.logger.Info("sync triggered",
		slog.String("task_id", id),
		slog.String("sync_type", string(typ)),
		slog.Any("operator", operator))
	c.JSON(http.StatusAccepted, triggerResponse{TaskID: id, Status: string(progress.StatusPending)})
}

func buildParams(typ syncer.Type, req triggerRequest) (syncer.Params, error) {
	mode, err := syncer.ParseMode(req.Mode)
	if err != nil {
		return syncer.Params{}, err
	}
	p := syncer.Params{Type: typ, Mode: mode}
	if req.From != "" {
		if p.From, err = time.ParseInLocation(dateLayout, req.From, time.Local); err != nil {
			return p, errors.New("from must be YYYY-MM-DD")
		}
	}
	if req.To != "" {
		if p.To, err = time.ParseInLocation(dateLayout, req.To, time.Local); err != nil {
			return p, errors.New("to must be YYYY-MM-DD")
		}
	}
	if !p.From.IsZero() && !p.To.IsZero() && !p.From.Before(p.To) {
		return p, syncer.ErrBadWindow
	}
	return p, nil
}
