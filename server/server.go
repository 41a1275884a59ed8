// Package server exposes the memory subsystem over HTTP. Every route
// is owner-scoped: the bearer token names the owner and an owner can
// never read or delete another owner's memories.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/cognimesh/memtier/memory"
	"github.com/cognimesh/memtier/retry"
)

// ReflectionSink accepts reflections from the reflection collaborator
// for later distillation.
type ReflectionSink interface {
	AppendReflection(ctx context.Context, rec *memory.ReflectionRecord) error
}

// Server wires the repository behind an echo router.
type Server struct {
	echo        *echo.Echo
	repo        *memory.Repository
	reflections ReflectionSink
	logger      *zap.Logger
	retry       retry.Config
}

// New builds the router. tokenSecret signs bearer tokens; it must not
// be empty. reflections may be nil, which disables the ingestion route.
func New(repo *memory.Repository, reflections ReflectionSink, tokenSecret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	rc := retry.Default
	rc.ShouldRetry = memory.IsTransient

	s := &Server{echo: e, repo: repo, reflections: reflections, logger: logger, retry: rc}

	e.GET("/healthz", s.handleHealth)

	v1 := e.Group("/v1", ownerAuth(tokenSecret))
	v1.POST("/memories", s.handleStore)
	v1.GET("/memories", s.handleList)
	v1.GET("/memories/:id", s.handleRetrieve)
	v1.DELETE("/memories/:id", s.handleDelete)
	v1.GET("/context", s.handleContext)
	v1.POST("/search", s.handleSearch)
	v1.GET("/stats", s.handleStats)
	if reflections != nil {
		v1.POST("/reflections", s.handleReflection)
	}

	return s
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error { return s.echo.Start(addr) }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

type storeRequest struct {
	Content         string  `json:"content"`
	Tier            string  `json:"tier"`
	SessionID       string  `json:"session_id"`
	Confidence      float64 `json:"confidence"`
	EmotionalWeight float64 `json:"emotional_weight"`
}

type storeResponse struct {
	ID   string `json:"id"`
	Tier string `json:"tier"`
}

func (s *Server) handleStore(c echo.Context) error {
	var req storeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	tier := memory.Tier(req.Tier)
	if tier == "" {
		tier = memory.TierSTM
	}

	owner := ownerFrom(c)
	meta := memory.Metadata{
		SessionID:       req.SessionID,
		Confidence:      req.Confidence,
		EmotionalWeight: req.EmotionalWeight,
	}

	var id string
	err := retry.Do(c.Request().Context(), s.retry, func() error {
		var err error
		id, err = s.repo.Store(c.Request().Context(), owner, req.Content, tier, meta)
		return err
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, storeResponse{ID: id, Tier: string(tier)})
}

// handleList pages through one tier, most recently touched first.
func (s *Server) handleList(c echo.Context) error {
	tier := memory.Tier(c.QueryParam("tier"))
	if tier == "" {
		tier = memory.TierSTM
	}

	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	owner := ownerFrom(c)
	var items []*memory.Item
	err := retry.Do(c.Request().Context(), s.retry, func() error {
		var err error
		items, err = s.repo.List(c.Request().Context(), owner, tier, limit)
		return err
	})
	if err != nil {
		return s.mapError(err)
	}
	if items == nil {
		items = []*memory.Item{}
	}
	return c.JSON(http.StatusOK, map[string]any{"memories": items})
}

func (s *Server) handleRetrieve(c echo.Context) error {
	owner := ownerFrom(c)
	var item *memory.Item
	err := retry.Do(c.Request().Context(), s.retry, func() error {
		var err error
		item, err = s.repo.Retrieve(c.Request().Context(), owner, c.Param("id"))
		return err
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (s *Server) handleDelete(c echo.Context) error {
	owner := ownerFrom(c)
	err := retry.Do(c.Request().Context(), s.retry, func() error {
		return s.repo.Delete(c.Request().Context(), owner, c.Param("id"))
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleContext(c echo.Context) error {
	owner := ownerFrom(c)
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	pc, err := s.repo.Context(c.Request().Context(), owner, sessionID)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, pc)
}

type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.K <= 0 {
		req.K = 10
	}

	owner := ownerFrom(c)
	results, err := s.repo.Search(c.Request().Context(), owner, req.Query, req.K)
	if err != nil {
		return s.mapError(err)
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.repo.Stats(c.Request().Context(), ownerFrom(c))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

type reflectionRequest struct {
	ID              string   `json:"id"`
	Topics          []string `json:"topics"`
	AlignmentScore  float64  `json:"alignment_score"`
	Assessment      string   `json:"assessment"`
	EmotionalWeight float64  `json:"emotional_weight"`
	Confidence      float64  `json:"confidence"`
	MemoryID        string   `json:"memory_id"`
}

// handleReflection ingests one reflection from the reflection
// collaborator. The owner comes from the verified token, never the
// body.
func (s *Server) handleReflection(c echo.Context) error {
	var req reflectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.ID == "" || req.Assessment == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id and assessment are required")
	}

	rec := &memory.ReflectionRecord{
		ID:              req.ID,
		Owner:           ownerFrom(c).Owner(),
		CreatedAt:       time.Now(),
		Topics:          req.Topics,
		AlignmentScore:  req.AlignmentScore,
		Assessment:      req.Assessment,
		EmotionalWeight: req.EmotionalWeight,
		Confidence:      req.Confidence,
		MemoryID:        req.MemoryID,
	}
	err := retry.Do(c.Request().Context(), s.retry, func() error {
		return s.reflections.AppendReflection(c.Request().Context(), rec)
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// mapError translates the memory error taxonomy onto HTTP statuses.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "memory not found")
	case errors.Is(err, memory.ErrEmptyContent),
		errors.Is(err, memory.ErrInvalidTier):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, memory.ErrValidationUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "validation unavailable, try again later")
	case memory.IsTransient(err):
		s.logger.Warn("transient store failure", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store temporarily unavailable")
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
