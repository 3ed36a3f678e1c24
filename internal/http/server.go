// Package http serves the record store API used by the scratch CLI.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/whalesync/scratch-cli-sub001/internal/events"
	"github.com/whalesync/scratch-cli-sub001/internal/logging"
	"github.com/whalesync/scratch-cli-sub001/internal/records"
	"github.com/whalesync/scratch-cli-sub001/internal/recordstore"
)

// RecordStore is the store served by the API.
type RecordStore interface {
	Apply(ctx context.Context, workbookID, tableID string, ops []records.Operation) ([]records.Record, error)
	ListRecords(ctx context.Context, workbookID, tableID, cursor string, take int) (*records.Page, error)
	Seed(workbookID, tableID string, recs ...records.Record) []records.Record
}

// EventPublisher announces record changes. Publishing is best effort.
type EventPublisher interface {
	Publish(ev events.RecordsChanged) error
}

// Server provides the HTTP endpoints of the development record store.
type Server struct {
	echo    *echo.Echo
	store   RecordStore
	events  EventPublisher
	logger  *logging.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithEvents publishes a RecordsChanged event after every successful write.
func WithEvents(p EventPublisher) Option {
	return func(s *Server) { s.events = p }
}

// WithMetrics records request metrics.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(store RecordStore, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		store:  store,
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			if logging.ValidID(id) {
				req := c.Request()
				c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
			}
		},
	}))
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// Let echo write the response now so the logged status is final.
			c.Error(err)
		}

		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	table := v1.Group("/workbooks/:workbookID/tables/:tableID")
	table.GET("/records", s.handleListRecords)
	table.POST("/records", s.handleSeedRecords)
	table.POST("/records/bulk", s.handleBulk)
}

// Echo exposes the router so callers can mount extra endpoints such as /metrics.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SeedRequest is the body of POST .../records.
type SeedRequest struct {
	Records []records.Record `json:"records"`
}

// SeedResponse echoes the inserted records with their assigned ids.
type SeedResponse struct {
	Records []records.Record `json:"records"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListRecords(c echo.Context) error {
	workbookID, tableID := c.Param("workbookID"), c.Param("tableID")

	take := 0
	if raw := c.QueryParam("take"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "take must be a non-negative integer")
		}
		take = n
	}

	page, err := s.store.ListRecords(c.Request().Context(), workbookID, tableID, c.QueryParam("cursor"), take)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) handleSeedRecords(c echo.Context) error {
	workbookID, tableID := c.Param("workbookID"), c.Param("tableID")

	var req SeedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Records) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "records field is required")
	}

	seeded := s.store.Seed(workbookID, tableID, req.Records...)
	ids := make([]string, len(seeded))
	for i, r := range seeded {
		ids[i] = r.ID
	}
	s.publish(c.Request().Context(), workbookID, tableID, ids)

	return c.JSON(http.StatusCreated, SeedResponse{Records: seeded})
}

func (s *Server) handleBulk(c echo.Context) error {
	workbookID, tableID := c.Param("workbookID"), c.Param("tableID")
	ctx := withWorkbook(c.Request().Context(), workbookID)

	var req recordstore.BulkRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(ctx, "invalid bulk request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Ops) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ops field is required")
	}

	created, err := s.store.Apply(ctx, workbookID, tableID, req.Ops)
	if err != nil {
		return s.storeError(c, err)
	}

	ids := make([]string, 0, len(req.Ops))
	for _, op := range req.Ops {
		if op.RecordID != "" {
			ids = append(ids, op.RecordID)
		}
	}
	for _, r := range created {
		ids = append(ids, r.ID)
	}
	s.publish(ctx, workbookID, tableID, ids)

	s.logger.Debug(ctx, "bulk update applied",
		zap.String("table_id", tableID),
		zap.Int("ops", len(req.Ops)),
		zap.Int("created", len(created)))

	return c.JSON(http.StatusOK, recordstore.BulkResponse{Created: created})
}

// storeError maps store errors to HTTP errors with a readable message.
func (s *Server) storeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, recordstore.ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, recordstore.ErrInvalidOperation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request canceled")
	default:
		s.logger.Error(c.Request().Context(), "record store failure", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "record store failure")
	}
}

func (s *Server) publish(ctx context.Context, workbookID, tableID string, ids []string) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(events.RecordsChanged{
		WorkbookID: workbookID,
		TableID:    tableID,
		RecordIDs:  ids,
	})
	if err != nil {
		s.logger.Warn(ctx, "failed to publish records changed event",
			zap.String("table_id", tableID),
			zap.Error(err))
	}
}

func withWorkbook(ctx context.Context, workbookID string) context.Context {
	if !logging.ValidID(workbookID) {
		return ctx
	}
	return logging.WithWorkbookID(ctx, workbookID)
}

// Start starts the HTTP server. It blocks until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
