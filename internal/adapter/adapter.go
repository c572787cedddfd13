// Package adapter is the thin HTTP/WebSocket surface in front of the core:
// it translates requests into calls against the sync engine, analysis
// coordinator, batch orchestrator, store and AI coordinator, and maps typed
// apperr.Kind values to transport status codes. It carries no domain logic
// of its own, matching eve.evalgo.org/http's role of standard server
// plumbing (middleware, health checks, graceful shutdown) around services
// that do the real work.
package adapter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/rknightion/paperless-dedupe/internal/ai"
	"github.com/rknightion/paperless-dedupe/internal/analysis"
	"github.com/rknightion/paperless-dedupe/internal/apperr"
	"github.com/rknightion/paperless-dedupe/internal/batch"
	"github.com/rknightion/paperless-dedupe/internal/events"
	"github.com/rknightion/paperless-dedupe/internal/store"
	"github.com/rknightion/paperless-dedupe/internal/syncengine"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

// Config mirrors eve.evalgo.org/http.ServerConfig's fields this adapter
// actually uses.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server wires the core subsystems onto an echo.Echo instance.
type Server struct {
	echo *echo.Echo
	cfg  Config
	log  *logrus.Logger

	store    *store.Store
	syncer   *syncengine.Engine
	analyzer *analysis.Coordinator
	batcher  *batch.Orchestrator
	collab   *ai.Coordinator
	bus      *events.Bus
	version  string
	upgrader websocket.Upgrader
}

// Deps bundles the core collaborators a Server delegates to. AI may be
// nil: metadata-enrichment is an optional collaborator.
type Deps struct {
	Store    *store.Store
	Sync     *syncengine.Engine
	Analysis *analysis.Coordinator
	Batch    *batch.Orchestrator
	AI       *ai.Coordinator
	Bus      *events.Bus
	Version  string
	Log      *logrus.Logger
}

// New builds a Server with standard middleware, the way
// eve.evalgo.org/http.NewEchoServer assembles its Echo instance.
func New(cfg Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		log:      log,
		store:    deps.Store,
		syncer:   deps.Sync,
		analyzer: deps.Analysis,
		batcher:  deps.Batch,
		collab:   deps.AI,
		bus:      deps.Bus,
		version:  deps.Version,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/events", s.handleEvents)

	s.echo.GET("/documents", s.handleListDocuments)
	s.echo.GET("/documents/:id", s.handleGetDocument)

	s.echo.GET("/groups", s.handleListGroups)
	s.echo.GET("/groups/:id", s.handleGetGroup)

	s.echo.POST("/sync", s.handleSync)
	s.echo.POST("/analyze", s.handleAnalyze)

	s.echo.POST("/batch", s.handleSubmitBatch)
	s.echo.GET("/batch/:id", s.handleGetBatch)
	s.echo.POST("/batch/:id/cancel", s.handleCancelBatch)

	if s.collab != nil {
		s.echo.POST("/documents/:id/enrich", s.handleEnrich)
		s.echo.POST("/ai/jobs/:id/decide", s.handleDecide)
	}
}

// Start runs the server; it blocks until the listener stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{Addr: addr, ReadTimeout: s.cfg.ReadTimeout, WriteTimeout: s.cfg.WriteTimeout}
	s.log.WithField("addr", addr).Info("adapter: listening")
	return s.echo.StartServer(srv)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Version: s.version})
}

func (s *Server) handleListDocuments(c echo.Context) error {
	docs, err := s.store.AllDocuments()
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, docs)
}

func (s *Server) handleGetDocument(c echo.Context) error {
	doc, err := s.store.Document(types.DocumentID(c.Param("id")))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) handleListGroups(c echo.Context) error {
	groups, err := s.store.AllGroups()
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, groups)
}

func (s *Server) handleGetGroup(c echo.Context) error {
	group, err := s.store.Group(types.GroupID(c.Param("id")))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, group)
}

type syncRequest struct {
	OperationID  string `json:"operation_id"`
	ForceRefresh bool   `json:"force_refresh"`
}

func (s *Server) handleSync(c echo.Context) error {
	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.InvalidConfig, "adapter.handleSync", err))
	}
	if req.OperationID == "" {
		req.OperationID = fmt.Sprintf("sync_%d", time.Now().UnixNano())
	}

	go func() {
		if _, err := s.syncer.Sync(context.Background(), req.OperationID, req.ForceRefresh); err != nil {
			s.log.WithError(err).WithField("operation_id", req.OperationID).Warn("adapter: sync finished with error")
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"operation_id": req.OperationID})
}

type analyzeRequest struct {
	OperationID  string  `json:"operation_id"`
	Threshold    float64 `json:"threshold"`
	ForceRebuild bool    `json:"force_rebuild"`
	Limit        int     `json:"limit"`
}

func (s *Server) handleAnalyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.InvalidConfig, "adapter.handleAnalyze", err))
	}
	if req.OperationID == "" {
		req.OperationID = fmt.Sprintf("analysis_%d", time.Now().UnixNano())
	}

	params := types.AnalysisParameters{Threshold: req.Threshold, ForceRebuild: req.ForceRebuild, Limit: req.Limit}
	go func() {
		if _, err := s.analyzer.Run(context.Background(), req.OperationID, params); err != nil {
			s.log.WithError(err).WithField("operation_id", req.OperationID).Warn("adapter: analysis finished with error")
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"operation_id": req.OperationID})
}

func (s *Server) handleSubmitBatch(c echo.Context) error {
	var op types.BatchOperation
	if err := c.Bind(&op); err != nil {
		return writeError(c, apperr.Wrap(apperr.InvalidConfig, "adapter.handleSubmitBatch", err))
	}
	if op.ID == "" {
		op.ID = fmt.Sprintf("batch_%d", time.Now().UnixNano())
	}
	submitted := s.batcher.Submit(context.Background(), op)
	return c.JSON(http.StatusAccepted, submitted)
}

func (s *Server) handleGetBatch(c echo.Context) error {
	op, ok := s.batcher.Get(c.Param("id"))
	if !ok {
		return writeError(c, apperr.New(apperr.NotFound, "adapter.handleGetBatch", "batch operation not found"))
	}
	return c.JSON(http.StatusOK, op)
}

func (s *Server) handleCancelBatch(c echo.Context) error {
	if !s.batcher.Cancel(c.Param("id")) {
		return writeError(c, apperr.New(apperr.NotFound, "adapter.handleCancelBatch", "batch operation not found"))
	}
	return c.NoContent(http.StatusNoContent)
}

type enrichRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleEnrich(c echo.Context) error {
	var req enrichRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.InvalidConfig, "adapter.handleEnrich", err))
	}
	job, err := s.collab.Enrich(c.Request().Context(), types.DocumentID(c.Param("id")), req.Text)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

type decideRequest struct {
	Field    string                `json:"field"`
	Decision types.AiFieldDecision `json:"decision"`
	Override string                `json:"override"`
}

func (s *Server) handleDecide(c echo.Context) error {
	var req decideRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.InvalidConfig, "adapter.handleDecide", err))
	}
	if err := s.collab.Decide(c.Param("id"), req.Field, req.Decision, req.Override); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// eventEnvelope is the wire shape of a re-published event:
// {topic, sequence, timestamp, body}.
type eventEnvelope struct {
	Topic     events.Topic `json:"topic"`
	Sequence  uint64       `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
	Body      any          `json:"body"`
}

// handleEvents upgrades to a WebSocket connection and re-publishes every bus
// event to the subscriber, filtered by operation_id, over the persistent
// connection until it disconnects or the bus closes the subscription.
func (s *Server) handleEvents(c echo.Context) error {
	sub := s.bus.Subscribe(c.QueryParam("operation_id"))
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			env := eventEnvelope{Topic: evt.Topic, Sequence: evt.Seq, Timestamp: evt.PublishedAt, Body: evt.Payload}
			if err := conn.WriteJSON(env); err != nil {
				return nil
			}
		}
	}
}

// writeError maps an apperr.Kind to a transport-appropriate HTTP status
// code and writes it as the response.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict, apperr.AlreadyRunning:
		status = http.StatusConflict
	case apperr.InvalidConfig:
		status = http.StatusBadRequest
	case apperr.Cancelled:
		status = http.StatusGone
	case apperr.UpstreamTransient:
		status = http.StatusBadGateway
	case apperr.UpstreamPermanent:
		status = http.StatusBadGateway
	case apperr.Storage, apperr.Internal:
		status = http.StatusInternalServerError
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
