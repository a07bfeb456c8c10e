package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/cipherhost/internal/bootstrap"
	"github.com/loykin/cipherhost/internal/metrics"
	"github.com/loykin/cipherhost/internal/resolver"
	"github.com/loykin/cipherhost/internal/shell"
	"github.com/loykin/cipherhost/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the host's UI operations.
// Endpoints:
//
//	POST {basePath}/backend/start
//	POST {basePath}/backend/stop      query: wait=30s (optional)
//	POST {basePath}/backend/restart   query: wait=30s (optional)
//	GET  {basePath}/backend/status
//	GET  {basePath}/platform
//	POST {basePath}/open              body: {"url": "..."}
//	GET  {basePath}/healthz
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	app      Backend
	basePath string
	metrics  bool
}

// Backend is what the router drives; *shell.App implements it.
type Backend interface {
	StartBackend(ctx context.Context) (string, error)
	StopBackend(ctx context.Context) (string, error)
	RestartBackend(ctx context.Context) (string, error)
	Status() supervisor.Status
	Platform() string
	OpenURL(ctx context.Context, rawURL string) (string, error)
}

// DefaultStopWait bounds how long stop and restart wait for the child to exit.
const DefaultStopWait = 30 * time.Second

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(app Backend, basePath string) *Router {
	return &Router{app: app, basePath: sanitizeBase(basePath)}
}

// WithMetrics also mounts the prometheus handler at {basePath}/metrics.
func (r *Router) WithMetrics() *Router {
	r.metrics = true
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/backend/start", r.handleStart)
	group.POST("/backend/stop", r.handleStop)
	group.POST("/backend/restart", r.handleRestart)
	group.GET("/backend/status", r.handleStatus)
	group.GET("/platform", r.handlePlatform)
	group.POST("/open", r.handleOpen)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer binds addr (which must be loopback) and serves the router on it
// in the background. Close or Shutdown the returned server to stop it.
func NewServer(addr, basePath string, app Backend) (*http.Server, error) {
	return NewRouter(app, basePath).Listen(addr)
}

// Listen binds addr (loopback only) and serves r in the background.
func (r *Router) Listen(addr string) (*http.Server, error) {
	if err := checkLoopback(addr); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type messageResp struct {
	Message string `json:"message"`
}

type platformResp struct {
	Platform string `json:"platform"`
}

type openReq struct {
	URL string `json:"url"`
}

// A start keeps going when the caller disconnects; only Stop cancels it.
func (r *Router) handleStart(c *gin.Context) {
	msg, err := r.app.StartBackend(context.WithoutCancel(c.Request.Context()))
	r.reply(c, msg, err)
}

func (r *Router) handleStop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), parseWait(c.Query("wait"), DefaultStopWait))
	defer cancel()
	msg, err := r.app.StopBackend(ctx)
	r.reply(c, msg, err)
}

func (r *Router) handleRestart(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), parseWait(c.Query("wait"), DefaultStopWait))
	defer cancel()
	msg, err := r.app.RestartBackend(ctx)
	r.reply(c, msg, err)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.app.Status())
}

func (r *Router) handlePlatform(c *gin.Context) {
	writeJSON(c, http.StatusOK, platformResp{Platform: r.app.Platform()})
}

func (r *Router) handleOpen(c *gin.Context) {
	var req openReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.URL == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "url required"})
		return
	}
	msg, err := r.app.OpenURL(c.Request.Context(), req.URL)
	r.reply(c, msg, err)
}

func (r *Router) reply(c *gin.Context, msg string, err error) {
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, messageResp{Message: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, shell.ErrUnsupportedURL):
		return http.StatusBadRequest
	case errors.Is(err, resolver.ErrNotFound), errors.Is(err, bootstrap.ErrRootMissing):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrPrepare):
		return http.StatusUnprocessableEntity
	case errors.Is(err, supervisor.ErrSpawn), errors.Is(err, supervisor.ErrExited):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
