package server

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/loykin/warden/internal/auth"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/monitor"
)

// StatusSource exposes the monitor state.
type StatusSource interface {
	Snapshot() monitor.Snapshot
}

// BudgetResetter is implemented by sources that allow clearing the restart
// budget over the API.
type BudgetResetter interface {
	ResetBudget()
}

// RestartLog is implemented by sources that keep a restart log.
type RestartLog interface {
	Restarts() ([]history.Record, error)
}

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints:
//
//	POST {basePath}/login   exchange username/password for a bearer token
//	GET  {basePath}/status  monitor snapshot
//	GET  {basePath}/health  last health report; ?check=name for one check
//	GET  {basePath}/metrics Prometheus metrics
//	POST {basePath}/reset   clear the restart budget (write permission)
//	GET  {basePath}/restarts restart log, oldest first
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	basePath string
	metrics  http.Handler
	auth     *auth.Middleware
	logins   *rate.Limiter
}

// NewRouter constructs a Router serving src under basePath.
func NewRouter(src StatusSource, basePath string) *Router {
	return &Router{
		src:      src,
		basePath: sanitizeBase(basePath),
		metrics:  metrics.Handler(),
		logins:   rate.NewLimiter(rate.Every(time.Second), 10),
	}
}

// WithLoginLimit throttles POST /login to r per second with the given burst.
func (r *Router) WithLoginLimit(limit rate.Limit, burst int) *Router {
	r.logins = rate.NewLimiter(limit, burst)
	return r
}

// WithMetricsHandler replaces the default Prometheus handler.
func (r *Router) WithMetricsHandler(h http.Handler) *Router {
	r.metrics = h
	return r
}

// WithAuth guards every endpoint except login with m.
func (r *Router) WithAuth(m *auth.Middleware) *Router {
	r.auth = m
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	base := g.Group(r.basePath)
	if r.auth.Enabled() {
		base.POST("/login", r.handleLogin)
	}
	group := base.Group("", r.auth.GinAuth())
	read := r.auth.GinRequirePermission(auth.ActionRead)
	group.GET("/status", read, r.handleStatus)
	group.GET("/health", read, r.handleHealth)
	group.GET("/metrics", read, gin.WrapH(r.metrics))
	if _, ok := r.src.(RestartLog); ok {
		group.GET("/restarts", read, r.handleRestarts)
	}
	if _, ok := r.src.(BudgetResetter); ok {
		group.POST("/reset", r.auth.GinRequirePermission(auth.ActionWrite), r.handleReset)
	}
	return g
}

// NewServer starts a standalone server on addr using this router. It serves
// HTTPS when tlsCfg is non-nil and requires credentials when m is enabled.
// The listener is bound before returning so address errors surface here.
func NewServer(addr, basePath string, src StatusSource, tlsCfg *tls.Config, m *auth.Middleware) (*http.Server, error) {
	r := NewRouter(src, basePath).WithAuth(m)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleLogin(c *gin.Context) {
	if !r.logins.Allow() {
		writeJSON(c, http.StatusTooManyRequests, errorResp{Error: "too many login attempts"})
		return
	}
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid login request"})
		return
	}
	res, err := r.auth.Service().Login(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, res.Token)
}

func (r *Router) handleReset(c *gin.Context) {
	r.src.(BudgetResetter).ResetBudget()
	writeJSON(c, http.StatusOK, r.src.Snapshot())
}

func (r *Router) handleRestarts(c *gin.Context) {
	recs, err := r.src.(RestartLog).Restarts()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Snapshot())
}

type checkResp struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	rep := r.src.Snapshot().LastReport
	if rep == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no health report yet"})
		return
	}
	name := c.Query("check")
	if name == "" {
		writeJSON(c, http.StatusOK, rep)
		return
	}
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid check name: allowed [A-Za-z0-9._-]"})
		return
	}
	res, ok := rep.Checks[name]
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown check: " + name})
		return
	}
	writeJSON(c, http.StatusOK, checkResp{Name: name, Status: res.Status.String(), Message: res.Message, Data: res.Data})
}
