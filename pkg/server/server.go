// Package server is the reqd control plane: the REST surface, the SSE
// event stream, and the WebSocket control channel over the execution
// engine and its managers.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/requestid"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reqd-dev/reqd/pkg/config"
	"github.com/reqd-dev/reqd/pkg/engine"
	"github.com/reqd-dev/reqd/pkg/eventbus"
	"github.com/reqd-dev/reqd/pkg/flows"
	"github.com/reqd-dev/reqd/pkg/log"
	"github.com/reqd-dev/reqd/pkg/metrics"
	"github.com/reqd-dev/reqd/pkg/plugins"
	"github.com/reqd-dev/reqd/pkg/scripts"
	"github.com/reqd-dev/reqd/pkg/sessions"
	"github.com/reqd-dev/reqd/pkg/tokens"
	"github.com/reqd-dev/reqd/pkg/workspace"
	"github.com/reqd-dev/reqd/pkg/wsproxy"
)

// Deps carries the subsystems the handlers operate on.
type Deps struct {
	Sessions  *sessions.Manager
	Flows     *flows.Manager
	Bus       *eventbus.Bus
	Engine    *engine.Engine
	WsProxy   *wsproxy.Manager
	Scripts   *scripts.Manager
	Tokens    *tokens.Manager
	Workspace *workspace.Store
	Plugins   *plugins.Dispatcher
	Registry  *prometheus.Registry
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg  *config.Config
	deps Deps

	router *gin.Engine
	srv    *http.Server
}

// New builds the router and wires every handler. It does not listen.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	if err := metrics.Register(deps.Registry); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, deps: deps}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.ContextWithFallback = true
	installMiddlewares(router)

	promHandler := promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})
	router.GET("/metrics", func(c *gin.Context) {
		s.observeGauges()
		promHandler.ServeHTTP(c.Writer, c.Request)
	})

	if cfg.Pprof {
		admin := router.Group("/admin")
		admin.GET("/pprof/profile", gin.WrapH(http.HandlerFunc(pprof.Profile)))
		admin.GET("/pprof/heap", gin.WrapH(pprof.Handler("heap")))
		admin.GET("/pprof/trace", gin.WrapH(http.HandlerFunc(pprof.Trace)))
	}

	api := router.Group("/")
	api.Use(s.auth())
	api.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/event", "/execute/sse", "/ws/"})))

	api.GET("/health", s.handleHealth)
	api.GET("/healthz", s.handleHealth)
	api.GET("/capabilities", s.handleCapabilities)
	api.GET("/config", s.handleConfig)
	api.GET("/plugins", s.handlePlugins)

	api.POST("/parse", s.handleParse)
	api.POST("/execute", s.handleExecute)
	api.POST("/execute/sse", s.handleExecuteSSE)

	api.POST("/session", s.handleSessionCreate)
	api.GET("/session/:id", s.handleSessionGet)
	api.PUT("/session/:id/variables", s.handleSessionVariables)
	api.DELETE("/session/:id", s.handleSessionDelete)

	api.POST("/flows", s.handleFlowCreate)
	api.GET("/flows/:flowId", s.handleFlowGet)
	api.POST("/flows/:flowId/finish", s.handleFlowFinish)
	api.GET("/flows/:flowId/executions", s.handleFlowExecutions)
	api.GET("/flows/:flowId/executions/:reqExecId", s.handleFlowExecution)

	api.GET("/event", s.handleEventStream)

	api.POST("/ws/session", s.handleWsOpen)
	api.GET("/ws/session/:id", s.handleWsChannel)
	api.DELETE("/ws/session/:id", s.handleWsClose)

	api.GET("/workspace/file", s.handleFileRead)
	api.POST("/workspace/file", s.handleFileCreate)
	api.PUT("/workspace/file", s.handleFileWrite)
	api.DELETE("/workspace/file", s.handleFileDelete)
	api.GET("/workspace/files", s.handleFiles)
	api.GET("/workspace/requests", s.handleRequests)

	api.POST("/script", s.handleScriptStart)
	api.DELETE("/script/:runId", s.handleScriptKill)
	api.GET("/script/runners", s.handleScriptRunners)
	api.POST("/test", s.handleTestStart)
	api.DELETE("/test/:runId", s.handleTestKill)
	api.GET("/test/frameworks", s.handleTestFrameworks)

	s.router = router
	return s, nil
}

func installMiddlewares(router *gin.Engine) {
	router.Use(requestid.New())
	router.Use(ginzap.Ginzap(log.Logger.Desugar(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(log.Logger.Desugar(), true))
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until the context is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:        s.cfg.Address,
		Handler:     s.router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	log.Logger.Infow("control plane listening", "address", s.cfg.Address)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// observeGauges refreshes the table-size gauges right before a scrape.
func (s *Server) observeGauges() {
	if s.deps.Sessions != nil {
		metrics.MetricSessionsActive.Set(float64(s.deps.Sessions.Len()))
	}
	if s.deps.Flows != nil {
		metrics.MetricFlowsActive.Set(float64(s.deps.Flows.Len()))
	}
	if s.deps.WsProxy != nil {
		metrics.MetricWsSessionsActive.Set(float64(s.deps.WsProxy.Len()))
	}
	if s.deps.Bus != nil {
		metrics.MetricSubscribersActive.Set(float64(s.deps.Bus.SubscriberCount()))
	}
}
