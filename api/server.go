// Package api implements the Control API: a gin-based local HTTP surface
// for enqueuing messages, listing and acking responses, managing
// configuration and the dead-letter queue, and streaming Event Bus
// activity over server-sent events, backed by gin router groups, SSE and
// Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentrelay/agentrelay/config"
	"github.com/agentrelay/agentrelay/conversation"
	"github.com/agentrelay/agentrelay/eventbus"
	"github.com/agentrelay/agentrelay/logging"
	"github.com/agentrelay/agentrelay/queue"
)

// logTailCapacity bounds how many recent log lines GET /api/logs can serve.
const logTailCapacity = 2000

// Server wires the Control API's dependencies and owns the underlying
// http.Server as a long-lived struct with a Start/Stop lifecycle rather
// than a package-level router.
type Server struct {
	store   *queue.Store
	cfg     *config.Provider
	bus     *eventbus.Bus
	convMgr *conversation.Manager
	logger  logging.Logger

	engine  *gin.Engine
	http    *http.Server
	metrics *metrics
	logTail *LogSink

	metricsStop func()
	metricsWg   sync.WaitGroup
}

// Options configures Server construction.
type Options struct {
	Logger  logging.Logger
	Host    string
	Port    int
	AuthOff bool
	APIKey  string
	// LogSink backs GET /api/logs. When nil, New creates a private one; pass
	// a sink shared with the process's top-level logger so /api/logs tails
	// every component's log lines, not just the api package's own.
	LogSink *LogSink
}

// New constructs a Server bound to host:port. Unless opts.AuthOff is set,
// every route under /api (except the CORS preflight and /metrics) requires
// opts.APIKey via bearer token or ?api_key=.
func New(store *queue.Store, cfg *config.Provider, bus *eventbus.Bus, convMgr *conversation.Manager, optFns ...func(*Options)) *Server {
	opts := Options{Logger: logging.NoOpLogger{}, Host: "127.0.0.1", Port: 3777}
	for _, fn := range optFns {
		fn(&opts)
	}

	tail := opts.LogSink
	if tail == nil {
		tail = NewLogSink(logTailCapacity)
	}

	s := &Server{
		store:   store,
		cfg:     cfg,
		bus:     bus,
		convMgr: convMgr,
		logger:  opts.Logger,
		metrics: newMetrics(),
		logTail: tail,
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), localhostCORS())

	key := opts.APIKey
	if opts.AuthOff {
		key = ""
	}
	s.setupRoutes(key)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes(apiKey string) {
	s.engine.GET("/metrics", gin.WrapH(s.metrics.handler()))

	group := s.engine.Group("/api", requireAPIKey(apiKey))
	messageRouter(group, s)
	responseRouter(group, s)
	queueRouter(group, s)
	configRouter(group, s)
	group.GET("/logs", s.tailLogs)
	group.GET("/events/stream", s.eventsStream)
}

func messageRouter(rg *gin.RouterGroup, s *Server) {
	rg.POST("/message", s.postMessage)
}

func responseRouter(rg *gin.RouterGroup, s *Server) {
	rg.GET("/responses/pending", s.pendingResponses)
	rg.GET("/responses", s.listResponses)
	rg.POST("/responses/:id/ack", s.ackResponse)
	rg.GET("/messages/sent", s.listSentMessages)
}

func queueRouter(rg *gin.RouterGroup, s *Server) {
	rg.GET("/queue/status", s.queueStatus)
	rg.GET("/queue/dead", s.listDeadMessages)
	rg.POST("/queue/dead/:id/retry", s.retryDeadMessage)
	rg.DELETE("/queue/dead/:id", s.deleteDeadMessage)
}

func configRouter(rg *gin.RouterGroup, s *Server) {
	rg.GET("/config/agents", s.getAgents)
	rg.PUT("/config/agents", s.putAgent)
	rg.DELETE("/config/agents/:id", s.deleteAgent)
	rg.GET("/config/teams", s.getTeams)
	rg.PUT("/config/teams", s.putTeam)
	rg.DELETE("/config/teams/:id", s.deleteTeam)
	rg.GET("/config/settings", s.getSettings)
}

// LogWriter exposes the Control API's ring-buffer log tail as an io.Writer
// so the process's top-level logger can be constructed to fan out to it
// (alongside stdout), making every component's structured log lines
// available via GET /api/logs, not just the api package's own.
func (s *Server) LogWriter() io.Writer {
	return s.logTail
}

func (s *Server) convCount() int {
	if s.convMgr == nil {
		return 0
	}
	return s.convMgr.Count()
}

// Start begins serving on s.http.Addr and starts the background metrics
// collector. It waits 50ms and returns the listen error if ListenAndServe
// failed within that time, nil otherwise; serving continues on a
// background goroutine until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln := make(chan error, 1)
	go func() {
		s.logger.Info("api: listening addr=%s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ln <- err
		}
	}()

	stop := make(chan struct{})
	s.metricsStop = func() { close(stop) }
	s.metricsWg.Add(1)
	go s.collectMetrics(ctx, stop)

	select {
	case err := <-ln:
		return err
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the HTTP server down within timeout and stops the
// metrics collector.
func (s *Server) Stop(timeout time.Duration) error {
	if s.metricsStop != nil {
		s.metricsStop()
		s.metricsWg.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// collectMetrics periodically refreshes gauge metrics and tracks per-agent
// chain-step latency from the Event Bus, pairing chain_step_start with the
// following chain_step_done for the same agent/message.
func (s *Server) collectMetrics(ctx context.Context, stop <-chan struct{}) {
	defer s.metricsWg.Done()

	sub, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	starts := map[string]time.Time{}
	inFlight := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.metrics.refresh(s.store, s.convCount)
		case ev, ok := <-sub:
			if !ok {
				return
			}
			key := ev.AgentID + "|" + ev.MessageID
			switch ev.Type {
			case eventbus.ChainStepStart:
				starts[key] = ev.Timestamp
				inFlight++
				s.metrics.agentsInFlight.Set(float64(inFlight))
			case eventbus.ChainStepDone:
				if start, ok := starts[key]; ok {
					s.metrics.observeDispatch(ev.Timestamp.Sub(start).Seconds())
					delete(starts, key)
				}
				if inFlight > 0 {
					inFlight--
				}
				s.metrics.agentsInFlight.Set(float64(inFlight))
			}
		}
	}
}
