package serve

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	splog "github.com/holon-run/shellpilot/pkg/log"
	"github.com/holon-run/shellpilot/pkg/metrics"
)

const (
	wsWriteTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type HTTPOptions struct {
	Controller Controller
	Methods    *MethodRegistry
	Events     *Broadcaster
	Metrics    *metrics.Metrics
	// Debug keeps gin in debug mode.
	Debug bool
}

// HTTPServer exposes health, task listing, one-shot JSON-RPC, Prometheus
// metrics and a websocket carrying the same frames as stdio.
type HTTPServer struct {
	engine   *gin.Engine
	opts     HTTPOptions
	upgrader websocket.Upgrader
}

func NewHTTPServer(opts HTTPOptions) *HTTPServer {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &HTTPServer{
		engine: gin.New(),
		opts:   opts,
		upgrader: websocket.Upgrader{
			// The server binds to loopback by default; frontends are local.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.engine.Use(gin.Recovery(), requestLogger())

	s.engine.GET("/healthz", s.health)
	s.engine.GET("/v1/tasks", s.tasks)
	s.engine.POST("/v1/rpc", s.rpc)
	s.engine.GET("/v1/stream", s.stream)
	s.engine.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	return s
}

func (s *HTTPServer) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *HTTPServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	splog.Named("serve").Infow("http listening", "addr", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger() gin.HandlerFunc {
	logger := splog.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugw("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *HTTPServer) health(c *gin.Context) {
	ctrl := s.opts.Controller
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"tasks":       len(ctrl.Tasks()),
		"approvals":   len(ctrl.Pending()),
		"policy":      ctrl.Policy(),
		"subscribers": s.opts.Events.Len(),
	})
}

func (s *HTTPServer) tasks(c *gin.Context) {
	ctrl := s.opts.Controller
	c.JSON(http.StatusOK, TaskListResult{Tasks: ctrl.Tasks(), Approvals: ctrl.Pending(), Policy: ctrl.Policy()})
}

func (s *HTTPServer) rpc(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameSize))
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, &JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   NewJSONRPCError(ErrCodeInvalidRequest, "empty request body"),
		})
		return
	}
	resp := s.opts.Methods.Handle(c.Request.Context(), body)
	if resp == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// stream upgrades to a websocket. Inbound text frames are JSON-RPC
// requests; outbound frames are responses and event notifications.
func (s *HTTPServer) stream(c *gin.Context) {
	logger := splog.Named("serve")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, unsubscribe := s.opts.Events.Subscribe()
	defer unsubscribe()

	var wmu sync.Mutex
	write := func(v interface{}) error {
		wmu.Lock()
		defer wmu.Unlock()
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(v)
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if resp := s.opts.Methods.Handle(ctx, data); resp != nil {
				if err := write(resp); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				wmu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "runtime stopped"),
					time.Now().Add(time.Second))
				wmu.Unlock()
				return
			}
			if err := write(n); err != nil {
				logger.Debugw("websocket write failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
