package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"otcsnap/internal/camera"
	"otcsnap/internal/config"
	"otcsnap/internal/metrics"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間
const shutdownTimeout = 5 * time.Second

// StatusProvider はセッションの状態を提供する
type StatusProvider interface {
	Sessions() []camera.SessionInfo
	Connected() int
	Streaming() int
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	status     StatusProvider
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	startedAt  time.Time
}

// New は新しいServerインスタンスを作成する
// gatherer が nil の場合 /metrics は登録しない
func New(cfg *config.Config, status StatusProvider, gatherer prometheus.Gatherer, m *metrics.Metrics, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:    cfg,
		status:    status,
		metrics:   m,
		logger:    logger.With().Str("component", "server").Logger(),
		engine:    gin.New(),
		startedAt: time.Now(),
	}
	s.setupRoutes(gatherer)

	s.httpServer = &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           s.engine,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.engine.Use(gin.Recovery(), s.observe())

	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/sessions", s.handleSessions)
	api.GET("/sessions/:slot", s.handleSession)

	if gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// observe はリクエスト数と処理時間を記録するミドルウェア
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.ObserveRequest(c.Request.Method, endpoint, strconv.Itoa(status), time.Since(start).Seconds())
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Msg("リクエストを処理しました")
	}
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// StatusResponse は /api/status の応答
type StatusResponse struct {
	Status        string  `json:"status"`
	Slots         int     `json:"slots"`
	Connected     int     `json:"connected"`
	Streaming     int     `json:"streaming"`
	Driver        string  `json:"driver"`
	OutputDir     string  `json:"output_dir"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Timestamp     string  `json:"timestamp"`
}

// handleStatus は全体の状態を返す
func (s *Server) handleStatus(c *gin.Context) {
	status := "waiting"
	streaming := s.status.Streaming()
	if streaming > 0 {
		status = "running"
	}
	c.JSON(http.StatusOK, StatusResponse{
		Status:        status,
		Slots:         len(s.status.Sessions()),
		Connected:     s.status.Connected(),
		Streaming:     streaming,
		Driver:        s.config.Driver.Kind,
		OutputDir:     s.config.Sink.OutputDir,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Timestamp:     time.Now().Format(time.RFC3339),
	})
}

// handleSessions はすべてのスロットの状態を返す
func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.status.Sessions()})
}

// handleSession は指定スロットの状態を返す
func (s *Server) handleSession(c *gin.Context) {
	slot, err := strconv.Atoi(c.Param("slot"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "スロット番号が不正です"})
		return
	}
	sessions := s.status.Sessions()
	if slot < 0 || slot >= len(sessions) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("スロット %d は存在しません", slot)})
		return
	}
	c.JSON(http.StatusOK, sessions[slot])
}

// Start はサーバーを起動し、ctx がキャンセルされるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は ln で待ち受け、ctx がキャンセルされるとシャットダウンする
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return err
		}
	}
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("サーバーをシャットダウンしています")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}
	return nil
}
