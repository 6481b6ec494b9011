package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/application/usecase"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/config"
)

// Server HTTP 服务
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	handler *MemoryHandler
	logger  *zap.Logger
}

// NewServer 创建 HTTP 服务
func NewServer(cfg *config.ServerConfig, svc *usecase.MemoryService, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	s := &Server{
		engine:  engine,
		handler: NewMemoryHandler(svc, logger),
		logger:  logger.With(zap.String("component", "http-server")),
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      engine,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second, // 记忆化 / 代理检索可能等 LLM
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/memories", s.handler.Memorize)
		v1.GET("/memories", s.handler.Fetch)
		v1.GET("/memories/:event_id", s.handler.GetByEventID)
		v1.GET("/memories/search", s.handler.Search)

		v1.POST("/agentic/retrieve_lightweight", s.handler.RetrieveLightweight)
		v1.POST("/agentic/retrieve_agentic", s.handler.RetrieveAgentic)

		v1.POST("/memories/conversation-meta", s.handler.UpsertMeta)
		v1.PATCH("/memories/conversation-meta/:group_id", s.handler.PatchMeta)
		v1.GET("/memories/conversation-meta/:group_id", s.handler.GetMeta)

		v1.GET("/queue-stats", s.handler.QueueStats)
	}
}

// Run 阻塞运行直到监听失败
func (s *Server) Run() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestLogger 访问日志中间件
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
