package api

import (
	"artgen/internal/auth"
	"artgen/internal/config"
	"artgen/internal/model"
	"artgen/internal/service"
	"artgen/internal/storage"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HTTPHandler HTTP 请求处理器
type HTTPHandler struct {
	cfg               config.Config
	repo              model.Repository
	storage           storage.Storage
	storagePublicBase string
	authManager       *auth.Manager

	// 服务层
	processor *service.TaskProcessor

	// 进程内每用户一个在途生成的守卫。多实例部署下不是全局互斥，
	// 真正的跨实例保护是任务行上的条件声明更新。
	inFlight   map[uint]bool
	inFlightMu sync.Mutex
}

// NewHTTPHandler 创建 HTTP 处理器实例
func NewHTTPHandler(cfg config.Config, repo model.Repository, store storage.Storage, processor *service.TaskProcessor) (*HTTPHandler, error) {
	expiry := time.Duration(cfg.JWTExpirationMinutes) * time.Minute
	authManager, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, expiry)
	if err != nil {
		return nil, err
	}

	return &HTTPHandler{
		cfg:               cfg,
		repo:              repo,
		storage:           store,
		storagePublicBase: normalisePublicBase(cfg.StoragePublicBaseURL),
		authManager:       authManager,
		processor:         processor,
		inFlight:          make(map[uint]bool),
	}, nil
}

// RegisterRoutes 注册全部路由。
func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/auth/status", h.AuthStatus)
	router.POST("/api/auth/register", h.Register)
	router.POST("/api/auth/login", h.Login)

	authed := router.Group("/api", h.AuthMiddleware())
	{
		authed.GET("/auth/me", h.Me)
		authed.GET("/credits", h.GetCredits)

		authed.POST("/generate", h.GenerateImage)
		authed.POST("/tasks", h.SubmitTask)
		authed.GET("/tasks/:id", h.GetTaskStatus)
		authed.POST("/tasks/:id/cancel", h.CancelTask)

		authed.GET("/history", h.ListHistory)
	}

	internal := router.Group("/internal", h.InternalAuthMiddleware())
	{
		internal.POST("/tasks/:id/process", h.InternalProcessTask)
		internal.POST("/tasks/:id/cancel", h.InternalCancelTask)
		internal.GET("/tasks/:id/cancel", h.InternalCancelStatus)
	}
}

// normalisePublicBase 规范化公共 URL 基础路径
func normalisePublicBase(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		trimmed = "/files"
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return strings.TrimRight(trimmed, "/")
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}

// tryAcquireGeneration 获取当前用户的在途生成名额。
func (h *HTTPHandler) tryAcquireGeneration(userID uint) bool {
	h.inFlightMu.Lock()
	defer h.inFlightMu.Unlock()
	if h.inFlight[userID] {
		return false
	}
	h.inFlight[userID] = true
	return true
}

// releaseGeneration 释放在途生成名额。
func (h *HTTPHandler) releaseGeneration(userID uint) {
	h.inFlightMu.Lock()
	defer h.inFlightMu.Unlock()
	delete(h.inFlight, userID)
}
