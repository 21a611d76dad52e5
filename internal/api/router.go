// internal/api/router.go
package api

import (
	"fmt"
	"time"

	"github.com/Corphon/MiniChat/internal/config"
	"github.com/Corphon/MiniChat/internal/di"
	"github.com/Corphon/MiniChat/internal/services"
	"github.com/Corphon/MiniChat/internal/utils"
	"github.com/gin-gonic/gin"
)

// RouterOptions 路由参数
type RouterOptions struct {
	DebugMode     bool
	ChatRateLimit int // 每个IP每分钟允许的 /api/chat 请求数
}

// NewHandler 创建API处理器并把会话事件接入事件中心
func NewHandler(
	characters *services.CharacterService,
	contextService *services.ContextService,
	conversation *services.ConversationService,
	llmService *services.LLMService,
	metrics *utils.APIMetrics,
	hub *EventHub,
	logger *utils.Logger,
) *Handler {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if metrics == nil {
		metrics = utils.NewAPIMetrics()
	}
	if hub == nil {
		hub = NewEventHub(metrics, logger)
	}
	forwardEvents(conversation, hub)

	return &Handler{
		Characters:   characters,
		Context:      contextService,
		Conversation: conversation,
		LLM:          llmService,
		Metrics:      metrics,
		Hub:          hub,
		Response:     NewResponseHelper(),
		logger:       logger,
		startedAt:    time.Now(),
	}
}

// SetupRouter 从依赖注入容器取出服务并配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	characters, err := di.Resolve[*services.CharacterService](container, di.CharacterService)
	if err != nil {
		return nil, err
	}
	contextService, err := di.Resolve[*services.ContextService](container, di.ContextService)
	if err != nil {
		return nil, err
	}
	conversation, err := di.Resolve[*services.ConversationService](container, di.ConversationService)
	if err != nil {
		return nil, err
	}
	llmService, err := di.Resolve[*services.LLMService](container, di.LLMService)
	if err != nil {
		return nil, err
	}
	metrics, err := di.Resolve[*utils.APIMetrics](container, di.Metrics)
	if err != nil {
		return nil, fmt.Errorf("指标服务未正确初始化: %w", err)
	}

	logger := utils.GetLogger()
	hub := NewEventHub(metrics, logger)
	container.Register(di.EventHub, hub)

	handler := NewHandler(characters, contextService, conversation, llmService, metrics, hub, logger)
	return NewRouter(handler, RouterOptions{
		DebugMode:     cfg.DebugMode,
		ChatRateLimit: cfg.ChatRateLimit,
	}), nil
}

// NewRouter 注册中间件和路由
func NewRouter(handler *Handler, opts RouterOptions) *gin.Engine {
	if !opts.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.ChatRateLimit <= 0 {
		opts.ChatRateLimit = 30
	}

	r := gin.New()
	r.Use(recoveryMiddleware(handler.logger))
	r.Use(requestIDMiddleware())
	r.Use(requestLogger(handler.logger))
	r.Use(metricsMiddleware(handler.Metrics))
	r.Use(corsMiddleware())

	r.GET("/health", handler.Health)

	// WebSocket 事件推送
	r.GET("/ws/events", handler.EventsWebSocket)

	api := r.Group("/api")
	{
		// ===============================
		// 上游代理
		// ===============================
		api.POST("/chat", RateLimitByIP(NewRateLimiter(opts.ChatRateLimit)), handler.Chat)

		// ===============================
		// 角色相关路由
		// ===============================
		charactersGroup := api.Group("/characters")
		{
			charactersGroup.GET("", handler.GetCharacters)
			charactersGroup.POST("", handler.CreateCharacter)
			charactersGroup.PUT("/:id", handler.UpdateCharacter)
			charactersGroup.DELETE("/:id", handler.DeleteCharacter)
			charactersGroup.POST("/:id/select", handler.SelectCharacter)
		}

		// ===============================
		// 情境与人设
		// ===============================
		contextGroup := api.Group("/context")
		{
			contextGroup.GET("", handler.GetContext)
			contextGroup.PUT("/persona", handler.SetPersona)
			contextGroup.PUT("/situation", handler.SetSituation)
		}

		// ===============================
		// 对话相关路由
		// ===============================
		transcriptGroup := api.Group("/transcript")
		{
			transcriptGroup.GET("", handler.GetTranscript)
			transcriptGroup.DELETE("", handler.ResetTranscript)
			transcriptGroup.POST("/send", handler.SendMessage)
			transcriptGroup.POST("/edit-latest", handler.EditLatest)
			transcriptGroup.DELETE("/edit", handler.CancelEdit)
			transcriptGroup.POST("/regenerate", handler.Regenerate)
			transcriptGroup.POST("/variant", handler.StepVariant)
		}
		api.DELETE("/transcripts", handler.ClearAllTranscripts)

		// ===============================
		// 设置与运维
		// ===============================
		api.GET("/settings/llm", handler.GetLLMSettings)
		api.PUT("/settings/llm", handler.UpdateLLMSettings)
		api.GET("/metrics", handler.GetMetrics)
		api.GET("/ws/status", handler.GetWebSocketStatus)
	}

	return r
}
