// internal/api/handlers.go
package api

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/MiniChat/internal/completion"
	"github.com/Corphon/MiniChat/internal/config"
	"github.com/Corphon/MiniChat/internal/errors"
	"github.com/Corphon/MiniChat/internal/llm"
	"github.com/Corphon/MiniChat/internal/models"
	"github.com/Corphon/MiniChat/internal/services"
	"github.com/Corphon/MiniChat/internal/utils"
	"github.com/gin-gonic/gin"
)

// Handler 处理API请求
type Handler struct {
	Characters   *services.CharacterService    // 角色服务
	Context      *services.ContextService      // 情境与人设
	Conversation *services.ConversationService // 会话控制器
	LLM          *services.LLMService          // 上游代理
	Metrics      *utils.APIMetrics             // 指标
	Hub          *EventHub                     // WebSocket 事件中心
	Response     *ResponseHelper               // 响应助手

	logger    *utils.Logger
	startedAt time.Time
}

// textRequest 只携带一段文本的请求体
type textRequest struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

func (r textRequest) content() string {
	if r.Text != "" {
		return r.Text
	}
	return r.Value
}

// variantRequest POST /api/transcript/variant 请求体
type variantRequest struct {
	Delta int `json:"delta"`
}

// llmSettingsRequest PUT /api/settings/llm 请求体
type llmSettingsRequest struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
}

// TranscriptView 当前对话状态
type TranscriptView struct {
	CharacterID string              `json:"characterId"`
	Messages    []*models.Message   `json:"messages"`
	Busy        bool                `json:"busy"`
	EditingID   string              `json:"editingId,omitempty"`
	VariantMeta *models.VariantMeta `json:"variantMeta,omitempty"`
}

// ------------------------------------------------
// 代理端点

// proxyError 代理端点的错误体，与上游格式保持一致
func proxyError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": gin.H{"message": message}})
}

// Chat 处理 POST /api/chat，把请求转发给上游模型
func (h *Handler) Chat(c *gin.Context) {
	if !h.LLM.IsReady() {
		c.JSON(http.StatusInternalServerError, gin.H{"error": h.LLM.GetReadyState()})
		return
	}

	var req completion.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		proxyError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.LLM.Complete(c.Request.Context(), &req)
	if err != nil {
		var appErr *errors.AppError
		if !stderrors.As(err, &appErr) {
			proxyError(c, http.StatusInternalServerError, err.Error())
			return
		}

		switch appErr.Type {
		case errors.ErrorTypeValidation:
			proxyError(c, http.StatusBadRequest, appErr.Message)
		case errors.ErrorTypeUpstream:
			proxyError(c, appErr.Status, appErr.Message)
		case errors.ErrorTypeTimeout:
			proxyError(c, http.StatusGatewayTimeout, appErr.Message)
		default:
			proxyError(c, http.StatusBadGateway, appErr.Message)
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ------------------------------------------------
// 角色

// GetCharacters 列出可见角色和当前选择
func (h *Handler) GetCharacters(c *gin.Context) {
	data := gin.H{"characters": h.Characters.List()}
	if current := h.Conversation.CurrentCharacter(); current != nil {
		data["currentId"] = current.ID
	}
	h.Response.Success(c, data)
}

// CreateCharacter 新建用户角色；请求体可以为空
func (h *Handler) CreateCharacter(c *gin.Context) {
	character := h.Characters.CreateEmpty()
	id := character.ID

	if err := c.ShouldBindJSON(&character); err != nil && !stderrors.Is(err, io.EOF) {
		h.Response.Error(c, http.StatusBadRequest, ErrorCharacterInvalid, "invalid character", err.Error())
		return
	}
	character.ID = id

	h.Response.Created(c, h.Characters.Upsert(character))
}

// UpdateCharacter 保存对角色的编辑；编辑内置角色会生成同 id 的用户副本
func (h *Handler) UpdateCharacter(c *gin.Context) {
	id := c.Param("id")
	character, ok := h.Characters.Get(id)
	if !ok {
		h.Response.NotFound(c, "character")
		return
	}

	if err := c.ShouldBindJSON(&character); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorCharacterInvalid, "invalid character", err.Error())
		return
	}
	character.ID = id

	h.Response.Success(c, h.Characters.Upsert(character))
}

// DeleteCharacter 删除用户角色或隐藏内置角色
func (h *Handler) DeleteCharacter(c *gin.Context) {
	if err := h.Conversation.DeleteCharacter(c.Param("id")); err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, h.transcriptView(), "character deleted")
}

// SelectCharacter 切换当前角色
func (h *Handler) SelectCharacter(c *gin.Context) {
	if err := h.Conversation.SelectCharacter(c.Param("id")); err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, h.transcriptView())
}

// ------------------------------------------------
// 情境与人设

// GetContext 返回当前选择
func (h *Handler) GetContext(c *gin.Context) {
	h.Response.Success(c, h.Context.Get())
}

// SetPersona 设置用户人设
func (h *Handler) SetPersona(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	h.Conversation.SetUserPersona(req.content())
	h.Response.Success(c, h.Context.Get())
}

// SetSituation 设置当前情境
func (h *Handler) SetSituation(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	h.Conversation.SetSituation(req.content())
	h.Response.Success(c, h.Context.Get())
}

// ------------------------------------------------
// 对话

func (h *Handler) transcriptView() TranscriptView {
	view := TranscriptView{
		Messages:  h.Conversation.Messages(),
		Busy:      h.Conversation.IsBusy(),
		EditingID: h.Conversation.EditingID(),
	}
	if current := h.Conversation.CurrentCharacter(); current != nil {
		view.CharacterID = current.ID
	}
	if meta, ok := h.Conversation.LatestVariantMeta(); ok {
		view.VariantMeta = &meta
	}
	return view
}

// GetTranscript 返回当前对话
func (h *Handler) GetTranscript(c *gin.Context) {
	h.Response.Success(c, h.transcriptView())
}

// ResetTranscript 清空当前对话，只保留开场白
func (h *Handler) ResetTranscript(c *gin.Context) {
	if err := h.Conversation.ResetToInitial(); err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, h.transcriptView())
}

// ClearAllTranscripts 删除所有角色的对话
func (h *Handler) ClearAllTranscripts(c *gin.Context) {
	if err := h.Conversation.ClearAll(); err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, h.transcriptView())
}

// SendMessage 发送用户输入；空文本表示继续
func (h *Handler) SendMessage(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil && !stderrors.Is(err, io.EOF) {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	ctx, cancel := h.replyContext(c)
	defer cancel()
	outcome := h.Conversation.Send(ctx, req.content())
	h.Response.Success(c, gin.H{"outcome": outcome, "transcript": h.transcriptView()})
}

// replyContext 与客户端连接解绑：断开连接不会中止已开始的回复，
// 整个回退链的耗时以每个模型一次超时为上限
func (h *Handler) replyContext(c *gin.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(c.Request.Context())
	timeout := h.LLM.Timeout()
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	if n := len(h.LLM.Models()); n > 1 {
		timeout *= time.Duration(n)
	}
	return context.WithTimeout(ctx, timeout)
}

// EditLatest 标记最近一条用户消息为待编辑，返回其文本
func (h *Handler) EditLatest(c *gin.Context) {
	text, ok := h.Conversation.BeginEditLatestUser()
	if !ok {
		h.Response.Error(c, http.StatusNotFound, ErrorNothingToEdit, "no user message to edit")
		return
	}
	h.Response.Success(c, gin.H{"id": h.Conversation.EditingID(), "text": text})
}

// CancelEdit 放弃待编辑状态
func (h *Handler) CancelEdit(c *gin.Context) {
	h.Conversation.CancelEdit()
	h.Response.Success(c, h.transcriptView())
}

// Regenerate 为最新机器人消息生成新的候选回复
func (h *Handler) Regenerate(c *gin.Context) {
	ctx, cancel := h.replyContext(c)
	defer cancel()
	outcome := h.Conversation.Regenerate(ctx)
	h.Response.Success(c, gin.H{"outcome": outcome, "transcript": h.transcriptView()})
}

// StepVariant 切换候选回复
func (h *Handler) StepVariant(c *gin.Context) {
	var req variantRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Delta != 1 && req.Delta != -1) {
		h.Response.BadRequest(c, "delta must be 1 or -1")
		return
	}

	ctx, cancel := h.replyContext(c)
	defer cancel()
	result := h.Conversation.StepVariant(ctx, req.Delta)
	h.Response.Success(c, gin.H{"result": result, "transcript": h.transcriptView()})
}

// ------------------------------------------------
// 设置、指标与健康检查

// GetLLMSettings 当前提供者与模型回退链
func (h *Handler) GetLLMSettings(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"provider":  h.LLM.GetProviderName(),
		"models":    h.LLM.Models(),
		"suggested": h.LLM.SupportedModels(),
		"ready":     h.LLM.IsReady(),
		"state":     h.LLM.GetReadyState(),
		"providers": llm.ListProviders(),
	})
}

// UpdateLLMSettings 切换提供者或模型回退链，并写入 config.json
func (h *Handler) UpdateLLMSettings(c *gin.Context) {
	var req llmSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	var chain []string
	for _, m := range req.Models {
		if m = strings.TrimSpace(m); m != "" {
			chain = append(chain, m)
		}
	}

	if err := h.LLM.UpdateProvider(strings.TrimSpace(req.Provider), chain); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorLLMConfigInvalid, h.LLM.GetReadyState())
		return
	}
	if err := config.UpdateLLMConfig(h.LLM.GetProviderName(), h.LLM.Models()); err != nil {
		h.logger.Warn("保存LLM配置失败", map[string]interface{}{"error": err.Error()})
	}

	h.GetLLMSettings(c)
}

// GetMetrics 返回指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, h.Metrics.Collector().GetMetrics())
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{
		"status":         "ok",
		"llm_ready":      h.LLM.IsReady(),
		"llm_state":      h.LLM.GetReadyState(),
		"busy":           h.Conversation.IsBusy(),
		"ws_connections": h.Hub.ClientCount(),
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if !h.LLM.IsReady() {
		body["status"] = "degraded"
		body["code"] = ErrorLLMServiceUnavailable
	}
	c.JSON(http.StatusOK, body)
}

// GetWebSocketStatus 获取 WebSocket 连接状态
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	h.Response.Success(c, h.Hub.GetStatus())
}
