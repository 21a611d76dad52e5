// internal/services/llm_service.go
package services

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/MiniChat/internal/completion"
	"github.com/Corphon/MiniChat/internal/config"
	"github.com/Corphon/MiniChat/internal/errors"
	"github.com/Corphon/MiniChat/internal/llm"
	"github.com/Corphon/MiniChat/internal/utils"

	_ "github.com/Corphon/MiniChat/internal/llm/providers/mock"
	_ "github.com/Corphon/MiniChat/internal/llm/providers/openrouter"
)

// MissingAPIKeyMessage 未配置上游密钥时代理返回的错误
const MissingAPIKeyMessage = "OPENROUTER_API_KEY is not set"

// LLMSettings 代理使用的提供者配置
type LLMSettings struct {
	Provider    string
	Models      []string
	APIKey      string
	BaseURL     string
	HTTPReferer string
	AppTitle    string
	Timeout     time.Duration
}

// LLMSettingsFromConfig 从环境配置提取提供者配置
func LLMSettingsFromConfig(cfg *config.Config) LLMSettings {
	return LLMSettings{
		Provider:    cfg.LLMProvider,
		Models:      append([]string(nil), cfg.LLMModels...),
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		HTTPReferer: cfg.HTTPReferer,
		AppTitle:    cfg.AppTitle,
		Timeout:     cfg.LLMTimeout,
	}
}

func (s LLMSettings) providerConfig() map[string]string {
	cfg := map[string]string{
		"api_key":      s.APIKey,
		"base_url":     s.BaseURL,
		"http_referer": s.HTTPReferer,
		"app_name":     s.AppTitle,
	}
	if s.Timeout > 0 {
		cfg["timeout"] = s.Timeout.String()
	}
	return cfg
}

// LLMService 代理上游补全，按模型回退链依次尝试
type LLMService struct {
	providerMutex sync.RWMutex
	provider      llm.Provider
	settings      LLMSettings
	isReady       bool
	readyState    string

	metrics *utils.APIMetrics
	logger  *utils.Logger
}

// NewLLMService 创建代理服务。提供者初始化失败时返回未就绪的服务而不是错误。
func NewLLMService(settings LLMSettings, metrics *utils.APIMetrics, logger *utils.Logger) *LLMService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if metrics == nil {
		metrics = utils.NewAPIMetrics()
	}
	s := &LLMService{metrics: metrics, logger: logger}
	s.configure(settings)
	return s
}

func (s *LLMService) configure(settings LLMSettings) {
	if len(settings.Models) == 0 {
		settings.Models = []string{config.DefaultModel}
	}

	provider, err := llm.GetProvider(settings.Provider, settings.providerConfig())

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.settings = settings
	switch {
	case stderrors.Is(err, llm.ErrMissingAPIKey):
		s.provider, s.isReady, s.readyState = nil, false, MissingAPIKeyMessage
	case err != nil:
		s.provider, s.isReady, s.readyState = nil, false, "Initialization failed: "+err.Error()
	default:
		s.provider, s.isReady, s.readyState = provider, true, "Ready"
	}

	s.logger.Info("LLM服务配置完成", map[string]interface{}{
		"provider": settings.Provider,
		"models":   settings.Models,
		"ready":    s.isReady,
		"state":    s.readyState,
	})
}

// UpdateProvider 切换提供者与模型回退链，沿用已有的密钥和地址
func (s *LLMService) UpdateProvider(provider string, models []string) error {
	s.providerMutex.RLock()
	settings := s.settings
	s.providerMutex.RUnlock()

	if provider != "" {
		settings.Provider = provider
	}
	if len(models) > 0 {
		settings.Models = append([]string(nil), models...)
	}
	s.configure(settings)

	if !s.IsReady() {
		return errors.NewValidationError(s.GetReadyState(), nil)
	}
	return nil
}

// IsReady 提供者是否可用
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.isReady
}

// GetReadyState 就绪状态说明
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.readyState
}

// GetProviderName 当前提供者注册名
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.settings.Provider
}

// Models 当前模型回退链
func (s *LLMService) Models() []string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return append([]string(nil), s.settings.Models...)
}

// Timeout 单次上游请求的超时时间，0 表示不限
func (s *LLMService) Timeout() time.Duration {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.settings.Timeout
}

// SupportedModels 当前提供者推荐的模型，未就绪时为空
func (s *LLMService) SupportedModels() []string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	if s.provider == nil {
		return nil
	}
	return s.provider.GetSupportedModels()
}

// Complete 执行一次补全。显式指定模型时只尝试该模型；否则按回退链尝试，
// 网络错误、429、5xx、404 和 "no endpoints found" 会转向下一个模型。
func (s *LLMService) Complete(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	s.providerMutex.RLock()
	provider, ready, state := s.provider, s.isReady, s.readyState
	chain := append([]string(nil), s.settings.Models...)
	providerName := s.settings.Provider
	s.providerMutex.RUnlock()

	if !ready {
		return nil, errors.NewUpstreamStatusError(http.StatusInternalServerError, state, nil)
	}
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.NewValidationError("messages must be a non-empty array", nil)
	}
	if m := strings.TrimSpace(req.Model); m != "" {
		chain = []string{m}
	}
	if err := ctx.Err(); err != nil {
		return nil, s.toAppError(ctx, err)
	}

	base := llm.ChatRequest{
		Messages:         completion.WithContextBlocks(req.Messages, req.Situation, req.UserPersona),
		Temperature:      toFloat32(req.Temperature),
		TopP:             toFloat32(req.TopP),
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: toFloat32(req.FrequencyPenalty),
		PresencePenalty:  toFloat32(req.PresencePenalty),
	}

	var lastErr error
	for i, model := range chain {
		chatReq := base
		chatReq.Model = model

		start := time.Now()
		resp, err := provider.CompleteChat(ctx, chatReq)
		if err == nil {
			s.metrics.RecordLLMRequest(providerName, model, resp.TokensUsed, time.Since(start), true)
			return toCompletionResponse(resp, model), nil
		}
		s.metrics.RecordLLMRequest(providerName, model, 0, time.Since(start), false)
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if i < len(chain)-1 && isRetryable(err) {
			s.metrics.RecordModelFallback(model, err.Error())
			continue
		}
		break
	}

	return nil, s.toAppError(ctx, lastErr)
}

func (s *LLMService) toAppError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.NewTimeoutError("上游请求超时", ctx.Err())
		}
		return errors.NewNetworkError("请求已取消", ctx.Err())
	}

	var pe *llm.ProviderError
	if stderrors.As(err, &pe) && pe.StatusCode > 0 {
		s.metrics.RecordError(string(errors.ErrorTypeUpstream), "llm_service")
		return errors.NewUpstreamStatusError(pe.StatusCode, pe.Message, err)
	}
	s.metrics.RecordError(string(errors.ErrorTypeNetwork), "llm_service")
	return errors.NewNetworkError("OpenRouter request failed", err)
}

// isRetryable 判断失败是否应转向回退链中的下一个模型
func isRetryable(err error) bool {
	var pe *llm.ProviderError
	if !stderrors.As(err, &pe) {
		return true
	}
	switch {
	case pe.StatusCode == 0:
		return true
	case pe.StatusCode == http.StatusTooManyRequests,
		pe.StatusCode == http.StatusNotFound,
		pe.StatusCode >= 500:
		return true
	}
	return strings.Contains(strings.ToLower(pe.Message), "no endpoints found")
}

func toCompletionResponse(resp *llm.ChatResponse, model string) *completion.Response {
	out := &completion.Response{
		UsedModel: model,
		Choices:   make([]completion.Choice, 0, len(resp.Choices)),
	}
	for _, m := range resp.Choices {
		out.Choices = append(out.Choices, completion.Choice{Message: m})
	}
	return out
}

func toFloat32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	f := float32(*v)
	return &f
}
