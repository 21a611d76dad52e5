// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Corphon/MiniChat/internal/models"
)

// 错误定义
var (
	ErrUnknownProvider = errors.New("未知的AI提供者")
	ErrMissingAPIKey   = errors.New("API密钥未提供")
)

// ChatRequest 发往提供者的聊天补全请求。可选参数为 nil 时不发送。
type ChatRequest struct {
	Model            string
	Messages         []models.ChatMessage
	Temperature      *float32
	TopP             *float32
	MaxTokens        *int
	FrequencyPenalty *float32
	PresencePenalty  *float32
}

// ChatResponse 提供者返回的补全结果
type ChatResponse struct {
	Choices      []models.ChatMessage
	Model        string
	FinishReason string
	TokensUsed   int
}

// ProviderError 上游返回的失败。StatusCode 为 0 表示请求未得到 HTTP 响应。
type ProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("上游请求失败: %s", e.Message)
	}
	return fmt.Sprintf("上游返回错误(%d): %s", e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Provider 定义所有LLM提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 获取支持的模型列表
	GetSupportedModels() []string

	// 聊天补全
	CompleteChat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ProviderFactory 提供者工厂
type ProviderFactory func() Provider

var (
	registryMu sync.RWMutex
	providers  = make(map[string]ProviderFactory)
)

// Register 注册提供者工厂
func Register(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	providers[name] = factory
}

// GetProvider 创建并初始化指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	registryMu.RLock()
	factory, exists := providers[name]
	registryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回所有已注册的提供者名称（已排序）
func ListProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
