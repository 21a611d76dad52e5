// internal/llm/providers/openrouter/openrouter.go
package openrouter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Corphon/MiniChat/internal/llm"
	"github.com/Corphon/MiniChat/internal/models"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	defaultReferer = "http://localhost:3000"
	defaultAppName = "Mini Chat"
)

func init() {
	llm.Register("openrouter", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"meta-llama/llama-3.1-70b-instruct",
				"mistralai/mistral-nemo",
				"nousresearch/hermes-3-llama-3.1-405b",
			},
		}
	})
}

// headerTransport 为每个请求附加 OpenRouter 的来源标识头
type headerTransport struct {
	base    http.RoundTripper
	referer string
	appName string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("HTTP-Referer", t.referer)
	r.Header.Set("X-Title", t.appName)
	return t.base.RoundTrip(r)
}

type Provider struct {
	client            *openai.Client
	baseURL           string
	recommendedModels []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return llm.ErrMissingAPIKey
	}

	p.baseURL = DefaultBaseURL
	if baseURL := config["base_url"]; baseURL != "" {
		p.baseURL = baseURL
	}

	referer := defaultReferer
	if v := config["http_referer"]; v != "" {
		referer = v
	}
	appName := defaultAppName
	if v := config["app_name"]; v != "" {
		appName = v
	}

	httpClient := &http.Client{
		Transport: &headerTransport{base: http.DefaultTransport, referer: referer, appName: appName},
	}
	if v := config["timeout"]; v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			httpClient.Timeout = d
		}
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = p.baseURL
	cfg.HTTPClient = httpClient
	p.client = openai.NewClientWithConfig(cfg)
	return nil
}

func (p *Provider) GetName() string {
	return "OpenRouter"
}

// GetSupportedModels 推荐给设置界面的模型；回退链可以使用任意 OpenRouter 模型
func (p *Provider) GetSupportedModels() []string {
	return append([]string(nil), p.recommendedModels...)
}

func (p *Provider) CompleteChat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	body := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	// 只发送调用方显式给出的参数
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		body.TopP = *req.TopP
	}
	if req.MaxTokens != nil {
		body.MaxTokens = *req.MaxTokens
	}
	if req.FrequencyPenalty != nil {
		body.FrequencyPenalty = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		body.PresencePenalty = *req.PresencePenalty
	}

	resp, err := p.client.CreateChatCompletion(ctx, body)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &llm.ChatResponse{
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
		Choices:    make([]models.ChatMessage, 0, len(resp.Choices)),
	}
	for i, choice := range resp.Choices {
		if i == 0 {
			out.FinishReason = string(choice.FinishReason)
		}
		role := models.ChatRole(choice.Message.Role)
		if role == "" {
			role = models.ChatRoleAssistant
		}
		out.Choices = append(out.Choices, models.ChatMessage{Role: role, Content: choice.Message.Content})
	}
	return out, nil
}

// toProviderError 把 go-openai 的错误转换为带状态码的 ProviderError
func toProviderError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &llm.ProviderError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &llm.ProviderError{StatusCode: reqErr.HTTPStatusCode, Message: msg, Err: err}
	}
	return &llm.ProviderError{Message: err.Error(), Err: err}
}
