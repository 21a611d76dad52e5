// internal/llm/providers/mock/mock.go
package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/Corphon/MiniChat/internal/llm"
	"github.com/Corphon/MiniChat/internal/models"
)

func init() {
	llm.Register("mock", func() llm.Provider { return &Provider{} })
}

// Provider 离线回显提供者，不访问网络
type Provider struct {
	latency time.Duration
}

func (p *Provider) Initialize(config map[string]string) error {
	if v := config["latency"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("无效的 latency: %w", err)
		}
		p.latency = d
	}
	return nil
}

func (p *Provider) GetName() string {
	return "Mock"
}

func (p *Provider) GetSupportedModels() []string {
	return []string{"mock"}
}

// Reply 根据最后一条用户消息生成固定格式的回复
func Reply(messages []models.ChatMessage) string {
	var userText, note string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.ChatRoleUser {
			userText = messages[i].Content
			break
		}
	}
	for _, m := range messages {
		if m.Role == models.ChatRoleSystem {
			note = " (system prompt supplied)"
			break
		}
	}
	return "Pretend reply" + note + `: "` + userText + `" (mock mode).`
}

func (p *Provider) CompleteChat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, &llm.ProviderError{Message: ctx.Err().Error(), Err: ctx.Err()}
		case <-time.After(p.latency):
		}
	}

	model := req.Model
	if model == "" {
		model = "mock"
	}
	return &llm.ChatResponse{
		Model:        model,
		FinishReason: "stop",
		Choices: []models.ChatMessage{
			{Role: models.ChatRoleAssistant, Content: Reply(req.Messages)},
		},
	}, nil
}
