// internal/completion/completion.go
package completion

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/Corphon/MiniChat/internal/models"
)

// NoResponseText 模型返回空内容时使用的回复文本
const NoResponseText = "(No response from model)"

// MaxContextField situation 与 userPersona 的长度上限（按字符计）
const MaxContextField = 1000

// Request POST /api/chat 的请求体。指针字段为 nil 时不发送。
type Request struct {
	Model             string               `json:"model,omitempty"`
	Messages          []models.ChatMessage `json:"messages"`
	Temperature       *float64             `json:"temperature,omitempty"`
	TopP              *float64             `json:"top_p,omitempty"`
	MaxTokens         *int                 `json:"max_tokens,omitempty"`
	RepetitionPenalty *float64             `json:"repetition_penalty,omitempty"`
	FrequencyPenalty  *float64             `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float64             `json:"presence_penalty,omitempty"`
	Situation         string               `json:"situation,omitempty"`
	UserPersona       string               `json:"userPersona,omitempty"`
}

// Choice 补全结果中的一个候选
type Choice struct {
	Message models.ChatMessage `json:"message"`
}

// Response POST /api/chat 的成功响应
type Response struct {
	Choices   []Choice `json:"choices"`
	UsedModel string   `json:"used_model,omitempty"`
}

// Text 第一个候选的内容；内容为空时返回 NoResponseText
func (r *Response) Text() string {
	if r == nil || len(r.Choices) == 0 || r.Choices[0].Message.Content == "" {
		return NoResponseText
	}
	return r.Choices[0].Message.Content
}

// Service 补全服务
type Service interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// GenerationDefaults 对话请求使用的默认生成参数
type GenerationDefaults struct {
	Model             string
	Temperature       float64
	TopP              float64
	MaxTokens         int
	RepetitionPenalty float64
	FrequencyPenalty  float64
	PresencePenalty   float64
}

// DefaultGeneration 默认生成参数；模型留空由代理决定
func DefaultGeneration() GenerationDefaults {
	return GenerationDefaults{
		Temperature:       0.8,
		TopP:              0.9,
		MaxTokens:         1200,
		RepetitionPenalty: 1.15,
		FrequencyPenalty:  0.75,
		PresencePenalty:   0.45,
	}
}

// NewRequest 用默认参数和当前情境构建请求
func (g GenerationDefaults) NewRequest(messages []models.ChatMessage, situation, persona string) *Request {
	temperature, topP := g.Temperature, g.TopP
	repetition, frequency, presence := g.RepetitionPenalty, g.FrequencyPenalty, g.PresencePenalty
	maxTokens := g.MaxTokens
	return &Request{
		Model:             g.Model,
		Messages:          messages,
		Temperature:       &temperature,
		TopP:              &topP,
		MaxTokens:         &maxTokens,
		RepetitionPenalty: &repetition,
		FrequencyPenalty:  &frequency,
		PresencePenalty:   &presence,
		Situation:         clip(situation, MaxContextField),
		UserPersona:       clip(persona, MaxContextField),
	}
}

func clip(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// WithContextBlocks 把情境与用户人设附加到首条 system 消息末尾；
// 没有 system 消息时在最前面插入一条。返回新切片。
func WithContextBlocks(messages []models.ChatMessage, situation, persona string) []models.ChatMessage {
	var blocks []string
	if s := strings.TrimSpace(situation); s != "" {
		blocks = append(blocks, "[Situation]\n"+s)
	}
	if p := strings.TrimSpace(persona); p != "" {
		blocks = append(blocks, "[User Persona]\n"+p)
	}

	out := make([]models.ChatMessage, len(messages), len(messages)+1)
	copy(out, messages)
	if len(blocks) == 0 {
		return out
	}

	extra := strings.Join(blocks, "\n\n")
	if len(out) > 0 && out[0].Role == models.ChatRoleSystem {
		out[0].Content = out[0].Content + "\n\n" + extra
		return out
	}
	return append([]models.ChatMessage{{Role: models.ChatRoleSystem, Content: extra}}, out...)
}
