package services

import (
	"context"
	"sync"
	"testing"

	"github.com/Corphon/MiniChat/internal/completion"
	"github.com/Corphon/MiniChat/internal/errors"
	"github.com/Corphon/MiniChat/internal/llm"
	"github.com/Corphon/MiniChat/internal/models"
	"github.com/Corphon/MiniChat/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider 按模型名返回预设错误，其余模型成功
type scriptedProvider struct {
	mu       sync.Mutex
	failures map[string]error
	calls    []llm.ChatRequest
}

func (p *scriptedProvider) Initialize(map[string]string) error { return nil }
func (p *scriptedProvider) GetName() string                    { return "Scripted" }
func (p *scriptedProvider) GetSupportedModels() []string       { return nil }

func (p *scriptedProvider) CompleteChat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if err := p.failures[req.Model]; err != nil {
		return nil, err
	}
	return &llm.ChatResponse{
		Model:   req.Model,
		Choices: []models.ChatMessage{{Role: models.ChatRoleAssistant, Content: "from " + req.Model}},
	}, nil
}

func (p *scriptedProvider) models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.Model
	}
	return out
}

var registerScripted sync.Once
var scripted = &scriptedProvider{}

func newScriptedLLM(t *testing.T, failures map[string]error, chain ...string) (*LLMService, *scriptedProvider) {
	t.Helper()
	registerScripted.Do(func() {
		llm.Register("scripted", func() llm.Provider { return scripted })
	})
	scripted.mu.Lock()
	scripted.failures = failures
	scripted.calls = nil
	scripted.mu.Unlock()

	logger := quietLogger()
	svc := NewLLMService(LLMSettings{Provider: "scripted", Models: chain},
		utils.NewAPIMetricsWith(utils.NewMetricsCollector(), logger), logger)
	require.True(t, svc.IsReady())
	return svc, scripted
}

func chatRequest(content string) *completion.Request {
	return &completion.Request{Messages: []models.ChatMessage{{Role: models.ChatRoleUser, Content: content}}}
}

func TestLLMServiceFallsBackOnRetryableErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"network", &llm.ProviderError{Message: "connection refused"}},
		{"rate limited", &llm.ProviderError{StatusCode: 429, Message: "slow down"}},
		{"server error", &llm.ProviderError{StatusCode: 503, Message: "unavailable"}},
		{"not found", &llm.ProviderError{StatusCode: 404, Message: "missing"}},
		{"no endpoints", &llm.ProviderError{StatusCode: 400, Message: "No endpoints found for model"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, p := newScriptedLLM(t, map[string]error{"m1": tt.err}, "m1", "m2")

			resp, err := svc.Complete(context.Background(), chatRequest("hi"))
			require.NoError(t, err)
			assert.Equal(t, "m2", resp.UsedModel)
			assert.Equal(t, "from m2", resp.Text())
			assert.Equal(t, []string{"m1", "m2"}, p.models())
		})
	}
}

func TestLLMServiceStopsOnClientErrors(t *testing.T) {
	svc, p := newScriptedLLM(t, map[string]error{
		"m1": &llm.ProviderError{StatusCode: 403, Message: "forbidden"},
	}, "m1", "m2")

	_, err := svc.Complete(context.Background(), chatRequest("hi"))
	require.Error(t, err)
	assert.True(t, errors.IsUpstreamError(err))
	assert.Equal(t, 403, errors.StatusOf(err))
	assert.Equal(t, []string{"m1"}, p.models())
}

func TestLLMServiceReportsLastFailure(t *testing.T) {
	svc, _ := newScriptedLLM(t, map[string]error{
		"m1": &llm.ProviderError{StatusCode: 503, Message: "down"},
		"m2": &llm.ProviderError{Message: "dial tcp: refused"},
	}, "m1", "m2")

	_, err := svc.Complete(context.Background(), chatRequest("hi"))
	assert.True(t, errors.IsNetworkError(err))
}

func TestLLMServiceExplicitModelSkipsChain(t *testing.T) {
	svc, p := newScriptedLLM(t, nil, "m1", "m2")

	req := chatRequest("hi")
	req.Model = "custom/model"
	resp, err := svc.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "custom/model", resp.UsedModel)
	assert.Equal(t, []string{"custom/model"}, p.models())
}

func TestLLMServiceFoldsContextIntoSystemMessage(t *testing.T) {
	svc, p := newScriptedLLM(t, nil, "m1")

	temp := 0.8
	req := &completion.Request{
		Messages: []models.ChatMessage{
			{Role: models.ChatRoleSystem, Content: "base"},
			{Role: models.ChatRoleUser, Content: "hi"},
		},
		Temperature: &temp,
		Situation:   "rainy night",
		UserPersona: "detective",
	}
	_, err := svc.Complete(context.Background(), req)
	require.NoError(t, err)

	sent := p.calls[0]
	assert.Equal(t, "base\n\n[Situation]\nrainy night\n\n[User Persona]\ndetective", sent.Messages[0].Content)
	require.NotNil(t, sent.Temperature)
	assert.InDelta(t, 0.8, *sent.Temperature, 1e-6)
	assert.Nil(t, sent.TopP)
	assert.Nil(t, sent.MaxTokens)
	assert.Equal(t, "base", req.Messages[0].Content)
}

func TestLLMServiceRejectsEmptyMessages(t *testing.T) {
	svc, _ := newScriptedLLM(t, nil, "m1")
	_, err := svc.Complete(context.Background(), &completion.Request{})
	assert.True(t, errors.IsValidationError(err))
}

func TestLLMServiceWithoutAPIKey(t *testing.T) {
	logger := quietLogger()
	svc := NewLLMService(LLMSettings{Provider: "openrouter"}, utils.NewAPIMetricsWith(utils.NewMetricsCollector(), logger), logger)

	assert.False(t, svc.IsReady())
	assert.Equal(t, MissingAPIKeyMessage, svc.GetReadyState())
	assert.Equal(t, []string{"meta-llama/llama-3.1-70b-instruct"}, svc.Models())

	_, err := svc.Complete(context.Background(), chatRequest("hi"))
	require.Error(t, err)
	assert.Equal(t, 500, errors.StatusOf(err))
	assert.True(t, errors.IsUpstreamError(err))
}

func TestLLMServiceMockProviderAndSwitch(t *testing.T) {
	logger := quietLogger()
	svc := NewLLMService(LLMSettings{Provider: "openrouter"}, utils.NewAPIMetricsWith(utils.NewMetricsCollector(), logger), logger)

	require.NoError(t, svc.UpdateProvider("mock", []string{"mock"}))
	assert.Equal(t, "mock", svc.GetProviderName())

	resp, err := svc.Complete(context.Background(), &completion.Request{Messages: []models.ChatMessage{
		{Role: models.ChatRoleSystem, Content: "sys"},
		{Role: models.ChatRoleUser, Content: "hello"},
	}})
	require.NoError(t, err)
	assert.Equal(t, `Pretend reply (system prompt supplied): "hello" (mock mode).`, resp.Text())

	assert.Error(t, svc.UpdateProvider("nope", nil))
	assert.False(t, svc.IsReady())
}

func TestLLMServiceSkipsUpstreamForCancelledContext(t *testing.T) {
	svc, p := newScriptedLLM(t, nil, "m1", "m2")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Complete(ctx, chatRequest("hi"))
	assert.True(t, errors.IsNetworkError(err))
	assert.Empty(t, p.models())
}
