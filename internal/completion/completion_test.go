package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Corphon/MiniChat/internal/errors"
	"github.com/Corphon/MiniChat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userMessages(text string) []models.ChatMessage {
	return []models.ChatMessage{{Role: models.ChatRoleUser, Content: text}}
}

func TestResponseText(t *testing.T) {
	var nilResp *Response
	assert.Equal(t, NoResponseText, nilResp.Text())
	assert.Equal(t, NoResponseText, (&Response{}).Text())
	assert.Equal(t, NoResponseText, (&Response{Choices: []Choice{{}}}).Text())
	assert.Equal(t, "hi", (&Response{Choices: []Choice{{Message: models.ChatMessage{Content: "hi"}}}}).Text())
}

func TestNewRequestAppliesDefaultsAndClips(t *testing.T) {
	long := strings.Repeat("가", MaxContextField+10)
	req := DefaultGeneration().NewRequest(userMessages("hi"), long, "me")

	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.8, *req.Temperature)
	assert.Equal(t, 0.9, *req.TopP)
	assert.Equal(t, 1200, *req.MaxTokens)
	assert.Equal(t, 1.15, *req.RepetitionPenalty)
	assert.Equal(t, 0.75, *req.FrequencyPenalty)
	assert.Equal(t, 0.45, *req.PresencePenalty)
	assert.Empty(t, req.Model)
	assert.Len(t, []rune(req.Situation), MaxContextField)
	assert.Equal(t, "me", req.UserPersona)
}

func TestRequestJSONShape(t *testing.T) {
	raw, err := json.Marshal(DefaultGeneration().NewRequest(userMessages("hi"), "", "me"))
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Contains(t, body, "top_p")
	assert.Contains(t, body, "max_tokens")
	assert.Contains(t, body, "userPersona")
	assert.NotContains(t, body, "model")
	assert.NotContains(t, body, "situation")
}

func TestWithContextBlocks(t *testing.T) {
	base := []models.ChatMessage{
		{Role: models.ChatRoleSystem, Content: "sys"},
		{Role: models.ChatRoleUser, Content: "hi"},
	}

	out := WithContextBlocks(base, " cafe ", "")
	assert.Equal(t, "sys\n\n[Situation]\ncafe", out[0].Content)
	assert.Equal(t, "sys", base[0].Content)

	out = WithContextBlocks(userMessages("hi"), "", "detective")
	require.Len(t, out, 2)
	assert.Equal(t, models.ChatMessage{Role: models.ChatRoleSystem, Content: "[User Persona]\ndetective"}, out[0])

	out = WithContextBlocks(base, "  ", "")
	assert.Equal(t, base, out)
}

func newServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientSuccess(t *testing.T) {
	srv := newServer(t, http.StatusOK,
		`{"choices":[{"message":{"role":"assistant","content":"hello"}}],"used_model":"m2"}`)

	resp, err := NewHTTPClient(srv.URL+"/", time.Second).Complete(context.Background(), &Request{Messages: userMessages("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text())
	assert.Equal(t, "m2", resp.UsedModel)
}

func TestHTTPClientErrorBodies(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"nested error", http.StatusBadRequest, `{"error":{"message":"bad model"}}`, "bad model"},
		{"flat error", http.StatusBadRequest, `{"error":"flat"}`, "flat"},
		{"message field", http.StatusTooManyRequests, `{"message":"slow down"}`, "slow down"},
		{"raw text", http.StatusBadGateway, "  gateway exploded ", "gateway exploded"},
		{"empty body", http.StatusBadGateway, "", "LLM request failed (502)"},
		{"forbidden hint", http.StatusForbidden, `{"error":{"message":"denied"}}`,
			"denied (check API key, model access, or quota)"},
		{"too large", http.StatusRequestEntityTooLarge, `{"error":{"message":"x"}}`,
			"The conversation is too long for the model. Please shorten the conversation or clear older messages and try again."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.status, tt.body)
			_, err := NewHTTPClient(srv.URL, time.Second).Complete(context.Background(), &Request{Messages: userMessages("hi")})
			require.Error(t, err)
			assert.True(t, errors.IsUpstreamError(err))
			assert.Equal(t, tt.status, errors.StatusOf(err))
			assert.Equal(t, "Error: "+tt.want, errors.UserMessage(err))
		})
	}
}

func TestHTTPClientMalformed(t *testing.T) {
	for _, body := range []string{"<html>", `{"choices":[]}`} {
		srv := newServer(t, http.StatusOK, body)
		_, err := NewHTTPClient(srv.URL, time.Second).Complete(context.Background(), &Request{Messages: userMessages("hi")})
		assert.True(t, errors.IsMalformedError(err), body)
		assert.Equal(t, "Error: "+errors.GenericFailureMessage, errors.UserMessage(err))
	}
}

func TestHTTPClientTransportFailures(t *testing.T) {
	srv := newServer(t, http.StatusOK, "{}")
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(url, time.Second).Complete(context.Background(), &Request{Messages: userMessages("hi")})
	assert.True(t, errors.IsNetworkError(err))

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = NewHTTPClient(slow.URL, 0).Complete(ctx, &Request{Messages: userMessages("hi")})
	assert.Contains(t, errors.UserMessage(err), "took too long")
}

type stubService struct {
	resp *Response
	err  error
}

func (s stubService) Complete(context.Context, *Request) (*Response, error) {
	return s.resp, s.err
}

func TestLocalServiceMapsErrors(t *testing.T) {
	ctx := context.Background()
	req := &Request{Messages: userMessages("hi")}

	_, err := NewLocalService(stubService{err: errors.NewUpstreamStatusError(http.StatusForbidden, "denied", nil)}).Complete(ctx, req)
	assert.Equal(t, "Error: denied (check API key, model access, or quota)", errors.UserMessage(err))
	assert.Equal(t, http.StatusForbidden, errors.StatusOf(err))

	_, err = NewLocalService(stubService{err: context.DeadlineExceeded}).Complete(ctx, req)
	assert.Contains(t, errors.UserMessage(err), "took too long")

	_, err = NewLocalService(stubService{err: assert.AnError}).Complete(ctx, req)
	assert.True(t, errors.IsNetworkError(err))

	_, err = NewLocalService(stubService{resp: &Response{}}).Complete(ctx, req)
	assert.True(t, errors.IsMalformedError(err))

	resp, err := NewLocalService(stubService{resp: &Response{Choices: []Choice{{}}}}).Complete(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, NoResponseText, resp.Text())
}
