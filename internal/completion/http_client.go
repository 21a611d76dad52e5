// internal/completion/http_client.go
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/MiniChat/internal/errors"
)

const chatPath = "/api/chat"

// HTTPClient 通过 POST /api/chat 调用代理
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient 创建客户端；timeout 为 0 时不设超时
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Complete 发送请求并解析响应
func (c *HTTPClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.NewValidationError("无法序列化补全请求", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewNetworkError("无法创建补全请求", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, transportError(ctx, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, errors.NewUpstreamError(httpResp.StatusCode, errorMessage(raw))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewMalformedError("补全响应不是合法的 JSON", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.NewMalformedError("补全响应缺少 choices", nil)
	}
	return &out, nil
}

func transportError(ctx context.Context, err error) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return errors.NewTimeoutError("补全请求超时", err)
	}
	return errors.NewNetworkError("无法连接补全服务", err)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return stderrors.As(err, &t) && t.Timeout()
}

// errorMessage 依次尝试 {error:{message}}、{error:"..."}、{message}；
// 响应体不是 JSON 时返回原始文本，空串由调用方替换为默认文本
func errorMessage(raw []byte) string {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw))
	}

	if len(body.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var flat string
		if err := json.Unmarshal(body.Error, &flat); err == nil && flat != "" {
			return flat
		}
	}
	return body.Message
}
