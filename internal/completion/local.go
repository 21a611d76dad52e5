// internal/completion/local.go
package completion

import (
	"context"
	stderrors "errors"

	"github.com/Corphon/MiniChat/internal/errors"
)

// LocalService 在进程内调用代理服务，错误语义与 HTTPClient 一致
type LocalService struct {
	backend Service
}

// NewLocalService 包装进程内的代理服务
func NewLocalService(backend Service) *LocalService {
	return &LocalService{backend: backend}
}

// Complete 调用代理；上游错误按与 HTTP 路径相同的规则转换为用户文本
func (s *LocalService) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := s.backend.Complete(ctx, req)
	if err != nil {
		switch {
		case errors.IsUpstreamError(err):
			var appErr *errors.AppError
			stderrors.As(err, &appErr)
			return nil, errors.NewUpstreamError(appErr.Status, appErr.Message)
		case stderrors.Is(err, context.DeadlineExceeded):
			return nil, errors.NewTimeoutError("补全请求超时", err)
		case errors.IsNetworkError(err), errors.IsValidationError(err):
			return nil, err
		default:
			return nil, errors.NewNetworkError("补全服务调用失败", err)
		}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.NewMalformedError("补全响应缺少 choices", nil)
	}
	return resp, nil
}
