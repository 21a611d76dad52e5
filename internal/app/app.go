// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Corphon/MiniChat/internal/api"
	"github.com/Corphon/MiniChat/internal/completion"
	"github.com/Corphon/MiniChat/internal/config"
	"github.com/Corphon/MiniChat/internal/di"
	"github.com/Corphon/MiniChat/internal/services"
	"github.com/Corphon/MiniChat/internal/storage"
	"github.com/Corphon/MiniChat/internal/utils"
)

// httpServer 便于测试替换的服务器接口
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 进程级应用实例
type App struct {
	config   *config.AppConfig
	router   http.Handler
	server   httpServer
	stopChan chan os.Signal

	stopMetrics context.CancelFunc
}

var (
	instance   *App
	instanceMu sync.Mutex
)

// GetApp 返回全局应用实例
func GetApp() *App {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance == nil {
		instance = &App{stopChan: make(chan os.Signal, 1)}
	}
	return instance
}

// Services 构建好的服务图
type Services struct {
	Store        storage.Store
	Metrics      *utils.APIMetrics
	Context      *services.ContextService
	Characters   *services.CharacterService
	Transcript   *services.TranscriptService
	Assembler    *services.PromptAssembler
	LLM          *services.LLMService
	Completion   completion.Service
	Conversation *services.ConversationService
}

// BuildServices 按依赖顺序创建服务并恢复上次的会话状态。
// completionOverride 不为 nil 时代替进程内代理（CLI 连接远程服务时使用）。
func BuildServices(base *config.Config, completionOverride completion.Service) (*Services, error) {
	logger := utils.GetLogger()
	metrics := utils.NewAPIMetricsWith(utils.GetMetricsCollector(), logger)

	store, err := storage.Open(base.StorageBackend, base.DataDir)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}

	contextService := services.NewContextService(store, logger)
	characters, err := services.NewCharacterService(store, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("加载角色失败: %w", err)
	}
	transcript := services.NewTranscriptService(store, logger)
	assembler := services.NewPromptAssembler()

	llmService := services.NewLLMService(services.LLMSettingsFromConfig(base), metrics, logger)

	var completionService completion.Service = completion.NewLocalService(llmService)
	if completionOverride != nil {
		completionService = completionOverride
	}

	opts := services.DefaultConversationOptions()
	opts.RevealDelay = base.RevealDelay
	conversation := services.NewConversationService(services.ConversationDeps{
		Characters: characters,
		Context:    contextService,
		Transcript: transcript,
		Assembler:  assembler,
		Completion: completionService,
		Metrics:    metrics,
		Logger:     logger,
	}, opts)
	conversation.Restore()

	return &Services{
		Store:        store,
		Metrics:      metrics,
		Context:      contextService,
		Characters:   characters,
		Transcript:   transcript,
		Assembler:    assembler,
		LLM:          llmService,
		Completion:   completionService,
		Conversation: conversation,
	}, nil
}

// InitServices 构建服务并注册到依赖注入容器
func InitServices(base *config.Config) error {
	svc, err := BuildServices(base, nil)
	if err != nil {
		return err
	}

	container := di.GetContainer()
	container.Register(di.Store, svc.Store)
	container.Register(di.Metrics, svc.Metrics)
	container.Register(di.ContextService, svc.Context)
	container.Register(di.CharacterService, svc.Characters)
	container.Register(di.TranscriptService, svc.Transcript)
	container.Register(di.PromptAssembler, svc.Assembler)
	container.Register(di.LLMService, svc.LLM)
	container.Register(di.CompletionService, svc.Completion)
	container.Register(di.ConversationService, svc.Conversation)

	utils.GetLogger().Info("服务初始化完成", map[string]interface{}{
		"services": container.GetNames(),
		"storage":  base.StorageBackend,
		"llm":      svc.LLM.GetReadyState(),
	})
	return nil
}

// initLogger 在 logDir 下按日期创建日志文件
func initLogger(logDir, level string) error {
	logFile := filepath.Join(logDir, fmt.Sprintf("minichat_%s.log", time.Now().Format("2006-01-02")))
	if err := utils.InitLogger(logFile); err != nil {
		return err
	}
	utils.GetLogger().SetLogLevel(utils.ParseLogLevel(level))
	return nil
}

// Initialize 完成配置、日志、服务和路由的初始化
func Initialize(base *config.Config) error {
	if err := config.InitConfig(base); err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}
	// config.json 中保存的提供者设置优先
	current := config.GetCurrentConfig()
	base.LLMProvider = current.LLMProvider
	base.LLMModels = current.LLMModels
	if err := initLogger(base.LogDir, base.LogLevel); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}
	if err := InitServices(base); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	router, err := api.SetupRouter()
	if err != nil {
		return fmt.Errorf("设置路由失败: %w", err)
	}

	app := GetApp()
	app.config = config.GetCurrentConfig()
	app.router = router
	app.server = &http.Server{
		Addr:              ":" + app.config.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Run 启动服务器并等待停止信号，随后优雅关闭
func Run() error {
	app := GetApp()
	if app.server == nil {
		return fmt.Errorf("应用尚未初始化")
	}
	logger := utils.GetLogger()

	if metrics, err := di.Resolve[*utils.APIMetrics](di.GetContainer(), di.Metrics); err == nil {
		ctx, cancel := context.WithCancel(context.Background())
		app.stopMetrics = cancel
		metrics.StartMetricsCollection(ctx, 5*time.Minute)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	signal.Notify(app.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(app.stopChan)

	if app.config != nil {
		logger.Info("服务器已启动", map[string]interface{}{"addr": "http://localhost:" + app.config.Port})
	}

	var runErr error
	select {
	case <-app.stopChan:
		logger.Info("正在关闭服务器...", nil)
	case runErr = <-serverErr:
		logger.Error("服务器异常退出", map[string]interface{}{"error": runErr.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("服务器强制关闭: %w", err)
	}

	app.cleanup()
	return runErr
}

// cleanup 释放后台资源
func (a *App) cleanup() {
	if a.stopMetrics != nil {
		a.stopMetrics()
	}

	container := di.GetContainer()
	if hub, err := di.Resolve[*api.EventHub](container, di.EventHub); err == nil {
		hub.Stop()
	}
	if store, err := di.Resolve[storage.Store](container, di.Store); err == nil {
		if err := store.Close(); err != nil {
			utils.GetLogger().Warn("关闭存储失败", map[string]interface{}{"error": err.Error()})
		}
	}
}

// GetConfig 返回应用配置
func (a *App) GetConfig() *config.AppConfig {
	return a.config
}

// GetDIContainer 返回全局依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 是否处于调试模式
func (a *App) IsDebugMode() bool {
	return a.config != nil && a.config.DebugMode
}
