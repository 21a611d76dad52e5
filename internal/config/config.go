// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// 默认上游模型回退链
const DefaultModel = "meta-llama/llama-3.1-70b-instruct"

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// AppConfig 持久化到 data/config.json 的应用配置（不含密钥）
type AppConfig struct {
	Port           string        `json:"port"`
	DataDir        string        `json:"data_dir"`
	LogDir         string        `json:"log_dir"`
	DebugMode      bool          `json:"debug_mode"`
	StorageBackend string        `json:"storage_backend"`
	LLMProvider    string        `json:"llm_provider"`
	LLMModels      []string      `json:"llm_models"`
	LLMTimeout     time.Duration `json:"llm_timeout"`
	RevealDelay    time.Duration `json:"reveal_delay"`
	ChatRateLimit  int           `json:"chat_rate_limit"`

	// 仅存在于内存中
	APIKey string `json:"-"`
}

// Config 存储从环境变量得到的配置
type Config struct {
	Port           string
	DataDir        string
	LogDir         string
	DebugMode      bool
	LogLevel       string
	APIKey         string
	BaseURL        string
	LLMProvider    string
	LLMModels      []string
	LLMTimeout     time.Duration
	StorageBackend string
	HTTPReferer    string
	AppTitle       string
	RevealDelay    time.Duration
	ChatRateLimit  int
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "3000"),
		DataDir:        getEnvPath("DATA_DIR", "data"),
		LogDir:         getEnvPath("LOG_DIR", "logs"),
		DebugMode:      getEnvBool("DEBUG_MODE", false),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		APIKey:         getEnv("OPENROUTER_API_KEY", ""),
		BaseURL:        getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMProvider:    getEnv("LLM_PROVIDER", "openrouter"),
		LLMModels:      getEnvList("LLM_MODELS", []string{DefaultModel}),
		LLMTimeout:     getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		StorageBackend: getEnv("STORAGE_BACKEND", "file"),
		HTTPReferer:    getEnv("HTTP_REFERER", "http://localhost:3000"),
		AppTitle:       getEnv("APP_TITLE", "Mini Chat"),
		RevealDelay:    getEnvDuration("REVEAL_DELAY", 16*time.Millisecond),
		ChatRateLimit:  getEnvInt("CHAT_RATE_LIMIT", 30),
	}

	switch config.StorageBackend {
	case "file", "sqlite", "memory":
	default:
		return nil, fmt.Errorf("不支持的存储后端: %s", config.StorageBackend)
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，并确保目录存在
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt 获取整数类型环境变量，解析失败时使用默认值
func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration 获取时长类型环境变量（如 "60s"、"16ms"）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvList 获取逗号分隔的列表
func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// fromBase 根据环境配置构造 AppConfig
func fromBase(base *Config) *AppConfig {
	return &AppConfig{
		Port:           base.Port,
		DataDir:        base.DataDir,
		LogDir:         base.LogDir,
		DebugMode:      base.DebugMode,
		StorageBackend: base.StorageBackend,
		LLMProvider:    base.LLMProvider,
		LLMModels:      append([]string(nil), base.LLMModels...),
		LLMTimeout:     base.LLMTimeout,
		RevealDelay:    base.RevealDelay,
		ChatRateLimit:  base.ChatRateLimit,
		APIKey:         base.APIKey,
	}
}

// InitConfig 初始化配置管理器
func InitConfig(base *Config) error {
	configFile = filepath.Join(base.DataDir, "config.json")

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = fromBase(base)

	// 保留文件中的LLM设置，其余以环境变量为准
	if data, err := os.ReadFile(configFile); err == nil {
		var saved AppConfig
		if json.Unmarshal(data, &saved) == nil {
			if saved.LLMProvider != "" {
				currentConfig.LLMProvider = saved.LLMProvider
			}
			if len(saved.LLMModels) > 0 && os.Getenv("LLM_MODELS") == "" {
				currentConfig.LLMModels = saved.LLMModels
			}
		}
	}

	return saveConfigLocked()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 未初始化时退回环境变量配置
		base, err := Load()
		if err != nil {
			base = &Config{Port: "3000", DataDir: "data", LogDir: "logs", StorageBackend: "file",
				LLMProvider: "openrouter", LLMModels: []string{DefaultModel}}
		}
		return fromBase(base)
	}

	configCopy := *currentConfig
	configCopy.LLMModels = append([]string(nil), currentConfig.LLMModels...)
	return &configCopy
}

// UpdateLLMConfig 更新LLM提供者和模型回退链
func UpdateLLMConfig(provider string, models []string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	if len(models) > 0 {
		currentConfig.LLMModels = append([]string(nil), models...)
	}

	return saveConfigLocked()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.Lock()
	defer configMutex.Unlock()
	return saveConfigLocked()
}

func saveConfigLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0644)
}
