// cmd/server/main.go
package main

import (
	"log"

	"github.com/Corphon/MiniChat/internal/app"
	"github.com/Corphon/MiniChat/internal/config"
)

func main() {
	log.Println("🚀 启动 MiniChat 服务器...")

	// 1. 加载基础配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 基础配置加载完成，端口: %s，存储: %s", baseConfig.Port, baseConfig.StorageBackend)

	if baseConfig.APIKey == "" && baseConfig.LLMProvider == "openrouter" {
		log.Println("⚠️ 未设置 OPENROUTER_API_KEY，/api/chat 将返回配置错误")
	}

	// 2. 初始化配置、日志、服务与路由
	if err := app.Initialize(baseConfig); err != nil {
		log.Fatalf("❌ 初始化失败: %v", err)
	}
	log.Println("✅ 所有服务初始化完成")

	// 3. 启动服务器，直到收到停止信号
	log.Printf("🔗 访问地址: http://localhost:%s", baseConfig.Port)
	if err := app.Run(); err != nil {
		log.Fatalf("❌ 服务器退出: %v", err)
	}
	log.Println("✅ 服务器已关闭")
}
