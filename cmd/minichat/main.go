// cmd/minichat/main.go
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Corphon/MiniChat/internal/app"
	"github.com/Corphon/MiniChat/internal/completion"
	"github.com/Corphon/MiniChat/internal/config"
	"github.com/Corphon/MiniChat/internal/utils"
	"github.com/spf13/cobra"
)

// 全局参数
var (
	serverURL  string
	offline    bool
	storageArg string
	dataDir    string

	historyFile string
	svc         *app.Services
)

var rootCmd = &cobra.Command{
	Use:           "minichat",
	Short:         "Chat with MiniChat characters from the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		built, err := buildServices()
		if err != nil {
			return err
		}
		svc = built
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if svc != nil {
			_ = svc.Store.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "base URL of a running MiniChat server (e.g. http://localhost:3000)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "use the built-in mock provider instead of OpenRouter")
	rootCmd.PersistentFlags().StringVar(&storageArg, "storage", "", "storage backend: file, sqlite or memory")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for transcripts and characters")

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newCharactersCommand())
}

// buildServices 按命令行参数调整环境配置后构建服务
func buildServices() (*app.Services, error) {
	base, err := config.Load()
	if err != nil {
		return nil, err
	}
	if storageArg != "" {
		base.StorageBackend = storageArg
	}
	if dataDir != "" {
		base.DataDir = dataDir
	}
	if offline {
		base.LLMProvider = "mock"
	}
	historyFile = filepath.Join(base.DataDir, "chat_history")

	// 终端里直接输出完整回复
	base.RevealDelay = 0

	// 日志写文件，避免打乱终端输出
	logFile := filepath.Join(base.LogDir, fmt.Sprintf("minichat_cli_%s.log", time.Now().Format("2006-01-02")))
	if err := utils.InitLogger(logFile); err != nil {
		fmt.Fprintf(os.Stderr, "警告: 无法初始化日志: %v\n", err)
	}
	utils.GetLogger().SetConsole(nil)
	utils.GetLogger().SetLogLevel(utils.ParseLogLevel(base.LogLevel))

	var override completion.Service
	if serverURL != "" && !offline {
		override = completion.NewHTTPClient(serverURL, base.LLMTimeout)
	}
	return app.BuildServices(base, override)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
