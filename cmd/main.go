package main

import (
	"log"

	"crossover-sentry/pkg/config"
	"crossover-sentry/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("加载配置失败:", err)
	}

	// 初始化日志
	appLogger, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatal("初始化日志失败:", err)
	}
	defer appLogger.Sync()

	app := NewApp(cfg)
	if err := app.Start(); err != nil {
		zap.L().Fatal("❌ 启动失败", zap.Error(err))
	}

	app.WaitForShutdown()
	app.Stop()
}
