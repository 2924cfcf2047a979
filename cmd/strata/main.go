package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"strata/internal/app"
	strcfg "strata/internal/config"
	"strata/internal/logger"
)

// 入口程序：
// 1) 加载 TOML 配置
// 2) 装配持久化、交易所协作方与交易器
// 3) 启动交易循环与状态服务，直到收到退出信号
func main() {
	// 从环境变量或默认路径读取配置文件路径
	cfgPath := os.Getenv("STRATA_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.toml"
	}

	cfg, err := strcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logger.Infof("✓ 配置加载成功（环境=%s，交易对=%s，周期=%ds）", cfg.App.Env, cfg.Pair.Symbol, cfg.App.IntervalSeconds)

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
	logger.Infof("已退出")
}
