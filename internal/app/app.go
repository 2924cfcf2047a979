package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	strcfg "strata/internal/config"
	"strata/internal/logger"
	"strata/internal/transport/web"
)

// App 负责应用级编排：加载配置→初始化依赖→启动交易循环与状态服务。
type App struct {
	cfg  *strcfg.Config
	live *LiveService
	web  *web.Server
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *strcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动交易循环与状态服务，任一退出则整体退出。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.live == nil {
		return fmt.Errorf("live service not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	if a.web != nil {
		group.Go(func() error {
			if err := a.web.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warnf("状态服务停止: %v", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		defer a.live.Close()
		return a.live.Run(ctx)
	})

	return group.Wait()
}
