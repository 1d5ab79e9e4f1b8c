package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deskchat/config"
	"deskchat/global"
	"deskchat/logger"
	"deskchat/service/nacos"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	path := flag.String("config", os.Getenv("DESKCHAT_CONFIG"), "yaml config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		logger.Error("[Main] load config", zap.Error(err))
		return 1
	}
	logger.SetLevel(cfg.Log.Level)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := global.Build(ctx, cfg)
	if err != nil {
		logger.Error("[Main] build app", zap.Error(err))
		return 1
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           global.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("[HTTP] listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("[HTTP] shutting down")
		return srv.Shutdown(sctx)
	})
	if cfg.Nacos.Enabled {
		g.Go(func() error { return watchLogLevel(gctx, cfg.Nacos) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("[Main] exit", zap.Error(err))
		return 1
	}
	logger.Info("[Main] bye")
	return 0
}

// watchLogLevel 远端配置变更时只热更新日志级别，其余配置需重启
func watchLogLevel(ctx context.Context, nc nacos.Config) error {
	cli, err := nacos.NewConfigClient(nc)
	if err != nil {
		return err
	}
	w, err := nacos.Watch(cli, nc.DataID, nc.Group, func(data string) {
		next := config.Default()
		if err := next.Merge([]byte(data)); err != nil {
			logger.Warn("[Nacos] ignore bad config", zap.Error(err))
			return
		}
		logger.SetLevel(next.Log.Level)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}
