package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"otcsnap/internal/app"
	"otcsnap/internal/config"
	"otcsnap/internal/logging"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの作成に失敗しました: %v\n", err)
		os.Exit(1)
	}

	// SIGINT/SIGTERM で全セッションを停止してから終了する
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("異常終了しました")
		stop()
		os.Exit(1)
	}
}
