// Package main は otcsnap サーバーコマンドの実装です
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"otcsnap/internal/app"
	"otcsnap/internal/camera"
	"otcsnap/internal/config"
	"otcsnap/internal/logging"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "カメラを接続順に取得し、フレームと統計を保存する",
		Long: `接続されたカメラを自動で取得状態にし、完了したフレームをカメラごとのディレクトリへ
TIFFとして保存します。設定は OTCSNAP_ で始まる環境変数で与え、フラグで上書きできます。`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// 設定を読み込む（フラグは環境変数より優先）
			cfg, err := config.LoadWithFlags(cmd.Flags())
			if err != nil {
				return fmt.Errorf("設定の読み込みに失敗しました: %w", err)
			}

			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if pinned, err := camera.ParsePinned(cfg.Camera.Pinned); err == nil && len(pinned) > 0 {
				logger.Info().Str("pinned", camera.FormatPinned(pinned)).Msg("固定スロットを設定しました")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info().Str("addr", cfg.ServerAddress()).Msg("otcsnap を起動します")
			return app.Run(ctx, cfg, logger)
		},
	}

	// コマンドラインオプション
	flags := cmd.Flags()
	flags.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	flags.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
	flags.String("driver", "", "カメラドライバー (sim または v4l2)")
	flags.String("output", "", "画像と統計の出力先")
	flags.String("log-level", "", "ログレベル (debug, info, warn, error)")
	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
