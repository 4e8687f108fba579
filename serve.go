package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"postpilot/config"
	"postpilot/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "HTTPサーバーを起動します",
	Long: `発送記録APIを起動します。設定は環境変数と .env から読み込みます。

  POST /          発送記録の登録
  GET  /          稼働確認 (action=getHistory で履歴取得)
  GET  /history   履歴取得
  GET  /fee       料金計算のみ
  GET  /health    ヘルスチェック`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 設定の初期化
	cfg, err := config.InitConfig()
	if err != nil {
		logger.Logger.Error("設定の初期化に失敗しました", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// サービスの初期化
	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Logger.Error("サービスの初期化に失敗しました", zap.Error(err))
		return err
	}
	defer a.close()

	if a.limiter != nil {
		a.limiter.StartJanitor(ctx)
	}

	// サーバーの設定と起動
	srv := config.SetupServer(a.router(), cfg)

	return handleGracefulShutdown(srv, cfg.ShutdownTimeout)
}

func handleGracefulShutdown(srv *http.Server, timeout time.Duration) error {
	errCh := make(chan error, 1)

	// サーバーを別のゴルーチンで起動
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// シグナルの受信設定
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		logger.Logger.Error("サーバーの起動に失敗しました", zap.Error(err))
		return err
	case <-quit:
	}
	logger.Logger.Info("シャットダウンを開始します...")

	// シャットダウンのタイムアウト設定
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Logger.Error("サーバーのシャットダウンでエラーが発生", zap.Error(err))
		return err
	}

	logger.Logger.Info("サーバーを正常に終了しました")
	return nil
}
