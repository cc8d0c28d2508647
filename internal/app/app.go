// Package app はサブコマンドの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/pricetrak/internal/config"
	"github.com/hitoshi/pricetrak/internal/database"
	"github.com/hitoshi/pricetrak/internal/handler"
	"github.com/hitoshi/pricetrak/internal/logger"
	"github.com/hitoshi/pricetrak/internal/metrics"
	"github.com/hitoshi/pricetrak/internal/worker/cleanup"
	"github.com/hitoshi/pricetrak/internal/worker/consumer"
	"github.com/hitoshi/pricetrak/internal/worker/refresh"
	"github.com/hitoshi/pricetrak/internal/worker/relay"
)

const (
	shutdownTimeout = 30 * time.Second
	cleanupInterval = 24 * time.Hour
	queuePopTimeout = 5 * time.Second
	relayBatchSize  = 100
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// wが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		// 設定エラーもJSONログで出力できるようにする
		logger.SetupDefault(w, logger.ParseLevel(""))
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	l := logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, l, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。ctxのキャンセルでグレースフルシャットダウンする。
func Run(ctx context.Context, w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、ctxがキャンセルされるまでHTTPサーバーを実行する。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	comp, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer comp.Close()

	router, limiter := comp.router()
	defer limiter.Stop()

	return serveHTTP(ctx, ":"+cfg.ServerPort, router, log)
}

// runWorker はワーカーモードで起動する。
// 観測値キューの消費、再取得スケジューラ、通知リレー、クリーンアップジョブを並行して実行し、
// /healthと/metricsを公開する。いずれかが異常終了した場合は全体を停止する。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.RedisURL == "" {
		return errors.New("worker requires REDIS_URL")
	}

	comp, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer comp.Close()

	readingConsumer := consumer.NewConsumer(
		consumer.NewRedisQueue(comp.redis, cfg.ReadingQueueKey, queuePopTimeout),
		comp.pipeline, log, cfg.IngestMaxConcurrent, cfg.IngestMaxAttempts,
	)
	scheduler := refresh.NewScheduler(
		comp.stores.products,
		refresh.NewRedisPublisher(comp.redis, cfg.ScrapeRequestKey, cfg.RefreshInterval),
		comp.metrics, log, cfg.RefreshInterval, cfg.IngestMaxConcurrent,
	)
	relayWorker := relay.NewRelay(comp.stores.outbox, comp.notifier, comp.metrics, log, relay.Config{
		BatchSize:   relayBatchSize,
		MinAge:      cfg.RelayMinAge,
		Lease:       cfg.RelayClaimLease,
		MaxAttempts: cfg.RelayMaxAttempts,
	})
	cleanupJob := cleanup.NewCleanupJob(comp.stores.outbox, comp.metrics, log)
	cleanupJob.RetentionDays = cfg.OutboxRetentionDays

	log.Info("ワーカーを起動します",
		slog.String("reading_queue", cfg.ReadingQueueKey),
		slog.Duration("refresh_interval", cfg.RefreshInterval),
		slog.Duration("relay_interval", cfg.RelayInterval),
		slog.Int("max_concurrent", cfg.IngestMaxConcurrent),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		readingConsumer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Start(gctx, cfg.RefreshTick)
		return nil
	})
	g.Go(func() error {
		relayWorker.Start(gctx, cfg.RelayInterval)
		return nil
	})
	g.Go(func() error {
		cleanupJob.Start(gctx, cleanupInterval)
		return nil
	})
	g.Go(func() error {
		ops := handler.NewOpsRouter(log, metrics.Handler(comp.registry), comp.health)
		return serveHTTP(gctx, ":"+cfg.ServerPort, ops, log)
	})

	err = g.Wait()
	log.Info("ワーカーを停止しました")
	return err
}

// serveHTTP はctxがキャンセルされるまでHTTPサーバーを実行し、その後グレースフルシャットダウンする。
func serveHTTP(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server listen error: %w", err)
	}

	log.Info("HTTPサーバーを起動しました", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("HTTPサーバーを停止しています")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("HTTPサーバーを停止しました")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	if cfg.StorageDriver != config.StorageDriverPostgres {
		return fmt.Errorf("migrate requires STORAGE_DRIVER=%s", config.StorageDriverPostgres)
	}

	log.Info("データベースマイグレーションを実行します",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	res, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("データベースマイグレーションが完了しました",
		slog.Uint64("version", uint64(res.Version)),
		slog.Bool("changed", res.Changed),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
