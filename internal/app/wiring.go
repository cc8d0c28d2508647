package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/pricetrak/internal/config"
	"github.com/hitoshi/pricetrak/internal/database"
	"github.com/hitoshi/pricetrak/internal/handler"
	"github.com/hitoshi/pricetrak/internal/ingest"
	"github.com/hitoshi/pricetrak/internal/metrics"
	"github.com/hitoshi/pricetrak/internal/middleware"
	"github.com/hitoshi/pricetrak/internal/notify"
	"github.com/hitoshi/pricetrak/internal/repository"
	"github.com/hitoshi/pricetrak/internal/security"
	"github.com/hitoshi/pricetrak/internal/watchlist"
)

// webhookTimeout は通知Webhook送信1回あたりのタイムアウト。
const webhookTimeout = 10 * time.Second

// stores はストレージドライバに応じたリポジトリ群。
type stores struct {
	products  repository.ProductRepository
	history   repository.HistoryStore
	watchlist repository.WatchlistRepository
	users     repository.UserRepository
	outbox    repository.OutboxRepository
	ping      func(ctx context.Context) error
	close     func() error
}

// productView は商品と価格履歴を合わせた読み取りビュー。
type productView struct {
	repository.ProductRepository
	repository.HistoryStore
}

// openStores はSTORAGE_DRIVERに応じてリポジトリ群を構築する。
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		m := repository.NewMemoryStore()
		return &stores{
			products:  m,
			history:   m,
			watchlist: m,
			users:     m.Users(),
			outbox:    m,
			ping:      func(context.Context) error { return nil },
			close:     func() error { return nil },
		}, nil
	}

	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pingWithTimeout(ctx, db.PingContext); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return postgresStores(db), nil
}

func postgresStores(db *sql.DB) *stores {
	return &stores{
		products:  repository.NewPostgresProductRepo(db),
		history:   repository.NewPostgresHistoryRepo(db),
		watchlist: repository.NewPostgresWatchlistRepo(db),
		users:     repository.NewPostgresUserRepo(db),
		outbox:    repository.NewPostgresOutboxRepo(db),
		ping:      db.PingContext,
		close:     db.Close,
	}
}

// newRedisClient はREDIS_URLからクライアントを生成する。未設定の場合はnilを返す。
func newRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := pingWithTimeout(ctx, func(ctx context.Context) error { return client.Ping(ctx).Err() }); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func pingWithTimeout(ctx context.Context, ping func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ping(ctx)
}

// buildNotifier は設定された配信先からNotifierを構築する。
// Redis StreamとWebhookのいずれも未設定の場合はログ出力のみとする。
func buildNotifier(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (notify.Notifier, error) {
	var targets notify.MultiNotifier

	if rdb != nil {
		targets = append(targets, notify.NewRedisStreamNotifier(rdb, cfg.NotifyStreamKey, cfg.NotifyStreamMaxLen))
	}

	if cfg.NotifyWebhookURL != "" {
		guard := security.NewSSRFGuard()
		if err := guard.ValidateURL(cfg.NotifyWebhookURL); err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
		}
		targets = append(targets, notify.NewWebhookNotifier(cfg.NotifyWebhookURL, guard.NewSafeClient(webhookTimeout)))
	}

	switch len(targets) {
	case 0:
		logger.Warn("通知の配信先が設定されていないため、通知指示はログにのみ出力されます")
		return notify.NewLogNotifier(logger), nil
	case 1:
		return targets[0], nil
	default:
		return targets, nil
	}
}

// components はserve、workerの両モードで共有する依存関係。
type components struct {
	cfg      *config.Config
	logger   *slog.Logger
	stores   *stores
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Collector
	notifier notify.Notifier
	pipeline *ingest.Pipeline
}

// newComponents はストレージ、Redis、メトリクス、通知配信先、取り込みパイプラインを構築する。
func newComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("ストレージを初期化しました", slog.String("driver", cfg.StorageDriver))

	rdb, err := newRedisClient(ctx, cfg)
	if err != nil {
		st.close()
		return nil, err
	}

	notifier, err := buildNotifier(cfg, rdb, logger)
	if err != nil {
		st.close()
		if rdb != nil {
			rdb.Close()
		}
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	pipeline := ingest.NewPipeline(ingest.Deps{
		Products:  st.products,
		History:   st.history,
		Watchlist: st.watchlist,
		Outbox:    st.outbox,
		Notifier:  notifier,
		Sanitizer: security.NewTextSanitizer(),
		Metrics:   collector,
		Logger:    logger,
	}, ingest.Config{
		StoreTimeout: cfg.StoreTimeout,
		StepTimeout:  cfg.PipelineStepTimeout,
	})

	return &components{
		cfg:      cfg,
		logger:   logger,
		stores:   st,
		redis:    rdb,
		registry: registry,
		metrics:  collector,
		notifier: notifier,
		pipeline: pipeline,
	}, nil
}

// health はストレージと（設定されていれば）Redisの疎通を確認する。
func (c *components) health(ctx context.Context) error {
	errs := []error{c.stores.ping(ctx)}
	if c.redis != nil {
		errs = append(errs, c.redis.Ping(ctx).Err())
	}
	return errors.Join(errs...)
}

// router はAPIサーバーのルーターを構築する。返されるRateLimiterは停止時にStopすること。
func (c *components) router() (http.Handler, *middleware.RateLimiter) {
	limiterCfg := middleware.DefaultRateLimiterConfig()
	if c.cfg.RateLimitIngest > 0 {
		limiterCfg.Rate = rate.Limit(c.cfg.RateLimitIngest)
	}
	limiter := middleware.NewRateLimiter(limiterCfg)

	h := handler.NewRouter(&handler.RouterDeps{
		Logger:            c.logger,
		CORSAllowedOrigin: c.cfg.CORSAllowedOrigin,
		IngestToken:       c.cfg.IngestToken,
		RateLimiter:       limiter,
		Pipeline:          c.pipeline,
		Products:          productView{c.stores.products, c.stores.history},
		Watchlist:         watchlist.NewService(c.stores.watchlist, c.stores.products, c.stores.users, c.logger),
		Metrics:           metrics.Handler(c.registry),
		Health:            c.health,
	})
	return h, limiter
}

// Close は保持している接続を閉じる。
func (c *components) Close() error {
	errs := []error{c.stores.close()}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	return errors.Join(errs...)
}
