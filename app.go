package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"postpilot/config"
	"postpilot/handlers"
	"postpilot/logger"
	"postpilot/middleware"
	"postpilot/services"
	"postpilot/store"
)

// app は設定から組み立てたサービスと、終了時に閉じる接続をまとめます
type app struct {
	cfg     *config.ServerConfig
	service *services.ShippingService
	limiter *middleware.RateLimiter
	closers []func()
}

func newApp(ctx context.Context, cfg *config.ServerConfig) (*app, error) {
	a := &app{cfg: cfg}

	ledgerStore, err := a.buildLedger(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	idempotency, err := a.buildIdempotency(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	a.service = services.NewShippingService(ledgerStore, cfg.LedgerID,
		services.WithStrictValidation(cfg.StrictValidation),
		services.WithIdempotency(idempotency),
		services.WithPublishers(a.buildPublishers()...),
	)

	if cfg.RateLimitRPS > 0 {
		a.limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	return a, nil
}

func (a *app) onClose(f func()) {
	a.closers = append(a.closers, f)
}

// close は登録と逆順に接続を閉じます
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) buildLedger(ctx context.Context) (store.LedgerStore, error) {
	cfg := a.cfg

	switch cfg.LedgerBackend {
	case config.BackendMemory:
		logger.Logger.Warn("メモリ台帳を使用します。再起動すると記録は失われます")
		return store.NewMemoryLedger(), nil

	case config.BackendPostgres:
		db, err := config.ConnectDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		a.onClose(func() {
			if err := config.CloseDatabase(db); err != nil {
				logger.Logger.Error("データベースのクローズに失敗しました", zap.Error(err))
			}
		})
		if err := store.NewMigrator(db).RunMigrations(); err != nil {
			return nil, err
		}
		return store.NewPostgresLedger(db), nil

	case config.BackendDatastore:
		ds, err := store.NewDatastoreLedger(ctx, cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		a.onClose(ds.Close)
		return ds, nil

	case config.BackendSheets:
		tokens, err := sheetsTokenSource(cfg)
		if err != nil {
			return nil, err
		}
		return store.NewSheetsLedger(tokens,
			store.WithSheetsAPIBase(cfg.SheetsAPIBase),
			store.WithSheetName(cfg.SheetName),
		), nil
	}

	return nil, fmt.Errorf("unknown LEDGER_BACKEND: %q", cfg.LedgerBackend)
}

// sheetsTokenSource は固定トークン、鍵ファイル、メタデータサーバーの順で認証方法を選びます
func sheetsTokenSource(cfg *config.ServerConfig) (store.TokenSource, error) {
	switch {
	case cfg.SheetsToken != "":
		return store.StaticToken(cfg.SheetsToken), nil
	case cfg.CredentialsFile != "":
		sa, err := store.NewServiceAccountTokenSource(cfg.CredentialsFile, nil)
		if err != nil {
			return nil, err
		}
		return sa, nil
	default:
		return store.NewMetadataTokenSource(nil), nil
	}
}

func (a *app) buildIdempotency(ctx context.Context) (store.IdempotencyStore, error) {
	if a.cfg.RedisAddr == "" {
		return store.NewMemoryIdempotencyStore(a.cfg.IdempotencyTTL), nil
	}

	rdb, err := config.ConnectRedis(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		if err := rdb.Close(); err != nil {
			logger.Logger.Error("Redisのクローズに失敗しました", zap.Error(err))
		}
	})
	return store.NewRedisIdempotencyStore(rdb, store.WithIdempotencyTTL(a.cfg.IdempotencyTTL)), nil
}

func (a *app) buildPublishers() []services.Publisher {
	var publishers []services.Publisher

	if len(a.cfg.KafkaBrokers) > 0 {
		kp := services.NewKafkaPublisher(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, a.cfg.LedgerID)
		a.onClose(func() {
			if err := kp.Close(); err != nil {
				logger.Logger.Error("Kafkaライターのクローズに失敗しました", zap.Error(err))
			}
		})
		publishers = append(publishers, kp)
	}

	if a.cfg.SendGridAPIKey != "" {
		publishers = append(publishers, services.NewMailNotifier(
			a.cfg.SendGridAPIKey,
			a.cfg.NotifyFromName,
			a.cfg.NotifyFromAddr,
			a.cfg.NotifyToAddr,
		))
	}

	return publishers
}

func (a *app) router() *gin.Engine {
	r := gin.New()

	middleware.SetupMiddleware(r, &middleware.Config{
		EnableLogger:  true,
		ProjectID:     a.cfg.ProjectID,
		EnableAuth:    a.cfg.EnableAuth,
		ServiceToken:  a.cfg.ServiceToken,
		SkipAuthPaths: []string{"/health"},
		AllowOrigin:   a.cfg.CORSAllowOrigin,
		RateLimiter:   a.limiter,
	})

	handlers.RegisterRoutes(r, handlers.NewShippingHandler(a.service))
	return r
}
