package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"bookwright/internal/app"
	"bookwright/internal/config"
	"bookwright/internal/genlock"
	"bookwright/internal/ratelimit"
	"bookwright/internal/server"
	"bookwright/internal/usertoken"
	"bookwright/internal/util"
	"bookwright/pkg/ai"
	"bookwright/pkg/domain"
	"bookwright/pkg/ledger"
	"bookwright/pkg/queue"
	"bookwright/pkg/reconcile"
	"bookwright/pkg/secrets"
	"bookwright/pkg/storage"
	"bookwright/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.TokenIssuer,
		Audience:   cfg.TokenAudience,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	pricing := make([]domain.ModelPricing, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		pricing = append(pricing, domain.ModelPricing{
			ModelID:        m.ID,
			Name:           m.Name,
			SearchCost:     m.SearchCost,
			PagesPerCredit: m.PagesPerCredit,
		})
	}
	if err := dataStore.SeedModelPricing(context.Background(), pricing); err != nil {
		log.Fatalf("failed to seed model pricing: %v", err)
	}

	creditLedger, err := ledger.NewGormLedger(dataStore.DB())
	if err != nil {
		log.Fatalf("failed to init ledger: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	generator := ai.NewOpenAICompatGenerator(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	gateway := ai.NewGateway(generator, ai.GatewayConfig{})

	var vault *secrets.Vault
	if cfg.ProviderKeySecret != "" {
		vault, err = secrets.NewVault(cfg.ProviderKeySecret)
		if err != nil {
			log.Fatalf("failed to init provider key vault: %v", err)
		}
	}

	var covers storage.CoverStore = storage.NoopCoverStore{}
	if cfg.MinioEndpoint != "" {
		covers, err = storage.NewMinioCoverStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init cover store: %v", err)
		}
	}

	var reconciler reconcile.Publisher = reconcile.LogPublisher{}
	if cfg.AMQPURL != "" {
		exchange := cfg.AMQPExchange
		if exchange == "" {
			exchange = "bookwright.reconcile"
		}
		reconciler, err = reconcile.NewAMQPPublisher(cfg.AMQPURL, exchange)
		if err != nil {
			log.Fatalf("failed to init reconcile publisher: %v", err)
		}
		defer reconciler.Close()
	}

	stream := cfg.SettlementStream
	if stream == "" {
		stream = "bookwright:settlements"
	}
	var appCore *app.App
	settlements, err := queue.NewSettlementQueue(queue.SettlementQueueConfig{
		Client: redisClient,
		Stream: stream,
		OnExhausted: func(ctx context.Context, job queue.SettlementJob) {
			appCore.ReconcileExhausted(ctx, job)
		},
	})
	if err != nil {
		log.Fatalf("failed to init settlement queue: %v", err)
	}

	appCore, err = app.New(app.Config{
		PageSize:     cfg.PageSize,
		InitialGrant: cfg.InitialCreditGrant,
	}, app.Deps{
		Store:       dataStore,
		Ledger:      creditLedger,
		Selector:    app.NewAuthorSelector(dataStore, gateway, cfg.AuthorReuseProbability),
		Classifier:  app.NewCachedClassifier(gateway, redisClient, 0),
		Books:       gateway,
		Locker:      genlock.NewRedisLocker(redisClient, "bookwright:genlock"),
		Covers:      covers,
		Settlements: settlements,
		Reconciler:  reconciler,
		Vault:       vault,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	settlements.Start(ctx, 1, appCore.SettleJob)

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.SearchRateLimit > 0 {
		window := time.Duration(cfg.SearchRateWindowSecs) * time.Second
		if window <= 0 {
			window = time.Minute
		}
		limiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "bookwright:ratelimit", cfg.SearchRateLimit, window)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}
	proxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		SearchLimiter:  limiter,
		TrustedProxies: proxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("search server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
