// internal/app/server.go
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"chainbill-service/internal/config"
	"chainbill-service/internal/db"
	merchantHandler "chainbill-service/internal/handlers/merchant"
	purchaseHandler "chainbill-service/internal/handlers/purchase"
	splitHandler "chainbill-service/internal/handlers/split"
	"chainbill-service/internal/middleware"
	"chainbill-service/internal/pkg/jwt"
	"chainbill-service/internal/repository/postgres"
	chainsvc "chainbill-service/internal/service/chain"
	"chainbill-service/internal/service/idempotency"
	monitorsvc "chainbill-service/internal/service/monitor"
	oraclesvc "chainbill-service/internal/service/oracle"
	providersvc "chainbill-service/internal/service/provider"
	purchasesvc "chainbill-service/internal/service/purchase"
	splitsvc "chainbill-service/internal/service/split"
	treasurysvc "chainbill-service/internal/service/treasury"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	cfg     config.AppConfig
	engine  *gin.Engine
	logger  *zap.Logger
	monitor *monitorsvc.Monitor
	http    *http.Server
}

func NewServer() *Server {
	cfg := config.Load()
	engine := gin.New()
	return &Server{cfg: cfg, engine: engine}
}

func (s *Server) Start() error {
	// ----- Logger -----
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()
	s.logger = logger

	// ----- PostgreSQL -----
	pool, err := db.ConnectDB(s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// ----- Redis -----
	redisClient, err := db.NewRedisClient(db.RedisConfig{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPass,
		DB:       0,
		PoolSize: 10,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Println("[REDIS] connected")

	// ----- JWT Verifier -----
	jwtVerifier, err := jwt.LoadVerifier(s.cfg.JWT)
	if err != nil {
		return fmt.Errorf("failed to load JWT verifier: %w", err)
	}

	// ----- Repositories -----
	orderRepo := postgres.NewPurchaseOrderRepository(pool)
	ledgerRepo := postgres.NewLedgerRepository(pool)
	walletRepo := postgres.NewWalletAddressRepository(pool)
	splitRepo := postgres.NewSplitRepository(postgres.NewDB(pool))

	// ----- Chain Verifier Registry -----
	registry, err := s.buildRegistry(logger)
	if err != nil {
		return err
	}

	// ----- Services -----
	rateFetcher := oraclesvc.NewHTTPFetcher(s.cfg.Oracle.BaseURL, s.cfg.Oracle.Currency, 10*time.Second)
	oracle := oraclesvc.NewService(rateFetcher, s.cfg.Oracle.CacheTTL, s.cfg.Oracle.StaticRates, logger)

	guard := idempotency.NewGuard(redisClient, orderRepo, logger)

	deliverer := providersvc.NewClient(
		s.cfg.Provider.BaseURL,
		s.cfg.Provider.APIKey,
		s.cfg.Provider.Secret,
		s.cfg.Provider.Timeout,
		logger,
	)

	addressBook := treasurysvc.NewAddressBook(s.cfg.Treasury.Addresses)
	signer := treasurysvc.NewSignerClient(s.cfg.Treasury.SignerURL, 60*time.Second)

	purchaseService := purchasesvc.NewService(purchasesvc.Deps{
		Orders:        orderRepo,
		Guard:         guard,
		Quoter:        oracle,
		Registry:      registry,
		Deliverer:     deliverer,
		Addresses:     addressBook,
		Refunder:      signer,
		Logger:        logger,
		Currency:      s.cfg.Oracle.Currency,
		TolerancePct:  s.cfg.TolerancePct,
		VerifyRetries: s.cfg.VerifyRetries,
		VerifyDelay:   s.cfg.VerifyDelay,
		ProductBounds: s.cfg.ProductBounds,
	})

	splitService := splitsvc.NewService(splitRepo, signer, logger)

	// ----- Passive Monitor -----
	s.monitor = monitorsvc.New(monitorsvc.Deps{
		Orders:       orderRepo,
		Ledger:       ledgerRepo,
		Wallets:      walletRepo,
		Completer:    purchaseService,
		Registry:     registry,
		Logger:       logger,
		TolerancePct: s.cfg.TolerancePct,
		Interval:     s.cfg.SweepInterval,
	})
	s.monitor.Start()

	// ----- Handlers -----
	purchaseHandlerInst := purchaseHandler.NewPurchaseHandler(purchaseService)
	merchantHandlerInst := merchantHandler.NewMerchantHandler(purchaseService)
	splitHandlerInst := splitHandler.NewSplitHandler(splitService)

	// ----- Middlewares -----
	authMiddleware := middleware.NewAuthMiddleware(jwtVerifier)
	rateLimiter := middleware.NewRateLimiter(redisClient, logger)

	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.RequestIDMiddleware(),
		middleware.LoggingMiddleware(logger),
		middleware.CORSMiddleware(),
	)

	// ----- Router -----
	handlers := &Handlers{
		PurchaseHandler:        purchaseHandlerInst,
		MerchantHandler:        merchantHandlerInst,
		SplitHandler:           splitHandlerInst,
		AuthMiddleware:         authMiddleware,
		RateLimiter:            rateLimiter,
		PurchaseLimitPerMinute: s.cfg.RateLimitPerMinute,
	}
	SetupRouter(s.engine, logger, handlers)

	// ----- Start HTTP -----
	s.http = &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.engine}
	log.Printf("server running on %s", s.cfg.HTTPAddr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the sweep loop, drains in-flight requests and closes the
// listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.http != nil {
		return s.http.Shutdown(ctx)
	}
	return nil
}

// buildRegistry constructs one verifier per configured chain. The Ethereum
// dial is the only constructor that can fail at startup.
func (s *Server) buildRegistry(logger *zap.Logger) (*chainsvc.Registry, error) {
	chains := s.cfg.Chains

	ethVerifier, err := chainsvc.NewEthereumVerifier(chains.EthereumRPC, chains.EthereumMinConf, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build ethereum verifier: %w", err)
	}

	erc20Tokens := make(map[string]chainsvc.ERC20Token, len(chains.ERC20Tokens))
	for symbol, t := range chains.ERC20Tokens {
		erc20Tokens[strings.ToUpper(symbol)] = chainsvc.ERC20Token{
			Contract: ethcommon.HexToAddress(t.Contract),
			Decimals: t.Decimals,
		}
	}
	erc20Verifier, err := chainsvc.NewERC20Verifier(chains.EthereumRPC, chains.EthereumMinConf, erc20Tokens, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build erc20 verifier: %w", err)
	}

	return chainsvc.NewRegistry(
		ethVerifier,
		erc20Verifier,
		chainsvc.NewBitcoinVerifier(chains.BitcoinAPI, chains.BitcoinMinConf, chains.RequestTimeout, logger),
		chainsvc.NewSolanaVerifier(chains.SolanaRPC, logger),
		chainsvc.NewStellarVerifier(chains.StellarHorizon, chains.RequestTimeout, logger),
		chainsvc.NewPolkadotVerifier(chains.PolkadotAPI, chains.PolkadotAPIKey, chains.RequestTimeout, logger),
		chainsvc.NewStarknetVerifier(chains.StarknetRPC, chains.StarknetTokens, chains.RequestTimeout, logger),
	), nil
}
