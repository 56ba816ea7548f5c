package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/bluedollar/backend/docs"
	"github.com/bluedollar/backend/internal/audit"
	"github.com/bluedollar/backend/internal/config"
	"github.com/bluedollar/backend/internal/database"
	"github.com/bluedollar/backend/internal/handlers"
	"github.com/bluedollar/backend/internal/logger"
	mW "github.com/bluedollar/backend/internal/middleware"
	"github.com/bluedollar/backend/internal/services"
	"github.com/bluedollar/backend/internal/stellar"
	"github.com/bluedollar/backend/internal/vault"
)

// @title Blue Dollar Backend API
// @version 1.0
// @description Stellar wallets, BD token payments, memo and service marketplace
// @host localhost:8080
// @BasePath /api
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("log.format", "LOG_FORMAT")
	viper.BindEnv("static.asset_icons", "ASSET_ICON_DIR")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("static.asset_icons", "./static/asset-icons")

	configErr := viper.ReadInConfig()

	logger.SetLevel(viper.GetString("log.level"))
	if viper.GetString("log.format") == "json" {
		logger.SetJSON()
	}
	if configErr != nil {
		logger.Infof("[CONFIG] Config file not found, using environment: %v", configErr)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Blue Dollar Backend API"
	docs.SwaggerInfo.Description = "Stellar wallets, BD token payments, memo and service marketplace"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:" + viper.GetString("server.port")
	docs.SwaggerInfo.BasePath = "/api"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	stellarCfg := config.LoadStellarConfig()
	if err := stellarCfg.Validate(); err != nil {
		logger.Fatalf("[CONFIG] %v", err)
	}
	keycloakCfg := config.LoadKeycloakConfig()
	vaultCfg := config.LoadVaultConfig()
	reconcilerCfg := config.LoadReconcilerConfig()

	// Initialize storage
	db := database.InitDatabase()
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.Migrate(migrateCtx, db); err != nil {
		cancelMigrate()
		logger.Fatalf("[DATABASE] Migration failed: %v", err)
	}
	cancelMigrate()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	var secrets *vault.Vault
	if vaultCfg.MasterKey != "" {
		v, err := vault.New(vaultCfg.MasterKey, vaultCfg.Salt)
		if err != nil {
			logger.Fatalf("[VAULT] Failed to initialize vault: %v", err)
		}
		secrets = v
	} else {
		logger.Warn("[VAULT] VAULT_MASTER_KEY not set, generated secrets are stored unencrypted")
	}

	// Initialize services
	asset := stellar.Asset{Code: stellarCfg.AssetCode, Issuer: stellarCfg.IssuerPublicKey}
	gateway := stellar.NewHorizonGateway(stellarCfg)
	auditLogger := audit.NewLogger()

	transfers := services.NewTransferExecutor(gateway, auditLogger, stellarCfg.DefaultTimeout)
	recorder := services.NewLedgerRecorder(db, auditLogger)
	reconciler := services.NewLedgerReconciler(redisClient, recorder, reconcilerCfg.MaxAttempts, reconcilerCfg.Timeout)
	settlement := &services.Settlement{
		Recorder:   recorder,
		Balances:   services.NewBalanceUpdater(db, gateway, asset),
		Reconciler: reconciler,
	}

	if redisClient != nil {
		if err := reconciler.Start(reconcilerCfg.Schedule); err != nil {
			logger.Fatalf("[RECONCILE] %v", err)
		}
		defer reconciler.Stop()
	}

	memoService := services.NewMemoService(db, transfers, settlement, asset, stellarCfg.TransactionTimeout)
	marketplaceService := services.NewMarketplaceService(db, transfers, settlement, asset)
	walletService := services.NewWalletService(db, gateway, transfers, settlement, secrets, asset, services.WalletOptions{
		IssuerSecret: stellarCfg.IssuerSecretKey,
		InitialGrant: stellarCfg.InitialGrant,
		MinIssuerXLM: stellarCfg.MinIssuerXLM,
	})
	assetService := services.NewAssetService(db, gateway, transfers, secrets, stellarCfg.Network, stellarCfg.IsTestnet(), stellarCfg.DefaultTimeout)
	entityService := services.NewEntityService(db, secrets, stellarCfg.AssetCode)

	qrHandler := handlers.NewQRHandler(services.NewQRService(memoService, redisClient, asset, stellarCfg.Passphrase()))
	keycloakHandler := handlers.NewKeycloakHandler(services.NewTokenClient(keycloakCfg, redisClient, nil))

	jwksCtx, stopJWKS := context.WithCancel(context.Background())
	defer stopJWKS()
	jwks, err := mW.NewJWKSCache(jwksCtx, keycloakCfg.JWKSURL(), keycloakCfg.JWKSCacheTTL, keycloakCfg.JWKSUnknownKIDInterval, nil)
	if err != nil {
		logger.Fatalf("[AUTH] %v", err)
	}
	auth := mW.NewKeycloakAuth(keycloakCfg, jwks, redisClient)
	adminOnly := mW.RequireRole(keycloakCfg.AdminRoles...)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "network": stellarCfg.Network})
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Handle("/static/asset-icons/*", http.StripPrefix("/static/asset-icons/",
		mW.AssetIconServer(viper.GetString("static.asset_icons"))))

	r.Route("/api", func(r chi.Router) {
		r.Route("/memos", func(r chi.Router) {
			r.Post("/create", memoService.CreateMemo)
			r.Post("/pay-for-memo", memoService.PayForMemo)
			r.Get("/{memoId}/qr", qrHandler.MemoQR)
		})
		r.Post("/qr/decode", qrHandler.DecodeQR)

		r.Route("/services", func(r chi.Router) {
			r.Get("/", memoService.ListServices)
			r.Get("/requests/{requestId}", marketplaceService.GetRequest)
			r.Post("/request", marketplaceService.CreateRequest)
			r.Post("/propose", marketplaceService.Propose)
			r.Post("/accept-proposal", marketplaceService.AcceptProposal)
			r.Post("/pay", marketplaceService.PayForService)
		})

		r.Route("/wallets", func(r chi.Router) {
			r.Post("/create-account", walletService.CreateAccount)
			r.Post("/pay", walletService.PayXLM)
			r.Post("/pay-bd", walletService.PayBD)
			r.Post("/trustline", walletService.CreateTrustline)
			r.Get("/transactions", walletService.GetTransactions)
			r.Get("/persons", walletService.GetPersons)
			r.Post("/amounts", walletService.GetWalletAmounts)
		})

		r.Route("/keycloak", func(r chi.Router) {
			r.Post("/token", keycloakHandler.Token)
			r.Post("/refresh", keycloakHandler.Refresh)
			r.Post("/logout", keycloakHandler.Logout)
			r.With(auth.Authenticate).Get("/userinfo", keycloakHandler.UserInfo)
		})

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(auth.Authenticate)

			r.Route("/assets", func(r chi.Router) {
				r.Get("/", assetService.ListAssets)
				r.Get("/{assetId}", assetService.GetAsset)
				r.With(adminOnly).Post("/", assetService.CreateAsset)
				r.With(adminOnly).Patch("/{assetId}/toggle-status", assetService.ToggleAssetStatus)
				r.With(adminOnly).Post("/{assetId}/issue", assetService.IssueAsset)
			})

			r.Route("/entities", func(r chi.Router) {
				r.Get("/", entityService.ListEntities)
				r.Get("/statistics", entityService.GetStatistics)
				r.Get("/code/{code}", entityService.GetEntityByCode)
				r.Get("/{entityId}", entityService.GetEntity)
				r.With(adminOnly).Post("/", entityService.CreateEntity)
				r.With(adminOnly).Put("/{entityId}", entityService.UpdateEntity)
				r.With(adminOnly).Delete("/{entityId}", entityService.DeleteEntity)
				r.With(adminOnly).Patch("/{entityId}/toggle-status", entityService.ToggleEntityStatus)
				r.With(adminOnly).Post("/{entityId}/generate-keys", entityService.GenerateKeys)
			})
		})
	})

	port := viper.GetString("server.port")

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Infof("[SERVER] Listening on :%s (%s)", port, stellarCfg.Network)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("[SERVER] Failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("[SERVER] Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatalf("[SERVER] Forced to shutdown: %v", err)
	}

	logger.Info("[SERVER] Stopped")
}
