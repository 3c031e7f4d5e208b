package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/assohub/backend/internal/audit"
	"github.com/assohub/backend/internal/config"
	"github.com/assohub/backend/internal/database"
	"github.com/assohub/backend/internal/directory"
	mW "github.com/assohub/backend/internal/middleware"
	"github.com/assohub/backend/internal/notify"
	"github.com/assohub/backend/internal/queue"
	"github.com/assohub/backend/internal/services"
)

// @title AssoHub Ledger API
// @version 1.0
// @description Financial ledger for association management
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

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

	viper.BindEnv("queue.max_attempts", "QUEUE_MAX_ATTEMPTS")
	viper.SetDefault("queue.max_attempts", 3)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	billingCfg := config.LoadBillingConfig()
	importCfg := config.LoadImportConfig()
	erpCfg := config.LoadERPConfig()

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	auditLogger := audit.NewLogger()
	notifier := notify.NewLogNotifier()
	dir := directory.NewSQLDirectory(db)
	jobs := queue.New(redisClient, auditLogger, viper.GetInt("queue.max_attempts"))

	// The ledger's balance engine mirrors the legacy materialized
	// balances; distribution gets its own engine so wallet-only mode
	// can drop the member-account mirror for participant credits.
	ledgerBalance := services.NewWalletBalanceService(db, billingCfg.LegacyMirror)
	distributionBalance := services.NewWalletBalanceService(db, billingCfg.LegacyMirror && !billingCfg.WalletOnly)

	distributionService := services.NewRevenueDistributionService(db, distributionBalance, dir, auditLogger)
	entryService := services.NewLedgerEntryService(db, ledgerBalance, distributionService, auditLogger, notifier)
	billingService := services.NewRecurringBillingService(db, dir, notifier, billingCfg, jobs)
	importService := services.NewImportService(db, ledgerBalance, auditLogger, importCfg, jobs)
	erpConnector := services.NewERPConnector(db, erpCfg, auditLogger)

	jobs.Register(queue.JobImportConfirm, importService.HandleJob)
	jobs.Register(queue.JobBillingRun, billingService.HandleJob)
	jobs.Register(queue.JobERPSyncEntry, erpConnector.HandleJob)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	if redisClient != nil {
		go jobs.Run(workerCtx)
	}

	// Scheduled jobs: monthly billing and the stale idempotency sweep
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(billingCfg.Schedule, func() {
		if _, err := billingService.Run(time.Now().UTC()); err != nil {
			log.Printf("[BILLING] scheduled run failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("Invalid billing schedule %q: %v", billingCfg.Schedule, err)
	}
	scheduler.AddFunc("@hourly", func() {
		if _, err := erpConnector.ExpireStale(workerCtx); err != nil {
			log.Printf("[ERP] stale key sweep failed: %v", err)
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/entries", entryService.ListEntries)
		r.Post("/entries", entryService.CreateEntry)
		r.Get("/entries/{entryId}", entryService.GetEntry)
		r.Post("/entries/{entryId}/pay", entryService.PayEntry)
		r.Post("/entries/{entryId}/cancel", entryService.CancelEntry)
		r.Post("/entries/{entryId}/adjust", entryService.AdjustEntry)
		r.Post("/entries/{entryId}/erp-sync", erpConnector.SyncEntryHandler(jobs))

		r.Post("/events/{eventId}/distribute", distributionService.DistributeRevenue)

		r.Post("/billing/run", billingService.RunBilling)

		r.Post("/imports/preview", importService.PreviewImport)
		r.Get("/imports/{batchId}", importService.GetImportBatch)
		r.Post("/imports/{batchId}/confirm", importService.ConfirmImport)
		r.Post("/imports/{batchId}/reprocess", importService.ReprocessImport)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopWorker()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
