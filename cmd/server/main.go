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
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/qrcredit/backend/docs"
	"github.com/qrcredit/backend/internal/config"
	"github.com/qrcredit/backend/internal/database"
	"github.com/qrcredit/backend/internal/handlers"
	mW "github.com/qrcredit/backend/internal/middleware"
	"github.com/qrcredit/backend/internal/services"
)

// @title QR Credit System API
// @version 1.0
// @description API for the hierarchy credit allocation and QR generation system
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.SetEnvPrefix("")

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

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "QR Credit System API"
	docs.SwaggerInfo.Description = "API for the hierarchy credit allocation and QR generation system"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	qrConfig := config.LoadQRConfig()

	ledgerService := services.NewCreditLedgerService(db)
	hierarchyService := services.NewHierarchyService(db)
	creditService := services.NewCreditService(db, ledgerService, hierarchyService)
	superAdminService := services.NewSuperAdminService(db, ledgerService, hierarchyService)
	authService := services.NewAuthService(db, redisClient, hierarchyService)
	qrService := services.NewQRService(db, redisClient, ledgerService, hierarchyService, qrConfig)
	qrHandler := handlers.NewQRHandler(qrService, hierarchyService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

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

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Rendered QR images
	r.Handle("/static/qr-codes/*", http.StripPrefix("/static/qr-codes/",
		mW.StaticFileServer(qrConfig.ImageDir)))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Get("/qr/scan/{qrId}", qrHandler.Scan)
		r.Get("/qr/generateVCard/{qrId}", qrHandler.VCard)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetUserAccount)

			// Credit ledger endpoints
			r.Post("/credits/allocateCredits", creditService.AllocateCredits)
			r.Post("/credits/sync", creditService.SyncCredits)
			r.Get("/credits/balance", creditService.GetCreditsInfo)
			r.Get("/credits/transactions", creditService.GetTransactionsInfo)
			r.Get("/credits/getUpdatedTransactionDetails", creditService.GetUpdatedTransactionDetails)

			// Superadmin endpoints
			r.Post("/superAdmin/createAdmin", superAdminService.CreateAdmin)
			r.Post("/superAdmin/issueCredits", superAdminService.IssueCredits)
			r.Patch("/superAdmin/extendExpiry", superAdminService.ExtendCreditExpiry)
			r.Get("/superAdmin/getReport", superAdminService.GetReport)

			// Hierarchy endpoints
			r.Post("/users/create", hierarchyService.CreateNode)
			r.Get("/users/details", hierarchyService.GetUserDetails)
			r.Get("/users/hierarchy", hierarchyService.GetUserHierarchy)
			r.Get("/users/subordinates", hierarchyService.GetSubordinates)

			// QR endpoints
			r.Post("/qr/create", qrHandler.CreateQR)
			r.Get("/qr/list", qrHandler.ListByUser)
			r.Get("/qr/allList", qrHandler.ListAll)
			r.Patch("/qr/assign/{qrId}", qrHandler.Assign)
			r.Get("/qr/details/{qrId}", qrHandler.Details)
		})
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
