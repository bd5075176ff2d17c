package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swiftcab/swiftcab-backend/internal/database"
	"github.com/swiftcab/swiftcab-backend/internal/feed"
	"github.com/swiftcab/swiftcab-backend/internal/handlers"
	"github.com/swiftcab/swiftcab-backend/internal/hub"
	"github.com/swiftcab/swiftcab-backend/internal/ledger"
	"github.com/swiftcab/swiftcab-backend/internal/middleware"
	"github.com/swiftcab/swiftcab-backend/internal/offers"
	"github.com/swiftcab/swiftcab-backend/internal/registry"
	"github.com/swiftcab/swiftcab-backend/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment")
	}

	db, err := database.InitDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get database instance: %v", err)
	}

	// Configure connection pool
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Redis is optional; location/status mirroring degrades to no-ops
	if err := services.InitRedis(); err != nil {
		log.Printf("Redis initialization warning: %v", err)
	}

	h := hub.NewHub()
	go h.Run()

	reg := registry.New()
	rideLedger := ledger.New(db)
	sched := feed.NewScheduler(reg, rideLedger, h)
	notifier := services.NewHubNotifier(h)
	coord := offers.NewCoordinator(db, rideLedger, reg, notifier)

	handlers.WireRealtime(db, h, reg, sched)

	r := gin.Default()

	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	r.Use(cors.New(config))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", handlers.Register(db))
			auth.POST("/login", handlers.Login(db))
		}

		api.GET("/ws", middleware.AuthMiddleware(), handlers.WebSocketHandler(db, h, reg, sched))

		protected := api.Group("/")
		protected.Use(middleware.AuthMiddleware())
		{
			driver := protected.Group("/driver")
			{
				driver.POST("/register", handlers.RegisterDriver(db, reg))
				driver.POST("/location", handlers.UpdateDriverLocation(db, reg))
				driver.POST("/status", handlers.UpdateDriverStatus(db, reg, sched, h))
				driver.GET("/feed", handlers.GetDriverFeed(db, reg, rideLedger))
			}

			rides := protected.Group("/rides")
			{
				rides.POST("", handlers.CreateRide(db, rideLedger, reg, sched, h))
				rides.POST("/:rideId/claim", handlers.ClaimRide(db, rideLedger, reg, sched, coord, h))
				rides.PATCH("/:rideId/status", handlers.UpdateRideStatus(db, rideLedger, reg, sched, h))
				rides.POST("/:rideId/cancel", handlers.CancelRide(db, rideLedger, reg, sched, coord, h))
				rides.GET("/:rideId/history", handlers.GetRideHistory(db, rideLedger, reg))
			}

			matching := protected.Group("/matching")
			{
				matching.POST("/find-drivers", handlers.FindDrivers(reg))
				matching.GET("/stats", handlers.MatchingStats(reg))
			}

			offerRoutes := protected.Group("/offers")
			{
				offerRoutes.POST("", handlers.CreateOffer(db, reg, coord))
				offerRoutes.POST("/:offerId/accept", handlers.AcceptOffer(db, rideLedger, reg, sched, coord))
				offerRoutes.POST("/:offerId/reject", handlers.RejectOffer(db, rideLedger, reg, sched, coord))
				offerRoutes.POST("/:offerId/cancel", handlers.CancelOffer(db, reg, coord))
			}
		}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
