package api

import (
	"errors"
	"time"

	"recipe-ingest/internal/api/handlers/health"
	"recipe-ingest/internal/api/handlers/ingest"
	recipeHandler "recipe-ingest/internal/api/handlers/recipe"
	searchHandler "recipe-ingest/internal/api/handlers/search"
	"recipe-ingest/internal/api/middleware"
	"recipe-ingest/internal/core/lifecycle"
	"recipe-ingest/internal/core/pipeline"
	"recipe-ingest/internal/core/search"
	"recipe-ingest/internal/core/store"
	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/common"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Services 路由需要的服務
type Services struct {
	Runner    *pipeline.Runner
	Lifecycle *lifecycle.Controller
	Search    *search.Resolver
	Recipes   store.RecipeStore
	Artifacts store.ArtifactStore
	Storage   health.Pinger
	Queue     health.QueueStatus
	Model     string
}

// SetupRouter 設置路由
func SetupRouter(cfg *config.Config, svc Services) (*gin.Engine, error) {
	if svc.Runner == nil || svc.Lifecycle == nil || svc.Search == nil || svc.Recipes == nil || svc.Artifacts == nil {
		return nil, errors.New("api: runner, lifecycle, search and stores are required")
	}

	common.LogInfo("Starting router setup",
		zap.Bool("debug_mode", cfg.App.Debug),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Env),
	)

	// 設置 gin 模式
	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// 註冊基礎中間件
	router.Use(middleware.Recovery())
	router.Use(requestid.New())
	router.Use(middleware.Logger())

	// CORS 設置
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID", "If-Match"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID", "ETag", "Location"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// 請求體大小限制
	router.Use(middleware.BodySizeLimit(cfg.Server.MaxBodyBytes))

	// 健康檢查路由
	healthHandler := health.NewHandler(health.Options{
		Version: cfg.App.Version,
		Env:     cfg.App.Env,
		Model:   svc.Model,
		Storage: svc.Storage,
		Queue:   svc.Queue,
	})
	router.GET("/health", healthHandler.HealthCheck)
	router.GET("/ready", healthHandler.ReadinessCheck)
	router.GET("/live", healthHandler.LivenessCheck)

	debug := cfg.App.Debug
	ingestHandler := ingest.NewHandler(svc.Runner, svc.Lifecycle, svc.Artifacts, debug)
	recipes := recipeHandler.NewHandler(svc.Recipes, svc.Lifecycle, debug)
	providers := searchHandler.NewHandler(svc.Search)

	api := router.Group("/api/v1")
	if cfg.RateLimit.Enabled {
		api.Use(middleware.RateLimit(cfg.RateLimit.Requests, cfg.RateLimit.Window))
	}

	// 進度串流為長連線，不套用請求逾時
	api.GET("/ingest/tasks/:taskId/events", ingestHandler.Events)

	timed := api.Group("")
	timed.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	{
		tasks := timed.Group("/ingest/tasks")
		tasks.POST("", middleware.Deduplication(cfg.DedupWindow), ingestHandler.Create)
		tasks.GET("/:taskId", ingestHandler.Get)
		tasks.GET("/:taskId/artifacts", ingestHandler.Artifacts)
		tasks.GET("/:taskId/artifacts/:name", ingestHandler.Artifact)
		tasks.POST("/:taskId/commit", ingestHandler.Commit)
		tasks.POST("/:taskId/reject", ingestHandler.Reject)
		tasks.POST("/:taskId/repair", ingestHandler.Repair)

		timed.GET("/search/providers", providers.Providers)

		recipeGroup := timed.Group("/recipes")
		recipeGroup.GET("/:recipeId", recipes.Get)
		recipeGroup.POST("/:recipeId/patches/apply", recipes.ApplyPatches)
		recipeGroup.POST("/:recipeId/patches/reject", recipes.RejectPatches)
	}

	common.LogInfo("Router setup completed successfully",
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		zap.Duration("request_timeout", cfg.Server.RequestTimeout),
		zap.Int64("max_body_size", cfg.Server.MaxBodyBytes),
	)

	return router, nil
}
