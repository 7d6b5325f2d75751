package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"icfesprep/internal/config"
	"icfesprep/internal/itembank"
	"icfesprep/internal/middleware"
	"icfesprep/internal/observability"
	"icfesprep/internal/services"
	"icfesprep/internal/version"
)

// workerProbeTimeout bounds the worker version lookup behind /v1/version
const workerProbeTimeout = 2 * time.Second

// RequestLoggingMiddleware logs every request with method, path, status and latency
func RequestLoggingMiddleware(logger *observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		statusCode := c.Writer.Status()
		fields := map[string]interface{}{
			"http.method":      c.Request.Method,
			"http.path":        c.Request.URL.Path,
			"http.status_code": statusCode,
			"http.latency_ms":  time.Since(start).Milliseconds(),
			"http.client_ip":   c.ClientIP(),
			"http.user_agent":  c.Request.UserAgent(),
		}
		if len(c.Errors) > 0 {
			fields["http.error"] = c.Errors.String()
		}
		if statusCode >= 400 {
			fields["http.response_size"] = c.Writer.Size()
			if statusCode >= 500 {
				fields["http.error_type"] = "server_error"
			} else {
				fields["http.error_type"] = "client_error"
			}
		}

		if statusCode >= 500 {
			logger.Error(c.Request.Context(), "HTTP request failed", nil, fields)
		} else if statusCode >= 400 {
			logger.Warn(c.Request.Context(), "HTTP request warning", fields)
		} else {
			logger.Info(c.Request.Context(), "HTTP request", fields)
		}
	}
}

// NewRouter creates the API router with all the necessary middleware and routes
func NewRouter(
	cfg *config.Config,
	sessionService services.AdaptiveSessionServiceInterface,
	itemBankService services.ItemBankServiceInterface,
	logger *observability.Logger,
) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	}

	schemas, err := middleware.DefaultSchemaLoader()
	if err != nil {
		return nil, err
	}
	loader, err := itembank.NewLoader()
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.ErrorRecoveryMiddleware(logger, middleware.ErrorRecoveryConfigFromServer(cfg.Server)))
	router.Use(RequestLoggingMiddleware(logger))

	// Health check endpoint (defined before any middleware)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "backend"})
	})

	router.Use(observability.GinMiddlewareWithErrorHandling("icfes-backend")...)

	router.RedirectTrailingSlash = false

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept-Language"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	secureConfig := secure.DefaultConfig()
	secureConfig.SSLRedirect = false
	secureConfig.IsDevelopment = cfg.Server.Debug
	secureConfig.ContentSecurityPolicy = config.DefaultCSP
	router.Use(secure.New(secureConfig))

	sessionHandler := NewSessionHandler(sessionService, logger)
	abilityHandler := NewAbilityHandler(sessionService, logger)
	itemAdminHandler := NewItemAdminHandler(itemBankService, loader, logger)

	v1 := router.Group("/v1")
	{
		// Version aggregation endpoint (no auth)
		v1.GET("/version", versionHandler(cfg.Server.WorkerInternalURL))

		api := v1.Group("")
		api.Use(middleware.RequireServiceToken(cfg.Server.APITokenHashes))

		sessions := api.Group("/sessions")
		{
			sessions.POST("", middleware.RequestValidationMiddleware(logger, schemas, middleware.SchemaStartSession), sessionHandler.StartSession)
			sessions.GET("/:id", sessionHandler.GetSession)
			sessions.GET("/:id/responses", sessionHandler.GetSessionResponses)
			sessions.POST("/:id/answers", middleware.RequestValidationMiddleware(logger, schemas, middleware.SchemaSubmitAnswer), sessionHandler.SubmitAnswer)
			sessions.POST("/:id/abandon", sessionHandler.AbandonSession)
		}

		users := api.Group("/users/:userId")
		{
			users.GET("/abilities", abilityHandler.GetAbilityProfile)
			users.GET("/abilities/:subject", abilityHandler.GetAbility)
		}

		admin := api.Group("/admin")
		{
			admin.GET("/items", itemAdminHandler.ListItems)
			admin.PUT("/items", itemAdminHandler.UpsertItems)
			admin.GET("/items/information", itemAdminHandler.GetBankInformation)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		StandardizeHTTPError(c, http.StatusNotFound, "Not found", c.Request.URL.Path)
	})

	routeListing := NewRouteListingHandler("Backend")
	routeListing.CollectRoutes(router)
	router.GET("/", routeListing.GetRouteListingJSON)

	return router, nil
}

// versionHandler reports the backend build and, best effort, the worker's
func versionHandler(workerInternalURL string) gin.HandlerFunc {
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   workerProbeTimeout,
	}

	return func(c *gin.Context) {
		backendVersion := version.Get("backend")

		var workerVersion interface{} = gin.H{"error": "Worker unavailable"}
		if workerInternalURL != "" {
			req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, workerInternalURL+"/v1/version", nil)
			if err == nil {
				resp, err := client.Do(req)
				if err == nil {
					defer func() { _ = resp.Body.Close() }()
					if resp.StatusCode == http.StatusOK {
						var decoded interface{}
						if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
							workerVersion = gin.H{"error": "Failed to decode worker version"}
						} else {
							workerVersion = decoded
						}
					}
				}
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"backend": backendVersion,
			"worker":  workerVersion,
		})
	}
}
