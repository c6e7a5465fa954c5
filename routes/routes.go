package routes

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tunneldl/api/config"
	"github.com/tunneldl/api/handlers"
	"github.com/tunneldl/api/middleware"
)

// Deps are the collaborators the middleware needs besides the handlers
type Deps struct {
	Sessions middleware.TokenValidator
	Setup    middleware.SetupState
	Shares   middleware.ShareAuthorizer
}

func Setup(cfg *config.Config, api *handlers.API, deps Deps) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	// CORS configuration
	origins := []string{"http://localhost:3000", "http://localhost:5173"}
	if cfg.FrontendURL != "" {
		origins = append(origins, cfg.FrontendURL)
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Range", middleware.ShareAccessHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Range", "Accept-Ranges"},
		AllowCredentials: true,
	}))

	// Health check
	r.GET("/api/health", api.Health)

	// Setup wizard (no auth, closed once setup is complete)
	r.GET("/api/setup/status", api.GetSetupStatus)
	setupAPI := r.Group("/api/setup")
	setupAPI.Use(middleware.SetupPending(deps.Setup))
	{
		setupAPI.POST("/credentials", api.SetupCredentials)
		setupAPI.POST("/connect", api.SetupConnect)
		setupAPI.GET("/exit-nodes", api.GetSetupExitNodes)
		setupAPI.POST("/exit-node", api.SetupExitNode)
		setupAPI.POST("/complete", api.SetupComplete)
	}

	r.POST("/api/auth/login", api.Login)

	// Public share links
	shareAPI := r.Group("/s/:token")
	{
		shareAPI.GET("", api.GetPublicShare)
		shareAPI.POST("/verify", api.VerifyShare)
		shareAPI.GET("/stream", middleware.ShareAccess(deps.Shares), api.StreamShare)
	}

	// Protected routes. The token may also come as ?token= for EventSource,
	// <video> and download links.
	protected := r.Group("/api")
	protected.Use(middleware.AuthRequired(deps.Sessions))
	{
		protected.GET("/auth/validate", api.ValidateSession)
		protected.POST("/auth/logout", api.Logout)

		protected.GET("/formats", api.GetFormats)

		downloads := protected.Group("/downloads")
		{
			downloads.GET("", api.ListDownloads)
			downloads.POST("", api.CreateDownload)
			downloads.GET("/:id", api.GetDownload)
			downloads.PATCH("/:id", api.UpdateDownload)
			downloads.DELETE("/:id", api.DeleteDownload)
			downloads.POST("/:id/retry", api.RetryDownload)
			downloads.GET("/:id/stream", api.StreamDownload)
			downloads.GET("/:id/file", api.DownloadFile)
			downloads.POST("/:id/share", api.CreateShare)
			downloads.GET("/:id/shares", api.ListShares)
		}

		protected.DELETE("/shares/:id", api.DeleteShare)
		protected.GET("/shares/:id/qr", api.GetShareQRCode)

		protected.GET("/events", api.StreamEvents)
		protected.GET("/events/token", api.GetEventsToken)

		vpn := protected.Group("/vpn")
		{
			vpn.GET("/status", api.GetVPNStatus)
			vpn.GET("/exit-nodes", api.ListExitNodes)
			vpn.PUT("/exit-node", api.SelectExitNode)
			vpn.POST("/reconnect", api.ReconnectVPN)
			vpn.POST("/disconnect", api.DisconnectVPN)
		}

		settings := protected.Group("/settings")
		{
			settings.GET("", api.GetSettings)
			settings.PUT("", api.UpdateSettings)
			settings.PUT("/credentials", api.ChangeCredentials)
			settings.GET("/vpn", api.GetVPNSettings)
			settings.PUT("/vpn", api.UpdateVPNSettings)
		}

		categories := protected.Group("/categories")
		{
			categories.GET("", api.ListCategories)
			categories.POST("", api.CreateCategory)
			categories.PUT("/:id", api.UpdateCategory)
			categories.DELETE("/:id", api.DeleteCategory)
		}
	}

	return r
}
